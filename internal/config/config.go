package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"companion.chat/relay/internal/store"
)

const (
	BackendSQLite    = store.BackendSQLite
	BackendMongo     = store.BackendMongo
	BackendFirestore = store.BackendFirestore
	BackendMemory    = store.BackendMemory

	ProviderGroq   = "groq"
	ProviderGemini = "gemini"

	defaultGroqModel   = "llama-3.3-70b-versatile"
	defaultGeminiModel = "gemini-1.5-flash-latest"
	defaultGroqURL     = "https://api.groq.com/openai/v1"
)

// FirebaseConfig holds the service-account fields the Firestore backend
// assembles into a credential when no credential file is given.
type FirebaseConfig struct {
	Type                string
	ProjectID           string
	PrivateKeyID        string
	PrivateKey          string
	ClientEmail         string
	ClientID            string
	AuthURI             string
	TokenURI            string
	AuthProviderCertURL string
	ClientCertURL       string
	ServiceAccountPath  string
}

type Config struct {
	HTTPPort  string
	LogLevel  string
	LogFormat string
	StaticDir string

	CORSAllowedOrigins []string

	StoreBackend  string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	Firebase      FirebaseConfig

	LLMProvider     string
	GroqAPIKey      string
	GroqBaseURL     string
	GeminiAPIKey    string
	ChatModel       string
	Temperature     float64
	MaxTokens       int
	HistoryWindow   int
	ProviderTimeout time.Duration

	SerializeTurns bool
}

var AppConfig Config

// LoadConfig populates AppConfig from the environment and exits on invalid
// configuration.
func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg, err := Load()
	if err != nil {
		log.Fatal(err)
	}
	AppConfig = cfg
}

// Load reads the configuration from the process environment without touching
// .env files.
func Load() (Config, error) {
	cfg, err := LoadStore()
	if err != nil {
		return Config{}, err
	}

	cfg.HTTPPort = getEnv("HTTP_PORT", "5001")
	cfg.StaticDir = getEnv("STATIC_DIR", "static")
	cfg.CORSAllowedOrigins = splitList(getEnv("CORS_ALLOWED_ORIGINS", "*"))

	cfg.LLMProvider = strings.ToLower(getEnv("LLM_PROVIDER", ProviderGroq))
	cfg.GroqAPIKey = getEnv("GROQ_API_KEY", "")
	cfg.GroqBaseURL = getEnv("GROQ_BASE_URL", defaultGroqURL)
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", "")
	cfg.Temperature = getEnvAsFloat("CHAT_TEMPERATURE", 0.7)
	cfg.MaxTokens = getEnvAsInt("CHAT_MAX_TOKENS", 1024)
	cfg.HistoryWindow = getEnvAsInt("HISTORY_WINDOW", 20)
	cfg.ProviderTimeout = getEnvAsDuration("PROVIDER_TIMEOUT", 60*time.Second)
	cfg.SerializeTurns = getEnvAsBool("SERIALIZE_TURNS", false)

	switch cfg.LLMProvider {
	case ProviderGroq:
		cfg.ChatModel = getEnv("CHAT_MODEL", defaultGroqModel)
		if cfg.GroqAPIKey == "" {
			return Config{}, fmt.Errorf("GROQ_API_KEY environment variable is required")
		}
	case ProviderGemini:
		cfg.ChatModel = getEnv("CHAT_MODEL", defaultGeminiModel)
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("GEMINI_API_KEY environment variable is required")
		}
	default:
		return Config{}, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}

	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("HISTORY_WINDOW must be positive, got %d", cfg.HistoryWindow)
	}
	return cfg, nil
}

// LoadStore reads only the logging and document store settings, for tools
// that never talk to a completion provider.
func LoadStore() (Config, error) {
	cfg := Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),
		DatabaseURL:   getEnv("DATABASE_URL", "companion.db"),
		MongoURI:      getEnv("MONGODB_URI", ""),
		MongoDatabase: getEnv("MONGODB_DATABASE", "companion"),
		Firebase:      loadFirebase(),
	}
	if err := cfg.validateStore(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validateStore() error {
	switch c.StoreBackend {
	case BackendSQLite, BackendMemory:
		return nil
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI environment variable is required for the mongo backend")
		}
		return nil
	case BackendFirestore:
		return c.Firebase.Validate()
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
}

// StoreOptions translates the store settings for store.Open.
func (c Config) StoreOptions() store.Options {
	fb := c.Firebase
	return store.Options{
		Backend:       c.StoreBackend,
		SQLitePath:    c.DatabaseURL,
		MongoURI:      c.MongoURI,
		MongoDatabase: c.MongoDatabase,
		Firestore: store.FirestoreOptions{
			ProjectID:       fb.ProjectID,
			CredentialsFile: fb.ServiceAccountPath,
			Account: store.ServiceAccount{
				Type:                    fb.Type,
				ProjectID:               fb.ProjectID,
				PrivateKeyID:            fb.PrivateKeyID,
				PrivateKey:              fb.PrivateKey,
				ClientEmail:             fb.ClientEmail,
				ClientID:                fb.ClientID,
				AuthURI:                 fb.AuthURI,
				TokenURI:                fb.TokenURI,
				AuthProviderX509CertURL: fb.AuthProviderCertURL,
				ClientX509CertURL:       fb.ClientCertURL,
			},
		},
	}
}

// Validate reports the credential fields that are missing when no
// service-account file is configured.
func (f FirebaseConfig) Validate() error {
	if f.ServiceAccountPath != "" {
		return nil
	}
	var missing []string
	if f.ProjectID == "" {
		missing = append(missing, "project_id")
	}
	if f.PrivateKey == "" {
		missing = append(missing, "private_key")
	}
	if f.ClientEmail == "" {
		missing = append(missing, "client_email")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required Firebase credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

func loadFirebase() FirebaseConfig {
	return FirebaseConfig{
		Type:                getEnv("FIREBASE_TYPE", "service_account"),
		ProjectID:           getEnv("FIREBASE_PROJECT_ID", ""),
		PrivateKeyID:        getEnv("FIREBASE_PRIVATE_KEY_ID", ""),
		PrivateKey:          strings.ReplaceAll(getEnv("FIREBASE_PRIVATE_KEY", ""), `\n`, "\n"),
		ClientEmail:         getEnv("FIREBASE_CLIENT_EMAIL", ""),
		ClientID:            getEnv("FIREBASE_CLIENT_ID", ""),
		AuthURI:             getEnv("FIREBASE_AUTH_URI", "https://accounts.google.com/o/oauth2/auth"),
		TokenURI:            getEnv("FIREBASE_TOKEN_URI", "https://oauth2.googleapis.com/token"),
		AuthProviderCertURL: getEnv("FIREBASE_AUTH_PROVIDER_CERT_URL", "https://www.googleapis.com/oauth2/v1/certs"),
		ClientCertURL:       getEnv("FIREBASE_CLIENT_CERT_URL", ""),
		ServiceAccountPath:  getEnv("FIREBASE_SERVICE_ACCOUNT_PATH", ""),
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
