package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem is only ever built in memory for the completion request.
	RoleSystem Role = "system"
)

// Field names of the users and messages collections.
const (
	FieldUsername         = "username"
	FieldAge              = "age"
	FieldCreatedAt        = "created_at"
	FieldPersonaCompleted = "persona_completed"
	FieldPreferences      = "preferences"

	FieldUserID    = "userid"
	FieldRole      = "role"
	FieldContent   = "content"
	FieldTimestamp = "timestamp"
)

type User struct {
	ID               string            `json:"user_id"`
	Username         string            `json:"username"`
	Age              int64             `json:"age"`
	CreatedAt        *time.Time        `json:"created_at"`
	PersonaCompleted bool              `json:"persona_completed"`
	Preferences      map[string]string `json:"preferences"`
}

type Message struct {
	UserID  string `json:"-"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Timestamp is nil while a server timestamp has not been resolved yet.
	Timestamp *time.Time `json:"timestamp"`
}

// UserFromDocument decodes a users document.
func UserFromDocument(id string, doc Document) User {
	return User{
		ID:               id,
		Username:         asString(doc[FieldUsername]),
		Age:              asInt64(doc[FieldAge]),
		CreatedAt:        asTime(doc[FieldCreatedAt]),
		PersonaCompleted: asBool(doc[FieldPersonaCompleted]),
		Preferences:      asStringMap(doc[FieldPreferences]),
	}
}

// MessageFromDocument decodes a messages document.
func MessageFromDocument(doc Document) Message {
	return Message{
		UserID:    asString(doc[FieldUserID]),
		Role:      Role(asString(doc[FieldRole])),
		Content:   asString(doc[FieldContent]),
		Timestamp: asTime(doc[FieldTimestamp]),
	}
}

// PreferencesDocument converts preferences to the nested map stored in the
// users collection.
func PreferencesDocument(prefs map[string]string) map[string]any {
	out := make(map[string]any, len(prefs))
	for k, v := range prefs {
		out[k] = v
	}
	return out
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(math.Round(t))
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return int64(math.Round(f))
		}
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func asTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return &t
	case *time.Time:
		return t
	}
	return nil
}

func asStringMap(v any) map[string]string {
	out := map[string]string{}
	switch t := v.(type) {
	case map[string]string:
		for k, val := range t {
			out[k] = val
		}
	case map[string]any:
		for k, val := range t {
			out[k] = asString(val)
		}
	case Document:
		for k, val := range t {
			out[k] = asString(val)
		}
	}
	return out
}
