package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moby/locker"

	"companion.chat/relay/internal/apperrors"
	"companion.chat/relay/internal/llm"
	"companion.chat/relay/internal/logging"
	"companion.chat/relay/internal/metrics"
	"companion.chat/relay/internal/store"
)

type ChatOptions struct {
	Model           string
	Temperature     float64
	MaxTokens       int
	HistoryWindow   int
	ProviderTimeout time.Duration
	// SerializeTurns runs turns for the same user one at a time.
	SerializeTurns bool
}

// DefaultChatOptions returns the fixed generation settings of the relay.
func DefaultChatOptions(model string) ChatOptions {
	return ChatOptions{
		Model:           model,
		Temperature:     0.7,
		MaxTokens:       1024,
		HistoryWindow:   20,
		ProviderTimeout: 60 * time.Second,
	}
}

// TurnResult is the assistant reply produced for one user turn.
type TurnResult struct {
	Reply string
	Model string
}

// ChatService records conversation turns and relays them to the completion
// provider.
type ChatService struct {
	db       store.DocumentStore
	users    *UserDirectory
	provider llm.Provider
	opts     ChatOptions
	locks    *locker.Locker
	log      *logging.Logger
	observer Observer
}

func NewChatService(db store.DocumentStore, users *UserDirectory, provider llm.Provider, opts ChatOptions, log *logging.Logger, observer Observer) *ChatService {
	if observer == nil {
		observer = NopObserver{}
	}
	s := &ChatService{
		db:       db,
		users:    users,
		provider: provider,
		opts:     opts,
		log:      log,
		observer: observer,
	}
	if opts.SerializeTurns {
		s.locks = locker.New()
	}
	return s
}

// HandleTurn stores the user's message, asks the provider for a reply using
// the recent history and the user's preferences, stores the reply and returns
// it. A failure after the user message has been written leaves that message
// in place without a reply.
func (s *ChatService) HandleTurn(ctx context.Context, userID, message string) (result TurnResult, err error) {
	defer func() { s.observer.ObserveTurn(turnOutcome(err)) }()

	if userID == "" || message == "" {
		return TurnResult{}, apperrors.Validation("User ID and message are required")
	}
	log := s.log.With(logging.Fields{"user_id": userID})

	// The turn runs to completion even if the client goes away.
	ctx = context.WithoutCancel(ctx)

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		log.Warn("chat turn rejected", logging.Fields{"error": err.Error()})
		return TurnResult{}, err
	}
	log.Debug("user loaded", logging.Fields{"username": user.Username})

	if s.locks != nil {
		s.locks.Lock(userID)
		defer s.locks.Unlock(userID)
	}

	if err := s.appendMessage(ctx, userID, store.RoleUser, message); err != nil {
		log.Error("failed to save user message", logging.Fields{"error": err.Error()})
		return TurnResult{}, apperrors.Upstream(err)
	}

	history, err := s.loadHistory(ctx, userID)
	if err != nil {
		log.Error("failed to load conversation history", logging.Fields{"error": err.Error()})
		return TurnResult{}, apperrors.Upstream(err)
	}
	window := WindowMessages(history, s.opts.HistoryWindow)
	log.Debug("conversation history loaded", logging.Fields{"stored": len(history), "window": len(window)})

	req := llm.Request{
		Model:       s.opts.Model,
		Messages:    BuildCompletionMessages(BuildSystemPrompt(user), window),
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	}
	resp, err := s.complete(ctx, req)
	if err != nil {
		log.Error("completion provider failed", logging.Fields{"provider": s.provider.Name(), "error": err.Error()})
		return TurnResult{}, apperrors.Upstream(err)
	}
	log.Debug("completion received", logging.Fields{"chars": len(resp.Content), "output_tokens": resp.OutputTokens})

	if err := s.appendMessage(ctx, userID, store.RoleAssistant, resp.Content); err != nil {
		log.Error("failed to save assistant message", logging.Fields{"error": err.Error()})
		return TurnResult{}, apperrors.Upstream(err)
	}

	log.Info("chat turn completed")
	return TurnResult{Reply: resp.Content, Model: s.opts.Model}, nil
}

// GetMessages returns the user's full transcript in timestamp order.
func (s *ChatService) GetMessages(ctx context.Context, userID string) ([]store.Message, error) {
	if userID == "" {
		return nil, apperrors.Validation("User ID is required")
	}
	messages, err := s.loadHistory(ctx, userID)
	if err != nil {
		return nil, apperrors.Upstream(err)
	}
	return messages, nil
}

func (s *ChatService) appendMessage(ctx context.Context, userID string, role store.Role, content string) error {
	_, err := s.db.CreateDocument(ctx, store.MessagesCollection, "", store.Document{
		store.FieldUserID:    userID,
		store.FieldRole:      string(role),
		store.FieldContent:   content,
		store.FieldTimestamp: store.ServerTimestamp,
	})
	s.observer.ObserveStore("create_message", err)
	return err
}

// loadHistory fetches the user's messages unordered and sorts them here, so
// the store needs no composite index.
func (s *ChatService) loadHistory(ctx context.Context, userID string) ([]store.Message, error) {
	snaps, err := s.db.QueryByField(ctx, store.MessagesCollection, store.FieldUserID, userID)
	s.observer.ObserveStore("query_messages", err)
	if err != nil {
		return nil, err
	}

	messages := make([]store.Message, 0, len(snaps))
	for _, snap := range snaps {
		messages = append(messages, store.MessageFromDocument(snap.Data))
	}
	SortMessages(messages)
	return messages, nil
}

func (s *ChatService) complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if s.opts.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ProviderTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.provider.CreateChatCompletion(ctx, req)
	s.observer.ObserveCompletion(s.provider.Name(), time.Since(start), err)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return llm.Response{}, fmt.Errorf("completion provider timed out after %s: %w", s.opts.ProviderTimeout, err)
	}
	return resp, err
}

func turnOutcome(err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return metrics.OutcomeValidation
	case apperrors.KindNotFound:
		return metrics.OutcomeNotFound
	case apperrors.KindUpstream:
		return metrics.OutcomeUpstream
	default:
		return metrics.OutcomeInternal
	}
}
