package core

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"companion.chat/relay/internal/apperrors"
	"companion.chat/relay/internal/logging"
	"companion.chat/relay/internal/store"
)

// UserDirectory manages the users collection.
type UserDirectory struct {
	db       store.DocumentStore
	log      *logging.Logger
	observer Observer
}

func NewUserDirectory(db store.DocumentStore, log *logging.Logger, observer Observer) *UserDirectory {
	if observer == nil {
		observer = NopObserver{}
	}
	return &UserDirectory{db: db, log: log, observer: observer}
}

// Register creates a user with no preferences. Both username and a non-zero
// age are required.
func (d *UserDirectory) Register(ctx context.Context, username string, age int64) (store.User, error) {
	if username == "" || age == 0 {
		return store.User{}, apperrors.Validation("Username and age are required")
	}

	userID := uuid.NewString()
	_, err := d.db.CreateDocument(ctx, store.UsersCollection, userID, store.Document{
		store.FieldUsername:         username,
		store.FieldAge:              age,
		store.FieldCreatedAt:        store.ServerTimestamp,
		store.FieldPersonaCompleted: false,
		store.FieldPreferences:      map[string]any{},
	})
	d.observer.ObserveStore("create_user", err)
	if err != nil {
		d.log.Error("failed to register user", logging.Fields{"error": err.Error()})
		return store.User{}, apperrors.Upstream(err)
	}

	d.log.Info("user registered", logging.Fields{"user_id": userID})
	return store.User{
		ID:          userID,
		Username:    username,
		Age:         age,
		Preferences: map[string]string{},
	}, nil
}

// SetPreferences replaces the user's preferences and marks the persona as
// completed. Updating a user that does not exist fails with NotFound.
func (d *UserDirectory) SetPreferences(ctx context.Context, userID string, preferences map[string]string) error {
	if userID == "" || len(preferences) == 0 {
		return apperrors.Validation("User ID and preferences are required")
	}

	err := d.db.UpdateDocument(ctx, store.UsersCollection, userID, store.Document{
		store.FieldPreferences:      store.PreferencesDocument(preferences),
		store.FieldPersonaCompleted: true,
	})
	d.observer.ObserveStore("update_user", err)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("User not found")
		}
		d.log.Error("failed to update preferences", logging.Fields{"user_id": userID, "error": err.Error()})
		return apperrors.Upstream(err)
	}

	d.log.Info("preferences updated", logging.Fields{"user_id": userID, "keys": len(preferences)})
	return nil
}

// GetUser loads a user by id.
func (d *UserDirectory) GetUser(ctx context.Context, userID string) (store.User, error) {
	if userID == "" {
		return store.User{}, apperrors.Validation("User ID is required")
	}

	doc, err := d.db.GetDocument(ctx, store.UsersCollection, userID)
	d.observer.ObserveStore("get_user", err)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, apperrors.NotFound("User not found")
		}
		return store.User{}, apperrors.Upstream(err)
	}
	return store.UserFromDocument(userID, doc), nil
}
