// Package auth holds the seller's session: the bearer token the realtime
// client and the REST client authenticate with, and the account it belongs to.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nkkko/orderfeed/internal/logging"
	"github.com/nkkko/orderfeed/internal/storage"
	"github.com/nkkko/orderfeed/pkg/client"
)

// Storage keys shared with the mobile app's persisted session
const (
	KeyAuthToken = "@seller_auth_token"
	KeyUserData  = "@seller_user_data"
)

// Store keeps the session in memory for synchronous reads and persists it
// to a KV store.
type Store struct {
	kv     storage.KV
	logger zerolog.Logger

	mu    sync.RWMutex
	token string
	user  *client.User
}

// NewStore creates an empty store over kv. Call Load to restore a saved session.
func NewStore(kv storage.KV) *Store {
	return &Store{
		kv:     kv,
		logger: logging.Component("auth"),
	}
}

// Load restores the persisted session. A missing session is not an error.
func (s *Store) Load() error {
	token, err := s.kv.Get(KeyAuthToken)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Debug().Msg("No stored session")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load auth token: %w", err)
	}

	var user *client.User
	data, err := s.kv.Get(KeyUserData)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to load user data: %w", err)
	default:
		var u client.User
		if err := json.Unmarshal(data, &u); err != nil {
			s.logger.Warn().Err(err).Msg("Ignoring unreadable stored user data")
		} else {
			user = &u
		}
	}

	s.mu.Lock()
	s.token = string(token)
	s.user = user
	s.mu.Unlock()

	s.logger.Info().Bool("has_user", user != nil).Msg("Restored stored session")
	return nil
}

// Token returns the current bearer token, empty when logged out
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// HasToken reports whether a session is present
func (s *Store) HasToken() bool {
	return s.Token() != ""
}

// User returns a copy of the logged in account, or nil
func (s *Store) User() *client.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// SaveSession stores a freshly issued token and its account
func (s *Store) SaveSession(token string, user client.User) error {
	if token == "" {
		return errors.New("token is required")
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user data: %w", err)
	}

	// A token without its account would restore as a half session
	err = s.kv.SetAll(map[string][]byte{
		KeyAuthToken: []byte(token),
		KeyUserData:  data,
	})
	if err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.user = &user
	s.mu.Unlock()

	s.logger.Info().Str("seller_id", user.ID).Msg("Session saved")
	return nil
}

// Clear logs out. The in-memory session is dropped even if persistence fails.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.token = ""
	s.user = nil
	s.mu.Unlock()

	var errs []error
	if err := s.kv.Delete(KeyAuthToken); err != nil {
		errs = append(errs, err)
	}
	if err := s.kv.Delete(KeyUserData); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	s.logger.Info().Msg("Session cleared")
	return nil
}
