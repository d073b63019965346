// Package apikey issues and resolves bot API keys.
//
// A raw key is shown exactly once at creation. The store keeps only a
// bcrypt hash plus a short plaintext prefix used to narrow the lookup
// before the hash comparison.
package apikey

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"markdownflow/api/internal/store"
	"markdownflow/api/internal/util"
)

const (
	rawKeyBytes = 32
	prefixLen   = 10
)

// ErrInvalidKey means no stored key matched the presented one.
var ErrInvalidKey = errors.New("invalid api key")

// KeyStore defines the storage interface for API keys.
type KeyStore interface {
	InsertAPIKey(ctx context.Context, key store.APIKey) error
	APIKeysByPrefix(ctx context.Context, prefix string) ([]store.APIKey, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	TouchAPIKey(ctx context.Context, keyID string) error
}

// Service issues and resolves API keys.
type Service struct {
	store KeyStore
}

// NewService creates a new API key service.
func NewService(store KeyStore) *Service {
	return &Service{store: store}
}

// Generated holds a freshly issued key. RawKey is not recoverable
// afterwards.
type Generated struct {
	Key    store.APIKey
	RawKey string
}

// Generate issues a new key for the user.
func (s *Service) Generate(ctx context.Context, userID, name string) (Generated, error) {
	rawKey := "sk-" + util.NewSecret(rawKeyBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return Generated{}, fmt.Errorf("hash api key: %w", err)
	}

	key := store.APIKey{
		ID:        util.NewID("key"),
		UserID:    userID,
		KeyPrefix: rawKey[:prefixLen] + "...",
		KeyHash:   string(hash),
		Name:      name,
	}

	if err := s.store.InsertAPIKey(ctx, key); err != nil {
		return Generated{}, fmt.Errorf("insert api key: %w", err)
	}

	return Generated{Key: key, RawKey: rawKey}, nil
}

// Resolve authenticates a raw key and returns its owner. Candidates
// sharing the same prefix are tried in turn against the bcrypt hash.
func (s *Service) Resolve(ctx context.Context, rawKey string) (store.User, error) {
	if len(rawKey) < prefixLen {
		return store.User{}, ErrInvalidKey
	}

	candidates, err := s.store.APIKeysByPrefix(ctx, rawKey[:prefixLen]+"...")
	if err != nil {
		return store.User{}, fmt.Errorf("lookup api keys: %w", err)
	}

	for _, candidate := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidate.KeyHash), []byte(rawKey)) != nil {
			continue
		}

		user, err := s.store.GetUserByID(ctx, candidate.UserID)
		if err != nil {
			return store.User{}, fmt.Errorf("load key owner: %w", err)
		}

		// Best effort; a failed touch must not fail the request.
		_ = s.store.TouchAPIKey(ctx, candidate.ID)

		return user, nil
	}

	return store.User{}, ErrInvalidKey
}
