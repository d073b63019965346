// Package authpw provides email/password authentication.
//
// Registration is single-shot: the first account ever created becomes
// the admin, and every later attempt is refused. All reviewer accounts
// on an instance are therefore this one user.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"markdownflow/api/internal/store"
	"markdownflow/api/internal/util"
)

var (
	// ErrRegistrationDisabled means an account already exists.
	ErrRegistrationDisabled = errors.New("registration disabled")
	// ErrInvalidCredentials covers unknown email and wrong password alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrValidation marks malformed register/sign-in input.
	ErrValidation = errors.New("invalid input")
)

// UserStore defines the storage interface for auth.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateFirstUser(ctx context.Context, user store.User) (bool, error)
}

// Service provides email/password authentication.
type Service struct {
	store UserStore
}

// NewService creates a new auth service.
func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// RegisterRequest contains registration parameters.
type RegisterRequest struct {
	Email    string
	Password string
}

// Register creates the admin account. The guarded insert decides
// atomically whether this instance already has its user, so two
// concurrent registrations can never both succeed.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return store.User{}, fmt.Errorf("%w: a valid email is required", ErrValidation)
	}
	if len(req.Password) < 6 {
		return store.User{}, fmt.Errorf("%w: password must be at least 6 characters", ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("user"),
		Email:        email,
		PasswordHash: string(hash),
		Role:         store.RoleAdmin,
	}

	created, err := s.store.CreateFirstUser(ctx, user)
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	if !created {
		return store.User{}, ErrRegistrationDisabled
	}
	return user, nil
}

// SignInRequest contains sign-in parameters.
type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user by email and password.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || req.Password == "" {
		return store.User{}, fmt.Errorf("%w: email and password are required", ErrValidation)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	return user, nil
}
