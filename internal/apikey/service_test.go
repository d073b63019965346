package apikey

import (
	"context"
	"errors"
	"strings"
	"testing"

	"markdownflow/api/internal/store"
)

type mockKeyStore struct {
	keys    []store.APIKey
	users   map[string]store.User
	touched []string
}

func newMockKeyStore() *mockKeyStore {
	return &mockKeyStore{users: make(map[string]store.User)}
}

func (m *mockKeyStore) InsertAPIKey(ctx context.Context, key store.APIKey) error {
	m.keys = append(m.keys, key)
	return nil
}

func (m *mockKeyStore) APIKeysByPrefix(ctx context.Context, prefix string) ([]store.APIKey, error) {
	var out []store.APIKey
	for _, key := range m.keys {
		if key.KeyPrefix == prefix {
			out = append(out, key)
		}
	}
	return out, nil
}

func (m *mockKeyStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if user, ok := m.users[userID]; ok {
		return user, nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockKeyStore) TouchAPIKey(ctx context.Context, keyID string) error {
	m.touched = append(m.touched, keyID)
	return nil
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockKeyStore()
	svc := NewService(mockStore)

	generated, err := svc.Generate(ctx, "user_1", "ci-bot")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(generated.RawKey, "sk-") {
		t.Errorf("expected raw key to start with sk-, got %s", generated.RawKey)
	}
	if len(generated.RawKey) != 3+2*rawKeyBytes {
		t.Errorf("unexpected raw key length %d", len(generated.RawKey))
	}
	if generated.Key.KeyPrefix != generated.RawKey[:prefixLen]+"..." {
		t.Errorf("unexpected prefix %s", generated.Key.KeyPrefix)
	}
	if generated.Key.KeyHash == generated.RawKey {
		t.Error("raw key stored unhashed")
	}
	if len(mockStore.keys) != 1 {
		t.Fatalf("expected 1 stored key, got %d", len(mockStore.keys))
	}
}

func TestGenerateKeysAreUnique(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMockKeyStore())

	first, err := svc.Generate(ctx, "user_1", "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.Generate(ctx, "user_1", "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.RawKey == second.RawKey {
		t.Error("two generated keys are identical")
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockKeyStore()
	mockStore.users["user_1"] = store.User{ID: "user_1", Email: "admin@example.com", Role: store.RoleAdmin}
	svc := NewService(mockStore)

	generated, err := svc.Generate(ctx, "user_1", "ci-bot")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	t.Run("valid key resolves to owner", func(t *testing.T) {
		user, err := svc.Resolve(ctx, generated.RawKey)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.ID != "user_1" {
			t.Errorf("expected user_1, got %s", user.ID)
		}
	})

	t.Run("resolve records usage", func(t *testing.T) {
		before := len(mockStore.touched)
		if _, err := svc.Resolve(ctx, generated.RawKey); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(mockStore.touched) != before+1 {
			t.Error("expected key to be touched")
		}
		if mockStore.touched[len(mockStore.touched)-1] != generated.Key.ID {
			t.Error("touched the wrong key")
		}
	})

	t.Run("same prefix wrong key", func(t *testing.T) {
		fake := generated.RawKey[:len(generated.RawKey)-4] + "0000"
		if fake == generated.RawKey {
			fake = generated.RawKey[:len(generated.RawKey)-4] + "1111"
		}
		_, err := svc.Resolve(ctx, fake)
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("expected ErrInvalidKey, got %v", err)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := svc.Resolve(ctx, "sk-0000000000000000000000000000000000000000000000000000000000000000")
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("expected ErrInvalidKey, got %v", err)
		}
	})

	t.Run("too short key", func(t *testing.T) {
		_, err := svc.Resolve(ctx, "sk-")
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("expected ErrInvalidKey, got %v", err)
		}
	})
}
