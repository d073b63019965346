package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"markdownflow/api/internal/store"
)

func newTestServer(fs *fakeStore) *HTTPServer {
	return NewHTTPServer(newTestService(fs), "*")
}

func doJSON(t *testing.T, server *HTTPServer, method, target, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	}
	return rr, payload
}

func TestRegisterEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr, payload := doJSON(t, server, http.MethodPost, "/api/auth/register",
		`{"email":"admin@example.com","password":"password123"}`, nil)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if payload["accessToken"] == "" || payload["accessToken"] == nil {
		t.Error("expected accessToken")
	}
	if payload["refreshToken"] == "" || payload["refreshToken"] == nil {
		t.Error("expected refreshToken")
	}
	if payload["role"] != "ADMIN" {
		t.Errorf("expected ADMIN role, got %v", payload["role"])
	}
	if payload["email"] != "admin@example.com" {
		t.Errorf("unexpected email %v", payload["email"])
	}
}

func TestRegisterEndpointDisabled(t *testing.T) {
	server := newTestServer(&fakeStore{
		createFirstUserFn: func(context.Context, store.User) (bool, error) {
			return false, nil
		},
	})

	rr, payload := doJSON(t, server, http.MethodPost, "/api/auth/register",
		`{"email":"second@example.com","password":"password123"}`, nil)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if payload["code"] != "REGISTRATION_DISABLED" {
		t.Errorf("unexpected code %v", payload["code"])
	}
	if payload["error"] != "Registration disabled" {
		t.Errorf("unexpected message %v", payload["error"])
	}
}

func TestLoginEndpoint(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			if email != "admin@example.com" {
				return store.User{}, sql.ErrNoRows
			}
			return store.User{ID: "user-1", Email: email, PasswordHash: string(hash), Role: store.RoleAdmin}, nil
		},
	}
	server := newTestServer(fs)

	t.Run("valid credentials", func(t *testing.T) {
		rr, payload := doJSON(t, server, http.MethodPost, "/api/auth/login",
			`{"email":"admin@example.com","password":"password123"}`, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if payload["accessToken"] == "" || payload["accessToken"] == nil {
			t.Error("expected accessToken")
		}
		if payload["userId"] != "user-1" {
			t.Errorf("unexpected userId %v", payload["userId"])
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		rr, payload := doJSON(t, server, http.MethodPost, "/api/auth/login",
			`{"email":"admin@example.com","password":"nope-nope"}`, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
		if payload["error"] != "Invalid email or password" {
			t.Errorf("unexpected message %v", payload["error"])
		}
	})

	t.Run("unknown email", func(t *testing.T) {
		rr, _ := doJSON(t, server, http.MethodPost, "/api/auth/login",
			`{"email":"ghost@example.com","password":"password123"}`, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	server := newTestServer(&fakeStore{})

	for _, target := range []string{"/api/projects", "/api/keys", "/api/files/file-1", "/api/search?q=x"} {
		rr, payload := doJSON(t, server, http.MethodGet, target, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", target, rr.Code)
		}
		if payload["code"] != "UNAUTHORIZED" {
			t.Errorf("%s: unexpected code %v", target, payload["code"])
		}
	}
}

func TestSessionEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{})

	t.Run("anonymous", func(t *testing.T) {
		rr, payload := doJSON(t, server, http.MethodGet, "/api/session", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if payload["authenticated"] != false {
			t.Errorf("expected authenticated false, got %v", payload["authenticated"])
		}
	})

	t.Run("with token", func(t *testing.T) {
		_, registered := doJSON(t, server, http.MethodPost, "/api/auth/register",
			`{"email":"admin@example.com","password":"password123"}`, nil)
		token, _ := registered["accessToken"].(string)
		if token == "" {
			t.Fatal("register did not issue a token")
		}

		rr, payload := doJSON(t, server, http.MethodGet, "/api/session", "", map[string]string{
			"Authorization": "Bearer " + token,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if payload["authenticated"] != true {
			t.Errorf("expected authenticated true, got %v", payload["authenticated"])
		}
		if payload["email"] != "admin@example.com" {
			t.Errorf("unexpected email %v", payload["email"])
		}
	})
}

func TestRefreshEndpoint(t *testing.T) {
	sessions := map[string]string{}
	fs := &fakeStore{
		saveRefreshFn: func(_ context.Context, tokenHash, userID string, _ time.Time) error {
			sessions[tokenHash] = userID
			return nil
		},
		lookupRefreshFn: func(_ context.Context, tokenHash string) (store.User, error) {
			userID, ok := sessions[tokenHash]
			if !ok {
				return store.User{}, sql.ErrNoRows
			}
			return store.User{ID: userID}, nil
		},
		revokeRefreshFn: func(_ context.Context, tokenHash string) error {
			delete(sessions, tokenHash)
			return nil
		},
	}
	server := newTestServer(fs)

	_, registered := doJSON(t, server, http.MethodPost, "/api/auth/register",
		`{"email":"admin@example.com","password":"password123"}`, nil)
	refreshToken, _ := registered["refreshToken"].(string)
	if refreshToken == "" {
		t.Fatal("register did not issue a refresh token")
	}

	rr, payload := doJSON(t, server, http.MethodPost, "/api/session/refresh",
		`{"refreshToken":"`+refreshToken+`"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if payload["accessToken"] == "" || payload["accessToken"] == nil {
		t.Error("expected new accessToken")
	}
	if payload["refreshToken"] == refreshToken {
		t.Error("expected rotated refresh token")
	}

	rr, payload = doJSON(t, server, http.MethodPost, "/api/session/refresh",
		`{"refreshToken":"bogus"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if payload["error"] != "Refresh token invalid" {
		t.Errorf("unexpected message %v", payload["error"])
	}
}

func TestLogoutEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr, payload := doJSON(t, server, http.MethodPost, "/api/session/logout",
		`{"refreshToken":"whatever"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["ok"] != true {
		t.Errorf("expected ok true, got %v", payload["ok"])
	}
}
