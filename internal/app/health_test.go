package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr, payload := doJSON(t, server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["ok"] != true {
		t.Errorf("expected ok true, got %v", payload["ok"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		server := newTestServer(&fakeStore{})
		rr, payload := doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if payload["status"] != "ready" {
			t.Errorf("unexpected status %v", payload["status"])
		}
	})

	t.Run("database down", func(t *testing.T) {
		server := newTestServer(&fakeStore{
			pingFn: func(context.Context) error {
				return errors.New("connection refused")
			},
		})
		rr, payload := doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		if payload["status"] != "not_ready" {
			t.Errorf("unexpected status %v", payload["status"])
		}
	})
}

func TestPreflightRequest(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr, _ := doJSON(t, server, http.MethodOptions, "/api/projects", "", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("unexpected allow origin %q", got)
	}
	allowHeaders := rr.Header().Get("Access-Control-Allow-Headers")
	if allowHeaders == "" {
		t.Error("expected Access-Control-Allow-Headers")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	server := newTestServer(&fakeStore{})

	t.Run("assigned when absent", func(t *testing.T) {
		rr, _ := doJSON(t, server, http.MethodGet, "/api/health", "", nil)
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected a generated request ID")
		}
	})

	t.Run("echoed when supplied", func(t *testing.T) {
		rr, _ := doJSON(t, server, http.MethodGet, "/api/health", "", map[string]string{
			"X-Request-ID": "req-abc123",
		})
		if got := rr.Header().Get("X-Request-ID"); got != "req-abc123" {
			t.Errorf("expected echoed request ID, got %q", got)
		}
	})
}

func TestUnknownRouteRequiresSession(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr, _ := doJSON(t, server, http.MethodGet, "/api/nope", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
