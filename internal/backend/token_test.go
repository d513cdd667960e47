package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/meetscribe/voicelink/internal/resilience"
)

func TestFetchToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tokenPath {
			t.Errorf("Expected %s, got %s", tokenPath, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer session-jwt" {
			t.Errorf("Missing bearer token, got %q", got)
		}
		json.NewEncoder(w).Encode(Token{Token: "nls-token", AppKey: "appkey-1", Region: "cn-beijing"})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, AuthToken: "session-jwt"})
	token, err := c.FetchToken(context.Background())
	if err != nil {
		t.Fatalf("FetchToken failed: %v", err)
	}
	if token.Token != "nls-token" || token.AppKey != "appkey-1" || token.Region != "cn-beijing" {
		t.Errorf("Unexpected token %+v", token)
	}
}

func TestFetchToken_BackendMessageSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "session expired"})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, AuthToken: "stale"})
	_, err := c.FetchToken(context.Background())
	if err == nil || !strings.Contains(err.Error(), "session expired") {
		t.Errorf("Expected the backend message, got %v", err)
	}
}

func TestFetchToken_IncompleteResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "only-token"})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL})
	if _, err := c.FetchToken(context.Background()); err == nil {
		t.Error("Expected an error for a response without app_key")
	}
}

func TestFetchToken_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "backend warming up", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Token{Token: "nls-token", AppKey: "appkey-1", Region: "cn-beijing"})
	}))
	defer server.Close()

	c := NewClient(Config{
		BaseURL: server.URL,
		Retry:   &resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: 1, MaxBackoff: 10, BackoffMultiplier: 2},
	})
	token, err := c.FetchToken(context.Background())
	if err != nil {
		t.Fatalf("FetchToken should survive 5xx responses: %v", err)
	}
	if token.Token != "nls-token" {
		t.Errorf("Unexpected token %+v", token)
	}
	if hits.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", hits.Load())
	}
}

func TestFetchToken_DoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL})
	if _, err := c.FetchToken(context.Background()); err == nil {
		t.Fatal("Expected an error")
	}
	if hits.Load() != 1 {
		t.Errorf("4xx should not be retried, got %d attempts", hits.Load())
	}
}
