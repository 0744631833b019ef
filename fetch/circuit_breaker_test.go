package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCircuitBreakerGetSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("test content"))
	}))
	defer server.Close()

	cb := NewCircuitBreakerFetcher(newTestFetcher(t), DefaultBreakerOptions())
	resp, err := cb.Get(context.Background(), server.URL+"/test.tar.gz")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "test content" {
		t.Errorf("body = %q, want %q", string(body), "test content")
	}
}

func TestHostOf(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"npm registry", "https://registry.npmjs.org/left-pad/-/left-pad-1.3.0.tgz", "registry.npmjs.org"},
		{"pypi files", "https://files.pythonhosted.org/packages/abc/def/file.tar.gz", "files.pythonhosted.org"},
		{"invalid URL", "not-a-valid-url", "not-a-valid-url"},
		{"with port", "https://example.com:8080/path", "example.com:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hostOf(tt.url); got != tt.want {
				t.Errorf("hostOf(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestCircuitBreakerState(t *testing.T) {
	server1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("server1"))
	}))
	defer server1.Close()
	server2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("server2"))
	}))
	defer server2.Close()

	cb := NewCircuitBreakerFetcher(newTestFetcher(t), DefaultBreakerOptions())
	if states := cb.State(); len(states) != 0 {
		t.Errorf("State() has %d entries before any request, want 0", len(states))
	}

	for _, u := range []string{server1.URL, server2.URL} {
		resp, err := cb.Get(context.Background(), u+"/test")
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", u, err)
		}
		_ = resp.Body.Close()
	}

	states := cb.State()
	if len(states) != 2 {
		t.Errorf("State() has %d entries, want 2", len(states))
	}
	for host, state := range states {
		if state != "closed" {
			t.Errorf("state[%s] = %q, want %q", host, state, "closed")
		}
	}
}

func TestCircuitBreakerOpensOnFailures(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := BreakerOptions{Threshold: 3, InitialInterval: time.Minute, MaxInterval: time.Minute}
	cb := NewCircuitBreakerFetcher(newTestFetcher(t, WithMaxRetries(0)), opts)

	var lastErr error
	for range 6 {
		_, lastErr = cb.Get(context.Background(), server.URL+"/test")
	}

	if !errors.Is(lastErr, ErrUpstreamDown) {
		t.Errorf("last Get = %v, want ErrUpstreamDown", lastErr)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3 before the breaker opened", got)
	}
	for host, state := range cb.State() {
		if state != "open" {
			t.Errorf("state[%s] = %q, want %q", host, state, "open")
		}
	}
}

func TestCircuitBreakerIgnoresNotFound(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	opts := BreakerOptions{Threshold: 2, InitialInterval: time.Minute, MaxInterval: time.Minute}
	cb := NewCircuitBreakerFetcher(newTestFetcher(t), opts)

	for range 5 {
		if _, err := cb.Get(context.Background(), server.URL+"/missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get = %v, want ErrNotFound", err)
		}
	}
	if got := requests.Load(); got != 5 {
		t.Errorf("requests = %d, want 5", got)
	}
}
