package authapi

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"scribe/cmd/internal/auth/access"
	"scribe/cmd/security/accesskey"
)

const testAccessKey = "relay-access-key-0123"

func testKeys() accesskey.Config {
	cfg := accesskey.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func newTestHandler(t *testing.T, cfg Config) (*Handler, access.Manager) {
	t.Helper()

	tokens, err := access.NewPasetoV4PublicManager(access.DefaultConfig())
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	h, err := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, tokens, testKeys())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h, tokens
}

func doToken(t *testing.T, h *Handler, method, key string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(method, "/auth/token", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	if key != "" {
		req.Header.Set(AccessKeyHeader, key)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestHandleToken_IssuesVerifiableToken(t *testing.T) {
	t.Parallel()

	h, tokens := newTestHandler(t, Config{TokenIPMax: 10, TokenIPWindow: time.Minute})

	rr := doToken(t, h, http.MethodGet, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("content-type=%q", ct)
	}
	if rr.Header().Get(ExpiresHeader) == "" {
		t.Fatalf("missing %s header", ExpiresHeader)
	}

	claims, err := tokens.Verify(rr.Body.String(), time.Now().UTC())
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if len(claims.PeerID) != 26 {
		t.Fatalf("expected ULID peer id, got %q", claims.PeerID)
	}
}

func TestHandleToken_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, Config{})
	if rr := doToken(t, h, http.MethodPost, ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestHandleToken_AccessKey(t *testing.T) {
	t.Parallel()

	hash, err := testKeys().Hash(testAccessKey)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h, _ := newTestHandler(t, Config{AccessKeyHash: hash})

	tests := []struct {
		name string
		key  string
		want int
	}{
		{name: "missing", key: "", want: http.StatusUnauthorized},
		{name: "wrong", key: "not-the-relay-key-000", want: http.StatusUnauthorized},
		{name: "right", key: testAccessKey, want: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if rr := doToken(t, h, http.MethodGet, tc.key); rr.Code != tc.want {
				t.Fatalf("status=%d, want %d", rr.Code, tc.want)
			}
		})
	}
}

func TestHandleToken_RateLimited(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, Config{TokenIPMax: 2, TokenIPWindow: time.Minute})

	for i := range 2 {
		if rr := doToken(t, h, http.MethodGet, ""); rr.Code != http.StatusOK {
			t.Fatalf("request %d status=%d", i, rr.Code)
		}
	}
	rr := doToken(t, h, http.MethodGet, "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}

func TestNewHandler_RejectsMalformedKeyHash(t *testing.T) {
	t.Parallel()

	tokens, err := access.NewPasetoV4PublicManager(access.DefaultConfig())
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	if _, err := NewHandler(nil, Config{AccessKeyHash: "plain-text"}, tokens, testKeys()); err == nil {
		t.Fatalf("expected error for malformed hash")
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/auth/token", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientIP(req, false).String(); got != "192.0.2.10" {
		t.Fatalf("untrusted proxy: got %s", got)
	}
	if got := clientIP(req, true).String(); got != "203.0.113.7" {
		t.Fatalf("trusted proxy: got %s", got)
	}
}
