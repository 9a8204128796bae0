package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	authapi "scribe/cmd/internal/auth/api"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 101, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "1xx"},
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 307, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 429, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
		{status: 42, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "unknown"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
}

func TestWithRequestLogging_RecordsStatusAndBytes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down")
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/token", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	checks := map[string]any{
		"msg":          "http.request",
		"level":        "WARN",
		"path":         "/auth/token",
		"status":       float64(429),
		"status_class": "4xx",
		"result":       "client_error",
		"bytes":        float64(len("slow down")),
	}
	for k, want := range checks {
		if line[k] != want {
			t.Fatalf("%s=%v want %v (line %v)", k, line[k], want, line)
		}
	}
}

func TestWithCORS(t *testing.T) {
	t.Parallel()

	cfg := Config{
		CORSAllowedOrigins:   []string{"https://editor.example.com", "http://127.0.0.1:*"},
		CORSAllowCredentials: true,
		CORSMaxAgeSeconds:    600,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cases := []struct {
		name       string
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantAllow  string
		wantNext   bool
	}{
		{name: "no origin passes through", method: http.MethodGet, wantStatus: http.StatusOK, wantNext: true},
		{name: "allowed get", method: http.MethodGet, origin: "https://editor.example.com", wantStatus: http.StatusOK, wantAllow: "https://editor.example.com", wantNext: true},
		{name: "wildcard port", method: http.MethodGet, origin: "http://127.0.0.1:55123", wantStatus: http.StatusOK, wantAllow: "http://127.0.0.1:55123", wantNext: true},
		{name: "preflight", method: http.MethodOptions, origin: "https://editor.example.com", preflight: true, wantStatus: http.StatusNoContent, wantAllow: "https://editor.example.com"},
		{name: "foreign origin", method: http.MethodGet, origin: "https://evil.example.com", wantStatus: http.StatusForbidden},
		{name: "foreign preflight", method: http.MethodOptions, origin: "http://localhost:3000", preflight: true, wantStatus: http.StatusForbidden},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			called := false
			h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}), cfg, log)

			req := httptest.NewRequest(tc.method, "/auth/token", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if tc.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodGet)
				req.Header.Set("Access-Control-Request-Headers", authapi.AccessKeyHeader)
			}

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("status=%d want %d", rr.Code, tc.wantStatus)
			}
			if called != tc.wantNext {
				t.Fatalf("next called=%v want %v", called, tc.wantNext)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
				t.Fatalf("allow-origin=%q want %q", got, tc.wantAllow)
			}
			if tc.wantAllow == "" {
				return
			}
			if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
				t.Fatalf("allow-credentials=%q", got)
			}
			if got := rr.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, authapi.ExpiresHeader) {
				t.Fatalf("expose-headers=%q missing %s", got, authapi.ExpiresHeader)
			}
			if tc.preflight {
				if got := rr.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, authapi.AccessKeyHeader) {
					t.Fatalf("allow-headers=%q missing %s", got, authapi.AccessKeyHeader)
				}
				if got := rr.Header().Get("Access-Control-Max-Age"); got != "600" {
					t.Fatalf("max-age=%q", got)
				}
			}
		})
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s=%q want %q", k, got, v)
		}
	}
}
