// Package authapi serves GET /auth/token: short-lived relay access tokens for the
// interactive client, optionally guarded by a shared access key.
package authapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"scribe/cmd/internal/ids"
	"scribe/cmd/internal/auth/access"
	"scribe/cmd/security/accesskey"
	"scribe/cmd/security/fingerprint"
)

// AccessKeyHeader carries the shared access key on token requests.
const AccessKeyHeader = "X-Scribe-Access-Key"

// ExpiresHeader reports the token expiry (RFC 3339) alongside the plain-text body.
const ExpiresHeader = "X-Token-Expires-At"

// Handler wires the token endpoint to the token manager.
type Handler struct {
	log *slog.Logger
	cfg Config

	tokens   access.Manager
	keys     accesskey.Config
	throttle *ipThrottle

	now func() time.Time
}

// NewHandler constructs a token Handler. A configured access key hash must parse.
func NewHandler(log *slog.Logger, cfg Config, tokens access.Manager, keys accesskey.Config) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if tokens == nil {
		return nil, errors.New("auth: nil token manager")
	}
	if cfg.AccessKeyHash != "" {
		if _, err := keys.Verify(cfg.AccessKeyHash, ""); err != nil {
			return nil, err
		}
	}

	return &Handler{
		log:      log,
		cfg:      cfg,
		tokens:   tokens,
		keys:     keys,
		throttle: newIPThrottle(cfg.TokenIPMax, cfg.TokenIPWindow),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/token", h.handleToken)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)
	ipKey := ""
	if ip != nil {
		ipKey = ip.String()
	}

	if blocked, retryAfter := h.throttle.hit(ipKey, now); blocked {
		h.log.Info("auth.token.rate_limited", "ip", ipKey, "retry_after_s", int64(retryAfter.Seconds()))
		writeRateLimited(w, retryAfter)
		return
	}

	if h.cfg.AccessKeyHash != "" {
		key := strings.TrimSpace(r.Header.Get(AccessKeyHeader))
		ok, err := h.keys.Verify(h.cfg.AccessKeyHash, key)
		if err != nil {
			h.log.Error("auth.token.key_verify.fail", "err", err)
			writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
			return
		}
		if !ok {
			h.log.Info("auth.token.denied", "ip", ipKey, "key_present", key != "")
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid access key")
			return
		}
	}

	peerID, err := ids.NewULID(now)
	if err != nil {
		h.log.Error("auth.token.peer_id.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue token")
		return
	}
	tok, exp, err := h.tokens.Issue(peerID, now)
	if err != nil {
		h.log.Error("auth.token.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue token")
		return
	}

	h.log.Info("auth.token.issue", "peer_id", peerID, "token_fp", fingerprint.Of(tok), "ip", ipKey)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(ExpiresHeader, exp.UTC().Format(time.RFC3339))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(tok))
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
