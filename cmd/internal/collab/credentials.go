package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"scribe/cmd/internal/notify"
)

const (
	DefaultRenewInterval = 30 * time.Minute
	DefaultRetryDelay    = 1 * time.Second
	DefaultFetchTimeout  = 10 * time.Second

	// AccessKeyHeader carries the optional shared key the token endpoint may require.
	AccessKeyHeader = "X-Scribe-Access-Key"

	maxTokenBytes   = 8 << 10
	failureChanSize = 8
)

// Fetcher obtains a fresh opaque token.
type Fetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// FetcherFunc adapts a func to Fetcher.
type FetcherFunc func(ctx context.Context) (string, error)

func (f FetcherFunc) Fetch(ctx context.Context) (string, error) { return f(ctx) }

// HTTPFetcher GETs a plain-text token from URL.
type HTTPFetcher struct {
	URL       string
	Client    *http.Client
	AccessKey string
}

// Fetch implements Fetcher.
func (f HTTPFetcher) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if f.AccessKey != "" {
		req.Header.Set(AccessKeyHeader, f.AccessKey)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", errors.New("token endpoint returned an empty token")
	}
	return token, nil
}

// CredentialOption configures a CredentialManager.
type CredentialOption func(*CredentialManager)

// WithRenewInterval sets the delay between successful renewals.
func WithRenewInterval(d time.Duration) CredentialOption {
	return func(m *CredentialManager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithRetryDelay sets the delay before retrying a failed fetch.
func WithRetryDelay(d time.Duration) CredentialOption {
	return func(m *CredentialManager) {
		if d > 0 {
			m.retry = d
		}
	}
}

// WithFetchTimeout bounds a single fetch.
func WithFetchTimeout(d time.Duration) CredentialOption {
	return func(m *CredentialManager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithCredentialLogger(log *slog.Logger) CredentialOption {
	return func(m *CredentialManager) {
		if log != nil {
			m.log = log
		}
	}
}

func WithCredentialMetrics(metrics *Metrics) CredentialOption {
	return func(m *CredentialManager) { m.metrics = metrics }
}

// WithCredentialDispatch routes OnRenewed callbacks through dispatch, e.g. Loop.Dispatch.
func WithCredentialDispatch(dispatch func(func())) CredentialOption {
	return func(m *CredentialManager) {
		if dispatch != nil {
			m.dispatch = dispatch
		}
	}
}

// CredentialManager fetches a token at start and renews it on a fixed interval.
// A failed fetch is retried after the retry delay; the interval only restarts after a
// success, and the last good token stays in use meanwhile.
type CredentialManager struct {
	fetcher  Fetcher
	interval time.Duration
	retry    time.Duration
	timeout  time.Duration
	log      *slog.Logger
	metrics  *Metrics
	dispatch func(func())

	mu       sync.Mutex
	token    string
	attempt  int
	timer    *time.Timer
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	ready    chan struct{}
	failures chan error

	renewed notify.Set[func(string)]
}

// NewCredentialManager constructs a stopped manager.
func NewCredentialManager(f Fetcher, opts ...CredentialOption) (*CredentialManager, error) {
	if f == nil {
		return nil, ErrMissingFetcher
	}
	m := &CredentialManager{
		fetcher:  f,
		interval: DefaultRenewInterval,
		retry:    DefaultRetryDelay,
		timeout:  DefaultFetchTimeout,
		log:      slog.Default(),
		dispatch: func(fn func()) { fn() },
		ready:    make(chan struct{}),
		failures: make(chan error, failureChanSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start fetches immediately in the background and then keeps renewing until ctx ends or Stop.
func (m *CredentialManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.scheduleLocked(ctx, 0)
	return nil
}

// Stop cancels the pending renewal. It is safe to call more than once.
func (m *CredentialManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.renewed.Clear()
}

// Token returns the last good token, or "" before the first success.
func (m *CredentialManager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Wait blocks until the first token is available.
func (m *CredentialManager) Wait(ctx context.Context) (string, error) {
	select {
	case <-m.ready:
		return m.Token(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// OnRenewed registers fn for every successful fetch.
func (m *CredentialManager) OnRenewed(fn func(token string)) (cancel func()) {
	return m.renewed.Add(fn)
}

// Failures delivers *CredentialFetchError values. When nobody drains it, failures are dropped.
func (m *CredentialManager) Failures() <-chan error { return m.failures }

func (m *CredentialManager) scheduleLocked(ctx context.Context, d time.Duration) {
	if m.stopped || ctx.Err() != nil {
		return
	}
	m.timer = time.AfterFunc(d, func() { m.renew(ctx) })
}

func (m *CredentialManager) renew(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	fctx, cancel := context.WithTimeout(ctx, m.timeout)
	token, err := m.fetcher.Fetch(fctx)
	cancel()
	if err == nil && strings.TrimSpace(token) == "" {
		err = errors.New("empty token")
	}

	m.mu.Lock()
	if m.stopped || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}

	if err != nil {
		m.attempt++
		ferr := &CredentialFetchError{Attempt: m.attempt, At: time.Now().UTC(), Err: err}
		m.scheduleLocked(ctx, m.retry)
		m.mu.Unlock()

		m.log.Warn("credentials.fetch.fail", "attempt", ferr.Attempt, "retry_in", m.retry, "err", err)
		m.metrics.credentialFailed()
		select {
		case m.failures <- ferr:
		default:
		}
		return
	}

	first := m.token == ""
	m.token = strings.TrimSpace(token)
	m.attempt = 0
	if first {
		close(m.ready)
	}
	tok := m.token
	m.scheduleLocked(ctx, m.interval)
	m.mu.Unlock()

	m.log.Info("credentials.renewed", "first", first, "next_in", m.interval)
	m.metrics.credentialRenewed()

	listeners := m.renewed.Snapshot()
	m.dispatch(func() {
		for _, fn := range listeners {
			fn(tok)
		}
	})
}
