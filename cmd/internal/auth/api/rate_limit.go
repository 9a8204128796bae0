package authapi

import (
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"
)

// sweepEvery bounds how often idle keys are pruned from an ipThrottle.
const sweepEvery = 1024

// ipThrottle is an in-memory sliding-window limiter keyed by client address.
type ipThrottle struct {
	max    int
	window time.Duration

	mu    sync.Mutex
	hits  map[string][]time.Time
	calls int
}

func newIPThrottle(max int, window time.Duration) *ipThrottle {
	return &ipThrottle{max: max, window: window, hits: make(map[string][]time.Time)}
}

// hit records an attempt by key at now unless the key is already over its budget.
func (t *ipThrottle) hit(key string, now time.Time) (bool, time.Duration) {
	if t == nil || t.max <= 0 || key == "" {
		return false, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls++
	if t.calls%sweepEvery == 0 {
		t.sweep(now)
	}

	recent := inWindow(now, t.hits[key], t.window)
	if blocked, retry := evaluateWindowThrottle(now, recent, t.max, t.window); blocked {
		t.hits[key] = recent
		return true, retry
	}
	t.hits[key] = append(recent, now)
	return false, 0
}

func (t *ipThrottle) sweep(now time.Time) {
	for k, v := range t.hits {
		if len(inWindow(now, v, t.window)) == 0 {
			delete(t.hits, k)
		}
	}
}

func inWindow(now time.Time, hits []time.Time, window time.Duration) []time.Time {
	cut := now.Add(-window)
	out := hits[:0]
	for _, h := range hits {
		if h.After(cut) {
			out = append(out, h)
		}
	}
	return out
}

// evaluateWindowThrottle blocks once max attempts fall inside window. The retry delay is
// the time until enough of them age out to admit one more.
func evaluateWindowThrottle(now time.Time, hits []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 {
		return false, 0
	}

	recent := make([]time.Time, 0, len(hits))
	cut := now.Add(-window)
	for _, h := range hits {
		if h.After(cut) {
			recent = append(recent, h)
		}
	}
	if len(recent) < max {
		return false, 0
	}

	slices.SortFunc(recent, func(a, b time.Time) int { return a.Compare(b) })
	expires := recent[len(recent)-max].Add(window)
	return true, expires.Sub(now)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
