// Package rategovernor implements the sliding-window rate limiter. Two independent
// governors exist in the system, per-account and per-sender-domain, sharing this
// identical implementation, keyed differently by their callers.
package rategovernor

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	waitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sendcore_rategovernor_wait_seconds",
		Help: "Time spent waiting for a rate governor slot",
	}, []string{"governor"})

	keyBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sendcore_rategovernor_blocked_total",
		Help: "Number of times a key was blocked awaiting a slot",
	}, []string{"governor"})
)

// Governor enforces a sliding-window request rate per key:
//   - limit == 0 blocks all callers
//   - window == 0 is rejected at construction
//   - callers proceed in arrival order (FIFO) per key
//   - clock regressions must not release slots early (monotonic time only)
type Governor struct {
	name   string
	limit  int
	window time.Duration

	// coarse admission parameters for each key's token bucket: burst = limit and
	// refill = limit/window make the bucket strictly looser than the sliding window,
	// so the deque stays the authority on admission while a grossly hot key is held
	// back before it ever walks the deque under lock.
	coarseLimit rate.Limit
	coarseBurst int

	mu      sync.Mutex
	windows map[string]*keyWindow
}

// keyWindow holds one key's FIFO queue of waiters, its monotonic timestamp deque,
// and the coarse token bucket consulted ahead of the deque.
type keyWindow struct {
	coarse *rate.Limiter

	mu         sync.Mutex
	timestamps *list.List // of time.Time (monotonic), oldest first
	waiters    *list.List // of chan struct{}, FIFO order
}

// New constructs a Governor. window must be > 0.
func New(name string, limit int, window time.Duration) (*Governor, error) {
	if window <= 0 {
		return nil, fmt.Errorf("rategovernor: window must be > 0, got %s", window)
	}
	coarseLimit := rate.Limit(float64(limit) / window.Seconds())
	if limit <= 0 {
		coarseLimit = 0
	}
	return &Governor{
		name:        name,
		limit:       limit,
		window:      window,
		coarseLimit: coarseLimit,
		coarseBurst: max(limit, 1),
		windows:     make(map[string]*keyWindow),
	}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Acquire blocks the caller until a slot is available for key, or ctx is done.
// limit == 0 never yields a slot.
func (g *Governor) Acquire(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		waitDuration.WithLabelValues(g.name).Observe(time.Since(start).Seconds())
	}()

	if g.limit == 0 {
		keyBlocked.WithLabelValues(g.name).Inc()
		<-ctx.Done()
		return ctx.Err()
	}

	kw := g.keyWindowFor(key)

	// coarse pre-check: one token per admission from the key's bucket. The bucket is
	// looser than the window, so it never blocks an acquisition the deque would have
	// admitted, but a grossly hot key waits here instead of spinning on the deque
	// lock below.
	if err := kw.coarse.Wait(ctx); err != nil {
		return err
	}

	// FIFO ticket: append ourselves to the waiter queue so concurrent acquisitions on
	// the same key proceed in arrival order even though the slot check below is
	// lock-free between attempts.
	ticket := make(chan struct{}, 1)
	kw.mu.Lock()
	elem := kw.waiters.PushBack(ticket)
	kw.mu.Unlock()

	defer func() {
		kw.mu.Lock()
		kw.waiters.Remove(elem)
		kw.mu.Unlock()
	}()

	for {
		kw.mu.Lock()
		isFront := kw.waiters.Front() == elem
		if isFront {
			now := time.Now()
			g.truncate(kw, now)
			if kw.timestamps.Len() < g.limit {
				kw.timestamps.PushBack(now)
				kw.mu.Unlock()
				return nil
			}
		}
		kw.mu.Unlock()

		keyBlocked.WithLabelValues(g.name).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval(g.window)):
		}
	}
}

// truncate drops timestamps older than now-window. Caller must hold kw.mu.
func (g *Governor) truncate(kw *keyWindow, now time.Time) {
	for kw.timestamps.Len() > 0 {
		front := kw.timestamps.Front()
		ts := front.Value.(time.Time)
		if now.Sub(ts) >= g.window {
			kw.timestamps.Remove(front)
			continue
		}
		break
	}
}

func (g *Governor) keyWindowFor(key string) *keyWindow {
	g.mu.Lock()
	defer g.mu.Unlock()
	kw, ok := g.windows[key]
	if !ok {
		kw = &keyWindow{
			coarse:     rate.NewLimiter(g.coarseLimit, g.coarseBurst),
			timestamps: list.New(),
			waiters:    list.New(),
		}
		g.windows[key] = kw
	}
	return kw
}

// InWindow reports the number of attempts currently counted against key's window,
// used by tests to assert the per-account/per-domain limits.
func (g *Governor) InWindow(key string) int {
	g.mu.Lock()
	kw, ok := g.windows[key]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	kw.mu.Lock()
	defer kw.mu.Unlock()
	g.truncate(kw, time.Now())
	return kw.timestamps.Len()
}

// LimitOf returns the configured per-window limit, used by the Account Selector's
// eligibility peek without consuming a slot.
func (g *Governor) LimitOf() int {
	return g.limit
}

func pollInterval(window time.Duration) time.Duration {
	d := window / 20
	if d < time.Millisecond {
		return time.Millisecond
	}
	if d > 250*time.Millisecond {
		return 250 * time.Millisecond
	}
	return d
}
