// Package gateway wraps all remote ledger reads behind a concurrency
// semaphore, a TTL cache, and retry-with-backoff.
//
// A Gateway instance owns its cache map and its semaphore; construct one per
// process and pass it by reference. Nothing in this package is process-global,
// so tests get fresh instances.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/veilhedge/ledger-engine/internal/metrics"
)

// ErrRateLimited marks an upstream failure as rate-limit-class. Upstream
// clients wrap their throttling responses with it; the gateway retries only
// errors for which errors.Is(err, ErrRateLimited) holds.
var ErrRateLimited = errors.New("gateway: upstream rate limited")

// ExhaustedError is returned after the retry budget is spent on
// rate-limit-class failures.
type ExhaustedError struct {
	Key      string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gateway: %s failed after %d attempts: %v", e.Key, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Task is one cacheable unit of upstream work. Invocations sharing a Key
// within TTL must not re-execute Invoke.
type Task struct {
	Key    string
	TTL    time.Duration
	Invoke func(ctx context.Context) (any, error)
}

// Config holds gateway tuning knobs.
type Config struct {
	Concurrency int           // max simultaneous upstream calls (default: 3)
	MaxRetries  int           // retries after a rate-limit failure (default: 4)
	BaseBackoff time.Duration // first retry delay, doubles per attempt (default: 500ms)
	MaxBackoff  time.Duration // backoff cap (default: 8s)
	CallTimeout time.Duration // per-attempt bound on Invoke (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 3,
		MaxRetries:  4,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  8 * time.Second,
		CallTimeout: 10 * time.Second,
	}
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// Gateway serializes access to a rate-limited upstream RPC endpoint.
type Gateway struct {
	cfg    Config
	logger *slog.Logger

	sem chan struct{}

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a Gateway. Zero-valued config fields fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Gateway {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:    cfg,
		logger: logger,
		sem:    make(chan struct{}, cfg.Concurrency),
		cache:  make(map[string]cacheEntry),
	}
}

// Call executes one task. A live cache entry for task.Key is returned without
// contacting upstream; otherwise Call acquires a semaphore slot, invokes the
// task with retry-on-rate-limit, releases the slot, and caches the result.
func (g *Gateway) Call(ctx context.Context, task Task) (any, error) {
	if v, ok := g.cached(task.Key); ok {
		metrics.GatewayCacheHits.Inc()
		return v, nil
	}

	// Acquire a concurrency slot.
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	metrics.GatewayInFlight.Inc()
	defer func() {
		metrics.GatewayInFlight.Dec()
		<-g.sem
	}()

	// Another waiter may have populated the cache while this call was
	// queued on the semaphore.
	if v, ok := g.cached(task.Key); ok {
		metrics.GatewayCacheHits.Inc()
		return v, nil
	}

	v, err := g.invokeWithRetry(ctx, task)
	if err != nil {
		return nil, err
	}

	g.store(task.Key, v, task.TTL)
	return v, nil
}

// CallAll runs many tasks under the same global concurrency bound. The result
// at index i corresponds to tasks[i] regardless of completion order. The
// first error observed is returned alongside the partial results.
func (g *Gateway) CallAll(ctx context.Context, tasks []Task) ([]any, error) {
	results := make([]any, len(tasks))
	errs := make([]error, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			results[i], errs[i] = g.Call(ctx, task)
		}(i, task)
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

// Invalidate evicts a cache entry, forcing the next Call to hit upstream.
func (g *Gateway) Invalidate(key string) {
	g.mu.Lock()
	delete(g.cache, key)
	g.mu.Unlock()
}

func (g *Gateway) cached(key string) (any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.cache[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(g.cache, key)
		return nil, false
	}
	return e.value, true
}

func (g *Gateway) store(key string, v any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	g.mu.Lock()
	g.cache[key] = cacheEntry{value: v, expiresAt: time.Now().Add(ttl)}
	g.mu.Unlock()
}

// invokeWithRetry runs one attempt plus up to MaxRetries retries with
// exponential backoff and jitter. Only rate-limit-class errors are retried;
// anything else propagates immediately. A per-attempt timeout bounds each
// Invoke and a timed-out attempt counts against the retry budget.
func (g *Gateway) invokeWithRetry(ctx context.Context, task Task) (any, error) {
	var lastErr error
	backoff := g.cfg.BaseBackoff

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.GatewayRetries.Inc()
			// Jitter: backoff * (0.5 to 1.5).
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			g.logger.Debug("retrying upstream call",
				"key", task.Key,
				"attempt", attempt,
				"backoff", jitter,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
			if backoff > g.cfg.MaxBackoff {
				backoff = g.cfg.MaxBackoff
			}
		}

		metrics.GatewayUpstreamCalls.Inc()
		v, err := g.attempt(ctx, task)
		if err == nil {
			return v, nil
		}
		lastErr = err

		retryable := errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded)
		if !retryable || ctx.Err() != nil {
			return nil, err
		}
	}

	return nil, &ExhaustedError{Key: task.Key, Attempts: g.cfg.MaxRetries + 1, Last: lastErr}
}

func (g *Gateway) attempt(ctx context.Context, task Task) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	return task.Invoke(attemptCtx)
}
