// Package tokenpool keeps an in-memory, periodically refreshed set of provider
// credentials and hands them out in round-robin order.
//
// The durable store is the source of truth. The cache held here is disposable:
// it is replaced wholesale on every refresh and may be stale between refreshes.
// Usage and error counters are written back to the store from detached
// goroutines so a store outage never blocks or fails a caller.
package tokenpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/logging"
	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/models"
)

// ErrNoCredentials is used by callers that need an error value for an empty pool.
var ErrNoCredentials = errors.New("no active provider credentials available")

// Credential is an active credential as stored durably.
type Credential = models.Credential

// Store is the durable credential store.
type Store interface {
	// ListActive returns active credentials ordered by ascending request count.
	ListActive(ctx context.Context) ([]Credential, error)
	IncrementUsage(ctx context.Context, id int64) error
	RecordError(ctx context.Context, id int64, message string, at time.Time) error
	Deactivate(ctx context.Context, id int64) error
}

// Config tunes refresh behaviour.
type Config struct {
	// TTL is the maximum age of the cache before Next reloads it.
	TTL time.Duration
	// MinRefreshInterval rate-limits reloads, including ForceRefresh.
	MinRefreshInterval time.Duration
	// PersistTimeout bounds each detached store call, reloads included.
	PersistTimeout time.Duration
}

// DefaultConfig returns the recommended pool settings.
func DefaultConfig() Config {
	return Config{
		TTL:                60 * time.Second,
		MinRefreshInterval: 5 * time.Second,
		PersistTimeout:     5 * time.Second,
	}
}

// entry is the pool's private view of a credential.
type entry struct {
	id           int64
	secret       string
	lastUsed     time.Time
	requestCount int64
	errorCount   int64
	lastError    string
}

// EntryStats is an operator-facing copy of a cached entry. It never carries the secret.
type EntryStats struct {
	ID           int64     `json:"id"`
	RequestCount int64     `json:"request_count"`
	ErrorCount   int64     `json:"error_count"`
	LastUsed     time.Time `json:"last_used,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Pool is a round-robin credential pool backed by a Store.
type Pool struct {
	store  Store
	cfg    Config
	logger *zap.SugaredLogger
	now    func() time.Time

	mu          sync.Mutex
	entries     []*entry
	cursor      int
	loadedAt    time.Time
	lastAttempt time.Time

	group singleflight.Group
}

// New creates a pool. Nothing is loaded until the first Next or ForceRefresh.
func New(store Store, cfg Config, logger *zap.SugaredLogger) *Pool {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MinRefreshInterval < 0 {
		cfg.MinRefreshInterval = def.MinRefreshInterval
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	return &Pool{
		store:  store,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("tokenpool"),
		now:    time.Now,
	}
}

// Next returns the next credential in round-robin order. ok is false only when
// no active credential exists after a refresh attempt.
func (p *Pool) Next(ctx context.Context) (id int64, secret string, ok bool) {
	if p.stale() {
		p.refresh(ctx, false)
	}

	p.mu.Lock()
	if len(p.entries) == 0 {
		p.mu.Unlock()
		return 0, "", false
	}
	if p.cursor >= len(p.entries) {
		p.cursor = 0
	}
	e := p.entries[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.entries)
	e.lastUsed = p.now()
	e.requestCount++
	id, secret = e.id, e.secret
	p.mu.Unlock()

	p.detach("increment usage", id, func(ctx context.Context) error {
		return p.store.IncrementUsage(ctx, id)
	})
	return id, secret, true
}

// Lookup returns the secret of a cached credential without advancing the cursor.
func (p *Pool) Lookup(id int64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.id == id {
			return e.secret, true
		}
	}
	return "", false
}

// ForceRefresh reloads the cache regardless of its age, subject to MinRefreshInterval.
func (p *Pool) ForceRefresh(ctx context.Context) {
	p.refresh(ctx, true)
}

// ReportError records a failure against a credential locally and in the store.
func (p *Pool) ReportError(id int64, message string) {
	at := p.now()

	p.mu.Lock()
	for _, e := range p.entries {
		if e.id == id {
			e.errorCount++
			e.lastError = message
			break
		}
	}
	p.mu.Unlock()

	p.detach("record error", id, func(ctx context.Context) error {
		return p.store.RecordError(ctx, id, message, at)
	})
}

// Deactivate removes a credential from rotation and marks it inactive in the store.
func (p *Pool) Deactivate(id int64) {
	p.mu.Lock()
	for i, e := range p.entries {
		if e.id != id {
			continue
		}
		p.entries = append(p.entries[:i:i], p.entries[i+1:]...)
		if i < p.cursor {
			p.cursor--
		}
		if p.cursor >= len(p.entries) {
			p.cursor = 0
		}
		break
	}
	p.mu.Unlock()

	p.logger.Warnw("credential deactivated", "credential_id", id)
	p.detach("deactivate", id, func(ctx context.Context) error {
		return p.store.Deactivate(ctx, id)
	})
}

// Size returns the number of cached credentials.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats returns a copy of the cached entries in rotation order.
func (p *Pool) Stats() []EntryStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]EntryStats, 0, len(p.entries))
	for _, e := range p.entries {
		stats = append(stats, EntryStats{
			ID:           e.id,
			RequestCount: e.requestCount,
			ErrorCount:   e.errorCount,
			LastUsed:     e.lastUsed,
			LastError:    e.lastError,
		})
	}
	return stats
}

func (p *Pool) stale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.staleLocked()
}

func (p *Pool) staleLocked() bool {
	return len(p.entries) == 0 || p.now().Sub(p.loadedAt) > p.cfg.TTL
}

// refresh reloads the cache from the store. Concurrent callers share a single
// in-flight load and wait for it. A load is skipped when the previous attempt
// started less than MinRefreshInterval ago, or, unless forced, when another
// caller already refreshed the cache.
func (p *Pool) refresh(ctx context.Context, force bool) {
	_, _, _ = p.group.Do("refresh", func() (interface{}, error) {
		p.mu.Lock()
		now := p.now()
		if !force && !p.staleLocked() {
			p.mu.Unlock()
			return nil, nil
		}
		if !p.lastAttempt.IsZero() && now.Sub(p.lastAttempt) < p.cfg.MinRefreshInterval {
			p.mu.Unlock()
			return nil, nil
		}
		p.lastAttempt = now
		p.mu.Unlock()

		// The load is shared by every waiter, so one caller's cancellation must not fail it.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
		defer cancel()

		creds, err := p.store.ListActive(loadCtx)
		if err != nil {
			p.logger.Errorw("failed to refresh credentials", "error", err)
			return nil, err
		}

		entries := make([]*entry, 0, len(creds))
		for _, c := range creds {
			entries = append(entries, &entry{
				id:           c.ID,
				secret:       c.Secret,
				requestCount: c.RequestCount,
				errorCount:   c.ErrorCount,
			})
		}

		p.mu.Lock()
		p.entries = entries
		// TODO: keep the cursor position across refreshes when the credential set is unchanged.
		p.cursor = 0
		p.loadedAt = p.now()
		p.mu.Unlock()

		p.logger.Debugw("credentials refreshed", "count", len(entries))
		return nil, nil
	})
}

// detach runs a store write in its own goroutine. Errors are logged and dropped.
func (p *Pool) detach(op string, id int64, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Errorw("credential store write panicked", "op", op, "credential_id", id, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PersistTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			p.logger.Warnw("credential store write failed", "op", op, "credential_id", id, "error", err)
		}
	}()
}
