package datasync

import (
	"log/slog"
	"time"

	"github.com/mmcdole/biolink/internal/domain"
)

// Defaults
const (
	DefaultMaxEntries   = 1000
	DefaultTTL          = 5 * time.Minute
	DefaultQueryTTL     = 1 * time.Minute
	DefaultSyncInterval = 30 * time.Second
	DefaultTimeout      = 10 * time.Second
)

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConnectivity sets the online/offline signal. Without one the
// manager assumes it is always online.
func WithConnectivity(conn domain.Connectivity) Option {
	return func(m *Manager) {
		if conn != nil {
			m.conn = conn
		}
	}
}

// WithLocalStorage enables persistence of the cache and queue
func WithLocalStorage(storage domain.LocalStorage) Option {
	return func(m *Manager) {
		m.storage = storage
	}
}

// WithCacheLimits sets the cache capacity and the TTLs for point reads
// and query results
func WithCacheLimits(maxEntries int, ttl, queryTTL time.Duration) Option {
	return func(m *Manager) {
		if maxEntries > 0 {
			m.maxEntries = maxEntries
		}
		if ttl > 0 {
			m.ttl = ttl
		}
		if queryTTL > 0 {
			m.queryTTL = queryTTL
		}
	}
}

// WithSyncInterval sets the periodic drain interval
func WithSyncInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithRetryPolicy sets the retry ceiling and backoff for queued writes
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithTimeout bounds every remote call; a timeout counts as unavailable
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithErrorHandler receives queued writes that were dropped, either
// rejected by the remote store or out of retries
func WithErrorHandler(fn func(*SyncError)) Option {
	return func(m *Manager) {
		m.onSyncError = fn
	}
}

// WithMetrics records Prometheus metrics
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithRefreshAfterWrite toggles re-reading documents after a queued write
// is confirmed, which brings server-assigned fields into the cache
func WithRefreshAfterWrite(enabled bool) Option {
	return func(m *Manager) {
		m.refreshAfterWrite = enabled
	}
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }
func (alwaysOnline) Watch(func(online bool)) (cancel func()) { return func() {} }
