// Package network tracks whether the remote document store is reachable.
package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mmcdole/biolink/internal/domain"
)

// Monitor is a manually driven connectivity signal. Watchers are notified
// only on transitions, in registration order, outside the lock.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	nextID   int
	watchers []watcher
}

type watcher struct {
	id int
	fn func(bool)
}

// NewMonitor creates a monitor in the given initial state
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online reports the current state
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set changes the state and notifies watchers if it changed
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), len(m.watchers))
	for i, w := range m.watchers {
		fns[i] = w.fn
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Watch registers fn for transitions
func (m *Monitor) Watch(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers = append(m.watchers, watcher{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, w := range m.watchers {
				if w.id == id {
					m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
					return
				}
			}
		})
	}
}

// Prober periodically pings the remote store and drives a Monitor
type Prober struct {
	monitor  *Monitor
	pinger   domain.Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewProber creates a prober. The ping timeout is capped at the interval.
func NewProber(monitor *Monitor, pinger domain.Pinger, interval time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := 5 * time.Second
	if interval > 0 && interval < timeout {
		timeout = interval
	}
	return &Prober{
		monitor:  monitor,
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Check pings once and updates the monitor
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	online := err == nil
	if online != p.monitor.Online() {
		if online {
			p.logger.Info("remote store reachable")
		} else {
			p.logger.Warn("remote store unreachable", "error", err)
		}
	}
	p.monitor.Set(online)
	return online
}

// Run checks immediately and then on every interval until ctx is done
func (p *Prober) Run(ctx context.Context) {
	p.Check(ctx)
	if p.interval <= 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
