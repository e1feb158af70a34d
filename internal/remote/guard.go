package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mmcdole/biolink/internal/domain"
)

// GuardConfig holds configuration for the guard's circuit breaker
type GuardConfig struct {
	Name        string
	Timeout     time.Duration // per call
	MaxRequests uint32        // allowed in half-open state
	Interval    time.Duration // closed-state counter reset
	OpenTimeout time.Duration // open -> half-open
	// ReadyToTrip trips after this many consecutive unavailable results
	ConsecutiveFailures uint32
}

// DefaultGuardConfig returns a default configuration
func DefaultGuardConfig(name string) GuardConfig {
	return GuardConfig{
		Name:                name,
		Timeout:             10 * time.Second,
		MaxRequests:         1,
		Interval:            60 * time.Second,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Guard wraps a RemoteStore with a per-call timeout and a circuit breaker.
// Timeouts and an open breaker both surface as ErrUnavailable. Only
// unavailability counts against the breaker; NotFound is a normal answer.
type Guard struct {
	next    domain.RemoteStore
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *slog.Logger
}

// NewGuard wraps next
func NewGuard(next domain.RemoteStore, cfg GuardConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrUnavailable)
		},
	})

	return &Guard{
		next:    next,
		cb:      cb,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// State returns the breaker state, for diagnostics
func (g *Guard) State() gobreaker.State {
	return g.cb.State()
}

func (g *Guard) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	v, err := g.cb.Execute(func() (any, error) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		v, err := fn(ctx)
		return v, unavailable(err)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return v, err
}

// unavailable maps deadline errors into the sync error taxonomy
func unavailable(err error) error {
	if err == nil || errors.Is(err, domain.ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return err
}

func (g *Guard) Ping(ctx context.Context) error {
	pinger, ok := g.next.(domain.Pinger)
	if !ok {
		return nil
	}
	_, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return nil, pinger.Ping(ctx)
	})
	return err
}

func (g *Guard) ReadOne(ctx context.Context, ref domain.Ref) (domain.Document, error) {
	v, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.next.ReadOne(ctx, ref)
	})
	if err != nil {
		return nil, err
	}
	doc, _ := v.(domain.Document)
	return doc, nil
}

func (g *Guard) WriteOne(ctx context.Context, ref domain.Ref, doc domain.Document, merge bool) error {
	_, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return nil, g.next.WriteOne(ctx, ref, doc, merge)
	})
	return err
}

func (g *Guard) UpdateOne(ctx context.Context, ref domain.Ref, fields domain.Document) error {
	_, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return nil, g.next.UpdateOne(ctx, ref, fields)
	})
	return err
}

func (g *Guard) DeleteOne(ctx context.Context, ref domain.Ref) error {
	_, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return nil, g.next.DeleteOne(ctx, ref)
	})
	return err
}

func (g *Guard) QueryMany(ctx context.Context, collection string, filters []domain.Filter, orderBy *domain.OrderBy, limit int) ([]domain.Document, error) {
	v, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.next.QueryMany(ctx, collection, filters, orderBy, limit)
	})
	if err != nil {
		return nil, err
	}
	docs, _ := v.([]domain.Document)
	return docs, nil
}

func (g *Guard) BatchWrite(ctx context.Context, ops []domain.WriteOp) error {
	_, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return nil, g.next.BatchWrite(ctx, ops)
	})
	return err
}

// Listen passes through the breaker for the open only; the listen itself
// outlives the call timeout
func (g *Guard) Listen(ctx context.Context, ref domain.Ref, onChange domain.ChangeFunc) (func(), error) {
	if g.cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("listen %s: %w: %v", ref, domain.ErrUnavailable, gobreaker.ErrOpenState)
	}
	stop, err := g.next.Listen(ctx, ref, onChange)
	return stop, unavailable(err)
}

func (g *Guard) Close() error {
	return g.next.Close()
}
