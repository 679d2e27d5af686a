package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings configures when the breaker trips.
type BreakerSettings struct {
	Name             string
	MaxRequests      uint32        // allowed through while half-open
	Interval         time.Duration // closed-state counter reset period
	Timeout          time.Duration // open period before probing half-open
	FailureThreshold float64       // failure ratio that trips the breaker
	MinRequests      uint32        // requests needed before the ratio is evaluated
}

// DefaultBreakerSettings returns settings tolerant of short backend hiccups.
func DefaultBreakerSettings(name string) BreakerSettings {
	return BreakerSettings{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// BreakerIndex guards another Index with a circuit breaker so a failing
// backend is shed quickly instead of tying up every caller.
type BreakerIndex struct {
	next   Index
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

var _ Index = (*BreakerIndex)(nil)

func NewBreakerIndex(next Index, settings BreakerSettings, logger *zap.Logger) *BreakerIndex {
	logger = logger.Named("search-breaker")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Search circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// A cancelled caller says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &BreakerIndex{next: next, cb: cb, logger: logger}
}

// State reports the breaker state: closed, half-open or open.
func (b *BreakerIndex) State() string {
	return b.cb.State().String()
}

func (b *BreakerIndex) execute(fn func() (any, error)) (any, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, err
}

func (b *BreakerIndex) CreateIndex(ctx context.Context, name string, settings map[string]any) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.next.CreateIndex(ctx, name, settings)
	})
	return err
}

func (b *BreakerIndex) Index(ctx context.Context, name string, doc Document) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.next.Index(ctx, name, doc)
	})
	return err
}

func (b *BreakerIndex) Remove(ctx context.Context, name, id string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.next.Remove(ctx, name, id)
	})
	return err
}

func (b *BreakerIndex) Search(ctx context.Context, req Request) (*Response, error) {
	res, err := b.execute(func() (any, error) {
		return b.next.Search(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Response), nil
}
