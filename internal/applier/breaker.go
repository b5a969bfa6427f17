package applier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"rulegate/internal/domain"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("provider unavailable")

type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Breaker stops calling the provider after consecutive transient failures.
// Rejections such as duplicate rules do not count against it.
type Breaker struct {
	next Applier
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Applier, s BreakerSettings, log *zap.Logger) *Breaker {
	if log == nil {
		log = zap.NewNop()
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", zap.String("breaker", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Breaker{next: next, cb: cb}
}

// transient reports failures that say nothing about the request itself.
func transient(err error) bool {
	return Retryable(err) || errors.Is(err, context.DeadlineExceeded) || errorCode(err) == ""
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) run(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, err
}

func (b *Breaker) Apply(ctx context.Context, res domain.Resource, rule domain.Rule) (string, error) {
	v, err := b.run(func() (any, error) {
		return b.next.Apply(ctx, res, rule)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Breaker) Revoke(ctx context.Context, res domain.Resource, rule domain.Rule) error {
	_, err := b.run(func() (any, error) {
		return nil, b.next.Revoke(ctx, res, rule)
	})
	return err
}

func (b *Breaker) DeleteResource(ctx context.Context, res domain.Resource) error {
	_, err := b.run(func() (any, error) {
		return nil, b.next.DeleteResource(ctx, res)
	})
	return err
}
