package automation

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Gate bounds one service's automation load two ways: a semaphore caps
// concurrent sessions, and a token bucket caps actions per minute.
type Gate struct {
	slots   chan struct{}
	limiter *rate.Limiter
}

func NewGate(concurrency int, actionsPerMinute int) *Gate {
	return &Gate{
		slots:   make(chan struct{}, concurrency),
		limiter: rate.NewLimiter(rate.Limit(float64(actionsPerMinute)/60.0), actionsPerMinute),
	}
}

// Acquire claims a concurrency slot, blocking until one frees up or the
// context is cancelled.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "cancelled while waiting for service concurrency slot")
	}
}

func (g *Gate) Release() {
	<-g.slots
}

// WaitAction blocks until the per-minute budget allows another network
// action. Called before every page request, not just once per run.
func (g *Gate) WaitAction(ctx context.Context) error {
	return errors.Wrap(g.limiter.Wait(ctx), "cancelled while waiting for action rate budget")
}

// InFlight reports the number of currently held slots.
func (g *Gate) InFlight() int {
	return len(g.slots)
}
