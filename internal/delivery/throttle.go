package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttled caps deliveries per subject so a caller cannot use repeated
// step-ups to flood a phone.
type Throttled struct {
	next    Relay
	limit   rate.Limit
	burst   int
	observe AttemptObserver

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewThrottled(next Relay, perMinute int, observe AttemptObserver) *Throttled {
	if perMinute <= 0 {
		perMinute = 3
	}
	if observe == nil {
		observe = func(string, string) {}
	}
	return &Throttled{
		next:     next,
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		observe:  observe,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *Throttled) Name() string { return t.next.Name() }

func (t *Throttled) Deliver(ctx context.Context, msg Message) error {
	if !t.limiter(msg.SubjectID).Allow() {
		t.observe(t.Name(), "rate_limited")
		return ErrRateLimited
	}
	return t.next.Deliver(ctx, msg)
}

func (t *Throttled) limiter(subjectID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[subjectID]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[subjectID] = l
	}
	return l
}
