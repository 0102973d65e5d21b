package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrRateLimited    = errors.New("delivery rate limit exceeded for subject")
	ErrUndeliverable  = errors.New("delivery target rejected")
	ErrNoTarget       = errors.New("subject has no delivery target")
	ErrRelayExhausted = errors.New("delivery relay retries exhausted")
)

// Message is one out-of-band code delivery.
type Message struct {
	SessionID string
	SubjectID string
	Target    string
	Code      string
	ExpiresAt time.Time
}

// Body renders the text the caller receives.
func (m Message) Body() string {
	mins := int(time.Until(m.ExpiresAt).Round(time.Minute) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return fmt.Sprintf("Your verification code is %s. It expires in %d minutes. Never share this code.", m.Code, mins)
}

// Relay delivers a code to a subject. Deliver returns only once the relay
// has accepted or refused the message.
type Relay interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

// AttemptObserver receives one call per delivery attempt; result is "ok",
// "retry", "rate_limited", or "failed".
type AttemptObserver func(relay, result string)

// MaskTarget keeps the last four characters of a phone or email.
func MaskTarget(target string) string {
	t := strings.TrimSpace(target)
	if len(t) <= 4 {
		return strings.Repeat("*", len(t))
	}
	return strings.Repeat("*", len(t)-4) + t[len(t)-4:]
}

// LogRelay writes deliveries to the log. Codes are masked unless reveal is
// set, which is meant for local development only.
type LogRelay struct {
	logger *slog.Logger
	reveal bool
}

func NewLogRelay(logger *slog.Logger, reveal bool) *LogRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRelay{logger: logger.With("component", "delivery"), reveal: reveal}
}

func (r *LogRelay) Name() string { return "log" }

func (r *LogRelay) Deliver(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Target) == "" {
		return ErrNoTarget
	}
	attrs := []any{
		"session_id", msg.SessionID,
		"subject_id", msg.SubjectID,
		"target", MaskTarget(msg.Target),
		"expires_at", msg.ExpiresAt,
	}
	if r.reveal {
		attrs = append(attrs, "code", msg.Code)
	}
	r.logger.InfoContext(ctx, "delivery.code_sent", attrs...)
	return nil
}

// MemoryRelay records deliveries in process. Tests read codes back with Last.
type MemoryRelay struct {
	mu   sync.Mutex
	sent []Message
	fail error
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{}
}

func (r *MemoryRelay) Name() string { return "memory" }

// FailWith makes subsequent deliveries return err; nil restores delivery.
func (r *MemoryRelay) FailWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *MemoryRelay) Deliver(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	if strings.TrimSpace(msg.Target) == "" {
		return ErrNoTarget
	}
	r.sent = append(r.sent, msg)
	return nil
}

// Last returns the most recent message delivered for sessionID.
func (r *MemoryRelay) Last(sessionID string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].SessionID == sessionID {
			return r.sent[i], true
		}
	}
	return Message{}, false
}

func (r *MemoryRelay) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}
