package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/callguard/internal/authlevel"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingStore struct {
	*InMemoryStore
	fail atomic.Bool
}

func (f *failingStore) SaveSession(ctx context.Context, s Session) error {
	if f.fail.Load() {
		return errors.New("store unavailable")
	}
	return f.InMemoryStore.SaveSession(ctx, s)
}

func newTestManager(t *testing.T, clock *fakeClock, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewManager(Config{Timeout: 15 * time.Minute, WarningBefore: 2 * time.Minute}, opts...)
}

func TestManagerCreateGetTerminate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, clock)

	s, err := m.Create(ctx, "pstn:+15550001111")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" || s.Level != authlevel.None || s.Status != StatusActive {
		t.Fatalf("unexpected new session: %+v", s)
	}
	if !s.ExpiresAt.Equal(clock.Now().Add(15 * time.Minute)) {
		t.Fatalf("ExpiresAt = %v, want created+timeout", s.ExpiresAt)
	}

	var ended []string
	m.AddEndHook(func(s *Session) { ended = append(ended, s.ID) })

	got, err := m.Terminate(ctx, s.ID, ReasonHangup)
	if err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if got.Status != StatusEnded || got.EndReason != ReasonHangup {
		t.Fatalf("terminated session = %+v", got)
	}
	if _, err := m.Terminate(ctx, s.ID, ReasonHangup); err != nil {
		t.Fatalf("second Terminate() error = %v", err)
	}
	if len(ended) != 1 {
		t.Fatalf("end hook fired %d times, want 1", len(ended))
	}

	if _, err := m.Touch(ctx, s.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("Touch() on ended session error = %v, want ErrEnded", err)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTouchNeverMovesExpiryBackward(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, clock)
	s, _ := m.Create(ctx, "")

	prev := s.ExpiresAt
	for i := 0; i < 20; i++ {
		clock.Advance(time.Duration(i%4) * time.Minute)
		got, err := m.Touch(ctx, s.ID)
		if err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
		if got.ExpiresAt.Before(prev) {
			t.Fatalf("ExpiresAt moved backward: %v -> %v", prev, got.ExpiresAt)
		}
		prev = got.ExpiresAt
	}
}

func TestConcurrentTouchIsMonotonic(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{Timeout: time.Minute})
	s, _ := m.Create(ctx, "")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := m.Touch(ctx, s.ID); err != nil {
					t.Errorf("Touch() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, _ := m.Get(ctx, s.ID)
	if got.ExpiresAt.Before(s.ExpiresAt) {
		t.Fatalf("ExpiresAt = %v, before creation expiry %v", got.ExpiresAt, s.ExpiresAt)
	}
	if got.Version != 1+32*50 {
		t.Fatalf("Version = %d, want %d", got.Version, 1+32*50)
	}
}

func TestCheckExpiryWarningThenExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, clock)
	s, _ := m.Create(ctx, "")

	rep, err := m.CheckExpiry(ctx, s.ID)
	if err != nil || rep.State != ExpiryActive {
		t.Fatalf("CheckExpiry() = %+v, %v; want active", rep, err)
	}

	clock.Advance(13*time.Minute + 30*time.Second)
	rep, err = m.CheckExpiry(ctx, s.ID)
	if err != nil || rep.State != ExpiryWarning || !rep.FirstWarning {
		t.Fatalf("CheckExpiry() = %+v, %v; want first warning", rep, err)
	}
	rep, _ = m.CheckExpiry(ctx, s.ID)
	if rep.State != ExpiryWarning || rep.FirstWarning {
		t.Fatalf("second CheckExpiry() = %+v; want warning without FirstWarning", rep)
	}

	// The warning is advisory: activity still extends the session.
	if _, err := m.Touch(ctx, s.ID); err != nil {
		t.Fatalf("Touch() in warning window error = %v", err)
	}
	rep, _ = m.CheckExpiry(ctx, s.ID)
	if rep.State != ExpiryActive {
		t.Fatalf("after touch state = %q, want active", rep.State)
	}

	var expired int
	m.SetExpireHook(func(*Session) { expired++ })
	clock.Advance(16 * time.Minute)
	rep, err = m.CheckExpiry(ctx, s.ID)
	if err != nil || rep.State != ExpiryExpired {
		t.Fatalf("CheckExpiry() = %+v, %v; want expired", rep, err)
	}
	if expired != 1 {
		t.Fatalf("expire hook fired %d times, want 1", expired)
	}
	if _, err := m.Touch(ctx, s.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("Touch() after expiry error = %v, want ErrExpired", err)
	}
	if _, err := m.RaiseLevel(ctx, s.ID, "P-1", authlevel.Full); !errors.Is(err, ErrExpired) {
		t.Fatalf("RaiseLevel() after expiry error = %v, want ErrExpired", err)
	}
}

func TestStandingReportsLazyExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, clock)
	s, _ := m.Create(ctx, "")
	s, _ = m.RaiseLevel(ctx, s.ID, "C-1", authlevel.Full)

	clock.Advance(20 * time.Minute)
	got, _ := m.Get(ctx, s.ID)
	st := got.Standing(clock.Now())
	if !st.Expired || st.Level != authlevel.Full {
		t.Fatalf("Standing() = %+v, want expired at full", st)
	}
}

func TestRaiseLevelBindsSubject(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newFakeClock())
	s, _ := m.Create(ctx, "")

	got, err := m.RaiseLevel(ctx, s.ID, "C-1", authlevel.Light)
	if err != nil {
		t.Fatalf("RaiseLevel() error = %v", err)
	}
	if got.SubjectID != "C-1" || got.Level != authlevel.Light {
		t.Fatalf("after raise = %+v", got)
	}
	got, _ = m.RaiseLevel(ctx, s.ID, "C-1", authlevel.None)
	if got.Level != authlevel.Light {
		t.Fatalf("level moved backward to %s", got.Level)
	}
	if _, err := m.RaiseLevel(ctx, s.ID, "C-2", authlevel.Standard); !errors.Is(err, ErrSubjectMismatch) {
		t.Fatalf("RaiseLevel(other subject) error = %v, want ErrSubjectMismatch", err)
	}

	got, err = m.ResetLevel(ctx, s.ID)
	if err != nil {
		t.Fatalf("ResetLevel() error = %v", err)
	}
	if got.Level != authlevel.None || got.SubjectID != "" {
		t.Fatalf("after reset = %+v", got)
	}
}

func TestConsentsAndEscalation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newFakeClock())
	s, _ := m.Create(ctx, "")

	_, _ = m.RecordConsent(ctx, s.ID, "recording", true)
	got, _ := m.RecordConsent(ctx, s.ID, "hipaa_notice", true)
	if !got.HasConsent("recording") || !got.HasConsent("hipaa_notice") {
		t.Fatalf("consents = %v", got.Consents)
	}
	got, _ = m.RecordConsent(ctx, s.ID, "recording", false)
	if got.HasConsent("recording") {
		t.Fatalf("withdrawn consent still present: %v", got.Consents)
	}

	got, _ = m.MarkEscalated(ctx, s.ID, []string{"medication"})
	got, _ = m.MarkEscalated(ctx, s.ID, []string{"medication", "diagnosis"})
	if !got.Escalated || len(got.EscalationMarkers) != 2 {
		t.Fatalf("escalation state = %+v", got)
	}
}

func TestStoreFailureLeavesSessionUnchanged(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{InMemoryStore: NewInMemoryStore()}
	m := newTestManager(t, newFakeClock(), WithStore(store))
	s, _ := m.Create(ctx, "")

	store.fail.Store(true)
	if _, err := m.RaiseLevel(ctx, s.ID, "C-1", authlevel.Standard); err == nil {
		t.Fatalf("RaiseLevel() error = nil, want persist failure")
	}
	got, _ := m.Get(ctx, s.ID)
	if got.Level != authlevel.None || got.SubjectID != "" {
		t.Fatalf("session mutated despite persist failure: %+v", got)
	}
}

func TestManagerReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	clock := newFakeClock()
	first := newTestManager(t, clock, WithStore(store))
	s, _ := first.Create(ctx, "")
	_, _ = first.RaiseLevel(ctx, s.ID, "C-9", authlevel.Standard)

	second := newTestManager(t, clock, WithStore(store))
	got, err := second.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() from restarted manager error = %v", err)
	}
	if got.Level != authlevel.Standard || got.SubjectID != "C-9" {
		t.Fatalf("reloaded session = %+v", got)
	}
}

func TestJanitorExpiresInactiveAndPrunes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewManager(Config{Timeout: time.Minute, EndedRetention: time.Minute}, WithClock(clock.Now))
	s, _ := m.Create(ctx, "")

	clock.Advance(2 * time.Minute)
	m.Sweep(ctx)
	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusExpired || got.EndReason != ReasonTimeout {
		t.Fatalf("after sweep = %+v, want expired", got)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}

	clock.Advance(2 * time.Minute)
	m.Sweep(ctx)
	m.mu.RLock()
	_, stillLive := m.sessions[s.ID]
	m.mu.RUnlock()
	if stillLive {
		t.Fatalf("terminal session not pruned after retention")
	}
}

func TestStartJanitorRuns(t *testing.T) {
	m := NewManager(Config{Timeout: 30 * time.Millisecond})
	s, _ := m.Create(context.Background(), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("Status = %q, want %q", got.Status, StatusExpired)
	}
}
