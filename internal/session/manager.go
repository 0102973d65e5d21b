package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/callguard/internal/authlevel"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrExpired         = errors.New("session expired")
	ErrEnded           = errors.New("session ended")
	ErrSubjectMismatch = errors.New("verified subject does not match session subject")
)

type Config struct {
	// Timeout is the inactivity window; ExpiresAt = LastActivityAt + Timeout.
	Timeout time.Duration
	// WarningBefore is how long before expiry the warning window opens.
	WarningBefore time.Duration
	// EndedRetention keeps terminal sessions in the live table so late requests
	// get ErrEnded/ErrExpired instead of ErrNotFound.
	EndedRetention time.Duration
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

// Manager exclusively owns Session mutation. Each session has its own lock;
// a mutation is persisted before it becomes visible, so a store failure
// leaves the session unchanged.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	cfg      Config
	now      func() time.Time
	store    Store
	logger   *slog.Logger
	hookMu   sync.RWMutex
	onExpire func(*Session)
	onEnd    []func(*Session)
}

func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if cfg.WarningBefore < 0 || cfg.WarningBefore >= cfg.Timeout {
		cfg.WarningBefore = 0
	}
	if cfg.EndedRetention <= 0 {
		cfg.EndedRetention = 10 * time.Minute
	}
	m := &Manager{
		sessions: make(map[string]*entry),
		cfg:      cfg,
		now:      time.Now,
		store:    NewInMemoryStore(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m
}

func (m *Manager) Timeout() time.Duration { return m.cfg.Timeout }

func (m *Manager) Now() time.Time { return m.now().UTC() }

// SetExpireHook is called once per session that times out.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onExpire = hook
}

// AddEndHook registers a callback for every terminal transition (hangup,
// handoff, timeout). Hooks run outside session locks.
func (m *Manager) AddEndHook(hook func(*Session)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onEnd = append(m.onEnd, hook)
}

func (m *Manager) Create(ctx context.Context, channel string) (*Session, error) {
	now := m.Now()
	s := &Session{
		ID:             uuid.NewString(),
		Level:          authlevel.None,
		Status:         StatusActive,
		Channel:        channel,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.cfg.Timeout),
		Version:        1,
	}
	if err := m.store.SaveSession(ctx, *s); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ID] = &entry{s: s}
	m.mu.Unlock()
	return clone(s), nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	e, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.s), nil
}

// Touch records activity and pushes ExpiresAt forward. ExpiresAt never moves
// backward, so racing touches can only extend validity.
func (m *Manager) Touch(ctx context.Context, sessionID string) (*Session, error) {
	return m.mutate(ctx, sessionID, func(s *Session, now time.Time) error {
		if now.After(s.LastActivityAt) {
			s.LastActivityAt = now
		}
		if next := now.Add(m.cfg.Timeout); next.After(s.ExpiresAt) {
			s.ExpiresAt = next
		}
		if s.ExpiresAt.Sub(now) > m.cfg.WarningBefore {
			s.WarningIssued = false
		}
		return nil
	})
}

func (m *Manager) CheckExpiry(ctx context.Context, sessionID string) (ExpiryReport, error) {
	e, err := m.lookup(ctx, sessionID)
	if err != nil {
		return ExpiryReport{}, err
	}
	now := m.Now()

	e.mu.Lock()
	switch e.s.Status {
	case StatusEnded:
		e.mu.Unlock()
		return ExpiryReport{}, ErrEnded
	case StatusExpired:
		e.mu.Unlock()
		return ExpiryReport{State: ExpiryExpired}, nil
	}
	remaining := e.s.ExpiresAt.Sub(now)
	if remaining <= 0 {
		expired, err := m.expireLocked(ctx, e, now)
		e.mu.Unlock()
		if err != nil {
			return ExpiryReport{}, err
		}
		m.fireExpired(expired)
		return ExpiryReport{State: ExpiryExpired}, nil
	}
	report := ExpiryReport{State: ExpiryActive, Remaining: remaining, RemainingMS: remaining.Milliseconds()}
	if remaining <= m.cfg.WarningBefore {
		report.State = ExpiryWarning
		if !e.s.WarningIssued {
			next := clone(e.s)
			next.WarningIssued = true
			next.Version++
			// Advisory only: a failed write just means the warning may repeat.
			if err := m.store.SaveSession(ctx, *next); err != nil {
				m.logger.Warn("session.warning_persist_failed", "session_id", sessionID, "error", err)
			} else {
				e.s = next
			}
			report.FirstWarning = true
		}
	}
	e.mu.Unlock()
	return report, nil
}

// RaiseLevel applies a proven level gain and binds the verified subject.
func (m *Manager) RaiseLevel(ctx context.Context, sessionID, subjectID string, proven authlevel.Level) (*Session, error) {
	return m.mutate(ctx, sessionID, func(s *Session, _ time.Time) error {
		if s.SubjectID != "" && subjectID != "" && s.SubjectID != subjectID {
			return ErrSubjectMismatch
		}
		if s.SubjectID == "" {
			s.SubjectID = subjectID
		}
		s.Level = authlevel.ApplyLevelGain(s.Level, proven)
		return nil
	})
}

// ResetLevel is the explicit re-authentication path; it drops the session to
// tier 0 and unbinds the subject.
func (m *Manager) ResetLevel(ctx context.Context, sessionID string) (*Session, error) {
	return m.mutate(ctx, sessionID, func(s *Session, _ time.Time) error {
		s.Level = authlevel.None
		s.SubjectID = ""
		return nil
	})
}

func (m *Manager) MarkEscalated(ctx context.Context, sessionID string, markers []string) (*Session, error) {
	return m.mutate(ctx, sessionID, func(s *Session, _ time.Time) error {
		s.Escalated = true
		for _, mk := range markers {
			if !slices.Contains(s.EscalationMarkers, mk) {
				s.EscalationMarkers = append(s.EscalationMarkers, mk)
			}
		}
		slices.Sort(s.EscalationMarkers)
		return nil
	})
}

func (m *Manager) RecordConsent(ctx context.Context, sessionID, kind string, given bool) (*Session, error) {
	return m.mutate(ctx, sessionID, func(s *Session, _ time.Time) error {
		idx, found := slices.BinarySearch(s.Consents, kind)
		switch {
		case given && !found:
			s.Consents = slices.Insert(s.Consents, idx, kind)
		case !given && found:
			s.Consents = slices.Delete(s.Consents, idx, idx+1)
		}
		return nil
	})
}

// Terminate ends a session. Terminating an already terminal session returns
// its snapshot without firing hooks again.
func (m *Manager) Terminate(ctx context.Context, sessionID, reason string) (*Session, error) {
	e, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := m.Now()

	e.mu.Lock()
	if e.s.Terminal() {
		out := clone(e.s)
		e.mu.Unlock()
		return out, nil
	}
	next := clone(e.s)
	next.Status = StatusEnded
	next.EndReason = reason
	next.EndedAt = &now
	next.Version++
	if err := m.store.SaveSession(ctx, *next); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("persist session: %w", err)
	}
	e.s = next
	out := clone(next)
	e.mu.Unlock()

	m.fireEnd(out)
	return out, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	count := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.s.Status == StatusActive {
			count++
		}
		e.mu.Unlock()
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Sweep expires idle sessions and drops terminal ones past retention.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.Now()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	entries := make([]*entry, 0, len(m.sessions))
	for id, e := range m.sessions {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var expired []*Session
	var prune []string
	for i, e := range entries {
		e.mu.Lock()
		switch {
		case e.s.Status == StatusActive && !now.Before(e.s.ExpiresAt):
			s, err := m.expireLocked(ctx, e, now)
			if err != nil {
				m.logger.Error("session.expire_persist_failed", "session_id", ids[i], "error", err)
			} else {
				expired = append(expired, s)
			}
		case e.s.Terminal() && e.s.EndedAt != nil && now.Sub(*e.s.EndedAt) >= m.cfg.EndedRetention:
			prune = append(prune, ids[i])
		}
		e.mu.Unlock()
	}

	if len(prune) > 0 {
		m.mu.Lock()
		for _, id := range prune {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
	}
	for _, s := range expired {
		m.fireExpired(s)
	}
}

func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(s *Session, now time.Time) error) (*Session, error) {
	e, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := m.Now()

	e.mu.Lock()
	switch e.s.Status {
	case StatusEnded:
		e.mu.Unlock()
		return nil, ErrEnded
	case StatusExpired:
		e.mu.Unlock()
		return nil, ErrExpired
	}
	if !now.Before(e.s.ExpiresAt) {
		expired, err := m.expireLocked(ctx, e, now)
		e.mu.Unlock()
		if err != nil {
			return nil, err
		}
		m.fireExpired(expired)
		return nil, ErrExpired
	}

	next := clone(e.s)
	if err := fn(next, now); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	next.Version++
	if err := m.store.SaveSession(ctx, *next); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("persist session: %w", err)
	}
	e.s = next
	out := clone(next)
	e.mu.Unlock()
	return out, nil
}

// expireLocked must be called with e.mu held.
func (m *Manager) expireLocked(ctx context.Context, e *entry, now time.Time) (*Session, error) {
	next := clone(e.s)
	next.Status = StatusExpired
	next.EndReason = ReasonTimeout
	next.EndedAt = &now
	next.Version++
	if err := m.store.SaveSession(ctx, *next); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	e.s = next
	return clone(next), nil
}

func (m *Manager) lookup(ctx context.Context, sessionID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	stored, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		return e, nil
	}
	e = &entry{s: clone(&stored)}
	m.sessions[sessionID] = e
	return e, nil
}

func (m *Manager) fireExpired(s *Session) {
	m.logger.Info("session.expired", "session_id", s.ID, "level", s.Level.String())
	m.hookMu.RLock()
	hook := m.onExpire
	m.hookMu.RUnlock()
	if hook != nil {
		hook(clone(s))
	}
	m.fireEnd(s)
}

func (m *Manager) fireEnd(s *Session) {
	m.hookMu.RLock()
	hooks := slices.Clone(m.onEnd)
	m.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(clone(s))
	}
}
