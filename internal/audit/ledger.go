package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrWriteFailed = errors.New("audit write failed")
	ErrBadRange    = errors.New("invalid audit range")
)

type Config struct {
	// RetentionDays is stamped onto each record at write time.
	RetentionDays int
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithObserver receives the result ("ok" or "error") and latency of every append.
func WithObserver(fn func(result string, elapsed time.Duration)) Option {
	return func(l *Ledger) { l.observe = fn }
}

// Ledger is the only writer of audit records. Appends are serialized so the
// chain has a single head; the head advances only after the store accepts
// the record.
type Ledger struct {
	store   Store
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	observe func(string, time.Duration)

	mu       sync.Mutex
	seq      int64
	prevHash string
}

// NewLedger resumes the chain from the store's last record.
func NewLedger(ctx context.Context, store Store, cfg Config, opts ...Option) (*Ledger, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 6 * 365
	}
	l := &Ledger{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
		observe:  func(string, time.Duration) {},
		prevHash: GenesisHash,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "audit")
	if err := l.resync(ctx); err != nil {
		return nil, err
	}
	l.logger.Info("audit.ledger_ready", "head_seq", l.seq, "retention_days", cfg.RetentionDays)
	return l, nil
}

func (l *Ledger) resync(ctx context.Context) error {
	head, ok, err := l.store.Head(ctx)
	if err != nil {
		return fmt.Errorf("load audit head: %w", err)
	}
	if !ok {
		l.seq, l.prevHash = 0, GenesisHash
		return nil
	}
	l.seq, l.prevHash = head.Seq, head.IntegrityHash
	return nil
}

// Append writes one record and returns it. It never drops a record: any
// store failure is returned wrapped in ErrWriteFailed.
func (l *Ledger) Append(ctx context.Context, e Entry) (Record, error) {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("%w: record id: %v", ErrWriteFailed, err)
	}
	// Microsecond precision survives a round trip through every store.
	ts := l.now().UTC().Truncate(time.Microsecond)
	rec := Record{
		Seq:                   l.seq + 1,
		RecordID:              id.String(),
		Timestamp:             ts,
		SessionID:             e.SessionID,
		SubjectID:             e.SubjectID,
		Action:                e.Action,
		ResourceType:          e.ResourceType,
		ResourceID:            e.ResourceID,
		Decision:              e.Decision,
		Level:                 e.Level,
		SensitiveDataAccessed: e.SensitiveDataAccessed,
		Kind:                  e.Kind,
		Detail:                e.Detail,
		RetainUntil:           ts.AddDate(0, 0, l.cfg.RetentionDays),
		PrevHash:              l.prevHash,
	}
	if rec.Kind == "" {
		rec.Kind = KindDecision
	}
	rec.IntegrityHash = ComputeHash(rec)

	if err := l.store.AppendRecord(ctx, rec); err != nil {
		l.observe("error", time.Since(start))
		l.logger.Error("audit.append_failed", "session_id", e.SessionID, "action", e.Action, "error", err)
		// The write may have landed before the error surfaced; re-read the head.
		if rerr := l.resync(ctx); rerr != nil {
			l.logger.Warn("audit.resync_failed", "error", rerr)
		}
		return Record{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	l.seq = rec.Seq
	l.prevHash = rec.IntegrityHash
	l.observe("ok", time.Since(start))
	return rec, nil
}

// Head returns the sequence number of the last appended record.
func (l *Ledger) Head() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

type Report struct {
	Intact         bool   `json:"intact"`
	BrokenAt       int64  `json:"broken_at,omitempty"`
	BrokenRecordID string `json:"broken_record_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	From           int64  `json:"from"`
	To             int64  `json:"to"`
	Checked        int    `json:"checked"`
}

// Verify recomputes the chain over [from, to]. to <= 0 means the current head.
// The record before from anchors the check, so a range can be verified
// without reading the whole ledger.
func (l *Ledger) Verify(ctx context.Context, from, to int64) (Report, error) {
	if from <= 0 {
		from = 1
	}
	if to <= 0 {
		to = l.Head()
	}
	rep := Report{Intact: true, From: from, To: to}
	if to < from {
		if to == 0 {
			return rep, nil
		}
		return Report{}, fmt.Errorf("%w: from %d > to %d", ErrBadRange, from, to)
	}

	expectedPrev := GenesisHash
	if from > 1 {
		anchor, err := l.store.Range(ctx, from-1, from-1)
		if err != nil {
			return Report{}, fmt.Errorf("read audit anchor: %w", err)
		}
		if len(anchor) != 1 {
			return broken(rep, from-1, "", "missing_record"), nil
		}
		expectedPrev = anchor[0].IntegrityHash
	}

	records, err := l.store.Range(ctx, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("read audit range: %w", err)
	}
	next := from
	for _, r := range records {
		if r.Seq != next {
			return broken(rep, next, "", "missing_record"), nil
		}
		if r.PrevHash != expectedPrev {
			return broken(rep, r.Seq, r.RecordID, "chain_link_mismatch"), nil
		}
		if ComputeHash(r) != r.IntegrityHash {
			return broken(rep, r.Seq, r.RecordID, "hash_mismatch"), nil
		}
		expectedPrev = r.IntegrityHash
		rep.Checked++
		next++
	}
	if next <= to {
		return broken(rep, next, "", "missing_record"), nil
	}
	return rep, nil
}

func broken(rep Report, seq int64, recordID, reason string) Report {
	rep.Intact = false
	rep.BrokenAt = seq
	rep.BrokenRecordID = recordID
	rep.Reason = reason
	return rep
}

// Range returns stored records in [from, to]; to <= 0 means the head.
func (l *Ledger) Range(ctx context.Context, from, to int64) ([]Record, error) {
	if from <= 0 {
		from = 1
	}
	if to <= 0 {
		to = l.Head()
	}
	if to < from {
		return nil, nil
	}
	return l.store.Range(ctx, from, to)
}

// Session returns one session's records in chain order.
func (l *Ledger) Session(ctx context.Context, sessionID string) ([]Record, error) {
	return l.store.BySession(ctx, sessionID)
}
