package audit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/callguard/internal/authlevel"
)

type flakyStore struct {
	*InMemoryStore
	fail atomic.Bool
}

func (f *flakyStore) AppendRecord(ctx context.Context, r Record) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.InMemoryStore.AppendRecord(ctx, r)
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)
	return func() time.Time { return t }
}

func appendN(t *testing.T, l *Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), Entry{
			SessionID: fmt.Sprintf("s-%d", i%3),
			SubjectID: "C-1",
			Action:    "check_balance",
			Decision:  DecisionAllow,
			Level:     authlevel.Light,
		})
		require.NoError(t, err)
	}
}

func TestAppendChainsFromGenesis(t *testing.T) {
	ctx := context.Background()
	l, err := NewLedger(ctx, NewInMemoryStore(), Config{RetentionDays: 2190}, WithClock(fixedClock()))
	require.NoError(t, err)

	first, err := l.Append(ctx, Entry{SessionID: "s1", Action: "session_created", Kind: KindSession, Decision: DecisionAllow})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, GenesisHash, first.PrevHash)
	require.Equal(t, ComputeHash(first), first.IntegrityHash)
	require.Equal(t, 0, first.Timestamp.Nanosecond()%1000, "timestamp truncated to microseconds")
	require.Equal(t, first.Timestamp.AddDate(0, 0, 2190), first.RetainUntil)

	second, err := l.Append(ctx, Entry{SessionID: "s1", Action: "transfer", Decision: DecisionDeny})
	require.NoError(t, err)
	require.Equal(t, first.IntegrityHash, second.PrevHash)
	require.Equal(t, KindDecision, second.Kind)
}

func TestVerifyIntactAndSubRange(t *testing.T) {
	ctx := context.Background()
	l, err := NewLedger(ctx, NewInMemoryStore(), Config{})
	require.NoError(t, err)

	rep, err := l.Verify(ctx, 0, 0)
	require.NoError(t, err)
	require.True(t, rep.Intact)
	require.Equal(t, 0, rep.Checked)

	appendN(t, l, 10)
	rep, err = l.Verify(ctx, 0, 0)
	require.NoError(t, err)
	require.True(t, rep.Intact)
	require.Equal(t, 10, rep.Checked)

	rep, err = l.Verify(ctx, 4, 7)
	require.NoError(t, err)
	require.True(t, rep.Intact)
	require.Equal(t, 4, rep.Checked)

	_, err = l.Verify(ctx, 7, 4)
	require.ErrorIs(t, err, ErrBadRange)
}

func TestVerifyDetectsTampering(t *testing.T) {
	mutations := map[string]func(*Record){
		"decision":  func(r *Record) { r.Decision = DecisionAllow + "!" },
		"level":     func(r *Record) { r.Level = authlevel.Full },
		"sensitive": func(r *Record) { r.SensitiveDataAccessed = !r.SensitiveDataAccessed },
		"timestamp": func(r *Record) { r.Timestamp = r.Timestamp.Add(time.Second) },
		"retention": func(r *Record) { r.RetainUntil = r.RetainUntil.AddDate(-5, 0, 0) },
		"subject":   func(r *Record) { r.SubjectID = "C-2" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := NewInMemoryStore()
			l, err := NewLedger(ctx, store, Config{})
			require.NoError(t, err)
			appendN(t, l, 8)

			store.mu.Lock()
			mutate(&store.records[4])
			store.mu.Unlock()

			rep, err := l.Verify(ctx, 0, 0)
			require.NoError(t, err)
			require.False(t, rep.Intact)
			require.Equal(t, int64(5), rep.BrokenAt)
			require.Equal(t, "hash_mismatch", rep.Reason)
			require.Equal(t, 4, rep.Checked)
		})
	}
}

func TestVerifyDetectsRehashedRecord(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	l, err := NewLedger(ctx, store, Config{})
	require.NoError(t, err)
	appendN(t, l, 6)

	// Recomputing the tampered record's own hash moves the break to its successor.
	store.mu.Lock()
	store.records[2].Decision = DecisionAllow
	store.records[2].Action = "stop_payment"
	store.records[2].IntegrityHash = ComputeHash(store.records[2])
	store.mu.Unlock()

	rep, err := l.Verify(ctx, 0, 0)
	require.NoError(t, err)
	require.False(t, rep.Intact)
	require.Equal(t, int64(4), rep.BrokenAt)
	require.Equal(t, "chain_link_mismatch", rep.Reason)
}

func TestVerifyDetectsDeletedRecord(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	l, err := NewLedger(ctx, store, Config{})
	require.NoError(t, err)
	appendN(t, l, 5)

	store.mu.Lock()
	store.records = store.records[:4]
	store.mu.Unlock()

	rep, err := l.Verify(ctx, 0, 5)
	require.NoError(t, err)
	require.False(t, rep.Intact)
	require.Equal(t, int64(5), rep.BrokenAt)
	require.Equal(t, "missing_record", rep.Reason)
}

func TestFailedAppendDoesNotAdvanceHead(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{InMemoryStore: NewInMemoryStore()}
	var results []string
	l, err := NewLedger(ctx, store, Config{}, WithObserver(func(result string, _ time.Duration) {
		results = append(results, result)
	}))
	require.NoError(t, err)
	appendN(t, l, 2)

	store.fail.Store(true)
	_, err = l.Append(ctx, Entry{SessionID: "s1", Action: "transfer", Decision: DecisionAllow})
	require.ErrorIs(t, err, ErrWriteFailed)
	require.Equal(t, int64(2), l.Head())

	store.fail.Store(false)
	rec, err := l.Append(ctx, Entry{SessionID: "s1", Action: "transfer", Decision: DecisionDeny})
	require.NoError(t, err)
	require.Equal(t, int64(3), rec.Seq)
	require.Equal(t, []string{"ok", "ok", "error", "ok"}, results)

	rep, err := l.Verify(ctx, 0, 0)
	require.NoError(t, err)
	require.True(t, rep.Intact)
}

func TestConcurrentAppendsKeepPerSessionOrder(t *testing.T) {
	ctx := context.Background()
	l, err := NewLedger(ctx, NewInMemoryStore(), Config{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := l.Append(ctx, Entry{SessionID: fmt.Sprintf("s-%d", s), Action: fmt.Sprintf("op-%02d", i), Decision: DecisionAllow})
				if err != nil {
					t.Errorf("Append() error = %v", err)
					return
				}
			}
		}(s)
	}
	wg.Wait()

	rep, err := l.Verify(ctx, 0, 0)
	require.NoError(t, err)
	require.True(t, rep.Intact)
	require.Equal(t, 200, rep.Checked)

	recs, err := l.Session(ctx, "s-3")
	require.NoError(t, err)
	require.Len(t, recs, 25)
	for i, r := range recs {
		require.Equal(t, fmt.Sprintf("op-%02d", i), r.Action)
		if i > 0 {
			require.Greater(t, r.Seq, recs[i-1].Seq)
		}
	}
}

func TestLedgerResumesFromSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	store, err := NewStore(ctx, "sqlite://"+path)
	require.NoError(t, err)
	l, err := NewLedger(ctx, store, Config{})
	require.NoError(t, err)
	appendN(t, l, 4)
	require.NoError(t, store.Close())

	sq, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer sq.Close()
	l, err = NewLedger(ctx, sq, Config{})
	require.NoError(t, err)
	require.Equal(t, int64(4), l.Head())

	_, err = l.Append(ctx, Entry{SessionID: "s-9", Action: "request_statement", Decision: DecisionAllow, SensitiveDataAccessed: true, Kind: KindAccess})
	require.NoError(t, err)

	rep, err := l.Verify(ctx, 0, 0)
	require.NoError(t, err)
	require.True(t, rep.Intact, "%+v", rep)
	require.Equal(t, 5, rep.Checked)

	recs, err := l.Session(ctx, "s-9")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].SensitiveDataAccessed)

	_, err = sq.db.ExecContext(ctx, `UPDATE audit_records SET decision='DENY' WHERE seq=1`)
	require.Error(t, err, "sqlite store rejects updates")
}

func TestNewStoreRejectsUnknownScheme(t *testing.T) {
	_, err := NewStore(context.Background(), "mysql://localhost/audit")
	require.Error(t, err)
}

func TestRedactedDropsChainFields(t *testing.T) {
	r := Record{Seq: 1, PrevHash: GenesisHash, IntegrityHash: "abc"}
	red := r.Redacted()
	require.Empty(t, red.PrevHash)
	require.Empty(t, red.IntegrityHash)
	require.Equal(t, "abc", r.IntegrityHash)
}
