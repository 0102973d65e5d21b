package audit

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Store is append-only: records are written once and read back by sequence
// or by session. No method updates or deletes a record.
type Store interface {
	AppendRecord(ctx context.Context, r Record) error
	Head(ctx context.Context) (Record, bool, error)
	Range(ctx context.Context, fromSeq, toSeq int64) ([]Record, error)
	BySession(ctx context.Context, sessionID string) ([]Record, error)
	Close() error
}

// NewStore picks a backend from the URL scheme: postgres:// or
// postgresql:// for PostgreSQL, sqlite://<path> for a local SQLite file, and
// empty for in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	u := strings.TrimSpace(databaseURL)
	switch {
	case u == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(u, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(u, "sqlite://"))
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return NewPostgresStore(ctx, u)
	default:
		return nil, fmt.Errorf("unsupported audit store url scheme: %q", u)
	}
}

// InMemoryStore keeps records in process; used for local/dev and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) AppendRecord(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if want := int64(len(s.records)) + 1; r.Seq != want {
		return fmt.Errorf("append seq %d, expected %d", r.Seq, want)
	}
	s.records = append(s.records, r)
	return nil
}

func (s *InMemoryStore) Head(_ context.Context) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return Record{}, false, nil
	}
	return s.records[len(s.records)-1], true, nil
}

func (s *InMemoryStore) Range(_ context.Context, fromSeq, toSeq int64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := int64(len(s.records))
	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq > n {
		toSeq = n
	}
	if toSeq < fromSeq {
		return nil, nil
	}
	return slices.Clone(s.records[fromSeq-1 : toSeq]), nil
}

func (s *InMemoryStore) BySession(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
