package directory

import (
	"context"
	"slices"
	"sync"

	"github.com/ent0n29/callguard/internal/textnorm"
)

// InMemoryDirectory keeps reference records in process; used for local/dev and tests.
type InMemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[string]Subject
	byPhone map[string][]string
	byName  map[string][]string
}

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		byID:    make(map[string]Subject),
		byPhone: make(map[string][]string),
		byName:  make(map[string][]string),
	}
}

func (d *InMemoryDirectory) Upsert(_ context.Context, s Subject) error {
	s, err := normalizeSubject(s)
	if err != nil {
		return err
	}
	s.Knowledge = slices.Clone(s.Knowledge)

	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.byID[s.ID]; ok {
		d.unindex(prev)
	}
	d.byID[s.ID] = s
	if s.Phone != "" {
		d.byPhone[s.Phone] = append(d.byPhone[s.Phone], s.ID)
	}
	if s.DOB != "" {
		k := nameKey(s.FirstName, s.LastName, s.DOB)
		d.byName[k] = append(d.byName[k], s.ID)
	}
	return nil
}

func (d *InMemoryDirectory) unindex(s Subject) {
	if s.Phone != "" {
		d.byPhone[s.Phone] = slices.DeleteFunc(d.byPhone[s.Phone], func(id string) bool { return id == s.ID })
	}
	if s.DOB != "" {
		k := nameKey(s.FirstName, s.LastName, s.DOB)
		d.byName[k] = slices.DeleteFunc(d.byName[k], func(id string) bool { return id == s.ID })
	}
}

func (d *InMemoryDirectory) Get(_ context.Context, subjectID string) (Subject, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.byID[subjectID]
	if !ok {
		return Subject{}, ErrNotFound
	}
	return s, nil
}

func (d *InMemoryDirectory) FindByPhone(_ context.Context, phone string) (Subject, error) {
	p := NormalizePhone(phone)
	if p == "" {
		return Subject{}, ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.unique(d.byPhone[p])
}

func (d *InMemoryDirectory) FindByNameDOB(_ context.Context, firstName, lastName, dob string) (Subject, error) {
	if textnorm.Fold(firstName) == "" || textnorm.Fold(lastName) == "" || NormalizeDOB(dob) == "" {
		return Subject{}, ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.unique(d.byName[nameKey(firstName, lastName, dob)])
}

// unique must be called with d.mu held.
func (d *InMemoryDirectory) unique(ids []string) (Subject, error) {
	switch len(ids) {
	case 0:
		return Subject{}, ErrNotFound
	case 1:
		return d.byID[ids[0]], nil
	default:
		return Subject{}, ErrAmbiguous
	}
}

func (d *InMemoryDirectory) Close() error { return nil }
