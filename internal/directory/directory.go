package directory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/ent0n29/callguard/internal/textnorm"
)

var (
	ErrNotFound  = errors.New("subject not found")
	ErrAmbiguous = errors.New("identity matches more than one subject")
)

const (
	saltSize         = 16
	derivedKeySize   = 32
	deriveIterations = 50_000
)

// KnowledgeFactor is a knowledge question with a one-way reference to its
// answer. The plaintext answer is never kept.
type KnowledgeFactor struct {
	Key      string `json:"key"`
	Question string `json:"question"`
	Salt     []byte `json:"-"`
	Derived  []byte `json:"-"`
}

// Subject is the reference record a caller is verified against.
type Subject struct {
	ID        string            `json:"id"`
	Phone     string            `json:"phone,omitempty"`
	Email     string            `json:"email,omitempty"`
	FirstName string            `json:"first_name"`
	LastName  string            `json:"last_name"`
	DOB       string            `json:"dob"`
	Knowledge []KnowledgeFactor `json:"-"`
}

// Factor returns the knowledge factor stored under key.
func (s Subject) Factor(key string) (KnowledgeFactor, bool) {
	for _, f := range s.Knowledge {
		if f.Key == key {
			return f, true
		}
	}
	return KnowledgeFactor{}, false
}

// DeliveryTarget is where out-of-band codes go: phone first, then email.
func (s Subject) DeliveryTarget() string {
	if s.Phone != "" {
		return s.Phone
	}
	return s.Email
}

// Directory looks up reference records. Implementations normalize the
// presented values the same way they normalize stored ones.
type Directory interface {
	Get(ctx context.Context, subjectID string) (Subject, error)
	FindByPhone(ctx context.Context, phone string) (Subject, error)
	FindByNameDOB(ctx context.Context, firstName, lastName, dob string) (Subject, error)
	Upsert(ctx context.Context, s Subject) error
	Close() error
}

// DeriveAnswer folds the answer and stretches it with PBKDF2-SHA-256.
func DeriveAnswer(answer string, salt []byte) []byte {
	return pbkdf2.Key([]byte(textnorm.Fold(answer)), salt, deriveIterations, derivedKeySize, sha256.New)
}

func NewKnowledgeFactor(key, question, answer string) (KnowledgeFactor, error) {
	if strings.TrimSpace(key) == "" {
		return KnowledgeFactor{}, errors.New("knowledge factor key is required")
	}
	if textnorm.Fold(answer) == "" {
		return KnowledgeFactor{}, fmt.Errorf("knowledge factor %q has an empty answer", key)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return KnowledgeFactor{}, fmt.Errorf("generate salt: %w", err)
	}
	return KnowledgeFactor{
		Key:      key,
		Question: question,
		Salt:     salt,
		Derived:  DeriveAnswer(answer, salt),
	}, nil
}

// Matches compares a presented answer against the derived reference.
func (f KnowledgeFactor) Matches(presented string) bool {
	if len(f.Derived) == 0 || textnorm.Fold(presented) == "" {
		return false
	}
	return subtle.ConstantTimeCompare(DeriveAnswer(presented, f.Salt), f.Derived) == 1
}

// NormalizePhone reduces a phone number to its national digits. A leading
// North American country code is dropped so "+1 (555) 010-2000" and
// "5550102000" compare equal.
func NormalizePhone(phone string) string {
	d := textnorm.Digits(phone)
	if len(d) == 11 && strings.HasPrefix(d, "1") {
		d = d[1:]
	}
	return d
}

var dobLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
}

// NormalizeDOB parses the common spoken and written date forms and returns
// YYYY-MM-DD, or "" when the value is not a date.
func NormalizeDOB(dob string) string {
	v := strings.Join(strings.Fields(dob), " ")
	if v == "" {
		return ""
	}
	for _, layout := range dobLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func nameKey(firstName, lastName, dob string) string {
	return textnorm.Fold(firstName) + "|" + textnorm.Fold(lastName) + "|" + NormalizeDOB(dob)
}

func normalizeSubject(s Subject) (Subject, error) {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		return Subject{}, errors.New("subject id is required")
	}
	s.Phone = NormalizePhone(s.Phone)
	s.Email = normalizeEmail(s.Email)
	s.FirstName = strings.TrimSpace(s.FirstName)
	s.LastName = strings.TrimSpace(s.LastName)
	if s.DOB != "" {
		dob := NormalizeDOB(s.DOB)
		if dob == "" {
			return Subject{}, fmt.Errorf("subject %s: invalid date of birth %q", s.ID, s.DOB)
		}
		s.DOB = dob
	}
	return s, nil
}

// NewDirectory creates a postgres-backed directory when configured, otherwise in-memory.
func NewDirectory(ctx context.Context, databaseURL string) (Directory, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryDirectory(), nil
	}
	return NewPostgresDirectory(ctx, databaseURL)
}
