package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"

	"github.com/ent0n29/callguard/internal/authlevel"
	"github.com/ent0n29/callguard/internal/delivery"
	"github.com/ent0n29/callguard/internal/directory"
	"github.com/ent0n29/callguard/internal/textnorm"
)

type Config struct {
	CodeLength       int
	CodeTTL          time.Duration
	MaxAttempts      int
	IdentityAttempts int
	Cooldown         time.Duration
	IdentityMode     string
}

func (c Config) withDefaults() Config {
	if c.CodeLength < 4 || c.CodeLength > 10 {
		c.CodeLength = 6
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.IdentityAttempts <= 0 {
		c.IdentityAttempts = 3
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	switch c.IdentityMode {
	case IdentityPhone, IdentityNameDOB:
	default:
		c.IdentityMode = IdentityAny
	}
	return c
}

type Option func(*Verifier)

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// WithObserver reports every issue and verify outcome, for metrics.
func WithObserver(fn func(kind Kind, outcome string)) Option {
	return func(v *Verifier) { v.observe = fn }
}

type sessionState struct {
	mu     sync.Mutex
	active *Challenge
}

// Verifier owns challenges for their whole lifetime. At most one challenge
// is live per session; issuing for a new target level replaces it.
type Verifier struct {
	cfg     Config
	dir     directory.Directory
	relay   delivery.Relay
	now     func() time.Time
	logger  *slog.Logger
	observe func(Kind, string)
	counter atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*sessionState
	// cooldowns outlive the session's challenge state: a level reset or a
	// fresh session must not clear an exhausted budget.
	cooldowns map[string]time.Time
}

func NewVerifier(cfg Config, dir directory.Directory, relay delivery.Relay, opts ...Option) *Verifier {
	v := &Verifier{
		cfg:      cfg.withDefaults(),
		dir:      dir,
		relay:    relay,
		now:      time.Now,
		logger:   slog.Default(),
		observe:  func(Kind, string) {},
		sessions:  make(map[string]*sessionState),
		cooldowns: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "credential")
	v.counter.Store(mrand.Uint64())
	return v
}

func (v *Verifier) state(sessionID string) *sessionState {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		v.sessions[sessionID] = st
	}
	return st
}

// Issue starts a step-up toward req.TargetLevel. If a live challenge for the
// same target already exists it is returned unchanged and issued is false.
func (v *Verifier) Issue(ctx context.Context, req IssueRequest) (ch Challenge, issued bool, err error) {
	step, ok := authlevel.StepFor(req.TargetLevel)
	if !ok {
		return Challenge{}, false, fmt.Errorf("no step-up reaches level %s", req.TargetLevel)
	}
	kind := KindFor(step)

	st := v.state(req.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := v.now()
	if a := st.active; a != nil && a.TargetLevel == req.TargetLevel && now.Before(a.ExpiresAt) && a.AttemptsRemaining > 0 {
		return *a, false, nil
	}
	if v.coolingDown(now, req.SessionID, req.SubjectID) {
		v.observe(kind, "cooling_down")
		return Challenge{}, false, ErrCoolingDown
	}

	c := &Challenge{
		ID:                uuid.NewString(),
		SessionID:         req.SessionID,
		SubjectID:         req.SubjectID,
		Kind:              kind,
		TargetLevel:       req.TargetLevel,
		IssuedAt:          now,
		ExpiresAt:         now.Add(v.cfg.CodeTTL),
		AttemptsRemaining: v.cfg.MaxAttempts,
	}
	switch kind {
	case KindIdentity:
		c.AttemptsRemaining = v.cfg.IdentityAttempts
	case KindOneTimeCode:
		if err := v.prepareCode(ctx, c); err != nil {
			v.observe(kind, "delivery_failed")
			return Challenge{}, false, err
		}
	case KindKnowledge:
		if err := v.prepareQuestion(ctx, c); err != nil {
			v.observe(kind, "unavailable")
			return Challenge{}, false, err
		}
	}

	st.active = c
	v.observe(kind, "issued")
	v.logger.InfoContext(ctx, "credential.challenge_issued",
		"session_id", c.SessionID,
		"challenge_id", c.ID,
		"kind", string(c.Kind),
		"target_level", c.TargetLevel.String(),
	)
	return *c, true, nil
}

func (v *Verifier) subject(ctx context.Context, subjectID string) (directory.Subject, error) {
	if subjectID == "" {
		return directory.Subject{}, ErrSubjectRequired
	}
	s, err := v.dir.Get(ctx, subjectID)
	if err != nil {
		return directory.Subject{}, fmt.Errorf("load subject: %w", err)
	}
	return s, nil
}

func (v *Verifier) prepareCode(ctx context.Context, c *Challenge) error {
	subj, err := v.subject(ctx, c.SubjectID)
	if err != nil {
		return err
	}
	code, err := v.generateCode()
	if err != nil {
		return err
	}
	target := subj.DeliveryTarget()
	// Delivery must be accepted before the challenge goes live.
	if err := v.relay.Deliver(ctx, delivery.Message{
		SessionID: c.SessionID,
		SubjectID: c.SubjectID,
		Target:    target,
		Code:      code,
		ExpiresAt: c.ExpiresAt,
	}); err != nil {
		v.logger.WarnContext(ctx, "credential.delivery_failed", "session_id", c.SessionID, "relay", v.relay.Name(), "error", err)
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	c.SecretRef = codeRef(c.ID, code)
	c.DeliveredTo = delivery.MaskTarget(target)
	return nil
}

func (v *Verifier) prepareQuestion(ctx context.Context, c *Challenge) error {
	subj, err := v.subject(ctx, c.SubjectID)
	if err != nil {
		return err
	}
	if len(subj.Knowledge) == 0 {
		return ErrNoKnowledgeFactor
	}
	f := subj.Knowledge[mrand.Intn(len(subj.Knowledge))]
	c.FactorKey = f.Key
	c.Question = f.Question
	return nil
}

func (v *Verifier) generateCode() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate code secret: %w", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	code, err := hotp.GenerateCodeCustom(secret, v.counter.Add(1), hotp.ValidateOpts{
		Digits:    otp.Digits(v.cfg.CodeLength),
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return code, nil
}

func codeRef(challengeID, code string) []byte {
	sum := sha256.Sum256([]byte(challengeID + ":" + code))
	return sum[:]
}

// Verify checks a presented factor against the session's live challenge.
// Non-success outcomes come back with the matching sentinel error alongside
// a populated Result; any other error is an infrastructure failure.
func (v *Verifier) Verify(ctx context.Context, sessionID string, p Presented) (Result, error) {
	st := v.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	c := st.active
	if c == nil {
		return Result{Outcome: OutcomeFailure, Kind: p.Kind, Reason: "no_active_challenge"}, ErrNoChallenge
	}
	res := Result{Kind: c.Kind, ChallengeID: c.ID, AttemptsRemaining: c.AttemptsRemaining}
	if p.Kind != "" && p.Kind != c.Kind {
		res.Outcome = OutcomeFailure
		res.Reason = "wrong_factor"
		return res, ErrWrongFactor
	}
	now := v.now()
	if !now.Before(c.ExpiresAt) {
		st.active = nil
		res.Outcome = OutcomeExpired
		res.Reason = "challenge_expired"
		res.AttemptsRemaining = 0
		v.observe(c.Kind, string(OutcomeExpired))
		return res, ErrChallengeExpired
	}

	subjectID, ok, err := v.check(ctx, c, p)
	if err != nil {
		return Result{}, err
	}
	if ok {
		st.active = nil
		res.Outcome = OutcomeSuccess
		res.Level = c.TargetLevel
		res.SubjectID = subjectID
		v.observe(c.Kind, string(OutcomeSuccess))
		return res, nil
	}

	c.AttemptsRemaining--
	res.AttemptsRemaining = c.AttemptsRemaining
	if c.AttemptsRemaining <= 0 {
		st.active = nil
		v.startCooldown(now, sessionID, c.SubjectID)
		res.Outcome = OutcomeAttemptsExhausted
		res.Reason = "attempts_exhausted"
		v.observe(c.Kind, string(OutcomeAttemptsExhausted))
		v.logger.WarnContext(ctx, "credential.attempts_exhausted", "session_id", sessionID, "kind", string(c.Kind))
		return res, ErrAttemptsExhausted
	}
	res.Outcome = OutcomeFailure
	res.Reason = "invalid_credential"
	v.observe(c.Kind, string(OutcomeFailure))
	return res, ErrInvalidCredential
}

func (v *Verifier) check(ctx context.Context, c *Challenge, p Presented) (string, bool, error) {
	switch c.Kind {
	case KindIdentity:
		return v.checkIdentity(ctx, c, p)
	case KindOneTimeCode:
		code := textnorm.Digits(p.Value)
		if len(code) != v.cfg.CodeLength {
			return "", false, nil
		}
		return c.SubjectID, subtle.ConstantTimeCompare(codeRef(c.ID, code), c.SecretRef) == 1, nil
	case KindKnowledge:
		subj, err := v.dir.Get(ctx, c.SubjectID)
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				return "", false, nil
			}
			return "", false, fmt.Errorf("load subject: %w", err)
		}
		f, ok := subj.Factor(c.FactorKey)
		if !ok {
			return "", false, nil
		}
		return c.SubjectID, f.Matches(p.Value), nil
	}
	return "", false, nil
}

// checkIdentity resolves the presented identity factors to exactly one
// subject. When both phone and name+DOB are offered they must agree.
func (v *Verifier) checkIdentity(ctx context.Context, c *Challenge, p Presented) (string, bool, error) {
	var matched []string
	usePhone := v.cfg.IdentityMode != IdentityNameDOB && p.Phone != ""
	useName := v.cfg.IdentityMode != IdentityPhone && (p.FirstName != "" || p.LastName != "" || p.DOB != "")
	if !usePhone && !useName {
		return "", false, nil
	}
	if usePhone {
		s, err := v.dir.FindByPhone(ctx, p.Phone)
		if err != nil {
			return lookupMiss(err)
		}
		matched = append(matched, s.ID)
	}
	if useName {
		s, err := v.dir.FindByNameDOB(ctx, p.FirstName, p.LastName, p.DOB)
		if err != nil {
			return lookupMiss(err)
		}
		matched = append(matched, s.ID)
	}
	id := matched[0]
	for _, m := range matched[1:] {
		if m != id {
			return "", false, nil
		}
	}
	if c.SubjectID != "" && c.SubjectID != id {
		return "", false, nil
	}
	return id, true, nil
}

func lookupMiss(err error) (string, bool, error) {
	if errors.Is(err, directory.ErrNotFound) || errors.Is(err, directory.ErrAmbiguous) {
		return "", false, nil
	}
	return "", false, fmt.Errorf("identity lookup: %w", err)
}

// Active returns the session's live challenge, if any.
func (v *Verifier) Active(sessionID string) (Challenge, bool) {
	v.mu.Lock()
	st, ok := v.sessions[sessionID]
	v.mu.Unlock()
	if !ok {
		return Challenge{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active == nil || !v.now().Before(st.active.ExpiresAt) {
		return Challenge{}, false
	}
	return *st.active, true
}

// DiscardSession drops the session's live challenge so a stale one cannot be
// answered. Cool-downs are kept until they lapse.
func (v *Verifier) DiscardSession(sessionID string) {
	v.mu.Lock()
	st, ok := v.sessions[sessionID]
	delete(v.sessions, sessionID)
	v.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.active = nil
	st.mu.Unlock()
}

func cooldownKeys(sessionID, subjectID string) []string {
	keys := []string{"session:" + sessionID}
	if subjectID != "" {
		keys = append(keys, "subject:"+subjectID)
	}
	return keys
}

func (v *Verifier) coolingDown(now time.Time, sessionID, subjectID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, k := range cooldownKeys(sessionID, subjectID) {
		if until, ok := v.cooldowns[k]; ok && now.Before(until) {
			return true
		}
	}
	return false
}

// startCooldown locks issuance for the session and, when known, the subject.
func (v *Verifier) startCooldown(now time.Time, sessionID, subjectID string) {
	if v.cfg.Cooldown <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, until := range v.cooldowns {
		if !now.Before(until) {
			delete(v.cooldowns, k)
		}
	}
	until := now.Add(v.cfg.Cooldown)
	for _, k := range cooldownKeys(sessionID, subjectID) {
		v.cooldowns[k] = until
	}
}
