package config

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ent0n29/callguard/internal/authlevel"
)

//go:embed profiles/*.yaml
var builtinProfiles embed.FS

var profileValidate = validator.New()

// Profile is a domain's authorization policy: timers, challenge budgets,
// retention, escalation markers and the operation tier table.
type Profile struct {
	Domain     string            `yaml:"domain" validate:"required"`
	Session    SessionProfile    `yaml:"session"`
	Challenge  ChallengeProfile  `yaml:"challenge"`
	Audit      AuditProfile      `yaml:"audit"`
	Escalation EscalationProfile `yaml:"escalation"`
	Regression RegressionProfile `yaml:"regression"`
	Operations []OperationSpec   `yaml:"operations" validate:"required,min=1,dive"`
}

type SessionProfile struct {
	Timeout       time.Duration `yaml:"timeout" validate:"required"`
	WarningBefore time.Duration `yaml:"warning_before"`
}

type ChallengeProfile struct {
	CodeLength       int           `yaml:"code_length" validate:"gte=4,lte=10"`
	CodeTTL          time.Duration `yaml:"code_ttl" validate:"required"`
	MaxAttempts      int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	IdentityAttempts int           `yaml:"identity_attempts" validate:"gte=1,lte=10"`
	IdentityMode     string        `yaml:"identity_mode" validate:"omitempty,oneof=any phone name_dob"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

type AuditProfile struct {
	RetentionDays int `yaml:"retention_days" validate:"gte=1"`
}

type EscalationProfile struct {
	Enabled          bool     `yaml:"enabled"`
	Markers          []string `yaml:"markers" validate:"required_if=Enabled true,dive,required"`
	HandoffOperation string   `yaml:"handoff_operation" validate:"required_if=Enabled true"`
}

type RegressionProfile struct {
	Policy string `yaml:"policy" validate:"omitempty,oneof=none subject_switch"`
}

type OperationSpec struct {
	Name            string `yaml:"name" validate:"required"`
	Level           int    `yaml:"level" validate:"gte=0,lte=3"`
	ResourceType    string `yaml:"resource_type"`
	Sensitive       bool   `yaml:"sensitive"`
	RequiresConsent string `yaml:"requires_consent"`
}

func IsBuiltinDomain(domain string) bool {
	_, err := builtinProfiles.ReadFile("profiles/" + domain + ".yaml")
	return err == nil
}

// BuiltinDomains lists the embedded profile names.
func BuiltinDomains() []string {
	entries, _ := builtinProfiles.ReadDir("profiles")
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	slices.Sort(out)
	return out
}

// LoadProfile reads path when set, otherwise the embedded profile for domain.
func LoadProfile(domain, path string) (Profile, error) {
	var (
		data []byte
		err  error
	)
	if strings.TrimSpace(path) != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return Profile{}, fmt.Errorf("read profile: %w", err)
		}
	} else {
		data, err = builtinProfiles.ReadFile("profiles/" + domain + ".yaml")
		if err != nil {
			return Profile{}, fmt.Errorf("no built-in profile for domain %q", domain)
		}
	}
	return ParseProfile(data)
}

func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks field constraints and the cross-field rules the tag
// validator cannot express.
func (p Profile) Validate() error {
	if err := profileValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	if p.Session.WarningBefore < 0 || p.Session.WarningBefore >= p.Session.Timeout {
		return errors.New("invalid profile: session.warning_before must be within session.timeout")
	}
	if p.Challenge.Cooldown < 0 {
		return errors.New("invalid profile: challenge.cooldown must not be negative")
	}
	table, err := p.Table()
	if err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	if p.Escalation.Enabled {
		lvl, err := table.RequiredLevel(p.Escalation.HandoffOperation)
		if err != nil {
			return fmt.Errorf("invalid profile: handoff operation %q is not declared", p.Escalation.HandoffOperation)
		}
		if lvl != authlevel.None {
			return fmt.Errorf("invalid profile: handoff operation %q must be level 0", p.Escalation.HandoffOperation)
		}
	}
	return nil
}

func (p Profile) Table() (*authlevel.Table, error) {
	reqs := make([]authlevel.Requirement, 0, len(p.Operations))
	for _, op := range p.Operations {
		reqs = append(reqs, authlevel.Requirement{
			Operation:       op.Name,
			Level:           authlevel.Level(op.Level),
			ResourceType:    op.ResourceType,
			Sensitive:       op.Sensitive,
			RequiresConsent: op.RequiresConsent,
		})
	}
	return authlevel.NewTable(reqs)
}

// EscalationMarkers returns nil when escalation is disabled.
func (p Profile) EscalationMarkers() []string {
	if !p.Escalation.Enabled {
		return nil
	}
	return slices.Clone(p.Escalation.Markers)
}
