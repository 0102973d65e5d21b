package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/callguard/internal/audit"
	"github.com/ent0n29/callguard/internal/authlevel"
	"github.com/ent0n29/callguard/internal/config"
	"github.com/ent0n29/callguard/internal/credential"
	"github.com/ent0n29/callguard/internal/delivery"
	"github.com/ent0n29/callguard/internal/directory"
	"github.com/ent0n29/callguard/internal/gate"
	"github.com/ent0n29/callguard/internal/httpapi"
	"github.com/ent0n29/callguard/internal/observability"
	"github.com/ent0n29/callguard/internal/policy"
	"github.com/ent0n29/callguard/internal/session"
	"github.com/ent0n29/callguard/internal/tools"
)

type BuildResult struct {
	Config   config.Config
	Profile  config.Profile
	API      *httpapi.Server
	Gate     *gate.Gate
	Sessions *session.Manager
	Ledger   *audit.Ledger
	Metrics  *observability.Metrics
	Relay    string

	// Cleanup should be called on shutdown to release external resources (DB pools).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	profile, err := config.LoadProfile(cfg.Domain, cfg.ProfilePath)
	if err != nil {
		return nil, err
	}
	if cfg.SessionInactivityTimeout > 0 {
		profile.Session.Timeout = cfg.SessionInactivityTimeout
		if profile.Session.WarningBefore >= profile.Session.Timeout {
			profile.Session.WarningBefore = profile.Session.Timeout / 5
		}
	}
	table, err := profile.Table()
	if err != nil {
		return nil, fmt.Errorf("operation table: %w", err)
	}
	regression, err := authlevel.RegressionPolicyByName(profile.Regression.Policy)
	if err != nil {
		return nil, err
	}

	var closers []func() error
	cleanup := func() error {
		var errs []string
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	dir, err := directory.NewDirectory(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("directory init failed: %w", err))
	}
	closers = append(closers, dir.Close)
	// A fresh in-memory directory is seeded with the demo subjects so local
	// runs have someone to verify.
	if cfg.DirectoryPath != "" || cfg.DatabaseURL == "" {
		n, err := directory.LoadSeed(ctx, dir, cfg.DirectoryPath)
		if err != nil {
			return fail(err)
		}
		logger.Info("directory seeded", "subjects", n, "path", cfg.DirectoryPath)
	}

	relay, err := buildRelay(cfg, logger, metrics)
	if err != nil {
		return fail(err)
	}

	verifier := credential.NewVerifier(credential.Config{
		CodeLength:       profile.Challenge.CodeLength,
		CodeTTL:          profile.Challenge.CodeTTL,
		MaxAttempts:      profile.Challenge.MaxAttempts,
		IdentityAttempts: profile.Challenge.IdentityAttempts,
		Cooldown:         profile.Challenge.Cooldown,
		IdentityMode:     profile.Challenge.IdentityMode,
	}, dir, relay,
		credential.WithLogger(logger),
		credential.WithObserver(func(kind credential.Kind, outcome string) {
			metrics.ObserveChallenge(string(kind), outcome)
		}),
	)

	auditStore, err := audit.NewStore(ctx, cfg.AuditDatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("audit store init failed: %w", err))
	}
	closers = append(closers, auditStore.Close)
	ledger, err := audit.NewLedger(ctx, auditStore, audit.Config{RetentionDays: profile.Audit.RetentionDays},
		audit.WithLogger(logger),
		audit.WithObserver(func(result string, elapsed time.Duration) {
			metrics.ObserveAuditAppend(result, elapsed)
			metrics.ObserveDecisionStage(observability.StageAuditAppend, elapsed)
		}),
	)
	if err != nil {
		return fail(fmt.Errorf("audit ledger init failed: %w", err))
	}

	sessionStore, err := session.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("session store init failed: %w", err))
	}
	closers = append(closers, sessionStore.Close)
	sessions := session.NewManager(session.Config{
		Timeout:        profile.Session.Timeout,
		WarningBefore:  profile.Session.WarningBefore,
		EndedRetention: cfg.SessionRetention,
	}, session.WithStore(sessionStore), session.WithLogger(logger))

	registry := tools.NewRegistry()
	handoffOp := ""
	if profile.Escalation.Enabled {
		handoffOp = profile.Escalation.HandoffOperation
	}
	if err := tools.Populate(registry, table, handoffOp); err != nil {
		return fail(err)
	}

	g, err := gate.New(gate.Config{
		Table:            table,
		Registry:         registry,
		HandoffOperation: handoffOp,
		Regression:       regression,
	}, sessions, verifier, ledger, policy.NewMonitor(profile.EscalationMarkers()),
		gate.WithLogger(logger),
		gate.WithMetrics(metrics),
	)
	if err != nil {
		return fail(err)
	}

	api := httpapi.New(cfg, g, ledger, metrics)

	logger.Info("callguard built",
		"domain", profile.Domain,
		"operations", len(profile.Operations),
		"relay", relay.Name(),
		"audit_head", ledger.Head(),
	)

	return &BuildResult{
		Config:   cfg,
		Profile:  profile,
		API:      api,
		Gate:     g,
		Sessions: sessions,
		Ledger:   ledger,
		Metrics:  metrics,
		Relay:    relay.Name(),
		Cleanup:  cleanup,
	}, nil
}

func buildRelay(cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) (delivery.Relay, error) {
	observe := delivery.AttemptObserver(metrics.ObserveDeliveryAttempt)
	var base delivery.Relay
	switch cfg.DeliveryMode {
	case "webhook":
		wh, err := delivery.NewWebhookRelay(delivery.WebhookConfig{URL: cfg.DeliveryWebhookURL}, observe)
		if err != nil {
			return nil, fmt.Errorf("delivery relay init failed: %w", err)
		}
		base = wh
	default:
		if cfg.DeliveryRevealCodes {
			logger.Warn("delivery codes are written to the log in clear; development only")
		}
		base = delivery.NewLogRelay(logger, cfg.DeliveryRevealCodes)
	}
	return delivery.NewThrottled(base, cfg.DeliveryRatePerMinute, observe), nil
}
