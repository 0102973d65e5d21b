package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ent0n29/callguard/internal/config"
	"github.com/ent0n29/callguard/internal/gate"
)

func TestBuildWiresGateAndResumesLedger(t *testing.T) {
	ctx := context.Background()
	auditURL := "sqlite://" + filepath.Join(t.TempDir(), "audit.db")
	cfg := config.Config{
		MetricsNamespace:         "test_app_build",
		Domain:                   "healthcare",
		SessionInactivityTimeout: time.Minute,
		SessionRetention:         time.Minute,
		AuditDatabaseURL:         auditURL,
		DeliveryMode:             "log",
		DeliveryRatePerMinute:    3,
		DecisionSLO:              250 * time.Millisecond,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	built, err := Build(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if built.Profile.Session.Timeout != time.Minute {
		t.Fatalf("profile timeout = %s, want override 1m", built.Profile.Session.Timeout)
	}
	if built.Relay != "log" {
		t.Fatalf("relay = %q, want log", built.Relay)
	}

	s, err := built.Gate.Start(ctx, "test")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d := built.Gate.Authorize(ctx, gate.Request{SessionID: s.ID, Operation: "office_hours"})
	if d.Outcome != gate.OutcomeAllowed {
		t.Fatalf("office_hours outcome = %s (%s), want allowed", d.Outcome, d.Reason)
	}
	head := built.Ledger.Head()
	if head < 2 {
		t.Fatalf("ledger head = %d, want at least 2", head)
	}

	ts := httptest.NewServer(built.API.Router())
	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	ts.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", res.StatusCode)
	}
	if err := built.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	// A second build over the same audit file continues the chain.
	cfg.MetricsNamespace = "test_app_build_resume"
	again, err := Build(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("second Build() error = %v", err)
	}
	defer again.Cleanup()
	if got := again.Ledger.Head(); got != head {
		t.Fatalf("resumed head = %d, want %d", got, head)
	}
	rep, err := again.Ledger.Verify(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !rep.Intact {
		t.Fatalf("resumed chain not intact: %+v", rep)
	}
}

func TestBuildRejectsUnknownDomain(t *testing.T) {
	_, err := Build(context.Background(), config.Config{
		MetricsNamespace: "test_app_build_bad",
		Domain:           "retail",
		DeliveryMode:     "log",
	}, nil)
	if err == nil {
		t.Fatalf("expected error for a domain without a profile")
	}
}
