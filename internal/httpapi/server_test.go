package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callguard/internal/audit"
	"github.com/ent0n29/callguard/internal/authlevel"
	"github.com/ent0n29/callguard/internal/config"
	"github.com/ent0n29/callguard/internal/credential"
	"github.com/ent0n29/callguard/internal/delivery"
	"github.com/ent0n29/callguard/internal/directory"
	"github.com/ent0n29/callguard/internal/gate"
	"github.com/ent0n29/callguard/internal/observability"
	"github.com/ent0n29/callguard/internal/policy"
	"github.com/ent0n29/callguard/internal/protocol"
	"github.com/ent0n29/callguard/internal/session"
	"github.com/ent0n29/callguard/internal/tools"
)

var metricsSeq atomic.Int64

type testEnv struct {
	ts     *httptest.Server
	relay  *delivery.MemoryRelay
	ledger *audit.Ledger
}

func newTestEnv(t *testing.T, domain string) *testEnv {
	t.Helper()
	ctx := context.Background()

	profile, err := config.LoadProfile(domain, "")
	if err != nil {
		t.Fatalf("LoadProfile(%q) error = %v", domain, err)
	}
	table, err := profile.Table()
	if err != nil {
		t.Fatalf("Table() error = %v", err)
	}
	dir := directory.NewInMemoryDirectory()
	if _, err := directory.LoadSeed(ctx, dir, ""); err != nil {
		t.Fatalf("LoadSeed() error = %v", err)
	}
	relay := delivery.NewMemoryRelay()
	verifier := credential.NewVerifier(credential.Config{
		CodeLength:       profile.Challenge.CodeLength,
		CodeTTL:          profile.Challenge.CodeTTL,
		MaxAttempts:      profile.Challenge.MaxAttempts,
		IdentityAttempts: profile.Challenge.IdentityAttempts,
		IdentityMode:     profile.Challenge.IdentityMode,
	}, dir, relay)
	ledger, err := audit.NewLedger(ctx, audit.NewInMemoryStore(), audit.Config{RetentionDays: profile.Audit.RetentionDays})
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	sessions := session.NewManager(session.Config{
		Timeout:       profile.Session.Timeout,
		WarningBefore: profile.Session.WarningBefore,
	})
	handoff := ""
	if profile.Escalation.Enabled {
		handoff = profile.Escalation.HandoffOperation
	}
	registry := tools.NewRegistry()
	if err := tools.Populate(registry, table, handoff); err != nil {
		t.Fatalf("Populate() error = %v", err)
	}
	regression, err := authlevel.RegressionPolicyByName(profile.Regression.Policy)
	if err != nil {
		t.Fatalf("RegressionPolicyByName() error = %v", err)
	}

	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))
	g, err := gate.New(gate.Config{
		Table:            table,
		Registry:         registry,
		HandoffOperation: handoff,
		Regression:       regression,
	}, sessions, verifier, ledger, policy.NewMonitor(profile.EscalationMarkers()), gate.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("gate.New() error = %v", err)
	}

	cfg := config.Config{Domain: domain, DecisionSLO: 250 * time.Millisecond}
	srv := New(cfg, g, ledger, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, relay: relay, ledger: ledger}
}

func (e *testEnv) post(t *testing.T, path string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal %s body: %v", path, err)
		}
		rdr = bytes.NewReader(raw)
	}
	res, err := http.Post(e.ts.URL+path, "application/json", rdr)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer res.Body.Close()
	out, _ := io.ReadAll(res.Body)
	return res.StatusCode, out
}

func (e *testEnv) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	res, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer res.Body.Close()
	out, _ := io.ReadAll(res.Body)
	return res.StatusCode, out
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	status, body := e.post(t, "/v1/sessions", map[string]string{"channel": "pstn"})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, want %d (%s)", status, http.StatusCreated, body)
	}
	var created session.CreateResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" {
		t.Fatalf("missing session_id in create response: %s", body)
	}
	if created.Level != authlevel.None {
		t.Fatalf("new session level = %d, want 0", created.Level)
	}
	return created.SessionID
}

func decodeDecision(t *testing.T, body []byte) gate.Decision {
	t.Helper()
	var d gate.Decision
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatalf("decode decision: %v (%s)", err, body)
	}
	return d
}

func TestCreateGetAndEndSession(t *testing.T) {
	env := newTestEnv(t, "banking")
	sid := env.createSession(t)

	status, body := env.get(t, "/v1/sessions/"+sid)
	if status != http.StatusOK {
		t.Fatalf("get status = %d, want %d", status, http.StatusOK)
	}
	var st sessionStatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Status != session.StatusActive || st.LevelName != "none" || st.Expiry != session.ExpiryActive {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.SecondsRemaining <= 0 {
		t.Fatalf("seconds_remaining = %d, want > 0", st.SecondsRemaining)
	}

	status, _ = env.post(t, "/v1/sessions/"+sid+"/end", nil)
	if status != http.StatusOK {
		t.Fatalf("end status = %d, want %d", status, http.StatusOK)
	}
	// Ending twice is a no-op.
	status, _ = env.post(t, "/v1/sessions/"+sid+"/end", nil)
	if status != http.StatusOK {
		t.Fatalf("second end status = %d, want %d", status, http.StatusOK)
	}

	status, body = env.post(t, "/v1/sessions/"+sid+"/operations/branch_hours", nil)
	if status != http.StatusConflict {
		t.Fatalf("operation after end status = %d, want %d (%s)", status, http.StatusConflict, body)
	}
	if d := decodeDecision(t, body); d.Reason != gate.ReasonSessionEnded {
		t.Fatalf("reason = %q, want %q", d.Reason, gate.ReasonSessionEnded)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	env := newTestEnv(t, "banking")

	status, _ := env.get(t, "/v1/sessions/nope")
	if status != http.StatusNotFound {
		t.Fatalf("get status = %d, want %d", status, http.StatusNotFound)
	}
	status, _ = env.post(t, "/v1/sessions/nope/operations/branch_hours", nil)
	if status != http.StatusNotFound {
		t.Fatalf("operation status = %d, want %d", status, http.StatusNotFound)
	}
}

func TestStepUpFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, "banking")
	sid := env.createSession(t)
	base := "/v1/sessions/" + sid

	status, body := env.post(t, base+"/operations/check_balance", nil)
	if status != http.StatusAccepted {
		t.Fatalf("check_balance at level 0 status = %d, want %d (%s)", status, http.StatusAccepted, body)
	}
	d := decodeDecision(t, body)
	if d.Outcome != gate.OutcomeChallenge || d.Challenge == nil || d.Challenge.Kind != credential.KindIdentity {
		t.Fatalf("expected identity challenge, got %+v", d)
	}

	status, body = env.post(t, base+"/identify", map[string]string{"phone": "+1 555 010 2000"})
	if status != http.StatusOK {
		t.Fatalf("identify status = %d, want %d (%s)", status, http.StatusOK, body)
	}
	d = decodeDecision(t, body)
	if d.Level != authlevel.Light || d.Operation != "check_balance" || d.Result == nil {
		t.Fatalf("identify should resume check_balance at level 1, got %+v", d)
	}

	status, body = env.post(t, base+"/operations/internal_transfer", map[string]any{"args": map[string]any{"amount": 25}})
	if status != http.StatusAccepted {
		t.Fatalf("internal_transfer status = %d, want %d (%s)", status, http.StatusAccepted, body)
	}
	d = decodeDecision(t, body)
	if d.Challenge == nil || d.Challenge.Kind != credential.KindOneTimeCode {
		t.Fatalf("expected one-time code challenge, got %+v", d)
	}
	if strings.Contains(string(body), `"code"`) {
		t.Fatalf("challenge response leaked the code: %s", body)
	}

	msg, ok := env.relay.Last(sid)
	if !ok {
		t.Fatalf("no code delivered")
	}
	status, body = env.post(t, base+"/verify", map[string]string{"kind": "one_time_code", "value": msg.Code})
	if status != http.StatusOK {
		t.Fatalf("verify status = %d, want %d (%s)", status, http.StatusOK, body)
	}
	d = decodeDecision(t, body)
	if d.Level != authlevel.Standard || d.Operation != "internal_transfer" {
		t.Fatalf("verify should resume internal_transfer at level 2, got %+v", d)
	}

	status, body = env.get(t, base+"/audit")
	if status != http.StatusOK {
		t.Fatalf("audit status = %d, want %d", status, http.StatusOK)
	}
	var trail struct {
		Records []audit.Record `json:"records"`
	}
	if err := json.Unmarshal(body, &trail); err != nil {
		t.Fatalf("decode audit trail: %v", err)
	}
	if len(trail.Records) < 5 {
		t.Fatalf("audit records = %d, want at least 5", len(trail.Records))
	}
	for _, r := range trail.Records {
		if r.IntegrityHash != "" || r.PrevHash != "" {
			t.Fatalf("session audit exposed chain hashes on seq %d", r.Seq)
		}
	}

	status, body = env.get(t, "/v1/audit/verify")
	if status != http.StatusOK {
		t.Fatalf("audit verify status = %d, want %d (%s)", status, http.StatusOK, body)
	}
	var rep audit.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !rep.Intact || rep.To != env.ledger.Head() {
		t.Fatalf("unexpected verify report: %+v", rep)
	}
}

func TestWrongCodeReportsAttemptsRemaining(t *testing.T) {
	env := newTestEnv(t, "banking")
	sid := env.createSession(t)
	base := "/v1/sessions/" + sid

	if status, body := env.post(t, base+"/identify", map[string]string{"phone": "+1 555 010 2000"}); status != http.StatusOK {
		t.Fatalf("identify status = %d (%s)", status, body)
	}
	if status, body := env.post(t, base+"/operations/unfreeze_card", nil); status != http.StatusAccepted {
		t.Fatalf("unfreeze_card status = %d (%s)", status, body)
	}
	msg, _ := env.relay.Last(sid)
	wrong := "000000"
	if msg.Code == wrong {
		wrong = "111111"
	}
	status, body := env.post(t, base+"/verify", map[string]string{"value": wrong})
	if status != http.StatusForbidden {
		t.Fatalf("wrong code status = %d, want %d (%s)", status, http.StatusForbidden, body)
	}
	d := decodeDecision(t, body)
	if d.Reason != gate.ReasonInvalidCredential || d.AttemptsRemaining == nil || *d.AttemptsRemaining != 2 {
		t.Fatalf("unexpected wrong-code decision: %+v", d)
	}
}

func TestEscalationLocksSession(t *testing.T) {
	env := newTestEnv(t, "healthcare")
	sid := env.createSession(t)
	base := "/v1/sessions/" + sid

	status, body := env.post(t, base+"/utterances", map[string]string{"text": "what were my lab results"})
	if status != http.StatusLocked {
		t.Fatalf("utterance status = %d, want %d (%s)", status, http.StatusLocked, body)
	}
	status, _ = env.post(t, base+"/operations/office_hours", nil)
	if status != http.StatusLocked {
		t.Fatalf("operation after escalation status = %d, want %d", status, http.StatusLocked)
	}
	status, body = env.post(t, base+"/handoff", nil)
	if status != http.StatusOK {
		t.Fatalf("handoff status = %d, want %d (%s)", status, http.StatusOK, body)
	}
	status, body = env.get(t, base)
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	var st sessionStatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Status != session.StatusEnded || st.EndReason != session.ReasonHandoff || !st.Escalated {
		t.Fatalf("unexpected status after handoff: %+v", st)
	}
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t, "banking")
	sid := env.createSession(t)
	base := "/v1/sessions/" + sid

	cases := []struct {
		name string
		path string
		body any
	}{
		{name: "empty utterance", path: base + "/utterances", body: map[string]string{"text": ""}},
		{name: "identify without facts", path: base + "/identify", body: map[string]string{}},
		{name: "verify without value", path: base + "/verify", body: map[string]string{"kind": "one_time_code"}},
		{name: "verify unknown kind", path: base + "/verify", body: map[string]string{"kind": "retina", "value": "x"}},
		{name: "consent without given", path: base + "/consents", body: map[string]string{"kind": "data_processing"}},
		{name: "no body", path: base + "/verify", body: nil},
	}
	for _, tc := range cases {
		status, body := env.post(t, tc.path, tc.body)
		if status != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want %d (%s)", tc.name, status, http.StatusBadRequest, body)
		}
	}
}

func TestAuditVerifyRejectsBadRange(t *testing.T) {
	env := newTestEnv(t, "banking")
	env.createSession(t)

	status, _ := env.get(t, "/v1/audit/verify?from=abc")
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", status, http.StatusBadRequest)
	}
}

func TestHealthAndPerf(t *testing.T) {
	env := newTestEnv(t, "banking")
	sid := env.createSession(t)
	env.post(t, "/v1/sessions/"+sid+"/operations/branch_hours", nil)

	status, _ := env.get(t, "/healthz")
	if status != http.StatusOK {
		t.Fatalf("healthz status = %d", status)
	}
	status, _ = env.get(t, "/readyz")
	if status != http.StatusOK {
		t.Fatalf("readyz status = %d", status)
	}
	status, body := env.get(t, "/v1/perf/decisions")
	if status != http.StatusOK {
		t.Fatalf("perf status = %d", status)
	}
	var perf map[string]any
	if err := json.Unmarshal(body, &perf); err != nil {
		t.Fatalf("decode perf: %v", err)
	}
	if _, ok := perf["within_slo"]; !ok {
		t.Fatalf("perf response missing within_slo: %s", body)
	}
}

func TestDecisionStatusMapping(t *testing.T) {
	cases := []struct {
		d    gate.Decision
		want int
	}{
		{gate.Decision{Outcome: gate.OutcomeAllowed}, http.StatusOK},
		{gate.Decision{Outcome: gate.OutcomeChallenge}, http.StatusAccepted},
		{gate.Decision{Outcome: gate.OutcomeEscalated}, http.StatusLocked},
		{gate.Decision{Outcome: gate.OutcomeDenied, Reason: gate.ReasonSessionExpired}, http.StatusConflict},
		{gate.Decision{Outcome: gate.OutcomeDenied, Reason: gate.ReasonSessionNotFound}, http.StatusNotFound},
		{gate.Decision{Outcome: gate.OutcomeDenied, Reason: gate.ReasonAuditUnavailable}, http.StatusServiceUnavailable},
		{gate.Decision{Outcome: gate.OutcomeDenied, Reason: gate.ReasonCoolingDown}, http.StatusTooManyRequests},
		{gate.Decision{Outcome: gate.OutcomeDenied, Reason: gate.ReasonDeliveryFailed}, http.StatusBadGateway},
		{gate.Decision{Outcome: gate.OutcomeDenied, Reason: gate.ReasonAttemptsExhausted}, http.StatusForbidden},
	}
	for _, tc := range cases {
		if got := decisionStatus(tc.d); got != tc.want {
			t.Fatalf("decisionStatus(%s/%s) = %d, want %d", tc.d.Outcome, tc.d.Reason, got, tc.want)
		}
	}
}

func TestSessionStream(t *testing.T) {
	env := newTestEnv(t, "banking")
	sid := env.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/sessions/" + sid + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(protocol.OperationRequest{
		Type:      protocol.TypeOperationRequest,
		SessionID: sid,
		RequestID: "r-1",
		Operation: "branch_hours",
	}); err != nil {
		t.Fatalf("write operation_request: %v", err)
	}
	var reply protocol.GateDecision
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read gate_decision: %v", err)
	}
	if reply.Type != protocol.TypeGateDecision || reply.RequestID != "r-1" || reply.Decision.Outcome != gate.OutcomeAllowed {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	if err := conn.WriteJSON(protocol.OperationRequest{
		Type:      protocol.TypeOperationRequest,
		SessionID: "someone-else",
		Operation: "branch_hours",
	}); err != nil {
		t.Fatalf("write mismatched request: %v", err)
	}
	var errEvt protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvt); err != nil {
		t.Fatalf("read error_event: %v", err)
	}
	if errEvt.Type != protocol.TypeErrorEvent || errEvt.Code != "session_mismatch" {
		t.Fatalf("unexpected error event: %+v", errEvt)
	}

	if err := conn.WriteJSON(protocol.Hangup{Type: protocol.TypeHangup, SessionID: sid}); err != nil {
		t.Fatalf("write hangup: %v", err)
	}
	var ended protocol.SessionExpired
	if err := conn.ReadJSON(&ended); err != nil {
		t.Fatalf("read session_expired: %v", err)
	}
	if ended.Type != protocol.TypeSessionExpired || ended.Reason != session.ReasonHangup {
		t.Fatalf("unexpected end message: %+v", ended)
	}

	status, _ := env.get(t, "/v1/sessions/"+sid+"/ws")
	if status != http.StatusConflict {
		t.Fatalf("ws on ended session status = %d, want %d", status, http.StatusConflict)
	}
}
