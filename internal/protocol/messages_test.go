package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ent0n29/callguard/internal/gate"
)

func TestParseClientMessageOperationRequest(t *testing.T) {
	raw := []byte(`{"type":"operation_request","session_id":"s1","request_id":"r7","operation":"check_balance","subject_id":"C-1001","args":{"account":"chk"}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	req, ok := msg.(OperationRequest)
	if !ok {
		t.Fatalf("message type = %T, want OperationRequest", msg)
	}
	if req.SessionID != "s1" || req.Operation != "check_balance" || req.RequestID != "r7" {
		t.Fatalf("unexpected operation request: %+v", req)
	}
	if req.Args["account"] != "chk" {
		t.Fatalf("Args = %v, want account=chk", req.Args)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageIdentify(t *testing.T) {
	raw := []byte(`{"type":"identify","session_id":"s1","first_name":"Ada","last_name":"Lovelace","dob":"12/10/1985"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	id, ok := msg.(Identify)
	if !ok {
		t.Fatalf("message type = %T, want Identify", msg)
	}
	if id.FirstName != "Ada" || id.DOB != "12/10/1985" {
		t.Fatalf("unexpected identify: %+v", id)
	}
}

func TestParseClientMessageRejectsInvalid(t *testing.T) {
	cases := []string{
		`{"type":"caller_utterance","session_id":"s1","text":"   "}`,
		`{"type":"operation_request","session_id":"","operation":"x"}`,
		`{"type":"identify","session_id":"s1"}`,
		`{"type":"verification_submit","session_id":"s1","value":""}`,
		`{"type":"consent","session_id":"s1","kind":""}`,
		`{"type":"hangup"}`,
		`{"type":"handoff","session_id":7}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) error = nil, want validation error", raw)
		}
	}
}

func TestGateDecisionEncodingOmitsSecrets(t *testing.T) {
	msg := GateDecision{
		Type:      TypeGateDecision,
		SessionID: "s1",
		Decision: gate.Decision{
			Outcome: gate.OutcomeChallenge,
			Reason:  gate.ReasonStepUpRequired,
			Challenge: &gate.ChallengeInfo{
				ID:          "c1",
				Kind:        "one_time_code",
				DeliveredTo: "***-***-2000",
			},
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	out := string(raw)
	if !strings.Contains(out, `"outcome":"challenge"`) || !strings.Contains(out, `"delivered_to":"***-***-2000"`) {
		t.Fatalf("unexpected encoding: %s", out)
	}
	for _, banned := range []string{"secret", "integrity_hash", "prev_hash"} {
		if strings.Contains(out, banned) {
			t.Fatalf("encoding leaks %q: %s", banned, out)
		}
	}
}

func BenchmarkParseClientMessageOperationRequest(b *testing.B) {
	raw := []byte(`{"type":"operation_request","session_id":"s1","operation":"check_balance","args":{"account":"chk"}}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(OperationRequest); !ok {
			b.Fatalf("message type = %T, want OperationRequest", msg)
		}
	}
}
