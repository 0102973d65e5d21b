package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/callguard/internal/gate"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeCallerUtterance    MessageType = "caller_utterance"
	TypeOperationRequest   MessageType = "operation_request"
	TypeIdentify           MessageType = "identify"
	TypeVerificationSubmit MessageType = "verification_submit"
	TypeConsent            MessageType = "consent"
	TypeHandoff            MessageType = "handoff"
	TypeHangup             MessageType = "hangup"

	TypeGateDecision   MessageType = "gate_decision"
	TypeSessionWarning MessageType = "session_warning"
	TypeSessionExpired MessageType = "session_expired"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Client messages. RequestID is echoed back on the matching gate_decision.

type CallerUtterance struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
	Text      string      `json:"text"`
}

type OperationRequest struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id"`
	RequestID string         `json:"request_id,omitempty"`
	Operation string         `json:"operation"`
	SubjectID string         `json:"subject_id,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

type Identify struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
	Phone     string      `json:"phone,omitempty"`
	FirstName string      `json:"first_name,omitempty"`
	LastName  string      `json:"last_name,omitempty"`
	DOB       string      `json:"dob,omitempty"`
}

type VerificationSubmit struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
	Kind      string      `json:"kind,omitempty"`
	Value     string      `json:"value"`
}

type Consent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
	Kind      string      `json:"kind"`
	Given     bool        `json:"given"`
}

type Handoff struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
}

type Hangup struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// Server messages.

type GateDecision struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	RequestID string        `json:"request_id,omitempty"`
	Decision  gate.Decision `json:"decision"`
}

type SessionWarning struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	RemainingMS int64       `json:"remaining_ms"`
}

type SessionExpired struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeCallerUtterance:
		var msg CallerUtterance
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid caller_utterance")
		}
		return msg, nil
	case TypeOperationRequest:
		var msg OperationRequest
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Operation) == "" {
			return nil, errors.New("invalid operation_request")
		}
		return msg, nil
	case TypeIdentify:
		var msg Identify
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || (msg.Phone == "" && msg.FirstName == "" && msg.LastName == "" && msg.DOB == "") {
			return nil, errors.New("invalid identify")
		}
		return msg, nil
	case TypeVerificationSubmit:
		var msg VerificationSubmit
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Value) == "" {
			return nil, errors.New("invalid verification_submit")
		}
		return msg, nil
	case TypeConsent:
		var msg Consent
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Kind) == "" {
			return nil, errors.New("invalid consent")
		}
		return msg, nil
	case TypeHandoff:
		var msg Handoff
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid handoff")
		}
		return msg, nil
	case TypeHangup:
		var msg Hangup
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid hangup")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
