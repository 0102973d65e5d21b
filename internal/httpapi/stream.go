package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callguard/internal/credential"
	"github.com/ent0n29/callguard/internal/gate"
	"github.com/ent0n29/callguard/internal/protocol"
	"github.com/ent0n29/callguard/internal/session"
)

const (
	wsReadTimeout   = 120 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsWatchInterval = time.Second
)

// handleSessionWS runs one caller turn stream. Client messages are handled
// one at a time, which is the per-session turn order the gate expects; a
// watcher pushes the expiry warning and the expiry itself.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	st, err := s.gate.Status(r.Context(), sessionID)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	if st.Session.Terminal() {
		respondSessionError(w, session.ErrEnded)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	outbound := make(chan any, 64)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		s.watchExpiry(ctx, sessionID, outbound)
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(ctx, outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		reply, done := s.dispatch(ctx, sessionID, parsed)
		if reply != nil {
			send(ctx, outbound, reply)
		}
		if done {
			break
		}
	}

	// Let queued replies drain before the writer stops.
	drainOutbound(ctx, outbound)
	cancel()
	<-writerDone
	<-watcherDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// dispatch routes one client message to the gate. done is true when the
// stream should close.
func (s *Server) dispatch(ctx context.Context, sessionID string, msg any) (reply any, done bool) {
	if id := clientSessionID(msg); id != sessionID {
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "session_mismatch",
			Source:    "gateway",
			Detail:    "message session_id does not match the stream",
		}, false
	}

	decision := func(requestID string, d gate.Decision) protocol.GateDecision {
		return protocol.GateDecision{Type: protocol.TypeGateDecision, SessionID: sessionID, RequestID: requestID, Decision: d}
	}

	switch m := msg.(type) {
	case protocol.CallerUtterance:
		return decision(m.RequestID, s.gate.Observe(ctx, sessionID, m.Text)), false
	case protocol.OperationRequest:
		return decision(m.RequestID, s.gate.Authorize(ctx, gate.Request{
			SessionID: sessionID,
			Operation: m.Operation,
			SubjectID: m.SubjectID,
			Args:      m.Args,
		})), false
	case protocol.Identify:
		return decision(m.RequestID, s.gate.Identify(ctx, sessionID, credential.Presented{
			Phone:     m.Phone,
			FirstName: m.FirstName,
			LastName:  m.LastName,
			DOB:       m.DOB,
		})), false
	case protocol.VerificationSubmit:
		return decision(m.RequestID, s.gate.SubmitVerification(ctx, sessionID, credential.Presented{
			Kind:  credential.Kind(m.Kind),
			Value: m.Value,
		})), false
	case protocol.Consent:
		return decision(m.RequestID, s.gate.RecordConsent(ctx, sessionID, m.Kind, m.Given)), false
	case protocol.Handoff:
		d := s.gate.Handoff(ctx, sessionID)
		return decision(m.RequestID, d), d.Allowed()
	case protocol.Hangup:
		if _, err := s.gate.Hangup(ctx, sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
			return protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "hangup_failed",
				Source:    "gateway",
				Retryable: true,
			}, false
		}
		return protocol.SessionExpired{Type: protocol.TypeSessionExpired, SessionID: sessionID, Reason: session.ReasonHangup}, true
	default:
		return nil, false
	}
}

// watchExpiry polls the session and pushes the advisory warning once and the
// expiry notice when the session times out.
func (s *Server) watchExpiry(ctx context.Context, sessionID string, outbound chan<- any) {
	ticker := time.NewTicker(wsWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st, err := s.gate.Status(ctx, sessionID)
		if err != nil {
			return
		}
		switch {
		case st.Session.Status == session.StatusExpired:
			send(ctx, outbound, protocol.SessionExpired{Type: protocol.TypeSessionExpired, SessionID: sessionID, Reason: session.ReasonTimeout})
			return
		case st.Session.Terminal():
			return
		case st.Expiry.FirstWarning:
			send(ctx, outbound, protocol.SessionWarning{Type: protocol.TypeSessionWarning, SessionID: sessionID, RemainingMS: st.Expiry.RemainingMS})
		}
	}
}

func send(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case <-ctx.Done():
	case outbound <- msg:
	}
}

func drainOutbound(ctx context.Context, outbound chan any) {
	deadline := time.NewTimer(wsWriteTimeout)
	defer deadline.Stop()
	for len(outbound) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func clientSessionID(v any) string {
	switch m := v.(type) {
	case protocol.CallerUtterance:
		return m.SessionID
	case protocol.OperationRequest:
		return m.SessionID
	case protocol.Identify:
		return m.SessionID
	case protocol.VerificationSubmit:
		return m.SessionID
	case protocol.Consent:
		return m.SessionID
	case protocol.Handoff:
		return m.SessionID
	case protocol.Hangup:
		return m.SessionID
	default:
		return ""
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.CallerUtterance:
		return m.Type, true
	case protocol.OperationRequest:
		return m.Type, true
	case protocol.Identify:
		return m.Type, true
	case protocol.VerificationSubmit:
		return m.Type, true
	case protocol.Consent:
		return m.Type, true
	case protocol.Handoff:
		return m.Type, true
	case protocol.Hangup:
		return m.Type, true
	case protocol.GateDecision:
		return m.Type, true
	case protocol.SessionWarning:
		return m.Type, true
	case protocol.SessionExpired:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
