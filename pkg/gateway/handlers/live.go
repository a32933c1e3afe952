package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vivavoce/viva/pkg/exam/backend"
	"github.com/vivavoce/viva/pkg/exam/phase"
	"github.com/vivavoce/viva/pkg/exam/session"
	"github.com/vivavoce/viva/pkg/gateway/apierror"
	"github.com/vivavoce/viva/pkg/gateway/config"
	"github.com/vivavoce/viva/pkg/gateway/lifecycle"
	"github.com/vivavoce/viva/pkg/gateway/live/protocol"
	"github.com/vivavoce/viva/pkg/gateway/live/sessions"
	"github.com/vivavoce/viva/pkg/gateway/mw"
	"github.com/vivavoce/viva/pkg/gateway/ratelimit"
)

// LiveHandler handles /v1/sessions websocket connections. Each accepted
// socket gets its own orchestrator; the handler bridges frames in and events
// out and never touches session state directly.
type LiveHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Backend   backend.Conversation
	Scorer    backend.Scorer
	Store     session.Store
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker

	// NewSessionID mints session identifiers; main wires a ULID source.
	NewSessionID func() string
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeErrorJSON(w, http.StatusMethodNotAllowed, apiError("invalid_request_error", "method not allowed", reqID))
		return
	}
	if h.Lifecycle.IsDraining() {
		writeErrorJSON(w, http.StatusServiceUnavailable, apiError("unavailable_error", "gateway is draining", reqID))
		return
	}
	if !h.originAllowed(r) {
		writeErrorJSON(w, http.StatusForbidden, apiError("permission_error", "origin is not allowed", reqID))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	handshakeTimeout := h.Config.WSHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "bad_request", "failed to read hello", true)
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "bad_request", "first frame must be hello", true)
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame, h.Config.MaxUserTurnLen)
	if err != nil {
		// Reuse the gateway error mapping so the client sees the precise
		// decode code and message, not a generic rejection.
		apiErr, _ := apierror.FromError(err, reqID)
		code := apiErr.Code
		if code == "" {
			code = "bad_request"
		}
		h.writeWSError(conn, code, apiErr.Message, true)
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be hello", true)
		return
	}
	if strings.TrimSpace(hello.ProtocolVersion) != protocol.ProtocolVersion1 {
		h.writeWSError(conn, "unsupported_version", "unsupported protocol_version", true)
		return
	}

	apiKey := h.resolveAPIKey(r, hello)
	principalKey, authErr := h.resolvePrincipal(apiKey)
	if authErr != nil {
		h.writeWSError(conn, "unauthorized", authErr.Error(), true)
		return
	}

	if h.Limiter != nil {
		dec := h.Limiter.AcquireSession(principalKey, time.Now())
		if !dec.Allowed {
			h.writeWSError(conn, "rate_limited", "too many active sessions", true)
			return
		}
		defer dec.Permit.Release()
	}

	sessionID := h.newSessionID()
	orch, err := session.New(session.Dependencies{
		Logger:  h.Logger,
		Backend: h.Backend,
		Scorer:  h.Scorer,
		Store:   h.Store,

		SessionID: sessionID,
		PhaseConfig: phase.Config{
			Phase1Exchanges: h.Config.Phase1Exchanges,
			Phase1Timeout:   h.Config.Phase1Timeout,
			Phase2MinSpeech: h.Config.Phase2MinSpeech,
			Phase2Timeout:   h.Config.Phase2Timeout,
			Phase3Exchanges: h.Config.Phase3Exchanges,
			Phase3Timeout:   h.Config.Phase3Timeout,
			IdleTimeout:     h.Config.IdleTimeout,
		},
		TickInterval: h.Config.TickInterval,
		RetryBackoff: h.Config.RetryBackoff,
	})
	if err != nil {
		h.writeWSError(conn, "internal", "failed to initialize session", true)
		return
	}

	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       sessionID,
		Phase:           string(orch.Snapshot().Phase),
		Limits: &protocol.HelloAckLimits{
			MaxMessageBytes: int(h.Config.WSMaxMessageBytes),
			MaxUserTurnLen:  h.Config.MaxUserTurnLen,
			IdleTimeoutMS:   h.Config.IdleTimeout.Milliseconds(),
			MaxSessionMS:    h.Config.WSMaxSessionDuration.Milliseconds(),
		},
	}
	if err := conn.WriteJSON(ack); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	writer := newWSWriter(conn, h.Config.WSWriteTimeout)

	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register(sessionID, sessions.Handle{
			Cancel: orch.Cancel,
			Warn: func(code, message string) error {
				return writer.WriteJSON(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
			},
		})
	}
	defer unregister()

	ctx, cancel := context.WithTimeout(r.Context(), h.Config.WSMaxSessionDuration)
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = orch.Run(ctx)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.pumpEvents(writer, orch)
	}()

	h.readLoop(conn, writer, orch)

	// The read loop only returns when the socket died or the session ended.
	// Either way the orchestrator is told to wind down, then its outbound
	// stream is drained before the socket closes.
	orch.Cancel("client_disconnect")
	<-runDone
	<-writerDone

	final := orch.Snapshot()
	if h.Logger != nil {
		h.Logger.Info("live session closed",
			"session_id", sessionID, "request_id", reqID,
			"status", string(final.Status), "total_cost", orch.TotalCost())
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(final.Status)),
		time.Now().Add(2*time.Second))
}

func (h LiveHandler) readLoop(conn *websocket.Conn, writer *wsWriter, orch *session.Orchestrator) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			_ = writer.WriteJSON(protocol.ServerWarning{Type: "warning", Code: "bad_frame", Message: "binary frames are not supported"})
			continue
		}

		decoded, err := protocol.DecodeClientMessage(data, h.Config.MaxUserTurnLen)
		if err != nil {
			_ = writer.WriteJSON(protocol.ServerWarning{Type: "warning", Code: "bad_frame", Message: err.Error()})
			continue
		}

		switch msg := decoded.(type) {
		case protocol.ClientUserTurn:
			turn := session.UserTurn{
				Text:           msg.Text,
				SpeechDuration: time.Duration(msg.SpeechDurationMS) * time.Millisecond,
			}
			switch err := orch.Submit(turn); err {
			case nil:
			case session.ErrSessionBusy:
				_ = writer.WriteJSON(protocol.ServerWarning{Type: "warning", Code: "busy", Message: "previous turn still in progress"})
			case session.ErrSessionClosed:
				return
			}
		case protocol.ClientControl:
			if msg.Op == protocol.ControlOpEndSession {
				orch.Cancel("client_end")
				return
			}
		case protocol.ClientHello:
			_ = writer.WriteJSON(protocol.ServerWarning{Type: "warning", Code: "bad_frame", Message: "hello already received"})
		}
	}
}

// pumpEvents translates orchestrator events into server frames until the
// event channel closes. A ping ticker keeps intermediaries from dropping the
// connection during long silences.
func (h LiveHandler) pumpEvents(writer *wsWriter, orch *session.Orchestrator) {
	pingInterval := h.Config.WSPingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	events := orch.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writer.WriteJSON(frameFor(ev)); err != nil {
				orch.Cancel("write_failure")
				return
			}
		case <-ticker.C:
			_ = writer.Ping()
		}
	}
}

func frameFor(ev session.Event) any {
	switch ev.Type {
	case session.EventAssistantTurn:
		return protocol.ServerAssistantTurn{
			Type:  "assistant_turn",
			Index: ev.Turn.Index,
			Text:  ev.Turn.Text,
			Tier:  string(ev.Turn.TierUsed),
			Phase: string(ev.Phase),
		}
	case session.EventPhaseChange:
		return protocol.ServerPhaseChange{Type: "phase_change", Phase: string(ev.Phase), Reason: ev.Reason}
	case session.EventModerationNotice:
		return protocol.ServerModerationNotice{Type: "moderation_notice", Directive: string(ev.Directive), Message: ev.Notice}
	case session.EventSessionEnd:
		frame := protocol.ServerSessionEnd{
			Type:      "session_end",
			Status:    string(ev.Status),
			Reason:    ev.Reason,
			TotalCost: ev.TotalCost,
		}
		if ev.Assessment != nil {
			frame.Assessment = &protocol.AssessmentResult{
				OverallBand: ev.Assessment.OverallBand,
				Feedback:    ev.Assessment.Feedback,
			}
		}
		return frame
	default:
		return protocol.ServerError{Type: "error", Code: "internal", Message: ev.Message}
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) resolveAPIKey(r *http.Request, hello protocol.ClientHello) string {
	if hello.Auth != nil && strings.TrimSpace(hello.Auth.APIKey) != "" {
		return strings.TrimSpace(hello.Auth.APIKey)
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

func (h LiveHandler) resolvePrincipal(apiKey string) (string, error) {
	switch h.Config.AuthMode {
	case config.AuthModeRequired:
		if apiKey == "" {
			return "", fmt.Errorf("missing api key")
		}
		if _, ok := h.Config.APIKeys[apiKey]; !ok {
			return "", fmt.Errorf("invalid api key")
		}
		return ratelimit.PrincipalKeyFromAPIKey(apiKey), nil
	case config.AuthModeOptional:
		if apiKey != "" {
			if _, ok := h.Config.APIKeys[apiKey]; !ok {
				return "", fmt.Errorf("invalid api key")
			}
			return ratelimit.PrincipalKeyFromAPIKey(apiKey), nil
		}
		return "anonymous", nil
	case config.AuthModeDisabled:
		return "anonymous", nil
	default:
		return "", fmt.Errorf("invalid auth mode")
	}
}

func (h LiveHandler) newSessionID() string {
	if h.NewSessionID != nil {
		return h.NewSessionID()
	}
	return "s_" + randHex(8)
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, code, message string, close bool) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Close: close})
	if close {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
	}
}

// wsWriter serializes writes to one websocket; gorilla connections allow at
// most one concurrent writer.
type wsWriter struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func newWSWriter(conn *websocket.Conn, timeout time.Duration) *wsWriter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &wsWriter{conn: conn, timeout: timeout}
}

func (w *wsWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteJSON(v)
}

func (w *wsWriter) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.timeout))
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
