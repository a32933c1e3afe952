// Package protocol defines the JSON frames exchanged over a live assessment
// websocket. The client speaks hello, user_turn, and control; the server
// answers with hello_ack and the session event frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type HelloAuth struct {
	APIKey string `json:"api_key,omitempty"`
}

// ClientHello opens a session. It must be the first frame on the socket.
type ClientHello struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Client          HelloClient `json:"client,omitempty"`
	Auth            *HelloAuth  `json:"auth,omitempty"`
}

// ClientUserTurn carries one transcribed candidate utterance.
type ClientUserTurn struct {
	Type             string `json:"type"`
	Text             string `json:"text"`
	SpeechDurationMS int64  `json:"speech_duration_ms,omitempty"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

const ControlOpEndSession = "end_session"

func DecodeClientMessage(data []byte, maxTurnLen int) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "user_turn":
		var msg ClientUserTurn
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_turn frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("user_turn.text is required", "text")
		}
		if maxTurnLen > 0 && len(msg.Text) > maxTurnLen {
			return nil, badRequest("user_turn.text exceeds the maximum length", "text")
		}
		if msg.SpeechDurationMS < 0 {
			return nil, badRequest("user_turn.speech_duration_ms must be >= 0", "speech_duration_ms")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control frame", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		if op != ControlOpEndSession {
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	return nil
}

type HelloAckLimits struct {
	MaxMessageBytes int   `json:"max_message_bytes"`
	MaxUserTurnLen  int   `json:"max_user_turn_len"`
	IdleTimeoutMS   int64 `json:"idle_timeout_ms"`
	MaxSessionMS    int64 `json:"max_session_ms,omitempty"`
}

type ServerHelloAck struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	Phase           string          `json:"phase"`
	Limits          *HelloAckLimits `json:"limits,omitempty"`
}

type ServerAssistantTurn struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Text  string `json:"text"`
	Tier  string `json:"tier"`
	Phase string `json:"phase"`
}

type ServerPhaseChange struct {
	Type   string `json:"type"`
	Phase  string `json:"phase"`
	Reason string `json:"reason"`
}

type ServerModerationNotice struct {
	Type      string `json:"type"`
	Directive string `json:"directive"`
	Message   string `json:"message,omitempty"`
}

type AssessmentResult struct {
	OverallBand float64 `json:"overall_band"`
	Feedback    string  `json:"feedback"`
}

type ServerSessionEnd struct {
	Type       string            `json:"type"`
	Status     string            `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	TotalCost  float64           `json:"total_cost"`
	Assessment *AssessmentResult `json:"assessment,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
