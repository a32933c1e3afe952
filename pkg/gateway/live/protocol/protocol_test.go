package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeClientMessage(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantType  any
		wantCode  string
		wantParam string
	}{
		{
			name:     "valid hello",
			data:     `{"type":"hello","protocol_version":"1","client":{"name":"viva-web","version":"0.4.0"}}`,
			wantType: ClientHello{},
		},
		{
			name:     "hello with auth",
			data:     `{"type":"hello","protocol_version":"1","auth":{"api_key":"sk-test"}}`,
			wantType: ClientHello{},
		},
		{
			name:      "hello missing protocol version",
			data:      `{"type":"hello"}`,
			wantCode:  "bad_request",
			wantParam: "protocol_version",
		},
		{
			name:     "valid user turn",
			data:     `{"type":"user_turn","text":"I live in an apartment.","speech_duration_ms":3200}`,
			wantType: ClientUserTurn{},
		},
		{
			name:      "user turn blank text",
			data:      `{"type":"user_turn","text":"   "}`,
			wantCode:  "bad_request",
			wantParam: "text",
		},
		{
			name:      "user turn negative speech duration",
			data:      `{"type":"user_turn","text":"hi","speech_duration_ms":-1}`,
			wantCode:  "bad_request",
			wantParam: "speech_duration_ms",
		},
		{
			name:     "valid control",
			data:     `{"type":"control","op":"end_session"}`,
			wantType: ClientControl{},
		},
		{
			name:      "control missing op",
			data:      `{"type":"control"}`,
			wantCode:  "bad_request",
			wantParam: "op",
		},
		{
			name:      "control unknown op",
			data:      `{"type":"control","op":"pause"}`,
			wantCode:  "unsupported",
			wantParam: "op",
		},
		{
			name:     "not json",
			data:     `{"type":`,
			wantCode: "bad_request",
		},
		{
			name:      "missing type",
			data:      `{"text":"hi"}`,
			wantCode:  "bad_request",
			wantParam: "type",
		},
		{
			name:      "unknown type",
			data:      `{"type":"audio_chunk"}`,
			wantCode:  "bad_request",
			wantParam: "type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeClientMessage([]byte(tt.data), 1024)
			if tt.wantCode != "" {
				var de *DecodeError
				if !errors.As(err, &de) {
					t.Fatalf("want DecodeError, got %v", err)
				}
				if de.Code != tt.wantCode {
					t.Fatalf("code: got %q, want %q", de.Code, tt.wantCode)
				}
				if de.Param != tt.wantParam {
					t.Fatalf("param: got %q, want %q", de.Param, tt.wantParam)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch tt.wantType.(type) {
			case ClientHello:
				if _, ok := msg.(ClientHello); !ok {
					t.Fatalf("want ClientHello, got %T", msg)
				}
			case ClientUserTurn:
				if _, ok := msg.(ClientUserTurn); !ok {
					t.Fatalf("want ClientUserTurn, got %T", msg)
				}
			case ClientControl:
				if _, ok := msg.(ClientControl); !ok {
					t.Fatalf("want ClientControl, got %T", msg)
				}
			}
		})
	}
}

func TestDecodeEnforcesTurnLength(t *testing.T) {
	long := `{"type":"user_turn","text":"` + strings.Repeat("a", 33) + `"}`
	_, err := DecodeClientMessage([]byte(long), 32)
	var de *DecodeError
	if !errors.As(err, &de) || de.Param != "text" {
		t.Fatalf("oversized turn: got %v", err)
	}

	// Zero disables the limit.
	if _, err := DecodeClientMessage([]byte(long), 0); err != nil {
		t.Fatalf("unlimited: %v", err)
	}
}

func TestDecodeErrorString(t *testing.T) {
	err := badRequest("text is required", "text")
	if got := err.Error(); got != "text is required (text)" {
		t.Fatalf("with param: %q", got)
	}
	err = badRequest("invalid json frame", "")
	if got := err.Error(); got != "invalid json frame" {
		t.Fatalf("without param: %q", got)
	}
}

func TestControlOpTrimmed(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"control","op":"  end_session  "}`), 0)
	if err != nil {
		t.Fatalf("DecodeClientMessage: %v", err)
	}
	ctl, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("want ClientControl, got %T", msg)
	}
	if ctl.Op != ControlOpEndSession {
		t.Fatalf("op: got %q", ctl.Op)
	}
}
