package bridge

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParsePayloadValidation(t *testing.T) {
	tests := []struct {
		name    string
		cmdType string
		payload string
		wantErr string
		schema  bool
	}{
		{"send_text ok", CmdSendText, `{"to":"123@s.whatsapp.net","text":"hi"}`, "", false},
		{"send_text missing text", CmdSendText, `{"to":"123@s.whatsapp.net"}`, "non-empty", true},
		{"send_text unknown key", CmdSendText, `{"to":"1","text":"hi","bogus":1}`, "invalid payload", true},
		{"send_media one source", CmdSendMedia, `{"to":"1","mediaPath":"a.png"}`, "", false},
		{"send_media no source", CmdSendMedia, `{"to":"1"}`, "exactly one", true},
		{"send_media two sources", CmdSendMedia, `{"to":"1","mediaPath":"a","mediaUrl":"http://x"}`, "exactly one", true},
		{"send_poll ok", CmdSendPoll, `{"to":"1","question":"q","options":["a","b"]}`, "", false},
		{"send_poll one option", CmdSendPoll, `{"to":"1","question":"q","options":["a"]}`, "2..12", true},
		{"send_poll bad max", CmdSendPoll, `{"to":"1","question":"q","options":["a","b"],"maxSelections":13}`, "1..12", true},
		{"react ok", CmdReact, `{"chatJid":"1@g.us","messageId":"M","emoji":"x"}`, "", false},
		{"react missing emoji", CmdReact, `{"chatJid":"1@g.us","messageId":"M"}`, "emoji", true},
		{"presence global", CmdPresenceUpdate, `{"state":"available"}`, "", false},
		{"presence chat needs jid", CmdPresenceUpdate, `{"state":"composing"}`, "requires chatJid", true},
		{"presence bad state", CmdPresenceUpdate, `{"state":"typing"}`, "not recognized", true},
		{"login_start short timeout", CmdLoginStart, `{"timeoutMs":500}`, ">= 1000", true},
		{"health empty", CmdHealth, ``, "", false},
		{"unknown type", "send_sticker", `{}`, "unsupported command type", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePayload(tt.cmdType, json.RawMessage(tt.payload))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
			if IsSchemaError(err) != tt.schema {
				t.Errorf("IsSchemaError = %v, want %v", IsSchemaError(err), tt.schema)
			}
		})
	}
}

func TestCommandEnvelopeRoundTrip(t *testing.T) {
	in := Command{
		Version:   ProtocolVersion,
		Type:      CmdSendText,
		Token:     "secret",
		RequestID: "r-1",
		Payload:   json.RawMessage(`{"to":"1","text":"hi"}`),
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Command
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Version != in.Version || out.Type != in.Type || out.Token != in.Token || out.RequestID != in.RequestID {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestErrorEventSanitizesToken(t *testing.T) {
	evt := NewErrorEvent(ErrInternal, "dial failed: token=hunter2 rejected", "hunter2", "", "r-1")
	p := evt.Payload.(ErrorPayload)
	if strings.Contains(p.Message, "hunter2") {
		t.Errorf("token leaked: %q", p.Message)
	}
	if !strings.Contains(p.Message, "***") {
		t.Errorf("token not masked: %q", p.Message)
	}
	if !p.Retryable {
		t.Error("ERR_INTERNAL should be retryable")
	}
}

func TestErrRetryable(t *testing.T) {
	retryable := map[string]bool{
		ErrQueueOverflow:   true,
		ErrInternal:        true,
		ErrAuth:            false,
		ErrSchema:          false,
		ErrProtocolVersion: false,
		ErrUnsupported:     false,
		ErrPayloadTooLarge: false,
	}
	for code, want := range retryable {
		if got := errRetryable(code); got != want {
			t.Errorf("errRetryable(%s) = %v, want %v", code, got, want)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:51234", true},
		{"[::1]:51234", true},
		{"192.168.1.10:51234", false},
		{"10.0.0.1:80", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := isLoopback(tt.addr); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
