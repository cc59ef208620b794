// Package bridge implements the loopback WebSocket bridge that owns the
// WhatsApp platform socket. Clients (the channel adapter, scripts) drive it
// with versioned JSON commands; the bridge streams message/status/qr events
// back.
package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is the wire protocol version both sides must speak.
const ProtocolVersion = 2

// Per-connection limits.
const (
	MaxCommandBytes     = 256 * 1024
	MaxInflightCommands = 20
	MaxOutboundBytes    = 2 * 1024 * 1024
)

// Command types.
const (
	CmdSendText       = "send_text"
	CmdSendMedia      = "send_media"
	CmdSendPoll       = "send_poll"
	CmdReact          = "react"
	CmdPresenceUpdate = "presence_update"
	CmdListGroups     = "list_groups"
	CmdLoginStart     = "login_start"
	CmdLoginWait      = "login_wait"
	CmdLogout         = "logout"
	CmdHealth         = "health"
)

// Event types.
const (
	EvtMessage  = "message"
	EvtStatus   = "status"
	EvtQR       = "qr"
	EvtError    = "error"
	EvtResponse = "response"
)

// Error kinds.
const (
	ErrProtocolVersion = "ERR_PROTOCOL_VERSION"
	ErrSchema          = "ERR_SCHEMA"
	ErrAuth            = "ERR_AUTH"
	ErrUnsupported     = "ERR_UNSUPPORTED"
	ErrPayloadTooLarge = "ERR_PAYLOAD_TOO_LARGE"
	ErrQueueOverflow   = "ERR_QUEUE_OVERFLOW"
	ErrInternal        = "ERR_INTERNAL"
)

// Command is the client-to-bridge envelope.
type Command struct {
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	Token     string          `json:"token"`
	RequestID string          `json:"requestId,omitempty"`
	AccountID string          `json:"accountId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is the bridge-to-client envelope.
type Event struct {
	Version   int    `json:"version"`
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	AccountID string `json:"accountId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// NewEvent stamps a bridge event with the protocol version and current time.
func NewEvent(evtType, accountID, requestID string, payload any) Event {
	return Event{
		Version:   ProtocolVersion,
		Type:      evtType,
		TS:        time.Now().UnixMilli(),
		AccountID: accountID,
		RequestID: requestID,
		Payload:   payload,
	}
}

// ErrorPayload is the payload of an "error" event.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Sanitize replaces occurrences of the shared token in a message with ***.
// Applied to every error message before serialization so a failed command
// echo can never leak the secret.
func Sanitize(message, token string) string {
	if token == "" {
		return message
	}
	return strings.ReplaceAll(message, token, "***")
}

func errRetryable(code string) bool {
	return code == ErrQueueOverflow || code == ErrInternal
}

// NewErrorEvent builds a sanitized error event.
func NewErrorEvent(code, message, token, accountID, requestID string) Event {
	return NewEvent(EvtError, accountID, requestID, ErrorPayload{
		Code:      code,
		Message:   Sanitize(message, token),
		Retryable: errRetryable(code),
	})
}

// Payload schemas. Unknown keys are rejected.

type SendTextPayload struct {
	To               string `json:"to"`
	Text             string `json:"text"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
}

type SendMediaPayload struct {
	To               string `json:"to"`
	MediaURL         string `json:"mediaUrl,omitempty"`
	MediaBase64      string `json:"mediaBase64,omitempty"`
	MediaPath        string `json:"mediaPath,omitempty"`
	MimeType         string `json:"mimeType,omitempty"`
	FileName         string `json:"fileName,omitempty"`
	Caption          string `json:"caption,omitempty"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
}

type SendPollPayload struct {
	To            string   `json:"to"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	MaxSelections int      `json:"maxSelections,omitempty"`
}

type ReactPayload struct {
	ChatJID        string `json:"chatJid"`
	MessageID      string `json:"messageId"`
	Emoji          string `json:"emoji"`
	ParticipantJID string `json:"participantJid,omitempty"`
	FromMe         bool   `json:"fromMe,omitempty"`
}

type PresencePayload struct {
	State   string `json:"state"`
	ChatJID string `json:"chatJid,omitempty"`
}

type ListGroupsPayload struct {
	IDs []string `json:"ids,omitempty"`
}

type LoginStartPayload struct {
	Force     bool `json:"force,omitempty"`
	TimeoutMs int  `json:"timeoutMs,omitempty"`
}

type LoginWaitPayload struct {
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// SchemaError is a payload validation failure mapped to ERR_SCHEMA.
type SchemaError struct{ Reason string }

func (e *SchemaError) Error() string { return e.Reason }

func schemaErrorf(format string, args ...any) error {
	return &SchemaError{Reason: fmt.Sprintf(format, args...)}
}

// decodeStrict unmarshals a payload rejecting unknown keys. A missing payload
// decodes as the zero value.
func decodeStrict(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return schemaErrorf("invalid payload: %v", err)
	}
	return nil
}

var presenceStates = map[string]bool{
	"available":   true,
	"unavailable": true,
	"composing":   true,
	"paused":      true,
	"recording":   true,
}

var chatPresenceStates = map[string]bool{
	"composing": true,
	"paused":    true,
	"recording": true,
}

// ParsePayload validates and decodes the payload for a command type. Unknown
// command types return an error distinguishable via IsUnsupported.
func ParsePayload(cmdType string, raw json.RawMessage) (any, error) {
	switch cmdType {
	case CmdSendText:
		var p SendTextPayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		if p.To == "" || p.Text == "" {
			return nil, schemaErrorf("send_text requires non-empty to and text")
		}
		return &p, nil

	case CmdSendMedia:
		var p SendMediaPayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		if p.To == "" {
			return nil, schemaErrorf("send_media requires non-empty to")
		}
		sources := 0
		for _, s := range []string{p.MediaURL, p.MediaBase64, p.MediaPath} {
			if s != "" {
				sources++
			}
		}
		if sources != 1 {
			return nil, schemaErrorf("send_media requires exactly one of mediaUrl, mediaBase64, mediaPath")
		}
		return &p, nil

	case CmdSendPoll:
		var p SendPollPayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		if p.To == "" || p.Question == "" {
			return nil, schemaErrorf("send_poll requires non-empty to and question")
		}
		if len(p.Options) < 2 || len(p.Options) > 12 {
			return nil, schemaErrorf("send_poll requires 2..12 options, got %d", len(p.Options))
		}
		if p.MaxSelections != 0 && (p.MaxSelections < 1 || p.MaxSelections > 12) {
			return nil, schemaErrorf("send_poll maxSelections must be in 1..12")
		}
		return &p, nil

	case CmdReact:
		var p ReactPayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		if p.ChatJID == "" || p.MessageID == "" || p.Emoji == "" {
			return nil, schemaErrorf("react requires chatJid, messageId and emoji")
		}
		return &p, nil

	case CmdPresenceUpdate:
		var p PresencePayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		if !presenceStates[p.State] {
			return nil, schemaErrorf("presence_update state %q not recognized", p.State)
		}
		if chatPresenceStates[p.State] && p.ChatJID == "" {
			return nil, schemaErrorf("presence_update state %q requires chatJid", p.State)
		}
		return &p, nil

	case CmdListGroups:
		var p ListGroupsPayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case CmdLoginStart:
		var p LoginStartPayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		if p.TimeoutMs != 0 && p.TimeoutMs < 1000 {
			return nil, schemaErrorf("login_start timeoutMs must be >= 1000")
		}
		return &p, nil

	case CmdLoginWait:
		var p LoginWaitPayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		if p.TimeoutMs != 0 && p.TimeoutMs < 1000 {
			return nil, schemaErrorf("login_wait timeoutMs must be >= 1000")
		}
		return &p, nil

	case CmdLogout, CmdHealth:
		var p struct{}
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}
	return nil, fmt.Errorf("unsupported command type %q", cmdType)
}

// IsSchemaError reports whether an error from ParsePayload is a validation
// failure (ERR_SCHEMA) as opposed to an unsupported type (ERR_UNSUPPORTED).
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// MessagePayload is the payload of a "message" event: one normalized inbound
// WhatsApp message.
type MessagePayload struct {
	MessageID   string        `json:"messageId"`
	ChatJID     string        `json:"chatJid"`
	SenderJID   string        `json:"senderJid"`
	Participant string        `json:"participant,omitempty"`
	PushName    string        `json:"pushName,omitempty"`
	Timestamp   int64         `json:"timestamp"`
	IsGroup     bool          `json:"isGroup"`
	FromMe      bool          `json:"fromMe,omitempty"`
	Text        string        `json:"text,omitempty"`
	Quote       *QuotePayload `json:"quote,omitempty"`
	Mentions    []string      `json:"mentions,omitempty"`
	MentionsBot bool          `json:"mentionsBot,omitempty"`
	Media       *MediaPayload `json:"media,omitempty"`
}

// QuotePayload carries reply metadata extracted from contextInfo.
type QuotePayload struct {
	MessageID   string `json:"messageId"`
	Participant string `json:"participant,omitempty"`
	Text        string `json:"text,omitempty"`
}

// MediaPayload describes a persisted media attachment.
type MediaPayload struct {
	Kind     string `json:"kind"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

// GroupEntry is one entry of a list_groups response.
type GroupEntry struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	Participants int    `json:"participants,omitempty"`
}
