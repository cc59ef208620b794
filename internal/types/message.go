// Package types contains shared types used across multiple packages.
package types

import (
	"strings"
	"time"
)

// BlockKind tags a ContentBlock variant.
type BlockKind string

const (
	BlockText    BlockKind = "text"
	BlockImage   BlockKind = "image"
	BlockAudio   BlockKind = "audio"
	BlockVideo   BlockKind = "video"
	BlockSticker BlockKind = "sticker"
	BlockFile    BlockKind = "file"
)

// ContentBlock is one ordered piece of message content. Text blocks carry
// Text; media blocks carry Path/MimeType/SizeBytes plus optional enrichment
// (Transcript from ASR, Description from vision).
type ContentBlock struct {
	Kind        BlockKind `json:"kind"`
	Text        string    `json:"text,omitempty"`
	Path        string    `json:"path,omitempty"`
	MimeType    string    `json:"mime_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
	Transcript  string    `json:"transcript,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Identity is a sender identity as supplied by a channel adapter.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Handle      string `json:"handle,omitempty"`
}

// Name returns the best human-readable name for the identity.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	if i.Handle != "" {
		return i.Handle
	}
	return i.ID
}

// ReplyRef points at the message this one replies to.
type ReplyRef struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

// Message is the canonical inbound envelope produced by channel adapters.
// Immutable after the Normalize stage; enrichment goes into Metadata.
type Message struct {
	ID           string
	Channel      string
	ChatID       string
	Sender       Identity
	Content      []ContentBlock
	ReplyTo      *ReplyRef
	Timestamp    time.Time
	IsGroup      bool
	MentionedBot bool
	ReplyToBot   bool
	Participant  string
	Metadata     map[string]string
}

// Text returns the concatenated text of the message: text blocks joined with
// newlines, media blocks contributing their transcript when present.
func (m *Message) Text() string {
	var parts []string
	for _, b := range m.Content {
		switch {
		case b.Kind == BlockText && b.Text != "":
			parts = append(parts, b.Text)
		case b.Transcript != "":
			parts = append(parts, b.Transcript)
		}
	}
	return strings.Join(parts, "\n")
}

// HasVoice reports whether the message contains an audio block (a voice note).
func (m *Message) HasVoice() bool {
	for _, b := range m.Content {
		if b.Kind == BlockAudio {
			return true
		}
	}
	return false
}

// Meta returns a metadata value, "" when absent.
func (m *Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map on first use.
func (m *Message) SetMeta(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
}

// ChatKey returns the channel-qualified chat key used for session files and
// per-chat serialization.
func (m *Message) ChatKey() string {
	return m.Channel + ":" + m.ChatID
}
