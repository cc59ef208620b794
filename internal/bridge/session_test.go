package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/valetbot/valet/internal/media"
)

func TestResolveParticipant(t *testing.T) {
	tests := []struct {
		name    string
		chat    string
		sender  string
		isGroup bool
		want    string
	}{
		{"group uses sender", "1234@g.us", "31612345678@s.whatsapp.net", true, "31612345678@s.whatsapp.net"},
		{"dm uses remote jid", "31612345678@s.whatsapp.net", "31612345678@s.whatsapp.net", false, "31612345678@s.whatsapp.net"},
		{"dm ignores odd sender", "31612345678@s.whatsapp.net", "", false, "31612345678@s.whatsapp.net"},
		{"group empty sender falls back", "1234@g.us", "", true, "1234@g.us"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveParticipant(tt.chat, tt.sender, tt.isGroup); got != tt.want {
				t.Errorf("resolveParticipant = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrapMessage(t *testing.T) {
	inner := &waE2E.Message{Conversation: proto.String("hello")}
	wrapped := &waE2E.Message{
		EphemeralMessage: &waE2E.FutureProofMessage{
			Message: &waE2E.Message{
				ViewOnceMessageV2: &waE2E.FutureProofMessage{Message: inner},
			},
		},
	}
	if got := unwrapMessage(wrapped, 6); got.GetConversation() != "hello" {
		t.Errorf("unwrapped conversation = %q", got.GetConversation())
	}

	// depth limit stops unwrapping instead of recursing forever
	deep := inner
	for i := 0; i < 10; i++ {
		deep = &waE2E.Message{EphemeralMessage: &waE2E.FutureProofMessage{Message: deep}}
	}
	got := unwrapMessage(deep, 6)
	if got.GetConversation() == "hello" {
		t.Error("depth limit not applied")
	}
}

func TestExtractMentions(t *testing.T) {
	ci := &waE2E.ContextInfo{MentionedJID: []string{"31612345678@s.whatsapp.net"}}
	got := extractMentions(ci, "ping @4479123456 and @31612345678 again")
	want := map[string]bool{
		"31612345678@s.whatsapp.net": true,
		"4479123456@s.whatsapp.net":  true,
	}
	if len(got) != len(want) {
		t.Fatalf("mentions = %v", got)
	}
	for _, jid := range got {
		if !want[jid] {
			t.Errorf("unexpected mention %q", jid)
		}
	}

	if got := extractMentions(nil, "short @123 number"); len(got) != 0 {
		t.Errorf("short digit run matched: %v", got)
	}
}

func TestQuotedTextFallbacks(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"conversation", &waE2E.Message{Conversation: proto.String("plain")}, "plain"},
		{"extended", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("ext")}}, "ext"},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("cap")}}, "cap"},
		{"audio placeholder", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, "[Voice Message]"},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		if got := quotedText(tt.msg); got != tt.want {
			t.Errorf("%s: quotedText = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCollapseWhitespace(t *testing.T) {
	if got := collapseWhitespace("a\n b\t\tc  d"); got != "a b c d" {
		t.Errorf("collapseWhitespace = %q", got)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	for attempt := 1; attempt <= 40; attempt++ {
		d := backoffDelay(attempt)
		min := time.Duration(float64(reconnectBase) * (1 - reconnectJitter))
		max := time.Duration(float64(reconnectCap) * (1 + reconnectJitter))
		if d < min || d > max {
			t.Errorf("attempt %d: delay %s outside [%s, %s]", attempt, d, min, max)
		}
	}
	// later attempts sit at the cap, modulo jitter
	d := backoffDelay(30)
	if d < time.Duration(float64(reconnectCap)*(1-reconnectJitter)) {
		t.Errorf("attempt 30 delay %s below jittered cap", d)
	}
}

func TestPersistMediaRetriesTransientFailure(t *testing.T) {
	var attempts int
	s := &Session{incoming: media.NewIncomingStore(t.TempDir())}
	s.download = func(ctx context.Context, dl whatsmeow.DownloadableMessage) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("temporary media server error")
		}
		return []byte("jpeg-bytes"), nil
	}

	mp := &MediaPayload{Kind: "image", MimeType: "image/jpeg"}
	s.persistMedia(mp, nil, "MSG1", time.Now(), true)

	if attempts != 3 {
		t.Fatalf("download attempts = %d, want 3", attempts)
	}
	if mp.Path == "" {
		t.Fatal("payload path not filled after successful retry")
	}
	if mp.Size != int64(len("jpeg-bytes")) {
		t.Errorf("payload size = %d", mp.Size)
	}
}

func TestPersistMediaGivesUpAfterBackoff(t *testing.T) {
	var attempts int
	s := &Session{incoming: media.NewIncomingStore(t.TempDir())}
	s.download = func(ctx context.Context, dl whatsmeow.DownloadableMessage) ([]byte, error) {
		attempts++
		return nil, errors.New("media expired")
	}

	mp := &MediaPayload{Kind: "image", MimeType: "image/jpeg"}
	s.persistMedia(mp, nil, "MSG2", time.Now(), true)

	if attempts != len(downloadBackoff)+1 {
		t.Fatalf("download attempts = %d, want %d", attempts, len(downloadBackoff)+1)
	}
	if mp.Path != "" {
		t.Error("failed download must leave the path empty")
	}
}

func TestParseJID(t *testing.T) {
	jid, err := parseJID("+31 6 1234 5678")
	if err != nil {
		t.Fatalf("phone rejected: %v", err)
	}
	if jid.User != "31612345678" || jid.Server != "s.whatsapp.net" {
		t.Errorf("phone jid = %v", jid)
	}

	jid, err = parseJID("12036302@g.us")
	if err != nil {
		t.Fatalf("group jid rejected: %v", err)
	}
	if jid.User != "12036302" || jid.Server != "g.us" {
		t.Errorf("group jid = %v", jid)
	}

	if _, err := parseJID(""); err == nil {
		t.Error("empty recipient accepted")
	}
}
