package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/valetbot/valet/internal/bridge"
	"github.com/valetbot/valet/internal/bus"
	"github.com/valetbot/valet/internal/config"
	"github.com/valetbot/valet/internal/types"
)

func newTestAdapter(debounceMs int) (*Adapter, *bus.MessageBus) {
	b := bus.New(32, 32)
	a := New(config.WhatsAppConfig{
		BridgeURL:        "ws://127.0.0.1:1/ws",
		DebounceWindowMs: debounceMs,
	}, "token", b, nil)
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, b
}

func textPayload(id, text string) *bridge.MessagePayload {
	return &bridge.MessagePayload{
		MessageID: id,
		ChatJID:   "31612345678@s.whatsapp.net",
		SenderJID: "31612345678@s.whatsapp.net",
		PushName:  "Eva",
		Timestamp: time.Now().Unix(),
		Text:      text,
	}
}

func receive(t *testing.T, b *bus.MessageBus) *types.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("no message published: %v", err)
	}
	return msg
}

func TestDebounceCoalescesBurst(t *testing.T) {
	a, b := newTestAdapter(50)

	a.handleInbound(textPayload("m1", "first line"))
	a.handleInbound(textPayload("m2", "second line"))

	msg := receive(t, b)
	if msg.Text() != "first line\nsecond line" {
		t.Errorf("coalesced text = %q", msg.Text())
	}
	if msg.ID != "m2" {
		t.Errorf("merged message keeps last id, got %q", msg.ID)
	}
}

func TestDebounceSeparatesChats(t *testing.T) {
	a, b := newTestAdapter(50)

	p := textPayload("g1", "group hello")
	p.ChatJID = "12036302@g.us"
	p.IsGroup = true
	p.Participant = "31612345678@s.whatsapp.net"
	a.handleInbound(p)
	a.handleInbound(textPayload("d1", "direct hello"))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[receive(t, b).Text()] = true
	}
	if !got["group hello"] || !got["direct hello"] {
		t.Errorf("messages merged across chats: %v", got)
	}
}

func TestCommandsBypassDebounce(t *testing.T) {
	a, b := newTestAdapter(10_000)

	a.handleInbound(textPayload("c1", "/policy"))

	done := make(chan *types.Message, 1)
	go func() { done <- receive(t, b) }()
	select {
	case msg := <-done:
		if msg.Text() != "/policy" {
			t.Errorf("command text = %q", msg.Text())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command message held back by debounce window")
	}
}

func TestCommandFlushesPendingBuffer(t *testing.T) {
	a, b := newTestAdapter(10_000)

	a.handleInbound(textPayload("m1", "buffered"))
	a.handleInbound(textPayload("c1", "/reset"))

	first := receive(t, b)
	second := receive(t, b)
	if first.Text() != "buffered" || second.Text() != "/reset" {
		t.Errorf("flush order = %q, %q", first.Text(), second.Text())
	}
}

func TestConvertQuoteAndGroupFields(t *testing.T) {
	a, _ := newTestAdapter(50)
	a.accountID.Store("15551234567")

	p := &bridge.MessagePayload{
		MessageID:   "m1",
		ChatJID:     "12036302@g.us",
		SenderJID:   "31612345678@s.whatsapp.net",
		Participant: "31612345678@s.whatsapp.net",
		PushName:    "Eva",
		Timestamp:   time.Now().Unix(),
		IsGroup:     true,
		Text:        "replying to you",
		MentionsBot: true,
		Quote: &bridge.QuotePayload{
			MessageID:   "q1",
			Participant: "15551234567@s.whatsapp.net",
			Text:        "original",
		},
	}
	msg := a.convert(p)
	if msg == nil {
		t.Fatal("convert returned nil")
	}
	if !msg.IsGroup || msg.Participant != p.Participant {
		t.Errorf("group fields = %v / %q", msg.IsGroup, msg.Participant)
	}
	if !msg.MentionedBot {
		t.Error("mention flag lost")
	}
	if msg.ReplyTo == nil || msg.ReplyTo.MessageID != "q1" {
		t.Fatalf("reply ref = %+v", msg.ReplyTo)
	}
	if !msg.ReplyToBot {
		t.Error("quote of own account not flagged as reply to bot")
	}
}

func TestTypingLoopLifecycle(t *testing.T) {
	a, _ := newTestAdapter(50)

	a.startTyping("chat@s.whatsapp.net")
	a.startTyping("chat@s.whatsapp.net")
	a.mu.Lock()
	active := len(a.typing)
	a.mu.Unlock()
	if active != 1 {
		t.Errorf("active typing loops = %d, want 1", active)
	}

	a.stopTyping("chat@s.whatsapp.net")
	a.mu.Lock()
	active = len(a.typing)
	a.mu.Unlock()
	if active != 0 {
		t.Errorf("typing loop survived stop: %d", active)
	}
	a.cancel()
	a.wg.Wait()
}

func TestConcurrentSendsKeepFramesIntact(t *testing.T) {
	received := make(chan []byte, 256)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	defer srv.Close()

	a, _ := newTestAdapter(50)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	defer conn.Close()
	a.setConn(conn)

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				a.send(bridge.CmdPresenceUpdate, &bridge.PresencePayload{
					State:   "composing",
					ChatJID: "31612345678@s.whatsapp.net",
				})
			}
		}()
	}
	wg.Wait()

	for i := 0; i < writers*perWriter; i++ {
		select {
		case data := <-received:
			var cmd bridge.Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				t.Fatalf("frame %d not valid json: %v", i, err)
			}
			if cmd.Type != bridge.CmdPresenceUpdate {
				t.Fatalf("frame %d type = %q", i, cmd.Type)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d frames", i, writers*perWriter)
		}
	}
}

func TestConvertDropsEmptyIdentifiers(t *testing.T) {
	a, _ := newTestAdapter(50)
	if a.convert(&bridge.MessagePayload{ChatJID: "x@s.whatsapp.net"}) != nil {
		t.Error("missing message id accepted")
	}
	if a.convert(&bridge.MessagePayload{MessageID: "m1"}) != nil {
		t.Error("missing chat jid accepted")
	}
}
