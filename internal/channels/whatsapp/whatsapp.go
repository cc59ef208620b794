// Package whatsapp is the WhatsApp channel adapter. It does not own the
// platform socket; it speaks the loopback bridge's wire protocol over a
// WebSocket and converts bridge events into bus messages.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/valetbot/valet/internal/bridge"
	"github.com/valetbot/valet/internal/bus"
	"github.com/valetbot/valet/internal/config"
	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/types"
)

const (
	redialBase      = time.Second
	redialCap       = 30 * time.Second
	defaultDebounce = 2 * time.Second

	// composing presence expires server-side, so it is refreshed until the
	// reply lands or the cap is hit
	typingRefresh = 4 * time.Second
	typingMax     = 45 * time.Second
)

// Transcriber turns a voice note file into text. Optional.
type Transcriber interface {
	Available() bool
	Transcribe(ctx context.Context, path string) (string, error)
}

// Adapter bridges the loopback WhatsApp bridge to the bus.
type Adapter struct {
	cfg   config.WhatsAppConfig
	token string
	bus   *bus.MessageBus
	asr   Transcriber

	debounce time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]*pendingChat
	typing    map[string]chan struct{}
	accountID atomic.Value

	// the websocket allows one writer at a time; Deliver and the typing
	// refresh goroutines all funnel through send
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pendingChat buffers messages for one chat during the debounce window.
type pendingChat struct {
	messages []*types.Message
	timer    *time.Timer
}

func New(cfg config.WhatsAppConfig, token string, b *bus.MessageBus, asr Transcriber) *Adapter {
	debounce := defaultDebounce
	if cfg.DebounceWindowMs > 0 {
		debounce = time.Duration(cfg.DebounceWindowMs) * time.Millisecond
	}
	return &Adapter{
		cfg:      cfg,
		token:    token,
		bus:      b,
		asr:      asr,
		debounce: debounce,
		pending:  make(map[string]*pendingChat),
		typing:   make(map[string]chan struct{}),
	}
}

func (a *Adapter) Name() string { return "whatsapp" }

func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.BridgeURL == "" {
		return fmt.Errorf("whatsapp bridge url not configured")
	}
	if a.token == "" {
		return fmt.Errorf("bridge token not configured")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	conn, err := a.dial()
	if err != nil {
		return err
	}
	a.setConn(conn)

	a.wg.Add(1)
	go a.readLoop(conn)
	return nil
}

func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}

func (a *Adapter) dial() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(a.cfg.BridgeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", a.cfg.BridgeURL, err)
	}
	L_info("whatsapp: connected to bridge", "url", a.cfg.BridgeURL)
	return conn, nil
}

func (a *Adapter) setConn(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

// readLoop consumes bridge events, redialing with backoff when the socket
// drops.
func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer a.wg.Done()
	for {
		err := a.consume(conn)
		if a.ctx.Err() != nil {
			return
		}
		L_warn("whatsapp: bridge socket lost, redialing", "error", err)
		conn.Close()

		backoff := redialBase
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, derr := a.dial()
			if derr == nil {
				conn = next
				a.setConn(conn)
				break
			}
			L_warn("whatsapp: bridge redial failed", "backoff", backoff, "error", derr)
			backoff *= 2
			if backoff > redialCap {
				backoff = redialCap
			}
		}
	}
}

func (a *Adapter) consume(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var evt bridge.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			L_warn("whatsapp: malformed bridge event", "error", err)
			continue
		}
		a.handleEvent(&evt, data)
	}
}

func (a *Adapter) handleEvent(evt *bridge.Event, raw []byte) {
	if evt.AccountID != "" {
		a.accountID.Store(evt.AccountID)
	}
	switch evt.Type {
	case bridge.EvtMessage:
		var envelope struct {
			Payload bridge.MessagePayload `json:"payload"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			L_warn("whatsapp: malformed message payload", "error", err)
			return
		}
		a.handleInbound(&envelope.Payload)
	case bridge.EvtStatus:
		L_debug("whatsapp: bridge status", "payload", evt.Payload)
	case bridge.EvtError:
		L_warn("whatsapp: bridge error event", "payload", evt.Payload)
	}
}

// handleInbound converts one bridge message and feeds the debounce buffer.
func (a *Adapter) handleInbound(p *bridge.MessagePayload) {
	msg := a.convert(p)
	if msg == nil {
		return
	}

	key := msg.ChatKey() + "\x00" + msg.Sender.ID

	// commands act immediately; buffering them would delay the admin surface
	if strings.HasPrefix(strings.TrimSpace(msg.Text()), "/") {
		a.flushChat(key)
		a.bus.PublishInbound(msg)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	pc := a.pending[key]
	if pc == nil {
		pc = &pendingChat{}
		a.pending[key] = pc
	}
	pc.messages = append(pc.messages, msg)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.timer = time.AfterFunc(a.debounce, func() { a.flushChat(key) })
}

// flushChat publishes the coalesced buffer for one (chat, sender) key.
func (a *Adapter) flushChat(key string) {
	a.mu.Lock()
	pc := a.pending[key]
	delete(a.pending, key)
	a.mu.Unlock()
	if pc == nil || len(pc.messages) == 0 {
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}

	merged := pc.messages[len(pc.messages)-1]
	if len(pc.messages) > 1 {
		var blocks []types.ContentBlock
		var texts []string
		for _, m := range pc.messages {
			for _, b := range m.Content {
				if b.Kind == types.BlockText {
					texts = append(texts, b.Text)
				} else {
					blocks = append(blocks, b)
				}
			}
		}
		if len(texts) > 0 {
			blocks = append([]types.ContentBlock{{Kind: types.BlockText, Text: strings.Join(texts, "\n")}}, blocks...)
		}
		merged.Content = blocks
	}
	a.bus.PublishInbound(merged)
}

// convert maps a bridge message payload onto the internal message shape.
func (a *Adapter) convert(p *bridge.MessagePayload) *types.Message {
	if p.MessageID == "" || p.ChatJID == "" {
		return nil
	}
	senderID := p.Participant
	if senderID == "" {
		senderID = p.SenderJID
	}

	msg := &types.Message{
		ID:      p.MessageID,
		Channel: "whatsapp",
		ChatID:  p.ChatJID,
		Sender: types.Identity{
			ID:          senderID,
			DisplayName: p.PushName,
		},
		Timestamp:    time.Unix(p.Timestamp, 0),
		IsGroup:      p.IsGroup,
		MentionedBot: p.MentionsBot,
	}
	if p.IsGroup {
		msg.Participant = p.Participant
	}

	if p.Text != "" {
		msg.Content = append(msg.Content, types.ContentBlock{Kind: types.BlockText, Text: p.Text})
	}
	if p.Media != nil {
		block := types.ContentBlock{
			Kind:      mediaKind(p.Media.Kind),
			Path:      p.Media.Path,
			MimeType:  p.Media.MimeType,
			SizeBytes: p.Media.Size,
		}
		if p.Media.Voice && p.Media.Path != "" && a.asr != nil && a.asr.Available() {
			transcript, err := a.asr.Transcribe(a.ctx, p.Media.Path)
			if err != nil {
				L_warn("whatsapp: transcription failed", "message", p.MessageID, "error", err)
			} else {
				block.Transcript = transcript
			}
		}
		msg.Content = append(msg.Content, block)
	}

	if p.Quote != nil {
		msg.ReplyTo = &types.ReplyRef{
			MessageID: p.Quote.MessageID,
			Text:      p.Quote.Text,
			Sender:    p.Quote.Participant,
		}
		if acct, _ := a.accountID.Load().(string); acct != "" &&
			strings.HasPrefix(p.Quote.Participant, acct+"@") {
			msg.ReplyToBot = true
		}
	}
	return msg
}

func mediaKind(kind string) types.BlockKind {
	switch kind {
	case "image":
		return types.BlockImage
	case "audio":
		return types.BlockAudio
	case "video":
		return types.BlockVideo
	case "sticker":
		return types.BlockSticker
	}
	return types.BlockFile
}

// Deliver handles one outbound intent by issuing a bridge command.
func (a *Adapter) Deliver(intent types.Intent) {
	switch {
	case intent.Outbound != nil:
		out := intent.Outbound
		if out.MediaPath != "" {
			a.send(bridge.CmdSendMedia, &bridge.SendMediaPayload{
				To:        out.ChatID,
				MediaPath: out.MediaPath,
				MimeType:  out.MimeType,
				Caption:   out.Caption,
			})
			if out.Text != "" && out.Caption != out.Text {
				a.send(bridge.CmdSendText, &bridge.SendTextPayload{To: out.ChatID, Text: out.Text})
			}
			return
		}
		a.send(bridge.CmdSendText, &bridge.SendTextPayload{
			To:               out.ChatID,
			Text:             out.Text,
			ReplyToMessageID: out.ReplyTo,
		})
	case intent.Reaction != nil:
		r := intent.Reaction
		a.send(bridge.CmdReact, &bridge.ReactPayload{
			ChatJID:   r.ChatID,
			MessageID: r.MessageID,
			Emoji:     r.Emoji,
		})
	case intent.Typing != nil:
		if intent.Typing.On {
			a.startTyping(intent.Typing.ChatID)
		} else {
			a.stopTyping(intent.Typing.ChatID)
		}
	}
}

// startTyping sends composing and keeps refreshing it until stopTyping or
// the cap.
func (a *Adapter) startTyping(chatJID string) {
	a.mu.Lock()
	if _, active := a.typing[chatJID]; active {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.typing[chatJID] = stop
	a.mu.Unlock()

	a.send(bridge.CmdPresenceUpdate, &bridge.PresencePayload{State: "composing", ChatJID: chatJID})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		deadline := time.After(typingMax)
		for {
			select {
			case <-stop:
				return
			case <-a.ctx.Done():
				return
			case <-deadline:
				a.stopTyping(chatJID)
				return
			case <-ticker.C:
				a.send(bridge.CmdPresenceUpdate, &bridge.PresencePayload{State: "composing", ChatJID: chatJID})
			}
		}
	}()
}

func (a *Adapter) stopTyping(chatJID string) {
	a.mu.Lock()
	stop, active := a.typing[chatJID]
	if active {
		delete(a.typing, chatJID)
		close(stop)
	}
	a.mu.Unlock()
	if active {
		a.send(bridge.CmdPresenceUpdate, &bridge.PresencePayload{State: "paused", ChatJID: chatJID})
	}
}

// ListGroups asks the bridge for the joined groups. Fire-and-forget is not
// enough here, so the response is not awaited; callers needing the result use
// the bridge directly.
func (a *Adapter) ListGroups() {
	a.send(bridge.CmdListGroups, &bridge.ListGroupsPayload{})
}

func (a *Adapter) send(cmdType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		L_error("whatsapp: command marshal failed", "type", cmdType, "error", err)
		return
	}
	cmd := bridge.Command{
		Version:   bridge.ProtocolVersion,
		Type:      cmdType,
		Token:     a.token,
		RequestID: uuid.NewString(),
		Payload:   raw,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		L_error("whatsapp: command marshal failed", "type", cmdType, "error", err)
		return
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		L_warn("whatsapp: dropping command, bridge not connected", "type", cmdType)
		return
	}
	a.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	a.writeMu.Unlock()
	if err != nil {
		L_warn("whatsapp: command write failed", "type", cmdType, "error", err)
	}
}
