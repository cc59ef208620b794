// Package telegram is the Telegram channel adapter, built on telebot long
// polling.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/valetbot/valet/internal/bus"
	"github.com/valetbot/valet/internal/config"
	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/media"
	"github.com/valetbot/valet/internal/types"
)

// telegram message size cap
const maxMessageLen = 4096

// Transcriber turns a voice note file into text. Optional.
type Transcriber interface {
	Available() bool
	Transcribe(ctx context.Context, path string) (string, error)
}

// Adapter connects one Telegram bot account to the bus.
type Adapter struct {
	cfg      config.TelegramConfig
	bus      *bus.MessageBus
	incoming *media.IncomingStore
	asr      Transcriber

	bot    *tele.Bot
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.TelegramConfig, b *bus.MessageBus, incoming *media.IncomingStore, asr Transcriber) *Adapter {
	return &Adapter{cfg: cfg, bus: b, incoming: incoming, asr: asr}
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.BotToken == "" {
		return fmt.Errorf("telegram bot token not configured")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  a.cfg.BotToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}
	L_debug("telegram: bot created", "username", bot.Me.Username, "id", bot.Me.ID)

	a.bot = bot
	a.ctx, a.cancel = context.WithCancel(ctx)

	bot.Handle(tele.OnText, a.handleUpdate)
	bot.Handle(tele.OnPhoto, a.handleUpdate)
	bot.Handle(tele.OnVoice, a.handleUpdate)
	bot.Handle(tele.OnAudio, a.handleUpdate)
	bot.Handle(tele.OnDocument, a.handleUpdate)
	bot.Handle(tele.OnSticker, a.handleUpdate)

	go bot.Start()
	return nil
}

func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.bot != nil {
		a.bot.Stop()
	}
	return nil
}

// handleUpdate converts one Telegram update into a bus message.
func (a *Adapter) handleUpdate(c tele.Context) error {
	m := c.Message()
	if m == nil {
		return nil
	}
	sender := c.Sender()
	isGroup := c.Chat().Type != tele.ChatPrivate

	msg := &types.Message{
		ID:      fmt.Sprintf("%d", m.ID),
		Channel: "telegram",
		ChatID:  fmt.Sprintf("%d", c.Chat().ID),
		Sender: types.Identity{
			ID:          fmt.Sprintf("%d", sender.ID),
			DisplayName: strings.TrimSpace(sender.FirstName + " " + sender.LastName),
			Handle:      sender.Username,
		},
		Timestamp: m.Time(),
		IsGroup:   isGroup,
	}
	if isGroup {
		msg.Participant = msg.Sender.ID
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if text != "" {
		msg.Content = append(msg.Content, types.ContentBlock{Kind: types.BlockText, Text: text})
	}

	switch {
	case m.Photo != nil:
		a.appendMedia(msg, m.ID, types.BlockImage, m.Photo.MediaFile(), "image/jpeg")
	case m.Voice != nil:
		a.appendVoice(msg, m.ID, m.Voice.MediaFile())
	case m.Audio != nil:
		a.appendMedia(msg, m.ID, types.BlockAudio, m.Audio.MediaFile(), "audio/mpeg")
	case m.Document != nil:
		msg.Content = append(msg.Content, types.ContentBlock{
			Kind: types.BlockFile, Text: "", MimeType: m.Document.MIME,
		})
	case m.Sticker != nil:
		msg.Content = append(msg.Content, types.ContentBlock{Kind: types.BlockSticker})
	}

	if m.ReplyTo != nil {
		msg.ReplyTo = &types.ReplyRef{
			MessageID: fmt.Sprintf("%d", m.ReplyTo.ID),
			Text:      m.ReplyTo.Text,
			Sender:    replySender(m.ReplyTo),
		}
		if m.ReplyTo.Sender != nil && m.ReplyTo.Sender.ID == a.bot.Me.ID {
			msg.ReplyToBot = true
		}
	}
	if isGroup && a.mentioned(text) {
		msg.MentionedBot = true
	}

	a.bus.PublishInbound(msg)
	return nil
}

func replySender(m *tele.Message) string {
	if m.Sender == nil {
		return ""
	}
	return strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
}

func (a *Adapter) mentioned(text string) bool {
	return a.bot != nil && a.bot.Me.Username != "" &&
		strings.Contains(text, "@"+a.bot.Me.Username)
}

// appendMedia downloads one attachment into the incoming store.
func (a *Adapter) appendMedia(msg *types.Message, messageID int, kind types.BlockKind, file *tele.File, mime string) {
	rc, err := a.bot.File(file)
	if err != nil {
		L_warn("telegram: media download failed", "error", err)
		return
	}
	defer rc.Close()
	data, err := readAll(rc)
	if err != nil {
		L_warn("telegram: media read failed", "error", err)
		return
	}
	path, err := a.incoming.Save("telegram", fmt.Sprintf("%d-%s", messageID, kind), data, mime, time.Now())
	if err != nil {
		L_warn("telegram: media persist failed", "error", err)
		return
	}
	msg.Content = append(msg.Content, types.ContentBlock{
		Kind: kind, Path: path, MimeType: mime, SizeBytes: int64(len(data)),
	})
}

// appendVoice persists a voice note and transcribes it when a transcriber is
// configured.
func (a *Adapter) appendVoice(msg *types.Message, messageID int, file *tele.File) {
	rc, err := a.bot.File(file)
	if err != nil {
		L_warn("telegram: voice download failed", "error", err)
		return
	}
	defer rc.Close()
	data, err := readAll(rc)
	if err != nil {
		L_warn("telegram: voice read failed", "error", err)
		return
	}
	path, err := a.incoming.Save("telegram", fmt.Sprintf("%d-voice", messageID), data, "audio/ogg", time.Now())
	if err != nil {
		L_warn("telegram: voice persist failed", "error", err)
		return
	}
	block := types.ContentBlock{
		Kind: types.BlockAudio, Path: path, MimeType: "audio/ogg", SizeBytes: int64(len(data)),
	}
	if a.asr != nil && a.asr.Available() {
		transcript, err := a.asr.Transcribe(a.ctx, path)
		if err != nil {
			L_warn("telegram: transcription failed", "error", err)
		} else {
			block.Transcript = transcript
		}
	}
	msg.Content = append(msg.Content, block)
}

// Deliver handles one outbound intent.
func (a *Adapter) Deliver(intent types.Intent) {
	switch {
	case intent.Outbound != nil:
		a.deliverOutbound(intent.Outbound)
	case intent.Reaction != nil:
		a.deliverReaction(intent.Reaction)
	case intent.Typing != nil:
		if intent.Typing.On {
			chat := chatRecipient(intent.Typing.ChatID)
			if err := a.bot.Notify(chat, tele.Typing); err != nil {
				L_debug("telegram: typing notify failed", "error", err)
			}
		}
	}
}

func (a *Adapter) deliverOutbound(out *types.OutboundIntent) {
	chat := chatRecipient(out.ChatID)

	if out.MediaPath != "" {
		a.deliverMedia(chat, out)
		return
	}
	opts := &tele.SendOptions{}
	if out.ReplyTo != "" {
		if id := parseInt(out.ReplyTo); id != 0 {
			opts.ReplyTo = &tele.Message{ID: id, Chat: &tele.Chat{ID: chat.ID}}
		}
	}
	for _, chunk := range splitMessage(out.Text, maxMessageLen) {
		if _, err := a.bot.Send(chat, chunk, opts); err != nil {
			L_error("telegram: send failed", "chat", out.ChatID, "error", err)
			return
		}
		opts = &tele.SendOptions{} // only the first chunk threads the reply
	}
}

func (a *Adapter) deliverMedia(chat *tele.Chat, out *types.OutboundIntent) {
	file := tele.FromDisk(out.MediaPath)
	var payload any
	switch {
	case strings.HasPrefix(out.MimeType, "image/"):
		payload = &tele.Photo{File: file, Caption: out.Caption}
	case strings.HasPrefix(out.MimeType, "audio/"):
		payload = &tele.Voice{File: file}
	case strings.HasPrefix(out.MimeType, "video/"):
		payload = &tele.Video{File: file, Caption: out.Caption}
	default:
		payload = &tele.Document{File: file, Caption: out.Caption}
	}
	if _, err := a.bot.Send(chat, payload); err != nil {
		L_error("telegram: media send failed", "chat", out.ChatID, "error", err)
	}
}

func (a *Adapter) deliverReaction(r *types.ReactionIntent) {
	chat := chatRecipient(r.ChatID)
	msg := &tele.Message{ID: parseInt(r.MessageID), Chat: chat}
	reactions := tele.Reactions{
		Reactions: []tele.Reaction{{Type: tele.ReactionTypeEmoji, Emoji: r.Emoji}},
	}
	if err := a.bot.React(chat, msg, reactions); err != nil {
		L_debug("telegram: reaction failed", "chat", r.ChatID, "error", err)
	}
}

func chatRecipient(chatID string) *tele.Chat {
	return &tele.Chat{ID: parseInt64(chatID)}
}
