// Package discord is the Discord channel adapter, built on the discordgo
// gateway connection.
package discord

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/valetbot/valet/internal/bus"
	"github.com/valetbot/valet/internal/config"
	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/types"
)

// discord message size cap
const maxMessageLen = 2000

// Adapter connects one Discord bot account to the bus.
type Adapter struct {
	cfg config.DiscordConfig
	bus *bus.MessageBus

	session   *discordgo.Session
	botUserID string
}

func New(cfg config.DiscordConfig, b *bus.MessageBus) *Adapter {
	return &Adapter{cfg: cfg, bus: b}
}

func (a *Adapter) Name() string { return "discord" }

func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.BotToken == "" {
		return fmt.Errorf("discord bot token not configured")
	}
	session, err := discordgo.New("Bot " + a.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(a.handleMessage)
	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	me, err := session.User("@me")
	if err != nil {
		session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = me.ID
	a.session = session
	L_debug("discord: connected", "username", me.Username, "id", me.ID)
	return nil
}

func (a *Adapter) Stop() error {
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}

func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	msg := &types.Message{
		ID:      m.ID,
		Channel: "discord",
		ChatID:  m.ChannelID,
		Sender: types.Identity{
			ID:          m.Author.ID,
			DisplayName: resolveDisplayName(m),
			Handle:      m.Author.Username,
		},
		Timestamp: m.Timestamp,
		IsGroup:   !isDM,
	}
	if msg.IsGroup {
		msg.Participant = m.Author.ID
	}

	if m.Content != "" {
		msg.Content = append(msg.Content, types.ContentBlock{Kind: types.BlockText, Text: m.Content})
	}
	for _, att := range m.Attachments {
		msg.Content = append(msg.Content, types.ContentBlock{
			Kind:     attachmentKind(att.ContentType),
			MimeType: att.ContentType,
			SizeBytes: int64(att.Size),
			Text:     att.URL,
		})
	}

	for _, u := range m.Mentions {
		if u.ID == a.botUserID {
			msg.MentionedBot = true
			break
		}
	}
	if ref := m.ReferencedMessage; ref != nil {
		msg.ReplyTo = &types.ReplyRef{
			MessageID: ref.ID,
			Text:      ref.Content,
		}
		if ref.Author != nil {
			msg.ReplyTo.Sender = ref.Author.Username
			if ref.Author.ID == a.botUserID {
				msg.ReplyToBot = true
			}
		}
	}

	a.bus.PublishInbound(msg)
}

func attachmentKind(contentType string) types.BlockKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return types.BlockImage
	case strings.HasPrefix(contentType, "audio/"):
		return types.BlockAudio
	case strings.HasPrefix(contentType, "video/"):
		return types.BlockVideo
	}
	return types.BlockFile
}

// resolveDisplayName prefers server nickname, then global name, then
// username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// Deliver handles one outbound intent.
func (a *Adapter) Deliver(intent types.Intent) {
	if a.session == nil {
		return
	}
	switch {
	case intent.Outbound != nil:
		a.deliverOutbound(intent.Outbound)
	case intent.Reaction != nil:
		r := intent.Reaction
		if err := a.session.MessageReactionAdd(r.ChatID, r.MessageID, r.Emoji); err != nil {
			L_debug("discord: reaction failed", "chat", r.ChatID, "error", err)
		}
	case intent.Typing != nil:
		if intent.Typing.On {
			if err := a.session.ChannelTyping(intent.Typing.ChatID); err != nil {
				L_debug("discord: typing failed", "chat", intent.Typing.ChatID, "error", err)
			}
		}
	}
}

func (a *Adapter) deliverOutbound(out *types.OutboundIntent) {
	if out.MediaPath != "" {
		a.deliverFile(out)
		return
	}

	content := out.Text
	first := true
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := strings.LastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}

		var err error
		if first && out.ReplyTo != "" {
			_, err = a.session.ChannelMessageSendReply(out.ChatID, chunk, &discordgo.MessageReference{
				MessageID: out.ReplyTo,
				ChannelID: out.ChatID,
			})
		} else {
			_, err = a.session.ChannelMessageSend(out.ChatID, chunk)
		}
		if err != nil {
			L_error("discord: send failed", "chat", out.ChatID, "error", err)
			return
		}
		first = false
	}
}

func (a *Adapter) deliverFile(out *types.OutboundIntent) {
	f, err := os.Open(out.MediaPath)
	if err != nil {
		L_error("discord: media open failed", "path", out.MediaPath, "error", err)
		return
	}
	defer f.Close()

	_, err = a.session.ChannelMessageSendComplex(out.ChatID, &discordgo.MessageSend{
		Content: out.Caption,
		Files: []*discordgo.File{{
			Name:        filepath.Base(out.MediaPath),
			ContentType: out.MimeType,
			Reader:      f,
		}},
	})
	if err != nil {
		L_error("discord: media send failed", "chat", out.ChatID, "error", err)
	}
}
