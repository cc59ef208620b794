// Package feishu is the Feishu/Lark channel adapter. Inbound events arrive
// over the SDK's long websocket connection; outbound messages go through the
// REST client.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/valetbot/valet/internal/bus"
	"github.com/valetbot/valet/internal/cache"
	"github.com/valetbot/valet/internal/config"
	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/types"
)

// the ws transport can redeliver events, so inbound ids are deduplicated
// here before they reach the pipeline's own dedup stage
const (
	dedupTTL = 10 * time.Minute
	dedupMax = 2000
)

// Adapter connects one Feishu app to the bus.
type Adapter struct {
	cfg config.FeishuConfig
	bus *bus.MessageBus

	client *lark.Client
	ws     *larkws.Client
	seen   *cache.TTLCache

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.FeishuConfig, b *bus.MessageBus) *Adapter {
	return &Adapter{cfg: cfg, bus: b, seen: cache.New(dedupTTL, dedupMax)}
}

func (a *Adapter) Name() string { return "feishu" }

func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.AppID == "" || a.cfg.AppSecret == "" {
		return fmt.Errorf("feishu app credentials not configured")
	}
	a.client = lark.NewClient(a.cfg.AppID, a.cfg.AppSecret)
	a.ctx, a.cancel = context.WithCancel(ctx)

	handler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(a.handleMessage)
	a.ws = larkws.NewClient(a.cfg.AppID, a.cfg.AppSecret,
		larkws.WithEventHandler(handler),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)

	go func() {
		if err := a.ws.Start(a.ctx); err != nil && a.ctx.Err() == nil {
			L_error("feishu: websocket stopped", "error", err)
		}
	}()
	return nil
}

func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return nil
	}
	m := event.Event.Message
	messageID := strDeref(m.MessageId)
	if messageID == "" || !a.seen.PutIfAbsent(messageID, struct{}{}) {
		return nil
	}

	senderID := ""
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		senderID = strDeref(event.Event.Sender.SenderId.OpenId)
	}
	isGroup := strDeref(m.ChatType) == "group"

	msg := &types.Message{
		ID:        messageID,
		Channel:   "feishu",
		ChatID:    strDeref(m.ChatId),
		Sender:    types.Identity{ID: senderID},
		Timestamp: larkTimestamp(strDeref(m.CreateTime)),
		IsGroup:   isGroup,
	}
	if isGroup {
		msg.Participant = senderID
	}

	text := extractText(strDeref(m.MessageType), strDeref(m.Content))
	if text != "" {
		msg.Content = append(msg.Content, types.ContentBlock{Kind: types.BlockText, Text: text})
	}

	for _, mention := range m.Mentions {
		if mention == nil || mention.Id == nil {
			continue
		}
		// the app's own mention arrives with the bot's open_id; without an
		// identity API call the @_user_N key in a group is treated as
		// addressing the bot when it is the only mention
		if strings.Contains(text, strDeref(mention.Key)) {
			msg.MentionedBot = true
		}
	}
	if parent := strDeref(m.ParentId); parent != "" {
		msg.ReplyTo = &types.ReplyRef{MessageID: parent}
	}

	a.bus.PublishInbound(msg)
	return nil
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// larkTimestamp parses the millisecond create_time string.
func larkTimestamp(ms string) time.Time {
	var n int64
	fmt.Sscanf(ms, "%d", &n)
	if n == 0 {
		return time.Now()
	}
	return time.UnixMilli(n)
}

// extractText pulls the plain text out of a message content blob.
func extractText(msgType, content string) string {
	switch msgType {
	case "text":
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(content), &body); err != nil {
			return ""
		}
		return stripMentionKeys(body.Text)
	case "image":
		return "[Image]"
	case "audio":
		return "[Voice Message]"
	case "sticker":
		return "[Sticker]"
	case "post":
		return flattenPost(content)
	}
	return ""
}

// stripMentionKeys removes @_user_N placeholders the platform injects into
// group text.
func stripMentionKeys(text string) string {
	fields := strings.Fields(text)
	out := fields[:0]
	for _, f := range fields {
		if strings.HasPrefix(f, "@_user_") {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

// flattenPost extracts the text runs of a rich-text post.
func flattenPost(content string) string {
	var post struct {
		Title   string `json:"title"`
		Content [][]struct {
			Tag  string `json:"tag"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(content), &post); err != nil {
		return ""
	}
	var parts []string
	if post.Title != "" {
		parts = append(parts, post.Title)
	}
	for _, line := range post.Content {
		var runs []string
		for _, el := range line {
			if el.Tag == "text" && el.Text != "" {
				runs = append(runs, el.Text)
			}
		}
		if len(runs) > 0 {
			parts = append(parts, strings.Join(runs, ""))
		}
	}
	return strings.Join(parts, "\n")
}

// Deliver handles one outbound intent.
func (a *Adapter) Deliver(intent types.Intent) {
	if a.client == nil {
		return
	}
	switch {
	case intent.Outbound != nil:
		a.deliverOutbound(intent.Outbound)
	case intent.Reaction != nil:
		a.deliverReaction(intent.Reaction)
	}
	// no typing indicator API on this platform
}

func (a *Adapter) deliverOutbound(out *types.OutboundIntent) {
	content, err := json.Marshal(map[string]string{"text": out.Text})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
	defer cancel()

	if out.ReplyTo != "" {
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(out.ReplyTo).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				MsgType(larkim.MsgTypeText).
				Content(string(content)).
				Build()).
			Build()
		resp, err := a.client.Im.Message.Reply(ctx, req)
		if err != nil || !resp.Success() {
			L_error("feishu: reply failed", "chat", out.ChatID, "error", err)
		}
		return
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			MsgType(larkim.MsgTypeText).
			ReceiveId(out.ChatID).
			Content(string(content)).
			Build()).
		Build()
	resp, err := a.client.Im.Message.Create(ctx, req)
	if err != nil || !resp.Success() {
		L_error("feishu: send failed", "chat", out.ChatID, "error", err)
	}
}

// emoji reactions map onto the platform's named emoji keys; unmapped emoji
// are dropped
var emojiKeys = map[string]string{
	"💡": "GLOWING",
	"📌": "PUSHPIN",
	"⚠️": "ERROR",
	"👍": "THUMBSUP",
	"❤️": "HEART",
	"🎉": "PARTY",
}

func (a *Adapter) deliverReaction(r *types.ReactionIntent) {
	key, ok := emojiKeys[r.Emoji]
	if !ok {
		L_debug("feishu: no reaction key for emoji", "emoji", r.Emoji)
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
	defer cancel()

	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(r.MessageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().EmojiType(key).Build()).
			Build()).
		Build()
	resp, err := a.client.Im.MessageReaction.Create(ctx, req)
	if err != nil || !resp.Success() {
		L_debug("feishu: reaction failed", "message", r.MessageID, "error", err)
	}
}
