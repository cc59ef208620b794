package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/policy"
	"github.com/valetbot/valet/internal/security"
	"github.com/valetbot/valet/internal/session"
	"github.com/valetbot/valet/internal/types"
)

// ReplyRequest is everything the responder needs for one generation.
type ReplyRequest struct {
	Event          *types.Message
	Decision       *types.PolicyDecision
	Text           string
	ReplyContext   string
	AmbientContext string
	History        []session.Turn
	Memories       []string
}

// Responder produces a reply for an accepted message. An empty reply with a
// nil error means "deliberately silent".
type Responder interface {
	GenerateReply(ctx context.Context, req *ReplyRequest) (string, error)
}

// Recaller surfaces long-term memory snippets relevant to the query.
type Recaller interface {
	Recall(ctx context.Context, query, channel, chatID, senderID string) []string
}

// Speech synthesizes reply text to an audio file and returns its path and
// mime type.
type Speech interface {
	Synthesize(ctx context.Context, text, voice string) (path, mimeType string, err error)
}

// ResponderStage invokes the LLM responder with the enriched request and
// stores the reply on the context. Typing indicators bracket the call.
type ResponderStage struct {
	responder Responder
	sessions  *session.Store
	recaller  Recaller
	timeout   time.Duration

	mu       sync.Mutex
	failures map[string][]time.Time
}

const (
	failureWindow    = 5 * time.Minute
	failureThreshold = 3
)

func NewResponderStage(responder Responder, sessions *session.Store, recaller Recaller, timeout time.Duration) *ResponderStage {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ResponderStage{
		responder: responder,
		sessions:  sessions,
		recaller:  recaller,
		timeout:   timeout,
		failures:  make(map[string][]time.Time),
	}
}

func (*ResponderStage) Name() string { return "responder" }

func (s *ResponderStage) Handle(pc *Context, next func()) {
	msg := pc.Event

	text := msg.Meta(MetaSanitizedText)
	if text == "" {
		text = msg.Text()
	}

	req := &ReplyRequest{
		Event:          msg,
		Decision:       pc.Decision,
		Text:           text,
		ReplyContext:   msg.Meta(MetaReplyContext),
		AmbientContext: msg.Meta(MetaAmbientContext),
	}
	if s.sessions != nil {
		history, err := s.sessions.History(msg.Channel, msg.ChatID)
		if err != nil {
			L_warn("pipeline: session history failed", "error", err)
		}
		req.History = history
	}
	if s.recaller != nil && text != "" {
		req.Memories = s.recaller.Recall(pc.Ctx(), text, msg.Channel, msg.ChatID, msg.Sender.ID)
	}

	pc.Notify(types.Intent{Typing: &types.TypingIntent{Channel: msg.Channel, ChatID: msg.ChatID, On: true}})
	ctx, cancel := context.WithTimeout(pc.Ctx(), s.timeout)
	reply, err := s.responder.GenerateReply(ctx, req)
	cancel()
	pc.Notify(types.Intent{Typing: &types.TypingIntent{Channel: msg.Channel, ChatID: msg.ChatID, On: false}})

	if err != nil {
		L_error("pipeline: responder failed", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		pc.Metric("responder_failed", "channel", msg.Channel)
		if s.recordFailure(msg.ChatKey()) {
			// repeated failures in the same chat go quiet instead of spamming apologies
			pc.Halt()
			return
		}
		pc.Emit(types.NewOutboundText(msg.Channel, msg.ChatID,
			"Sorry, something went wrong on my side. Please try again.", msg.ID))
		pc.Emit(types.NewReaction(msg.Channel, msg.ChatID, msg.ID, "⚠️"))
		pc.Halt()
		return
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		pc.Metric("responder_silent", "channel", msg.Channel)
		pc.Halt()
		return
	}
	s.clearFailures(msg.ChatKey())
	pc.Reply = reply
	next()
}

// recordFailure notes one failure for the chat and reports whether the chat
// has crossed the suppression threshold within the window.
func (s *ResponderStage) recordFailure(chatKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	kept := s.failures[chatKey][:0]
	for _, t := range s.failures[chatKey] {
		if now.Sub(t) < failureWindow {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.failures[chatKey] = kept
	return len(kept) > failureThreshold
}

func (s *ResponderStage) clearFailures(chatKey string) {
	s.mu.Lock()
	delete(s.failures, chatKey)
	s.mu.Unlock()
}

// OutboundStage turns the reply into deliverable intents: output security,
// reaction markers, voice policy, session persistence, and memory capture.
type OutboundStage struct {
	sec              *security.Engine
	engine           *policy.Engine
	tts              Speech
	captureAssistant bool
}

func NewOutbound(sec *security.Engine, engine *policy.Engine, tts Speech, captureAssistant bool) *OutboundStage {
	return &OutboundStage{sec: sec, engine: engine, tts: tts, captureAssistant: captureAssistant}
}

func (*OutboundStage) Name() string { return "outbound" }

const outputBlockedReply = "I wrote a reply I'm not comfortable sending. Could you rephrase?"

// reactionMarker lets the responder answer with an emoji reaction instead of
// (or in addition to) text: "::reaction:: 👍 optional text".
const reactionMarker = "::reaction::"

func (s *OutboundStage) Handle(pc *Context, next func()) {
	msg := pc.Event
	reply := pc.Reply
	if reply == "" {
		pc.Halt()
		return
	}

	if d := s.sec.CheckOutput(reply); d.Blocked {
		pc.Metric("security_output_blocked", "rule", d.BlockRule)
		reply = outputBlockedReply
	} else if d.Redacted {
		pc.Metric("security_output_redacted", "channel", msg.Channel)
		reply = d.Sanitized
	}

	if strings.HasPrefix(reply, reactionMarker) {
		rest := strings.Fields(strings.TrimSpace(strings.TrimPrefix(reply, reactionMarker)))
		if len(rest) > 0 {
			pc.Emit(types.NewReaction(msg.Channel, msg.ChatID, msg.ID, rest[0]))
			reply = strings.TrimSpace(strings.Join(rest[1:], " "))
		}
	}

	replyTo := ""
	if msg.IsGroup && (msg.MentionedBot || msg.ReplyToBot) {
		replyTo = msg.ID
	}

	if reply != "" {
		if !s.emitVoice(pc, reply) {
			pc.Emit(types.NewOutboundText(msg.Channel, msg.ChatID, reply, replyTo))
		}
		pc.Metric("outbound_reply", "channel", msg.Channel)
	}

	userText := msg.Text()
	pc.Emit(types.Intent{Session: &types.SessionIntent{Channel: msg.Channel, ChatID: msg.ChatID, Role: "user", Content: userText}})
	if reply != "" {
		pc.Emit(types.Intent{Session: &types.SessionIntent{Channel: msg.Channel, ChatID: msg.ChatID, Role: "assistant", Content: reply}})
	}

	if userText != "" {
		pc.Emit(types.Intent{Memory: &types.MemoryCaptureIntent{
			Channel:   msg.Channel,
			ChatID:    msg.ChatID,
			SenderID:  msg.Sender.ID,
			MessageID: msg.ID,
			Role:      "user",
			Text:      userText,
		}})
	}
	if s.captureAssistant && reply != "" {
		pc.Emit(types.Intent{Memory: &types.MemoryCaptureIntent{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Role:    "assistant",
			Text:    reply,
		}})
	}
	next()
}

// emitVoice applies the per-chat voice policy. Returns true when a voice
// intent was emitted; any failure falls back to text.
func (s *OutboundStage) emitVoice(pc *Context, reply string) bool {
	msg := pc.Event
	mode, maxSentences, maxChars, voice := s.engine.VoiceFor(msg.Channel, msg.ChatID)
	switch mode {
	case "always":
	case "in_kind":
		if !msg.HasVoice() {
			return false
		}
	default:
		return false
	}
	if s.tts == nil {
		return false
	}

	spoken := clipForSpeech(reply, maxSentences, maxChars)
	path, mimeType, err := s.tts.Synthesize(pc.Ctx(), spoken, voice)
	if err != nil {
		L_warn("pipeline: tts failed, falling back to text", "error", err)
		pc.Metric("tts_failed", "channel", msg.Channel)
		return false
	}
	pc.Emit(types.Intent{Outbound: &types.OutboundIntent{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		MediaPath: path,
		MimeType:  mimeType,
	}})
	pc.Metric("outbound_voice", "channel", msg.Channel)
	return true
}

// clipForSpeech caps the synthesized text at the configured sentence and
// character budgets.
func clipForSpeech(text string, maxSentences, maxChars int) string {
	if maxSentences > 0 {
		count := 0
		for i, r := range text {
			if r == '.' || r == '!' || r == '?' {
				count++
				if count >= maxSentences {
					text = text[:i+1]
					break
				}
			}
		}
	}
	if maxChars > 0 && len(text) > maxChars {
		cut := text[:maxChars]
		if idx := strings.LastIndex(cut, " "); idx > maxChars/2 {
			cut = cut[:idx]
		}
		text = cut
	}
	return strings.TrimSpace(text)
}
