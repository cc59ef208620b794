package pipeline

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/valetbot/valet/internal/archive"
	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/policy"
	"github.com/valetbot/valet/internal/security"
	"github.com/valetbot/valet/internal/types"
)

// AdminCommandStage routes owner slash commands to the admin service. Non-slash
// text passes through untouched; everything under the command namespace halts
// here, whether it produced a response or not.
type AdminCommandStage struct {
	admin *policy.AdminService
}

func NewAdminCommand(admin *policy.AdminService) *AdminCommandStage {
	return &AdminCommandStage{admin: admin}
}

func (*AdminCommandStage) Name() string { return "admin_command" }

func (s *AdminCommandStage) Handle(pc *Context, next func()) {
	msg := pc.Event
	text := msg.Text()
	if !policy.IsCommand(text) {
		next()
		return
	}

	response, err := s.admin.Handle(pc.Ctx(), msg.Channel, msg.ChatID, msg.Sender.ID, msg.IsGroup, text)
	if err != nil {
		// no error leakage to the chat
		L_warn("pipeline: admin command failed", "channel", msg.Channel, "error", err)
		pc.Metric("admin_command_failed", "channel", msg.Channel)
		pc.Halt()
		return
	}
	if response != "" {
		pc.Emit(types.NewOutboundText(msg.Channel, msg.ChatID, response, msg.ID))
	}
	pc.Halt()
}

// PolicyStage evaluates the policy engine for the message and stores the
// decision on the context. Never halts.
type PolicyStage struct {
	engine *policy.Engine
}

func NewPolicyStage(engine *policy.Engine) *PolicyStage { return &PolicyStage{engine: engine} }

func (*PolicyStage) Name() string { return "policy" }

func (s *PolicyStage) Handle(pc *Context, next func()) {
	msg := pc.Event

	var aliases []string
	if msg.Sender.Handle != "" {
		aliases = append(aliases, msg.Sender.Handle)
	}
	if msg.Participant != "" && msg.Participant != msg.Sender.ID {
		aliases = append(aliases, msg.Participant)
	}

	transcript := ""
	for _, b := range msg.Content {
		if b.Kind == types.BlockAudio && b.Transcript != "" {
			transcript = b.Transcript
			break
		}
	}

	pc.Decision = s.engine.Evaluate(policy.Actor{
		Channel:      msg.Channel,
		ChatID:       msg.ChatID,
		SenderID:     msg.Sender.ID,
		Aliases:      aliases,
		IsGroup:      msg.IsGroup,
		MentionedBot: msg.MentionedBot,
		ReplyToBot:   msg.ReplyToBot,
		Transcript:   transcript,
	})
	next()
}

// IdeaCaptureStage short-circuits idea/backlog notes into the memory backlog
// with an acknowledgement reaction instead of invoking the responder.
type IdeaCaptureStage struct {
	ideaWords    map[string]bool
	backlogWords map[string]bool
}

func NewIdeaCapture(ideaWords, backlogWords []string) *IdeaCaptureStage {
	s := &IdeaCaptureStage{
		ideaWords:    make(map[string]bool, len(ideaWords)),
		backlogWords: make(map[string]bool, len(backlogWords)),
	}
	for _, w := range ideaWords {
		s.ideaWords[foldToken(w)] = true
	}
	for _, w := range backlogWords {
		s.backlogWords[foldToken(w)] = true
	}
	return s
}

func (*IdeaCaptureStage) Name() string { return "idea_capture" }

func (s *IdeaCaptureStage) Handle(pc *Context, next func()) {
	msg := pc.Event
	kind, body := s.classify(msg.Text())
	if kind == "" || body == "" {
		next()
		return
	}

	emoji := "💡"
	if kind == "backlog" {
		emoji = "📌"
	}
	pc.Emit(types.Intent{Memory: &types.MemoryCaptureIntent{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		SenderID:  msg.Sender.ID,
		MessageID: msg.ID,
		Role:      "user",
		Kind:      kind,
		Text:      body,
	}})
	pc.Emit(types.NewReaction(msg.Channel, msg.ChatID, msg.ID, emoji))
	pc.Metric("idea_captured", "kind", kind)
	pc.Halt()
}

// marker prefixes recognized ahead of the first-token word match
var captureMarkers = []struct {
	prefix string
	kind   string
}{
	{"[idea]", "idea"},
	{"#idea", "idea"},
	{"idea:", "idea"},
	{"[backlog]", "backlog"},
	{"#backlog", "backlog"},
	{"#todo", "backlog"},
	{"backlog:", "backlog"},
	{"todo:", "backlog"},
}

func (s *IdeaCaptureStage) classify(text string) (kind, body string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ""
	}
	lowered := strings.ToLower(trimmed)

	for _, m := range captureMarkers {
		if strings.HasPrefix(lowered, m.prefix) {
			return m.kind, strings.TrimSpace(trimmed[len(m.prefix):])
		}
	}

	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return "", ""
	}
	first := foldToken(strings.TrimRight(fields[0], ":,"))
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, fields[0]))
	switch {
	case s.ideaWords[first]:
		return "idea", rest
	case s.backlogWords[first]:
		return "backlog", rest
	}
	return "", ""
}

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldToken lowercases and strips combining accents so "idée" matches "idee".
func foldToken(token string) string {
	folded, _, err := transform.String(accentStripper, strings.ToLower(token))
	if err != nil {
		return strings.ToLower(token)
	}
	return folded
}

// AccessControlStage halts messages the policy refused to accept.
type AccessControlStage struct{}

func NewAccessControl() *AccessControlStage { return &AccessControlStage{} }

func (*AccessControlStage) Name() string { return "access_control" }

func (*AccessControlStage) Handle(pc *Context, next func()) {
	d := pc.Decision
	if d != nil && !d.AcceptMessage {
		pc.Metric("message_rejected", "channel", pc.Event.Channel, "reason", d.Reason)
		pc.Halt()
		return
	}
	next()
}

// NewChatNotifyStage DMs the channel owner when a chat is seen for the first
// time. Never halts; notification failures only cost the notification.
type NewChatNotifyStage struct {
	store  *archive.Store
	engine *policy.Engine
}

func NewNewChatNotify(store *archive.Store, engine *policy.Engine) *NewChatNotifyStage {
	return &NewChatNotifyStage{store: store, engine: engine}
}

func (*NewChatNotifyStage) Name() string { return "new_chat_notify" }

func (s *NewChatNotifyStage) Handle(pc *Context, next func()) {
	defer next()

	msg := pc.Event
	if s.engine.IsOwner(msg.Channel, msg.Sender.ID) && !msg.IsGroup {
		return
	}
	known, err := s.store.KnownChat(msg.Channel, msg.ChatID, msg.ID)
	if err != nil {
		L_warn("pipeline: first-seen check failed", "error", err)
		return
	}
	if known {
		return
	}

	owners := s.engine.Owners(msg.Channel)
	if len(owners) == 0 {
		return
	}
	kind := "direct chat"
	if msg.IsGroup {
		kind = "group"
	}
	note := "New " + kind + " on " + msg.Channel + ": " + msg.ChatID +
		" (first message from " + msg.Sender.Name() + ")"
	pc.Emit(types.NewOutboundText(msg.Channel, owners[0], note, ""))
	pc.Metric("new_chat_seen", "channel", msg.Channel)
}

// NoReplyFilterStage stops messages the policy archived but will not answer.
// The user turn still feeds background memory capture.
type NoReplyFilterStage struct{}

func NewNoReplyFilter() *NoReplyFilterStage { return &NoReplyFilterStage{} }

func (*NoReplyFilterStage) Name() string { return "no_reply_filter" }

func (*NoReplyFilterStage) Handle(pc *Context, next func()) {
	d := pc.Decision
	if d == nil || d.ShouldRespond {
		next()
		return
	}
	msg := pc.Event
	if text := msg.Text(); text != "" {
		pc.Emit(types.Intent{Memory: &types.MemoryCaptureIntent{
			Channel:   msg.Channel,
			ChatID:    msg.ChatID,
			SenderID:  msg.Sender.ID,
			MessageID: msg.ID,
			Role:      "user",
			Text:      text,
		}})
	}
	pc.Halt()
}

// InputSecurityStage runs the input rule stage over the message text. Blocks
// answer with a fixed refusal; redactions land in the sanitized_text metadata
// for the responder to use instead of the raw text.
type InputSecurityStage struct {
	sec *security.Engine
}

func NewInputSecurity(sec *security.Engine) *InputSecurityStage {
	return &InputSecurityStage{sec: sec}
}

func (*InputSecurityStage) Name() string { return "input_security" }

const inputBlockedReply = "I can't help with that request."

func (s *InputSecurityStage) Handle(pc *Context, next func()) {
	msg := pc.Event
	text := msg.Text()
	if text == "" {
		next()
		return
	}

	d := s.sec.CheckInput(text)
	if d.Blocked {
		pc.Metric("security_input_blocked", "rule", d.BlockRule)
		pc.Emit(types.NewOutboundText(msg.Channel, msg.ChatID, inputBlockedReply, msg.ID))
		pc.Halt()
		return
	}
	if d.Redacted {
		msg.SetMeta(MetaSanitizedText, d.Sanitized)
		pc.Metric("security_input_redacted", "channel", msg.Channel)
	}
	for _, flag := range d.Flags {
		pc.Metric("security_input_flagged", "rule", flag)
	}
	next()
}
