package types

// Intent is a declarative action produced by the pipeline for downstream
// dispatch. Tagged variant: exactly one of the pointer fields is set.
type Intent struct {
	Outbound *OutboundIntent
	Reaction *ReactionIntent
	Typing   *TypingIntent
	Memory   *MemoryCaptureIntent
	Metric   *MetricIntent
	Session  *SessionIntent
}

// OutboundIntent carries a reply (text or media) back to a channel.
type OutboundIntent struct {
	Channel   string
	ChatID    string
	Text      string
	MediaPath string
	MimeType  string
	Caption   string
	ReplyTo   string
}

// ReactionIntent asks the channel to react to a message with an emoji.
type ReactionIntent struct {
	Channel   string
	ChatID    string
	MessageID string
	Emoji     string
}

// TypingIntent toggles the typing/composing indicator.
type TypingIntent struct {
	Channel string
	ChatID  string
	On      bool
}

// MemoryCaptureIntent hands raw text to the background memory worker.
// Role distinguishes user from assistant turns; Kind is set for direct
// captures (idea/backlog) and empty when the extractor should classify.
type MemoryCaptureIntent struct {
	Channel   string
	ChatID    string
	SenderID  string
	MessageID string
	Role      string
	Kind      string
	Text      string
}

// MetricIntent records a labeled counter increment.
type MetricIntent struct {
	Name   string
	Labels map[string]string
	Value  int64
}

// SessionIntent appends a turn to the short-term session history.
type SessionIntent struct {
	Channel string
	ChatID  string
	Role    string
	Content string
}

// NewOutboundText is shorthand for the common text reply intent.
func NewOutboundText(channel, chatID, text, replyTo string) Intent {
	return Intent{Outbound: &OutboundIntent{Channel: channel, ChatID: chatID, Text: text, ReplyTo: replyTo}}
}

// NewReaction is shorthand for a reaction intent.
func NewReaction(channel, chatID, messageID, emoji string) Intent {
	return Intent{Reaction: &ReactionIntent{Channel: channel, ChatID: chatID, MessageID: messageID, Emoji: emoji}}
}

// NewMetric is shorthand for a counter intent with value 1.
func NewMetric(name string, labels map[string]string) Intent {
	return Intent{Metric: &MetricIntent{Name: name, Labels: labels, Value: 1}}
}
