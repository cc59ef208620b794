package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/valetbot/valet/internal/archive"
	"github.com/valetbot/valet/internal/cache"
	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/types"
)

// metadata keys written by the intake stages
const (
	MetaReplyContext   = "reply_context"
	MetaAmbientContext = "ambient_context"
	MetaSanitizedText  = "sanitized_text"
)

const windowTextLimit = 1000

// NormalizeStage trims content, standardizes identifiers, and drops messages
// that are empty once stripped.
type NormalizeStage struct{}

func NewNormalize() *NormalizeStage { return &NormalizeStage{} }

func (*NormalizeStage) Name() string { return "normalize" }

func (*NormalizeStage) Handle(pc *Context, next func()) {
	msg := pc.Event
	msg.ID = strings.TrimSpace(msg.ID)
	msg.ChatID = strings.TrimSpace(msg.ChatID)
	msg.Channel = strings.ToLower(strings.TrimSpace(msg.Channel))
	msg.Sender.ID = strings.TrimSpace(msg.Sender.ID)

	kept := msg.Content[:0]
	for _, b := range msg.Content {
		if b.Kind == types.BlockText {
			b.Text = strings.TrimSpace(b.Text)
			if b.Text == "" {
				continue
			}
		}
		kept = append(kept, b)
	}
	msg.Content = kept

	if len(msg.Content) == 0 {
		pc.Halt()
		return
	}
	next()
}

// DedupStage halts duplicate deliveries of the same (channel, chat, message)
// within the cache TTL.
type DedupStage struct {
	seen *cache.TTLCache
}

func NewDedup(seen *cache.TTLCache) *DedupStage { return &DedupStage{seen: seen} }

func (*DedupStage) Name() string { return "dedup" }

func (s *DedupStage) Handle(pc *Context, next func()) {
	msg := pc.Event
	key := msg.Channel + "\x00" + msg.ChatID + "\x00" + msg.ID
	if !s.seen.PutIfAbsent(key, struct{}{}) {
		pc.Metric("pipeline_dedup_dropped", "channel", msg.Channel)
		pc.Halt()
		return
	}
	next()
}

// ArchiveStage persists the message to the inbound archive. Archive writes
// are best-effort: a failure is logged and counted but never halts.
type ArchiveStage struct {
	store *archive.Store
}

func NewArchive(store *archive.Store) *ArchiveStage { return &ArchiveStage{store: store} }

func (*ArchiveStage) Name() string { return "archive" }

func (s *ArchiveStage) Handle(pc *Context, next func()) {
	if err := s.store.Insert(pc.Event); err != nil {
		L_warn("pipeline: archive insert failed", "channel", pc.Event.Channel,
			"chat", pc.Event.ChatID, "error", err)
		pc.Metric("archive_insert_failed", "channel", pc.Event.Channel)
	}
	next()
}

// ReplyContextStage builds the reply-thread and ambient context windows from
// the archive and stores them in the event metadata.
type ReplyContextStage struct {
	store        *archive.Store
	replyLimit   int
	ambientLimit int
}

func NewReplyContext(store *archive.Store, replyLimit, ambientLimit int) *ReplyContextStage {
	if replyLimit <= 0 {
		replyLimit = 6
	}
	if ambientLimit <= 0 {
		ambientLimit = 8
	}
	return &ReplyContextStage{store: store, replyLimit: replyLimit, ambientLimit: ambientLimit}
}

func (*ReplyContextStage) Name() string { return "reply_context" }

func (s *ReplyContextStage) Handle(pc *Context, next func()) {
	msg := pc.Event

	if msg.ReplyTo != nil && msg.ReplyTo.MessageID != "" {
		records, err := s.store.WalkReplyChain(msg.Channel, msg.ChatID, msg.ReplyTo.MessageID, s.replyLimit)
		if err != nil {
			L_warn("pipeline: reply chain walk failed", "error", err)
		}
		if msg.Channel == "whatsapp" {
			hit := "miss"
			if len(records) > 0 {
				hit = "hit"
			}
			pc.Metric("reply_context_lookup", "result", hit)
		}
		if block := renderWindow(records); block != "" {
			msg.SetMeta(MetaReplyContext, block)
		}
	}

	if msg.IsGroup {
		records, err := s.store.MessagesBefore(msg.Channel, msg.ChatID, msg.ID, s.ambientLimit)
		if err != nil {
			L_warn("pipeline: ambient window failed", "error", err)
		}
		if block := renderWindow(records); block != "" {
			msg.SetMeta(MetaAmbientContext, block)
		}
	}
	next()
}

// renderWindow formats archive records into one context block, preserving
// the order the store returned them in.
func renderWindow(records []*archive.Record) string {
	if len(records) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, r := range records {
		name := r.SenderDisplayName
		if name == "" {
			name = r.SenderID
		}
		text := r.Text
		if len(text) > windowTextLimit {
			text = text[:windowTextLimit]
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", r.Timestamp.UTC().Format(time.RFC3339), name, text)
	}
	return strings.TrimRight(sb.String(), "\n")
}
