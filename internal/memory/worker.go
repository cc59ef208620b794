package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/valetbot/valet/internal/config"
	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/types"
)

// OwnerChecker reports whether a sender is an owner on a channel. Backed by
// the policy engine.
type OwnerChecker func(channel, senderID string) bool

// CaptureWorker turns MemoryCaptureIntents into persisted entries off the
// pipeline hot path. Idea/backlog kinds bypass extraction and land in the
// idea backlog directly.
type CaptureWorker struct {
	store     *Store
	extractor Extractor
	embedder  EmbeddingProvider
	cfg       config.MemoryConfig
	isOwner   OwnerChecker

	captureChannels map[string]bool
	queue           chan *types.MemoryCaptureIntent
}

// NewCaptureWorker wires the capture lane. embedder may be nil.
func NewCaptureWorker(store *Store, extractor Extractor, embedder EmbeddingProvider, cfg config.MemoryConfig, isOwner OwnerChecker) *CaptureWorker {
	channels := make(map[string]bool, len(cfg.CaptureChannels))
	for _, c := range cfg.CaptureChannels {
		channels[c] = true
	}
	if extractor == nil {
		extractor = HeuristicExtractor{}
	}
	return &CaptureWorker{
		store:           store,
		extractor:       extractor,
		embedder:        embedder,
		cfg:             cfg,
		isOwner:         isOwner,
		captureChannels: channels,
		queue:           make(chan *types.MemoryCaptureIntent, 256),
	}
}

// Enqueue hands one capture intent to the worker. Full queue drops the
// intent; capture is best-effort.
func (w *CaptureWorker) Enqueue(intent *types.MemoryCaptureIntent) {
	select {
	case w.queue <- intent:
	default:
		L_warn("memory: capture queue full, dropping", "channel", intent.Channel, "chat", intent.ChatID)
	}
}

// Run processes capture intents and backfills embeddings until ctx is done.
func (w *CaptureWorker) Run(ctx context.Context) {
	embedTick := time.NewTicker(30 * time.Second)
	defer embedTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-w.queue:
			w.process(ctx, intent)
		case <-embedTick.C:
			w.embedPending(ctx)
		}
	}
}

func (w *CaptureWorker) process(ctx context.Context, intent *types.MemoryCaptureIntent) {
	if !w.captureChannels[intent.Channel] {
		return
	}
	if intent.Role == "assistant" && !w.cfg.CaptureAssistant {
		return
	}

	if intent.Kind == "idea" || intent.Kind == "backlog" {
		item := &IdeaItem{
			ID:        uuid.NewString(),
			Chat:      intent.Channel + ":" + intent.ChatID,
			Text:      intent.Text,
			Kind:      intent.Kind,
			CreatedAt: time.Now(),
		}
		if err := w.store.InsertIdea(item); err != nil {
			L_error("memory: idea insert failed", "error", err)
		}
		return
	}

	candidates := w.extractor.Extract(intent.Text)
	candidates = FilterCandidates(candidates, FilterOptions{
		MinConfidence:       w.cfg.MinConfidence,
		MinSalience:         w.cfg.MinSalience,
		OwnerOnlyPreference: w.cfg.OwnerOnlyPreference,
		SenderIsOwner:       w.isOwner != nil && w.isOwner(intent.Channel, intent.SenderID),
	})

	for _, c := range candidates {
		scope := ScopeForKind(c.Kind)
		entry := &Entry{
			ID:              uuid.NewString(),
			Scope:           scope,
			ScopeKey:        scopeKey(scope, intent),
			Kind:            c.Kind,
			Text:            c.Text,
			CreatedAt:       time.Now(),
			Salience:        c.Salience,
			SourceChannel:   intent.Channel,
			SourceChat:      intent.ChatID,
			SourceMessageID: intent.MessageID,
		}
		if err := w.store.InsertEntry(entry); err != nil {
			L_error("memory: entry insert failed", "kind", c.Kind, "error", err)
			continue
		}
		L_debug("memory: captured", "kind", c.Kind, "scope", scope)
	}
}

func scopeKey(scope string, intent *types.MemoryCaptureIntent) string {
	switch scope {
	case ScopeChat:
		return intent.Channel + ":" + intent.ChatID
	case ScopeUser:
		return intent.SenderID
	default:
		return ""
	}
}

// embedPending backfills embeddings for entries persisted without one.
func (w *CaptureWorker) embedPending(ctx context.Context) {
	if w.embedder == nil || !w.embedder.Available() {
		return
	}
	entries, err := w.store.EntriesMissingEmbedding(16)
	if err != nil {
		L_warn("memory: embedding backlog query failed", "error", err)
		return
	}
	for _, e := range entries {
		vec, err := w.embedder.Embed(ctx, e.Text)
		if err != nil {
			L_warn("memory: embed failed", "id", e.ID, "error", err)
			return
		}
		if len(vec) == 0 {
			continue
		}
		if err := w.store.SetEmbedding(e.ID, w.embedder.Model(), vec); err != nil {
			L_warn("memory: embed store failed", "id", e.ID, "error", err)
		}
	}
}
