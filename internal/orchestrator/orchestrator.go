// Package orchestrator drains inbound messages off the bus, runs each one
// through the middleware pipeline and dispatches the resulting intents.
// Messages for the same chat run strictly in order; different chats run
// concurrently.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/valetbot/valet/internal/bus"
	"github.com/valetbot/valet/internal/config"
	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/memory"
	"github.com/valetbot/valet/internal/pipeline"
	"github.com/valetbot/valet/internal/session"
	"github.com/valetbot/valet/internal/telemetry"
	"github.com/valetbot/valet/internal/types"
)

// maxPendingPerChat bounds each chat's serial queue; on overflow the oldest
// pending message is dropped and counted.
const maxPendingPerChat = 1000

// Orchestrator owns the per-chat execution queues.
type Orchestrator struct {
	bus      *bus.MessageBus
	pipe     *pipeline.Pipeline
	sessions *session.Store
	worker   *memory.CaptureWorker
	metrics  *telemetry.Registry

	mu      sync.Mutex
	pending map[string][]*types.Message
	active  map[string]bool
	wg      sync.WaitGroup
}

func New(b *bus.MessageBus, pipe *pipeline.Pipeline, sessions *session.Store, worker *memory.CaptureWorker, metrics *telemetry.Registry) *Orchestrator {
	o := &Orchestrator{
		bus:      b,
		pipe:     pipe,
		sessions: sessions,
		worker:   worker,
		metrics:  metrics,
		pending:  make(map[string][]*types.Message),
		active:   make(map[string]bool),
	}
	pipe.SetNotify(o.dispatchOne)
	return o
}

// Run consumes inbound messages until ctx is cancelled, then waits for
// in-flight chats to drain.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		msg, err := o.bus.ConsumeInbound(ctx)
		if err != nil {
			o.wg.Wait()
			return err
		}
		o.enqueue(ctx, msg)
	}
}

// enqueue adds a message to its chat's serial queue, starting a drain
// goroutine when the chat has none running.
func (o *Orchestrator) enqueue(ctx context.Context, msg *types.Message) {
	key := msg.ChatKey()

	o.mu.Lock()
	q := o.pending[key]
	if len(q) >= maxPendingPerChat {
		q = q[1:]
		o.metrics.Incr("orchestrator_queue_dropped", map[string]string{"channel": msg.Channel}, 1)
		L_warn("orchestrator: chat queue overflow", "chat", key)
	}
	o.pending[key] = append(q, msg)
	if o.active[key] {
		o.mu.Unlock()
		return
	}
	o.active[key] = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.drain(ctx, key)
}

func (o *Orchestrator) drain(ctx context.Context, key string) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		q := o.pending[key]
		if len(q) == 0 {
			o.active[key] = false
			delete(o.pending, key)
			o.mu.Unlock()
			return
		}
		msg := q[0]
		o.pending[key] = q[1:]
		o.mu.Unlock()

		if ctx.Err() != nil {
			continue // keep draining the queue without processing
		}
		o.process(ctx, msg)
	}
}

func (o *Orchestrator) process(ctx context.Context, msg *types.Message) {
	intents := o.pipe.Run(ctx, msg)
	for _, intent := range intents {
		o.dispatchOne(intent)
	}
}

// dispatchOne routes a single intent to its sink. Channel-facing intents go
// back over the bus; the rest feed local subsystems.
func (o *Orchestrator) dispatchOne(intent types.Intent) {
	switch {
	case intent.Outbound != nil, intent.Reaction != nil, intent.Typing != nil:
		o.bus.PublishOutbound(intent)
	case intent.Memory != nil:
		if o.worker != nil {
			o.worker.Enqueue(intent.Memory)
		}
	case intent.Metric != nil:
		delta := intent.Metric.Value
		if delta == 0 {
			delta = 1
		}
		o.metrics.Incr(intent.Metric.Name, intent.Metric.Labels, delta)
	case intent.Session != nil:
		s := intent.Session
		if err := o.sessions.Append(s.Channel, s.ChatID, s.Role, s.Content); err != nil {
			L_warn("orchestrator: session append failed", "chat", s.Channel+":"+s.ChatID, "error", err)
		}
	}
}

// RecallAdapter exposes the memory store's hybrid recall to the responder
// stage as plain strings.
type RecallAdapter struct {
	Store    *memory.Store
	Embedder memory.EmbeddingProvider
	Cfg      config.MemoryConfig
	Limit    int
}

func (r *RecallAdapter) Recall(ctx context.Context, query, channel, chatID, senderID string) []string {
	if r.Store == nil {
		return nil
	}
	opts := memory.DefaultRecallOptions()
	opts.WeightLexical, opts.WeightVector, opts.WeightSalience, opts.WeightRecency = r.Cfg.Weights()
	if r.Cfg.RecencyHalfLifeDays > 0 {
		opts.HalfLife = time.Duration(r.Cfg.RecencyHalfLifeDays * 24 * float64(time.Hour))
	}
	if r.Limit > 0 {
		opts.Limit = r.Limit
	}
	scored, err := r.Store.Recall(ctx, r.Embedder, query, channel, chatID, senderID, opts)
	if err != nil {
		L_warn("orchestrator: memory recall failed", "error", err)
		return nil
	}
	out := make([]string, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.Entry.Text)
	}
	return out
}
