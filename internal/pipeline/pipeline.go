// Package pipeline implements the inbound orchestration pipeline: a fixed
// chain of middleware that deduplicates, archives, enriches, gates by policy,
// filters, responds, and emits outbound intents for one message.
//
// The chain is a static list constructed at bootstrap; the order is
// load-bearing and visible at the construction site.
package pipeline

import (
	"context"

	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/types"
)

// Context is the mutable carrier shared by the middleware of one execution.
type Context struct {
	Event    *types.Message
	Decision *types.PolicyDecision
	Intents  []types.Intent
	Reply    string
	Halted   bool

	ctx    context.Context
	notify func(types.Intent)
}

// Ctx returns the cancellation context of this execution.
func (pc *Context) Ctx() context.Context { return pc.ctx }

// Halt short-circuits the remaining middleware.
func (pc *Context) Halt() { pc.Halted = true }

// Emit appends intents for dispatch after the pipeline completes.
func (pc *Context) Emit(intents ...types.Intent) {
	pc.Intents = append(pc.Intents, intents...)
}

// Notify delivers an intent immediately when the runner has a live sink
// (typing indicators must show while the responder is working); without one
// it degrades to Emit.
func (pc *Context) Notify(intent types.Intent) {
	if pc.notify != nil {
		pc.notify(intent)
		return
	}
	pc.Emit(intent)
}

// Metric appends a counter intent. Labels are alternating key/value pairs.
func (pc *Context) Metric(name string, labels ...string) {
	lm := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		lm[labels[i]] = labels[i+1]
	}
	pc.Emit(types.NewMetric(name, lm))
}

// Middleware is one unit of pipeline logic. It either calls next (optionally
// doing post-processing after next returns) or halts the context.
type Middleware interface {
	Name() string
	Handle(pc *Context, next func())
}

// Pipeline runs a message through the middleware chain.
type Pipeline struct {
	stages []Middleware
	notify func(types.Intent)
}

// New constructs a pipeline over the given stages, in order.
func New(stages ...Middleware) *Pipeline {
	return &Pipeline{stages: stages}
}

// SetNotify installs the immediate-intent sink used by Context.Notify.
func (p *Pipeline) SetNotify(fn func(types.Intent)) { p.notify = fn }

// Run executes the chain for one message and returns the accumulated
// intents. A panic in any middleware halts this execution, is recorded as a
// telemetry intent, and never propagates to the caller.
func (p *Pipeline) Run(ctx context.Context, msg *types.Message) []types.Intent {
	pc := &Context{
		Event:  msg,
		ctx:    ctx,
		notify: p.notify,
	}
	p.invoke(pc, 0)
	return pc.Intents
}

func (p *Pipeline) invoke(pc *Context, index int) {
	if index >= len(p.stages) || pc.Halted {
		return
	}
	stage := p.stages[index]

	defer func() {
		if r := recover(); r != nil {
			L_error("pipeline: stage panic", "stage", stage.Name(), "panic", r,
				"channel", pc.Event.Channel, "chat", pc.Event.ChatID)
			pc.Metric("pipeline_panic", "stage", stage.Name())
			pc.Halt()
		}
	}()

	stage.Handle(pc, func() {
		p.invoke(pc, index+1)
	})
}
