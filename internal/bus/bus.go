// Package bus provides the in-process message bus that decouples channel
// adapters from the orchestrator. Channels publish inbound messages; the
// orchestrator consumes them and publishes outbound intents back, which the
// channel manager dispatches to subscribed adapters.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/types"
)

// DefaultQueueSize bounds each queue; on overflow the oldest pending entry
// is dropped and counted.
const DefaultQueueSize = 1000

// OutboundHandler receives outbound intents for one channel.
type OutboundHandler func(types.Intent)

// MessageBus carries inbound messages and outbound/reaction intents between
// components over bounded queues.
type MessageBus struct {
	inbound  chan *types.Message
	outbound chan types.Intent

	inboundDropped  atomic.Int64
	outboundDropped atomic.Int64

	subMu       sync.RWMutex
	subscribers map[string][]OutboundHandler

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a bus with the given queue capacities. Zero or negative sizes
// fall back to DefaultQueueSize.
func New(inboundSize, outboundSize int) *MessageBus {
	if inboundSize <= 0 {
		inboundSize = DefaultQueueSize
	}
	if outboundSize <= 0 {
		outboundSize = DefaultQueueSize
	}
	return &MessageBus{
		inbound:     make(chan *types.Message, inboundSize),
		outbound:    make(chan types.Intent, outboundSize),
		subscribers: make(map[string][]OutboundHandler),
		stopped:     make(chan struct{}),
	}
}

// PublishInbound enqueues a message from a channel adapter. On a full queue
// the oldest pending message is dropped to make room.
func (b *MessageBus) PublishInbound(msg *types.Message) {
	for {
		select {
		case b.inbound <- msg:
			return
		default:
		}
		select {
		case dropped := <-b.inbound:
			n := b.inboundDropped.Add(1)
			if n == 1 || n%100 == 0 {
				L_warn("bus: inbound queue overflow", "dropped", n, "channel", dropped.Channel, "chat", dropped.ChatID)
			}
		default:
		}
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*types.Message, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound enqueues an intent for channel dispatch, dropping the
// oldest pending intent on overflow.
func (b *MessageBus) PublishOutbound(intent types.Intent) {
	for {
		select {
		case b.outbound <- intent:
			return
		default:
		}
		select {
		case <-b.outbound:
			n := b.outboundDropped.Add(1)
			if n == 1 || n%100 == 0 {
				L_warn("bus: outbound queue overflow", "dropped", n)
			}
		default:
		}
	}
}

// SubscribeOutbound registers a handler for intents addressed to channel.
func (b *MessageBus) SubscribeOutbound(channel string, handler OutboundHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], handler)
}

// DispatchOutbound delivers outbound intents to subscribed channels until
// ctx is done. Run as a background goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopped:
			return
		case intent := <-b.outbound:
			b.deliver(intent)
		}
	}
}

func (b *MessageBus) deliver(intent types.Intent) {
	channel := intentChannel(intent)
	if channel == "" {
		return
	}
	b.subMu.RLock()
	handlers := make([]OutboundHandler, len(b.subscribers[channel]))
	copy(handlers, b.subscribers[channel])
	b.subMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: outbound handler panic", "channel", channel, "panic", r)
				}
			}()
			h(intent)
		}()
	}
}

func intentChannel(intent types.Intent) string {
	switch {
	case intent.Outbound != nil:
		return intent.Outbound.Channel
	case intent.Reaction != nil:
		return intent.Reaction.Channel
	case intent.Typing != nil:
		return intent.Typing.Channel
	}
	return ""
}

// Stop terminates the dispatcher loops.
func (b *MessageBus) Stop() {
	b.stopOnce.Do(func() { close(b.stopped) })
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int { return len(b.inbound) }

// OutboundSize returns the number of pending outbound intents.
func (b *MessageBus) OutboundSize() int { return len(b.outbound) }

// InboundDropped returns the overflow drop count for the inbound queue.
func (b *MessageBus) InboundDropped() int64 { return b.inboundDropped.Load() }

// OutboundDropped returns the overflow drop count for the outbound queue.
func (b *MessageBus) OutboundDropped() int64 { return b.outboundDropped.Load() }
