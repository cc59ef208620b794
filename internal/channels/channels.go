// Package channels owns the lifecycle of the channel adapters. Each adapter
// turns platform events into bus messages and bus intents back into platform
// calls. A failed adapter start retries in the background with exponential
// backoff instead of taking the process down.
package channels

import (
	"context"
	"sync"
	"time"

	"github.com/valetbot/valet/internal/bus"
	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/types"
)

// Adapter is one platform connection.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	// Deliver handles one outbound/reaction/typing intent for this channel.
	Deliver(intent types.Intent)
}

const (
	retryBase = 5 * time.Second
	retryCap  = 5 * time.Minute
)

// Manager starts, supervises and stops the configured adapters.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.Mutex
	adapters map[string]Adapter
	retrying map[string]bool
	cancels  map[string]context.CancelFunc
	ctx      context.Context
}

func NewManager(b *bus.MessageBus) *Manager {
	return &Manager{
		bus:      b,
		adapters: make(map[string]Adapter),
		retrying: make(map[string]bool),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// StartAll starts every adapter, falling back to background retry on
// failure.
func (m *Manager) StartAll(ctx context.Context, adapters ...Adapter) {
	m.ctx = ctx
	for _, a := range adapters {
		if err := m.start(ctx, a); err != nil {
			L_warn(a.Name()+": initial start failed, will retry in background", "error", err)
			m.startRetry(ctx, a)
		}
	}
}

func (m *Manager) start(ctx context.Context, a Adapter) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	m.bus.SubscribeOutbound(a.Name(), a.Deliver)

	m.mu.Lock()
	m.adapters[a.Name()] = a
	m.mu.Unlock()

	L_info(a.Name() + ": channel ready and listening")
	return nil
}

func (m *Manager) startRetry(ctx context.Context, a Adapter) {
	m.mu.Lock()
	if m.retrying[a.Name()] {
		m.mu.Unlock()
		return
	}
	m.retrying[a.Name()] = true
	retryCtx, cancel := context.WithCancel(ctx)
	m.cancels[a.Name()] = cancel
	m.mu.Unlock()

	go func() {
		backoff := retryBase
		attempt := 1
		for {
			select {
			case <-retryCtx.Done():
				L_info(a.Name() + ": shutdown requested, stopping retry")
				return
			case <-time.After(backoff):
			}

			if IsShuttingDown() {
				return
			}
			L_info(a.Name()+": retrying connection", "attempt", attempt, "backoff", backoff)
			if err := m.start(retryCtx, a); err != nil {
				L_warn(a.Name()+": connection failed", "error", err, "nextRetry", backoff)
				attempt++
				backoff *= 2
				if backoff > retryCap {
					backoff = retryCap
				}
				continue
			}

			m.mu.Lock()
			m.retrying[a.Name()] = false
			m.mu.Unlock()
			L_info(a.Name()+": channel ready after retry", "attempts", attempt)
			return
		}
	}()
}

// StopAll shuts down every running adapter.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cancel := range m.cancels {
		cancel()
	}
	for name, a := range m.adapters {
		L_debug("channels: stopping", "channel", name)
		if err := a.Stop(); err != nil {
			L_error("channels: stop failed", "channel", name, "error", err)
		}
	}
	m.adapters = make(map[string]Adapter)
	m.cancels = make(map[string]context.CancelFunc)
}

// Get returns a running adapter by name, nil when absent.
func (m *Manager) Get(name string) Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adapters[name]
}

// Names lists the running adapters.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	return names
}
