package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/valetbot/valet/internal/bus"
	"github.com/valetbot/valet/internal/pipeline"
	"github.com/valetbot/valet/internal/session"
	"github.com/valetbot/valet/internal/telemetry"
	"github.com/valetbot/valet/internal/types"
)

type stageFunc struct {
	name string
	fn   func(pc *pipeline.Context, next func())
}

func (s *stageFunc) Name() string                              { return s.name }
func (s *stageFunc) Handle(pc *pipeline.Context, next func()) { s.fn(pc, next) }

func newMessage(channel, chatID, id string) *types.Message {
	return &types.Message{
		ID:      id,
		Channel: channel,
		ChatID:  chatID,
		Sender:  types.Identity{ID: "u1"},
		Content: []types.ContentBlock{{Kind: types.BlockText, Text: "hello " + id}},
	}
}

func TestPerChatOrderingAndCrossChatConcurrency(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]string{}
	release := make(chan struct{})

	pipe := pipeline.New(&stageFunc{name: "record", fn: func(pc *pipeline.Context, next func()) {
		if pc.Event.ChatID == "slow" {
			<-release
		}
		mu.Lock()
		seen[pc.Event.ChatID] = append(seen[pc.Event.ChatID], pc.Event.ID)
		mu.Unlock()
		next()
	}})

	sessions, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New(10, 10)
	o := New(b, pipe, sessions, nil, telemetry.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	b.PublishInbound(newMessage("telegram", "slow", "s1"))
	b.PublishInbound(newMessage("telegram", "slow", "s2"))
	b.PublishInbound(newMessage("telegram", "fast", "f1"))

	// the fast chat must not wait for the blocked slow chat
	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(seen["fast"])
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("fast chat starved by slow chat")
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(release)
	deadline = time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(seen["slow"])
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("slow chat did not drain")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	slow := seen["slow"]
	mu.Unlock()
	if slow[0] != "s1" || slow[1] != "s2" {
		t.Errorf("slow chat order = %v, want [s1 s2]", slow)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

func TestDispatchRoutesIntents(t *testing.T) {
	pipe := pipeline.New(&stageFunc{name: "emit", fn: func(pc *pipeline.Context, next func()) {
		pc.Emit(types.NewOutboundText("telegram", "100", "reply", ""))
		pc.Emit(types.Intent{Metric: &types.MetricIntent{Name: "test_metric"}})
		pc.Emit(types.Intent{Session: &types.SessionIntent{
			Channel: "telegram", ChatID: "100", Role: "user", Content: "hello",
		}})
		next()
	}})

	sessions, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New(10, 10)
	metrics := telemetry.NewRegistry()
	o := New(b, pipe, sessions, nil, metrics)

	var mu sync.Mutex
	var outbound []types.Intent
	b.SubscribeOutbound("telegram", func(in types.Intent) {
		mu.Lock()
		outbound = append(outbound, in)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)
	go b.DispatchOutbound(ctx)

	b.PublishInbound(newMessage("telegram", "100", "m1"))

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(outbound)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("outbound intent never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if metrics.Count("test_metric", nil) != 1 {
		t.Error("metric intent not recorded")
	}
	turns, err := sessions.History("telegram", "100")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Content != "hello" {
		t.Errorf("session turns = %+v", turns)
	}
}
