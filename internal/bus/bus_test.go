package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/valetbot/valet/internal/types"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := New(10, 10)
	msg := &types.Message{ID: "m1", Channel: "whatsapp", ChatID: "c1"}
	b.PublishInbound(msg)

	got, err := b.ConsumeInbound(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.ID != "m1" {
		t.Fatalf("got %q, want m1", got.ID)
	}
}

func TestInboundOverflowDropsOldest(t *testing.T) {
	b := New(2, 2)
	for i := 0; i < 5; i++ {
		b.PublishInbound(&types.Message{ID: fmt.Sprintf("m%d", i), Channel: "telegram", ChatID: "c"})
	}
	if b.InboundDropped() != 3 {
		t.Fatalf("dropped=%d, want 3", b.InboundDropped())
	}

	first, _ := b.ConsumeInbound(context.Background())
	if first.ID != "m3" {
		t.Fatalf("oldest surviving should be m3, got %q", first.ID)
	}
	second, _ := b.ConsumeInbound(context.Background())
	if second.ID != "m4" {
		t.Fatalf("newest should be m4, got %q", second.ID)
	}
}

func TestConsumeInboundCancellation(t *testing.T) {
	b := New(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.ConsumeInbound(ctx); err == nil {
		t.Fatal("expected context error on empty queue")
	}
}

func TestDispatchOutboundFanout(t *testing.T) {
	b := New(10, 10)
	got := make(chan string, 2)
	b.SubscribeOutbound("whatsapp", func(i types.Intent) {
		got <- i.Outbound.Text
	})
	b.SubscribeOutbound("telegram", func(i types.Intent) {
		t.Error("telegram handler must not see whatsapp intents")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.PublishOutbound(types.NewOutboundText("whatsapp", "c1", "hello", ""))

	select {
	case text := <-got:
		if text != "hello" {
			t.Fatalf("got %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("intent was not dispatched")
	}
}

func TestDispatchSurvivesHandlerPanic(t *testing.T) {
	b := New(10, 10)
	got := make(chan struct{}, 1)
	b.SubscribeOutbound("discord", func(i types.Intent) { panic("boom") })
	b.SubscribeOutbound("discord", func(i types.Intent) { got <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.PublishOutbound(types.NewOutboundText("discord", "c1", "x", ""))

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("second handler should still run after panic")
	}
}
