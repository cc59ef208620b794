package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/valetbot/valet/internal/cache"
	"github.com/valetbot/valet/internal/types"
)

func textMessage(id, chatID, text string) *types.Message {
	return &types.Message{
		ID:        id,
		Channel:   "telegram",
		ChatID:    chatID,
		Sender:    types.Identity{ID: "100", DisplayName: "Alice"},
		Content:   []types.ContentBlock{{Kind: types.BlockText, Text: text}},
		Timestamp: time.Now(),
	}
}

// recorderStage notes whether the chain reached it.
type recorderStage struct {
	reached bool
}

func (*recorderStage) Name() string { return "recorder" }
func (r *recorderStage) Handle(pc *Context, next func()) {
	r.reached = true
	next()
}

type panicStage struct{}

func (*panicStage) Name() string                     { return "boom" }
func (*panicStage) Handle(pc *Context, next func()) { panic("boom") }

func TestNormalizeDropsEmptyMessages(t *testing.T) {
	rec := &recorderStage{}
	p := New(NewNormalize(), rec)

	intents := p.Run(context.Background(), textMessage("m1", "c1", "   \n\t "))
	if rec.reached {
		t.Fatal("empty message passed normalize")
	}
	if len(intents) != 0 {
		t.Fatalf("expected no intents, got %d", len(intents))
	}

	p.Run(context.Background(), textMessage("m2", "c1", "  hello  "))
	if !rec.reached {
		t.Fatal("non-empty message did not pass normalize")
	}
}

func TestNormalizeKeepsMediaOnlyMessages(t *testing.T) {
	rec := &recorderStage{}
	p := New(NewNormalize(), rec)

	msg := &types.Message{
		ID:      "m1",
		Channel: "whatsapp",
		ChatID:  "c1",
		Content: []types.ContentBlock{{Kind: types.BlockImage, Path: "/tmp/x.jpg"}},
	}
	p.Run(context.Background(), msg)
	if !rec.reached {
		t.Fatal("media-only message was dropped")
	}
}

func TestDedupHaltsSecondDelivery(t *testing.T) {
	rec := &recorderStage{}
	seen := cache.New(10*time.Minute, 100)
	p := New(NewDedup(seen), rec)

	p.Run(context.Background(), textMessage("m1", "c1", "hi"))
	if !rec.reached {
		t.Fatal("first delivery did not pass")
	}

	rec.reached = false
	intents := p.Run(context.Background(), textMessage("m1", "c1", "hi"))
	if rec.reached {
		t.Fatal("duplicate delivery passed dedup")
	}
	found := false
	for _, in := range intents {
		if in.Metric != nil && in.Metric.Name == "pipeline_dedup_dropped" {
			found = true
		}
	}
	if !found {
		t.Fatal("duplicate did not record a drop metric")
	}

	rec.reached = false
	p.Run(context.Background(), textMessage("m1", "c2", "hi"))
	if !rec.reached {
		t.Fatal("same id in a different chat was wrongly deduplicated")
	}
}

func TestPanicRecoveryHaltsAndRecordsMetric(t *testing.T) {
	rec := &recorderStage{}
	p := New(&panicStage{}, rec)

	intents := p.Run(context.Background(), textMessage("m1", "c1", "hi"))
	if rec.reached {
		t.Fatal("chain continued past a panicking stage")
	}
	found := false
	for _, in := range intents {
		if in.Metric != nil && in.Metric.Name == "pipeline_panic" && in.Metric.Labels["stage"] == "boom" {
			found = true
		}
	}
	if !found {
		t.Fatalf("panic metric missing, intents: %+v", intents)
	}
}

func TestAccessControlHaltsRejectedMessages(t *testing.T) {
	rec := &recorderStage{}
	decision := &types.PolicyDecision{AcceptMessage: false, Reason: "blocked_sender"}
	inject := middlewareFunc(func(pc *Context, next func()) {
		pc.Decision = decision
		next()
	})
	p := New(inject, NewAccessControl(), rec)

	intents := p.Run(context.Background(), textMessage("m1", "c1", "hi"))
	if rec.reached {
		t.Fatal("rejected message passed access control")
	}
	found := false
	for _, in := range intents {
		if in.Metric != nil && in.Metric.Name == "message_rejected" && in.Metric.Labels["reason"] == "blocked_sender" {
			found = true
		}
	}
	if !found {
		t.Fatal("rejection metric missing")
	}
}

type middlewareFunc func(pc *Context, next func())

func (middlewareFunc) Name() string                      { return "func" }
func (f middlewareFunc) Handle(pc *Context, next func()) { f(pc, next) }

func TestNoReplyFilterCapturesAndHalts(t *testing.T) {
	rec := &recorderStage{}
	inject := middlewareFunc(func(pc *Context, next func()) {
		pc.Decision = &types.PolicyDecision{AcceptMessage: true, ShouldRespond: false}
		next()
	})
	p := New(inject, NewNoReplyFilter(), rec)

	intents := p.Run(context.Background(), textMessage("m1", "c1", "remember I like tea"))
	if rec.reached {
		t.Fatal("no-reply message reached the responder")
	}
	var capture *types.MemoryCaptureIntent
	for _, in := range intents {
		if in.Memory != nil {
			capture = in.Memory
		}
	}
	if capture == nil {
		t.Fatal("passive message did not feed memory capture")
	}
	if capture.Role != "user" || capture.Text != "remember I like tea" {
		t.Fatalf("unexpected capture: %+v", capture)
	}
}

func TestIdeaCaptureClassify(t *testing.T) {
	stage := NewIdeaCapture([]string{"idea", "idee", "ideia", "idée"}, []string{"backlog", "todo"})

	tests := []struct {
		text string
		kind string
		body string
	}{
		{"idea: solar panels on the shed", "idea", "solar panels on the shed"},
		{"Idea build a boat", "idea", "build a boat"},
		{"IDÉE acheter un bateau", "idea", "acheter un bateau"},
		{"[backlog] fix the gate latch", "backlog", "fix the gate latch"},
		{"todo: renew passport", "backlog", "renew passport"},
		{"#idea weekend trip", "idea", "weekend trip"},
		{"I had an idea about dinner", "", ""},
		{"idea", "", ""},
		{"just a normal message", "", ""},
	}
	for _, tt := range tests {
		kind, body := stage.classify(tt.text)
		if kind != tt.kind || body != tt.body {
			t.Errorf("classify(%q) = (%q, %q), want (%q, %q)", tt.text, kind, body, tt.kind, tt.body)
		}
	}
}

func TestIdeaCaptureEmitsReactionAndHalts(t *testing.T) {
	rec := &recorderStage{}
	p := New(NewIdeaCapture([]string{"idea"}, []string{"backlog"}), rec)

	intents := p.Run(context.Background(), textMessage("m1", "c1", "idea: teach the dog to fetch beer"))
	if rec.reached {
		t.Fatal("idea message was not short-circuited")
	}
	var reaction *types.ReactionIntent
	var capture *types.MemoryCaptureIntent
	for _, in := range intents {
		if in.Reaction != nil {
			reaction = in.Reaction
		}
		if in.Memory != nil {
			capture = in.Memory
		}
	}
	if reaction == nil || reaction.Emoji != "💡" {
		t.Fatalf("expected lightbulb reaction, got %+v", reaction)
	}
	if capture == nil || capture.Kind != "idea" {
		t.Fatalf("expected idea capture, got %+v", capture)
	}
}

func TestClipForSpeech(t *testing.T) {
	tests := []struct {
		text         string
		maxSentences int
		maxChars     int
		want         string
	}{
		{"One. Two. Three.", 2, 0, "One. Two."},
		{"No enders here", 1, 0, "No enders here"},
		{"abcdef ghij", 0, 8, "abcdef"},
		{"Short.", 3, 100, "Short."},
	}
	for _, tt := range tests {
		if got := clipForSpeech(tt.text, tt.maxSentences, tt.maxChars); got != tt.want {
			t.Errorf("clipForSpeech(%q, %d, %d) = %q, want %q", tt.text, tt.maxSentences, tt.maxChars, got, tt.want)
		}
	}
}
