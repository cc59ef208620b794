package session

import (
	"fmt"
	"testing"
)

func TestAppendAndHistory(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := s.Append("whatsapp", "123@s.whatsapp.net", "user", "hello"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append("whatsapp", "123@s.whatsapp.net", "assistant", "hi there"); err != nil {
		t.Fatalf("append: %v", err)
	}

	turns, err := s.History("whatsapp", "123@s.whatsapp.net")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Role != "user" || turns[0].Content != "hello" {
		t.Fatalf("unexpected first turn: %+v", turns[0])
	}
	if turns[1].Role != "assistant" {
		t.Fatalf("unexpected second turn: %+v", turns[1])
	}
}

func TestCapPrunesOldest(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for i := 0; i < MaxEntries+10; i++ {
		if err := s.Append("telegram", "42", "user", fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	turns, err := s.History("telegram", "42")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != MaxEntries {
		t.Fatalf("got %d turns, want %d", len(turns), MaxEntries)
	}
	if turns[0].Content != "msg-10" {
		t.Fatalf("oldest surviving turn should be msg-10, got %q", turns[0].Content)
	}
}

func TestClear(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Append("discord", "c1", "user", "hello")
	if err := s.Clear("discord", "c1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	turns, err := s.History("discord", "c1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected empty history after clear, got %d", len(turns))
	}
	if err := s.Clear("discord", "c1"); err != nil {
		t.Fatalf("clearing a missing session should be a no-op: %v", err)
	}
}
