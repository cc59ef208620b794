package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const adminPolicy = `{
  "version": 2,
  "owners": {"telegram": ["777000"]},
  "channels": {
    "telegram": {"default": {"whenToReply": {"mode": "mention_only"}}}
  }
}`

type adminFixture struct {
	engine  *Engine
	admin   *AdminService
	path    string
	cleared []string
}

func newAdminFixture(t *testing.T, policy string) *adminFixture {
	t.Helper()
	dir := t.TempDir()
	path := writePolicy(t, dir, policy)
	engine, err := NewEngine(path)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	fx := &adminFixture{engine: engine, path: path}
	fx.admin, err = NewAdminService(
		engine,
		filepath.Join(dir, "audit.jsonl"),
		filepath.Join(dir, "backups"),
		nil,
		func(channel, chatID string) error {
			fx.cleared = append(fx.cleared, channel+":"+chatID)
			return nil
		},
		nil,
	)
	if err != nil {
		t.Fatalf("NewAdminService: %v", err)
	}
	return fx
}

func (fx *adminFixture) handle(t *testing.T, raw string) string {
	t.Helper()
	resp, err := fx.admin.Handle(context.Background(), "telegram", "777000", "777000", false, raw)
	if err != nil {
		t.Fatalf("Handle(%q): %v", raw, err)
	}
	return resp
}

func TestNonOwnerSilentlyIgnored(t *testing.T) {
	fx := newAdminFixture(t, adminPolicy)
	resp, err := fx.admin.Handle(context.Background(), "telegram", "c1", "424242", false, "/policy help")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp != "" {
		t.Fatalf("non-owner must get no response, got %q", resp)
	}
}

func TestPolicyCommandsDMOnly(t *testing.T) {
	fx := newAdminFixture(t, adminPolicy)
	resp, err := fx.admin.Handle(context.Background(), "telegram", "g1", "777000", true, "/policy help")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp != "policy commands are DM-only" {
		t.Fatalf("got %q", resp)
	}
}

func TestResetClearsChatHistory(t *testing.T) {
	fx := newAdminFixture(t, adminPolicy)
	resp := fx.handle(t, "/reset")
	if resp != "session history cleared" {
		t.Fatalf("got %q", resp)
	}
	if len(fx.cleared) != 1 || fx.cleared[0] != "telegram:777000" {
		t.Fatalf("cleared = %v", fx.cleared)
	}
}

func TestBlockGroupApplied(t *testing.T) {
	fx := newAdminFixture(t, adminPolicy)
	before := fx.engine.Hash()

	resp := fx.handle(t, "/policy block-group g42")
	if !strings.HasPrefix(resp, "applied ") {
		t.Fatalf("got %q", resp)
	}
	if fx.engine.Hash() == before {
		t.Fatal("snapshot must change")
	}
	d := fx.engine.Evaluate(Actor{Channel: "telegram", ChatID: "g42", SenderID: "1", IsGroup: true, MentionedBot: true})
	if d.ShouldRespond {
		t.Fatal("blocked group must not respond even when mentioned")
	}

	// persisted: a fresh engine sees the same state
	e2, err := NewEngine(fx.path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if e2.Hash() != fx.engine.Hash() {
		t.Fatal("change must be persisted to disk")
	}
}

func TestDryRunLeavesFileUntouched(t *testing.T) {
	fx := newAdminFixture(t, adminPolicy)
	before := fx.engine.Hash()
	beforeBytes, _ := os.ReadFile(fx.path)

	resp := fx.handle(t, "/policy block-group g42 --dry-run")
	if !strings.HasPrefix(resp, "dry-run: ") {
		t.Fatalf("got %q", resp)
	}
	if fx.engine.Hash() != before {
		t.Fatal("dry run must not swap the snapshot")
	}
	afterBytes, _ := os.ReadFile(fx.path)
	if string(beforeBytes) != string(afterBytes) {
		t.Fatal("dry run must not write the policy file")
	}

	records, err := fx.admin.readAudit()
	if err != nil || len(records) != 1 {
		t.Fatalf("audit records = %v err = %v", records, err)
	}
	if !records[0].DryRun || records[0].Result != "dry_run" {
		t.Fatalf("audit = %+v", records[0])
	}
}

func TestRollbackRestoresExactBytes(t *testing.T) {
	fx := newAdminFixture(t, adminPolicy)
	originalBytes, _ := os.ReadFile(fx.path)
	originalHash := fx.engine.Hash()

	fx.handle(t, "/policy block-group g42")
	records, _ := fx.admin.readAudit()
	if len(records) != 1 {
		t.Fatalf("audit records = %d", len(records))
	}
	changeID := records[0].ID

	resp := fx.handle(t, "/policy rollback " + changeID)
	if !strings.HasPrefix(resp, "rolled back ") {
		t.Fatalf("got %q", resp)
	}
	if fx.engine.Hash() != originalHash {
		t.Fatal("rollback must restore the original snapshot")
	}
	nowBytes, _ := os.ReadFile(fx.path)
	if string(nowBytes) != string(originalBytes) {
		t.Fatal("rollback must restore the file byte for byte")
	}
}

func TestRollbackRequiresConfirmWhenConfigured(t *testing.T) {
	policy := `{
	  "version": 2,
	  "owners": {"telegram": ["777000"]},
	  "runtime": {"adminRequireConfirmForRisky": true}
	}`
	fx := newAdminFixture(t, policy)
	fx.handle(t, "/policy block-group g42")
	records, _ := fx.admin.readAudit()
	changeID := records[0].ID

	resp := fx.handle(t, "/policy rollback " + changeID)
	if resp != "rollback requires --confirm" {
		t.Fatalf("got %q", resp)
	}
	resp = fx.handle(t, "/policy rollback " + changeID + " --confirm")
	if !strings.HasPrefix(resp, "rolled back ") {
		t.Fatalf("got %q", resp)
	}
}

func TestBlockAndUnblockSender(t *testing.T) {
	fx := newAdminFixture(t, adminPolicy)

	fx.handle(t, "/policy block-sender g42 @spammer")
	d := fx.engine.Evaluate(Actor{Channel: "telegram", ChatID: "g42", SenderID: "spammer"})
	if d.AcceptMessage {
		t.Fatal("blocked sender must be rejected")
	}
	resp := fx.handle(t, "/policy list-blocked g42")
	if !strings.Contains(resp, "@spammer") {
		t.Fatalf("got %q", resp)
	}

	fx.handle(t, "/policy unblock-sender g42 @spammer")
	d = fx.engine.Evaluate(Actor{Channel: "telegram", ChatID: "g42", SenderID: "spammer"})
	if !d.AcceptMessage {
		t.Fatal("unblocked sender must be accepted again")
	}
}

func TestSetAndClearPersona(t *testing.T) {
	fx := newAdminFixture(t, adminPolicy)

	fx.handle(t, `/policy set-persona g42 "personas/family bot.md"`)
	d := fx.engine.Evaluate(Actor{Channel: "telegram", ChatID: "g42", SenderID: "1"})
	if d.PersonaFile != "personas/family bot.md" {
		t.Fatalf("persona = %q", d.PersonaFile)
	}

	fx.handle(t, "/policy clear-persona g42")
	d = fx.engine.Evaluate(Actor{Channel: "telegram", ChatID: "g42", SenderID: "1"})
	if d.PersonaFile != "" {
		t.Fatalf("persona must be cleared, got %q", d.PersonaFile)
	}
}

func TestSetWhenRejectsInvalidMode(t *testing.T) {
	fx := newAdminFixture(t, adminPolicy)
	before := fx.engine.Hash()
	resp := fx.handle(t, "/policy set-when g42 sometimes")
	if !strings.Contains(resp, "invalid whenToReply mode") {
		t.Fatalf("got %q", resp)
	}
	if fx.engine.Hash() != before {
		t.Fatal("invalid mode must not change policy")
	}
}

func TestAdminRateLimit(t *testing.T) {
	policy := `{
	  "version": 2,
	  "owners": {"telegram": ["777000"]},
	  "runtime": {"adminCommandRateLimitPerMinute": 2}
	}`
	fx := newAdminFixture(t, policy)
	fx.handle(t, "/policy help")
	fx.handle(t, "/policy help")
	resp := fx.handle(t, "/policy help")
	if resp != "rate limit exceeded, try again in a minute" {
		t.Fatalf("got %q", resp)
	}
}

func TestHistoryListsChanges(t *testing.T) {
	fx := newAdminFixture(t, adminPolicy)
	fx.handle(t, "/policy block-group g1")
	fx.handle(t, "/policy allow-group g1")

	resp := fx.handle(t, "/policy history")
	lines := strings.Split(resp, "\n")
	if len(lines) != 2 {
		t.Fatalf("history lines = %d: %q", len(lines), resp)
	}
	if !strings.Contains(lines[0], "block-group") || !strings.Contains(lines[1], "allow-group") {
		t.Fatalf("history = %q", resp)
	}
}

func TestTokenize(t *testing.T) {
	tokens, err := tokenize(`/policy set-persona g1 "my persona.md"`)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	want := []string{"/policy", "set-persona", "g1", "my persona.md"}
	if len(tokens) != len(want) {
		t.Fatalf("tokens = %v", tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("token %d = %q want %q", i, tokens[i], want[i])
		}
	}
	if _, err := tokenize(`/policy "unterminated`); err == nil {
		t.Fatal("unterminated quote must error")
	}
}

func TestIsCommand(t *testing.T) {
	for _, text := range []string{"/policy help", " /reset", "/panic"} {
		if !IsCommand(text) {
			t.Fatalf("%q should be recognized", text)
		}
	}
	for _, text := range []string{"hello", "policy help", "/other"} {
		if IsCommand(text) {
			t.Fatalf("%q should not be recognized", text)
		}
	}
}
