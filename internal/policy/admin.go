package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	. "github.com/valetbot/valet/internal/logging"
)

// GroupInfo is one chat-directory entry served by the channel (bridge
// list_groups on WhatsApp).
type GroupInfo struct {
	ID   string
	Name string
}

// GroupLister resolves group names for the list-groups/resolve-group admin
// commands. Nil is allowed; the commands then report unavailability.
type GroupLister func(ctx context.Context) ([]GroupInfo, error)

// SessionClearer clears a chat's short-term history for /reset.
type SessionClearer func(channel, chatID string) error

// AuditRecord is one line of the policy audit log.
type AuditRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	ActorSource string    `json:"actor_source"`
	ActorID     string    `json:"actor_id"`
	Channel     string    `json:"channel"`
	ChatID      string    `json:"chat_id"`
	CommandRaw  string    `json:"command_raw"`
	DryRun      bool      `json:"dry_run"`
	Result      string    `json:"result"`
	BeforeHash  string    `json:"before_hash"`
	AfterHash   string    `json:"after_hash"`
	BackupRef   string    `json:"backup_ref,omitempty"`
}

// AdminService handles the owner DM command surface (/policy, /reset,
// /panic) and the matching CLI entry point.
type AdminService struct {
	engine     *Engine
	auditPath  string
	backupDir  string
	listGroups GroupLister
	clearChat  SessionClearer
	panicFn    func()

	mu    sync.Mutex
	calls map[string][]time.Time
}

// NewAdminService wires the admin surface. panicFn triggers the graceful
// drain shutdown for /panic.
func NewAdminService(engine *Engine, auditPath, backupDir string, listGroups GroupLister, clearChat SessionClearer, panicFn func()) (*AdminService, error) {
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(auditPath), 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &AdminService{
		engine:     engine,
		auditPath:  auditPath,
		backupDir:  backupDir,
		listGroups: listGroups,
		clearChat:  clearChat,
		panicFn:    panicFn,
		calls:      make(map[string][]time.Time),
	}, nil
}

// IsCommand reports whether text opens with a recognized admin prefix.
func IsCommand(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "/policy") ||
		strings.HasPrefix(trimmed, "/reset") ||
		strings.HasPrefix(trimmed, "/panic")
}

// Handle dispatches one admin command. Returns the response text. Empty
// response with nil error means silently ignore (unauthorized).
func (a *AdminService) Handle(ctx context.Context, channel, chatID, senderID string, isGroup bool, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !IsCommand(trimmed) {
		return "", nil
	}
	if !a.engine.IsOwner(channel, senderID) {
		L_warn("policy admin: non-owner command ignored", "channel", channel, "sender", senderID)
		return "", nil
	}
	if !a.allowCall(channel, senderID) {
		return "rate limit exceeded, try again in a minute", nil
	}

	tokens, err := tokenize(trimmed)
	if err != nil {
		return "parse error: " + err.Error(), nil
	}

	switch tokens[0] {
	case "/reset":
		return a.handleReset(channel, chatID)
	case "/panic":
		return a.handlePanic()
	case "/policy":
		if isGroup {
			return "policy commands are DM-only", nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return a.handlePolicy(ctx, channel, chatID, senderID, trimmed, tokens[1:])
	}
	return "", nil
}

func (a *AdminService) handleReset(channel, chatID string) (string, error) {
	if a.clearChat == nil {
		return "session reset unavailable", nil
	}
	if err := a.clearChat(channel, chatID); err != nil {
		return "reset failed: " + err.Error(), nil
	}
	return "session history cleared", nil
}

func (a *AdminService) handlePanic() (string, error) {
	if a.panicFn == nil {
		return "shutdown unavailable", nil
	}
	go a.panicFn()
	return "draining in-flight work and shutting down", nil
}

var commandAliases = map[string]string{
	"resume-group": "allow-group",
	"pause-group":  "block-group",
	"groups":       "list-groups",
}

func (a *AdminService) handlePolicy(ctx context.Context, channel, chatID, senderID, raw string, args []string) (string, error) {
	if len(args) == 0 {
		return a.helpText(), nil
	}
	sub := args[0]
	if alias, ok := commandAliases[sub]; ok {
		sub = alias
	}
	rest, dryRun := extractDryRun(args[1:])
	confirm := false
	rest, confirm = extractFlag(rest, "--confirm")

	switch sub {
	case "help":
		return a.helpText(), nil

	case "list-groups":
		query := ""
		if len(rest) > 0 {
			query = strings.ToLower(rest[0])
		}
		return a.listGroupsText(ctx, query)

	case "resolve-group":
		if len(rest) < 1 {
			return "usage: /policy resolve-group <name|id>", nil
		}
		return a.resolveGroupText(ctx, rest[0])

	case "status-group", "explain-group":
		if len(rest) < 1 {
			return fmt.Sprintf("usage: /policy %s <chat_id>", sub), nil
		}
		return a.engine.Explain(Actor{Channel: channel, ChatID: rest[0]})

	case "allow-group":
		if len(rest) < 1 {
			return "usage: /policy allow-group <chat_id> [--dry-run]", nil
		}
		return a.mutate(channel, senderID, raw, rest[0], dryRun, func(level *LevelSpec) {
			level.WhenToReply = &WhenToReplySpec{Mode: "mention_only", Senders: []string{}}
		})

	case "block-group":
		if len(rest) < 1 {
			return "usage: /policy block-group <chat_id> [--dry-run]", nil
		}
		return a.mutate(channel, senderID, raw, rest[0], dryRun, func(level *LevelSpec) {
			level.WhenToReply = &WhenToReplySpec{Mode: "off", Senders: []string{}}
		})

	case "set-when":
		if len(rest) < 2 {
			return "usage: /policy set-when <chat_id> <mode> [--dry-run]", nil
		}
		mode := rest[1]
		if !whenToReplyModes[mode] {
			return fmt.Sprintf("invalid whenToReply mode %q", mode), nil
		}
		return a.mutate(channel, senderID, raw, rest[0], dryRun, func(level *LevelSpec) {
			level.WhenToReply = &WhenToReplySpec{Mode: mode, Senders: []string{}}
		})

	case "set-persona":
		if len(rest) < 2 {
			return "usage: /policy set-persona <chat_id> <path> [--dry-run]", nil
		}
		persona := rest[1]
		return a.mutate(channel, senderID, raw, rest[0], dryRun, func(level *LevelSpec) {
			level.PersonaFile = &persona
		})

	case "clear-persona":
		if len(rest) < 1 {
			return "usage: /policy clear-persona <chat_id> [--dry-run]", nil
		}
		return a.mutate(channel, senderID, raw, rest[0], dryRun, func(level *LevelSpec) {
			level.PersonaFile = nil
		})

	case "block-sender":
		if len(rest) < 2 {
			return "usage: /policy block-sender <chat_id> <sender>", nil
		}
		sender := rest[1]
		return a.mutate(channel, senderID, raw, rest[0], dryRun, func(level *LevelSpec) {
			senders := []string{}
			if level.BlockedSenders != nil {
				senders = append(senders, level.BlockedSenders.Senders...)
			}
			for _, s := range senders {
				if s == sender {
					return
				}
			}
			level.BlockedSenders = &BlockedSendersSpec{Senders: append(senders, sender)}
		})

	case "unblock-sender":
		if len(rest) < 2 {
			return "usage: /policy unblock-sender <chat_id> <sender>", nil
		}
		sender := rest[1]
		return a.mutate(channel, senderID, raw, rest[0], dryRun, func(level *LevelSpec) {
			if level.BlockedSenders == nil {
				return
			}
			kept := []string{}
			for _, s := range level.BlockedSenders.Senders {
				if s != sender {
					kept = append(kept, s)
				}
			}
			level.BlockedSenders = &BlockedSendersSpec{Senders: kept}
		})

	case "list-blocked":
		if len(rest) < 1 {
			return "usage: /policy list-blocked <chat_id>", nil
		}
		snap := a.engine.snapshot()
		c, err := snap.resolve(channel, rest[0])
		if err != nil {
			return "", err
		}
		if len(c.effective.BlockedSenders) == 0 {
			return "no blocked senders", nil
		}
		return "blocked: " + strings.Join(c.effective.BlockedSenders, ", "), nil

	case "history":
		limit := 10
		if len(rest) > 0 {
			if n, err := strconv.Atoi(rest[0]); err == nil && n > 0 {
				limit = n
			}
		}
		return a.historyText(limit)

	case "rollback":
		if len(rest) < 1 {
			return "usage: /policy rollback <change_id> [--confirm] [--dry-run]", nil
		}
		if a.engine.Runtime().RequireConfirmForRisky() && !confirm && !dryRun {
			return "rollback requires --confirm", nil
		}
		return a.rollback(channel, senderID, raw, rest[0], dryRun)
	}

	return fmt.Sprintf("unknown subcommand %q (try /policy help)", args[0]), nil
}

// mutate applies one change to the chat level of the actor's channel,
// validates, persists atomically, and records audit + backup.
func (a *AdminService) mutate(channel, senderID, raw, targetChat string, dryRun bool, apply func(*LevelSpec)) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	beforeHash := a.engine.Hash()
	beforeRaw := a.engine.snapshot().raw

	// deep copy through the codec so the live snapshot is never touched
	spec, err := Parse(beforeRaw)
	if err != nil {
		return "", fmt.Errorf("policy state unreadable: %w", err)
	}
	if spec.Channels == nil {
		spec.Channels = make(map[string]*ChannelSpec)
	}
	cs := spec.Channels[channel]
	if cs == nil {
		cs = &ChannelSpec{}
		spec.Channels[channel] = cs
	}
	if cs.Chats == nil {
		cs.Chats = make(map[string]*LevelSpec)
	}
	level := cs.Chats[targetChat]
	if level == nil {
		level = &LevelSpec{}
		cs.Chats[targetChat] = level
	}
	apply(level)

	if err := spec.Validate(); err != nil {
		return "change rejected: " + err.Error(), nil
	}
	data, err := Serialize(spec)
	if err != nil {
		return "", err
	}
	afterSnap, err := buildSnapshot(data)
	if err != nil {
		return "change rejected: " + err.Error(), nil
	}

	changeID := uuid.NewString()
	if dryRun {
		a.appendAudit(AuditRecord{
			ID: changeID, Timestamp: time.Now().UTC(),
			ActorSource: channel, ActorID: senderID,
			Channel: channel, ChatID: targetChat,
			CommandRaw: raw, DryRun: true, Result: "dry_run",
			BeforeHash: beforeHash, AfterHash: afterSnap.hash,
		})
		return fmt.Sprintf("dry-run: %s -> %s (no change written)", beforeHash, afterSnap.hash), nil
	}

	backupRef := changeID + ".json"
	if err := os.WriteFile(filepath.Join(a.backupDir, backupRef), beforeRaw, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := a.writePolicyFile(data); err != nil {
		return "", err
	}
	a.engine.current.Store(afterSnap)
	a.engine.recordFileMeta()

	a.appendAudit(AuditRecord{
		ID: changeID, Timestamp: time.Now().UTC(),
		ActorSource: channel, ActorID: senderID,
		Channel: channel, ChatID: targetChat,
		CommandRaw: raw, Result: "applied",
		BeforeHash: beforeHash, AfterHash: afterSnap.hash,
		BackupRef: backupRef,
	})
	return fmt.Sprintf("applied %s (%s -> %s)", changeID, beforeHash, afterSnap.hash), nil
}

// rollback restores the snapshot backed up under changeID as a new forward
// change.
func (a *AdminService) rollback(channel, senderID, raw, changeID string, dryRun bool) (string, error) {
	record, err := a.findAudit(changeID)
	if err != nil {
		return "", err
	}
	if record == nil || record.BackupRef == "" {
		return fmt.Sprintf("no backup found for change %s", changeID), nil
	}
	backup, err := os.ReadFile(filepath.Join(a.backupDir, record.BackupRef))
	if err != nil {
		return "", fmt.Errorf("read backup: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	beforeHash := a.engine.Hash()
	beforeRaw := a.engine.snapshot().raw
	afterSnap, err := buildSnapshot(backup)
	if err != nil {
		return "rollback rejected: " + err.Error(), nil
	}

	newChangeID := uuid.NewString()
	if dryRun {
		a.appendAudit(AuditRecord{
			ID: newChangeID, Timestamp: time.Now().UTC(),
			ActorSource: channel, ActorID: senderID, Channel: channel,
			CommandRaw: raw, DryRun: true, Result: "dry_run_rollback",
			BeforeHash: beforeHash, AfterHash: afterSnap.hash,
		})
		return fmt.Sprintf("dry-run rollback: %s -> %s", beforeHash, afterSnap.hash), nil
	}

	backupRef := newChangeID + ".json"
	if err := os.WriteFile(filepath.Join(a.backupDir, backupRef), beforeRaw, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := a.writePolicyFile(backup); err != nil {
		return "", err
	}
	a.engine.current.Store(afterSnap)
	a.engine.recordFileMeta()

	a.appendAudit(AuditRecord{
		ID: newChangeID, Timestamp: time.Now().UTC(),
		ActorSource: channel, ActorID: senderID, Channel: channel,
		CommandRaw: raw, Result: "rolled_back:" + changeID,
		BeforeHash: beforeHash, AfterHash: afterSnap.hash,
		BackupRef: backupRef,
	})
	return fmt.Sprintf("rolled back %s as %s (%s -> %s)", changeID, newChangeID, beforeHash, afterSnap.hash), nil
}

// writePolicyFile persists via temp-file + rename in the policy directory.
func (a *AdminService) writePolicyFile(data []byte) error {
	dir := filepath.Dir(a.engine.path)
	tmp, err := os.CreateTemp(dir, ".policy-*.json")
	if err != nil {
		return fmt.Errorf("create temp policy: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp policy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, a.engine.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace policy file: %w", err)
	}
	return nil
}

func (a *AdminService) appendAudit(rec AuditRecord) {
	f, err := os.OpenFile(a.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		L_error("policy admin: audit open failed", "error", err)
		return
	}
	defer f.Close()
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f.Write(append(line, '\n'))
}

func (a *AdminService) readAudit() ([]AuditRecord, error) {
	data, err := os.ReadFile(a.auditPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []AuditRecord
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (a *AdminService) findAudit(changeID string) (*AuditRecord, error) {
	records, err := a.readAudit()
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].ID == changeID {
			return &records[i], nil
		}
	}
	return nil, nil
}

func (a *AdminService) historyText(limit int) (string, error) {
	records, err := a.readAudit()
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "no policy changes recorded", nil
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	var sb strings.Builder
	for _, r := range records {
		fmt.Fprintf(&sb, "%s %s %s %s (%s -> %s)\n",
			r.Timestamp.Format(time.RFC3339), r.ID[:8], r.Result, r.CommandRaw, r.BeforeHash, r.AfterHash)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (a *AdminService) listGroupsText(ctx context.Context, query string) (string, error) {
	if a.listGroups == nil {
		return "group directory unavailable on this channel", nil
	}
	groups, err := a.listGroups(ctx)
	if err != nil {
		return "group listing failed: " + err.Error(), nil
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	var sb strings.Builder
	for _, g := range groups {
		if query != "" && !strings.Contains(strings.ToLower(g.Name), query) {
			continue
		}
		fmt.Fprintf(&sb, "%s  %s\n", g.ID, g.Name)
	}
	if sb.Len() == 0 {
		return "no groups matched", nil
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (a *AdminService) resolveGroupText(ctx context.Context, nameOrID string) (string, error) {
	if a.listGroups == nil {
		return "group directory unavailable on this channel", nil
	}
	groups, err := a.listGroups(ctx)
	if err != nil {
		return "group listing failed: " + err.Error(), nil
	}
	needle := strings.ToLower(nameOrID)
	for _, g := range groups {
		if g.ID == nameOrID || strings.ToLower(g.Name) == needle {
			return fmt.Sprintf("%s  %s", g.ID, g.Name), nil
		}
	}
	for _, g := range groups {
		if strings.Contains(strings.ToLower(g.Name), needle) {
			return fmt.Sprintf("%s  %s", g.ID, g.Name), nil
		}
	}
	return fmt.Sprintf("no group matched %q", nameOrID), nil
}

func (a *AdminService) helpText() string {
	return strings.TrimSpace(`
policy commands (owner DM only):
  /policy list-groups [query]
  /policy resolve-group <name|id>
  /policy status-group <chat_id>
  /policy explain-group <chat_id>
  /policy allow-group <chat_id> [--dry-run]
  /policy block-group <chat_id> [--dry-run]
  /policy set-when <chat_id> <mode> [--dry-run]
  /policy set-persona <chat_id> <path> [--dry-run]
  /policy clear-persona <chat_id> [--dry-run]
  /policy block-sender <chat_id> <sender>
  /policy unblock-sender <chat_id> <sender>
  /policy list-blocked <chat_id>
  /policy history [limit]
  /policy rollback <change_id> [--confirm] [--dry-run]
other: /reset clears this chat's history, /panic drains and shuts down`)
}

// allowCall enforces the per-owner rolling-minute rate limit.
func (a *AdminService) allowCall(channel, senderID string) bool {
	limit := a.engine.Runtime().AdminRateLimit()
	key := channel + ":" + senderID
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	a.mu.Lock()
	defer a.mu.Unlock()
	recent := a.calls[key][:0]
	for _, t := range a.calls[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= limit {
		a.calls[key] = recent
		return false
	}
	a.calls[key] = append(recent, now)
	return true
}

func extractDryRun(args []string) ([]string, bool) {
	return extractFlag(args, "--dry-run")
}

func extractFlag(args []string, flag string) ([]string, bool) {
	out := make([]string, 0, len(args))
	found := false
	for _, a := range args {
		if a == flag {
			found = true
			continue
		}
		out = append(out, a)
	}
	return out, found
}

var errUnterminatedQuote = errors.New("unterminated quote")

// tokenize splits a command shell-style: whitespace separated with single
// and double quoted arguments.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote rune

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, errUnterminatedQuote
	}
	flush()
	if len(tokens) == 0 {
		return nil, errors.New("empty command")
	}
	return tokens, nil
}
