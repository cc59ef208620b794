package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/types"
)

// AllTools is the tool universe used when allowedTools.mode is "all".
var AllTools = []string{
	"list_dir", "read_file", "write_file", "edit_file",
	"web_search", "web_fetch", "exec", "spawn",
}

// compiled is one resolved (channel, chat) policy with pre-normalized
// sender sets.
type compiled struct {
	effective   *Effective
	whoSenders  map[string]bool
	whenSenders map[string]bool
	blocked     map[string]bool
	wakePhrases []string
}

// snapshot is an immutable parsed policy tree plus its compiled caches.
// Readers obtain it through an atomic pointer and never observe a partial
// policy.
type snapshot struct {
	spec   *Spec
	raw    []byte
	hash   string
	owners map[string]map[string]bool

	mu    sync.Mutex
	cache map[string]*compiled
}

// Engine evaluates policy and hot-reloads the backing file.
type Engine struct {
	path    string
	current atomic.Pointer[snapshot]

	probeMu  sync.Mutex
	lastMod  time.Time
	lastSize int64
}

// NewEngine loads the policy file at path, writing the default document when
// the file does not exist.
func NewEngine(path string) (*Engine, error) {
	e := &Engine{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		data, err = Serialize(DefaultSpec())
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return nil, fmt.Errorf("write default policy: %w", err)
		}
		L_info("policy: wrote default policy file", "path", path)
	} else if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}

	snap, err := buildSnapshot(data)
	if err != nil {
		return nil, err
	}
	e.current.Store(snap)
	e.recordFileMeta()
	return e, nil
}

func buildSnapshot(data []byte) (*snapshot, error) {
	spec, err := Parse(data)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	snap := &snapshot{
		spec:   spec,
		raw:    data,
		hash:   hex.EncodeToString(sum[:8]),
		owners: make(map[string]map[string]bool),
		cache:  make(map[string]*compiled),
	}
	for channel, owners := range spec.Owners {
		snap.owners[channel] = normalizeSenderSet(channel, owners)
	}
	return snap, nil
}

func (e *Engine) snapshot() *snapshot { return e.current.Load() }

// Hash returns the short content hash of the active policy.
func (e *Engine) Hash() string { return e.snapshot().hash }

// Spec returns the active parsed policy tree. Callers must not mutate it.
func (e *Engine) Spec() *Spec { return e.snapshot().spec }

// Runtime returns the active runtime section.
func (e *Engine) Runtime() RuntimeSpec { return e.snapshot().spec.Runtime }

// IsOwner reports whether the sender is listed in owners[channel] under any
// canonical form.
func (e *Engine) IsOwner(channel, senderID string) bool {
	owners := e.snapshot().owners[channel]
	return senderMatches(Actor{Channel: channel, SenderID: senderID}, owners)
}

// Owners returns the configured owner ids for a channel.
func (e *Engine) Owners(channel string) []string {
	spec := e.snapshot().spec
	out := make([]string, len(spec.Owners[channel]))
	copy(out, spec.Owners[channel])
	return out
}

func (s *snapshot) resolve(channel, chatID string) (*compiled, error) {
	key := channel + "\x00" + chatID
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cache[key]; ok {
		return c, nil
	}

	levels := []*LevelSpec{s.spec.Defaults}
	if cs := s.spec.Channels[channel]; cs != nil {
		levels = append(levels, cs.Default)
		if chat := cs.Chats[chatID]; chat != nil {
			levels = append(levels, chat)
		}
	}
	eff, err := mergeLevels(levels...)
	if err != nil {
		return nil, err
	}
	c := &compiled{
		effective:   eff,
		whoSenders:  normalizeSenderSet(channel, eff.WhoCanTalkSenders),
		whenSenders: normalizeSenderSet(channel, eff.WhenToReplySenders),
		blocked:     normalizeSenderSet(channel, eff.BlockedSenders),
		wakePhrases: eff.WakePhrases,
	}
	s.cache[key] = c
	return c, nil
}

// Evaluate produces the deterministic policy decision for one actor.
// Evaluation order: blockedSenders, whoCanTalk, whenToReply, allowedTools,
// personaFile.
func (e *Engine) Evaluate(actor Actor) *types.PolicyDecision {
	snap := e.snapshot()
	c, err := snap.resolve(actor.Channel, actor.ChatID)
	if err != nil {
		L_error("policy: resolve failed", "channel", actor.Channel, "chat", actor.ChatID, "error", err)
		return &types.PolicyDecision{Reason: "policy_resolve_error"}
	}
	eff := c.effective

	if senderMatches(actor, c.blocked) {
		return &types.PolicyDecision{Reason: "blocked_sender", PersonaFile: eff.PersonaFile}
	}

	accepted, acceptReason := e.evalWhoCanTalk(snap, actor, c)
	if !accepted {
		return &types.PolicyDecision{Reason: acceptReason, PersonaFile: eff.PersonaFile}
	}

	respond, replyReason := e.evalWhenToReply(snap, actor, c)
	if !respond {
		return &types.PolicyDecision{
			AcceptMessage: true,
			Reason:        replyReason,
			PersonaFile:   eff.PersonaFile,
		}
	}

	return &types.PolicyDecision{
		AcceptMessage: true,
		ShouldRespond: true,
		AllowedTools:  resolveAllowedTools(eff),
		DeniedTools:   toSet(eff.AllowedToolsDeny),
		PersonaFile:   eff.PersonaFile,
		Reason:        acceptReason + "|" + replyReason,
	}
}

func (e *Engine) evalWhoCanTalk(snap *snapshot, actor Actor, c *compiled) (bool, string) {
	switch c.effective.WhoCanTalkMode {
	case "everyone":
		return true, "who_can_talk:everyone"
	case "allowlist":
		return senderMatches(actor, c.whoSenders), "who_can_talk:allowlist"
	case "owner_only":
		return senderMatches(actor, snap.owners[actor.Channel]), "who_can_talk:owner_only"
	}
	return false, "who_can_talk:unknown_mode:" + c.effective.WhoCanTalkMode
}

func (e *Engine) evalWhenToReply(snap *snapshot, actor Actor, c *compiled) (bool, string) {
	switch c.effective.WhenToReplyMode {
	case "all":
		return true, "when_to_reply:all"
	case "off":
		return false, "when_to_reply:off"
	case "mention_only":
		if !actor.IsGroup {
			return true, "when_to_reply:mention_only_dm"
		}
		if actor.MentionedBot || actor.ReplyToBot {
			return true, "when_to_reply:mention_only_group"
		}
		if actor.Channel == "whatsapp" && transcriptHasWakePhrase(actor.Transcript, c.wakePhrases) {
			return true, "when_to_reply:mention_only_wake_phrase"
		}
		return false, "when_to_reply:mention_only_group"
	case "allowed_senders":
		return senderMatches(actor, c.whenSenders), "when_to_reply:allowed_senders"
	case "owner_only":
		return senderMatches(actor, snap.owners[actor.Channel]), "when_to_reply:owner_only"
	}
	return false, "when_to_reply:unknown_mode:" + c.effective.WhenToReplyMode
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// transcriptHasWakePhrase lowercases and maps non-alphanumerics to spaces on
// both sides, then checks whole-token substring containment.
func transcriptHasWakePhrase(transcript string, phrases []string) bool {
	if transcript == "" || len(phrases) == 0 {
		return false
	}
	haystack := " " + strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(transcript), " ")) + " "
	for _, phrase := range phrases {
		needle := strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(phrase), " "))
		if needle != "" && strings.Contains(haystack, " "+needle+" ") {
			return true
		}
	}
	return false
}

// resolveAllowedTools applies mode, deny list, and the exec/spawn guardrail.
func resolveAllowedTools(eff *Effective) map[string]bool {
	allowed := make(map[string]bool)
	if eff.AllowedToolsMode == "all" {
		for _, t := range AllTools {
			allowed[t] = true
		}
	} else {
		universe := toSet(AllTools)
		for _, t := range eff.AllowedToolsTools {
			t = strings.TrimSpace(t)
			if universe[t] {
				allowed[t] = true
			}
		}
	}
	for _, t := range eff.AllowedToolsDeny {
		delete(allowed, strings.TrimSpace(t))
	}
	if !allowed["exec"] {
		delete(allowed, "spawn")
	}
	return allowed
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = true
		}
	}
	return set
}

// Explain returns the merged effective policy and a decision trace for one
// actor, for the explain-group admin command and the CLI.
func (e *Engine) Explain(actor Actor) (string, error) {
	snap := e.snapshot()
	c, err := snap.resolve(actor.Channel, actor.ChatID)
	if err != nil {
		return "", err
	}
	eff := c.effective
	decision := e.Evaluate(actor)

	var sb strings.Builder
	fmt.Fprintf(&sb, "policy %s for %s/%s\n", snap.hash, actor.Channel, actor.ChatID)
	fmt.Fprintf(&sb, "  whoCanTalk: %s %v\n", eff.WhoCanTalkMode, eff.WhoCanTalkSenders)
	fmt.Fprintf(&sb, "  whenToReply: %s %v\n", eff.WhenToReplyMode, eff.WhenToReplySenders)
	fmt.Fprintf(&sb, "  blockedSenders: %v\n", eff.BlockedSenders)
	fmt.Fprintf(&sb, "  allowedTools: %s tools=%v deny=%v\n", eff.AllowedToolsMode, eff.AllowedToolsTools, eff.AllowedToolsDeny)
	fmt.Fprintf(&sb, "  personaFile: %s\n", orDash(eff.PersonaFile))
	fmt.Fprintf(&sb, "  voice: output=%s wakePhrases=%v\n", eff.VoiceOutputMode, eff.WakePhrases)
	if actor.SenderID != "" {
		tools := make([]string, 0, len(decision.AllowedTools))
		for t := range decision.AllowedTools {
			tools = append(tools, t)
		}
		sort.Strings(tools)
		fmt.Fprintf(&sb, "  decision for %s: accept=%v respond=%v tools=%v reason=%s\n",
			actor.SenderID, decision.AcceptMessage, decision.ShouldRespond, tools, decision.Reason)
	}
	return sb.String(), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// VoiceFor returns the effective voice settings for a chat.
func (e *Engine) VoiceFor(channel, chatID string) (mode string, maxSentences, maxChars int, voice string) {
	c, err := e.snapshot().resolve(channel, chatID)
	if err != nil {
		return "text", 2, 150, "alloy"
	}
	eff := c.effective
	return eff.VoiceOutputMode, eff.VoiceMaxSentences, eff.VoiceMaxChars, eff.VoiceName
}

func (e *Engine) recordFileMeta() {
	if info, err := os.Stat(e.path); err == nil {
		e.probeMu.Lock()
		e.lastMod = info.ModTime()
		e.lastSize = info.Size()
		e.probeMu.Unlock()
	}
}

// ReloadIfChanged probes the policy file's mtime/size and content hash, and
// atomically swaps in a new snapshot when it parses. A failing parse keeps
// the previous snapshot. Returns true when a new snapshot was installed.
func (e *Engine) ReloadIfChanged() bool {
	info, err := os.Stat(e.path)
	if err != nil {
		return false
	}
	e.probeMu.Lock()
	unchanged := info.ModTime().Equal(e.lastMod) && info.Size() == e.lastSize
	e.probeMu.Unlock()
	if unchanged {
		return false
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		L_warn("policy: reload read failed", "error", err)
		return false
	}
	e.probeMu.Lock()
	e.lastMod = info.ModTime()
	e.lastSize = info.Size()
	e.probeMu.Unlock()

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:8]) == e.snapshot().hash {
		return false
	}

	snap, err := buildSnapshot(data)
	if err != nil {
		L_warn("policy: reload rejected, keeping last good snapshot", "error", err)
		return false
	}
	e.current.Store(snap)
	L_info("policy: reloaded", "hash", snap.hash)
	return true
}

// Watch hot-reloads the policy file until ctx is done, combining fsnotify
// events with a periodic probe at the configured interval.
func (e *Engine) Watch(ctx context.Context) {
	if !e.Runtime().ReloadEnabled() {
		L_debug("policy: reload on change disabled")
		return
	}

	interval := time.Duration(e.Runtime().ReloadInterval() * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		L_warn("policy: fsnotify unavailable, falling back to polling", "error", err)
		watcher = nil
	} else {
		defer watcher.Close()
		// watch the directory: editors replace the file via rename
		if err := watcher.Add(filepath.Dir(e.path)); err != nil {
			L_warn("policy: watch failed, falling back to polling", "error", err)
		}
	}

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ReloadIfChanged()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == e.path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				e.ReloadIfChanged()
			}
		}
	}
}
