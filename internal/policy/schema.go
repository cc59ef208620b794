// Package policy implements the hot-reloadable access-control engine:
// who may talk, when to reply, which tools, which persona, per channel and
// per chat.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"dario.cat/mergo"
)

// SchemaVersion is the supported policy file version.
const SchemaVersion = 2

// Spec is the root policy document. Unknown keys are rejected at every
// nesting level when parsing.
type Spec struct {
	Version  int                     `json:"version"`
	Owners   map[string][]string     `json:"owners,omitempty"`
	Runtime  RuntimeSpec             `json:"runtime"`
	Defaults *LevelSpec              `json:"defaults,omitempty"`
	Channels map[string]*ChannelSpec `json:"channels,omitempty"`
}

// RuntimeSpec controls policy-engine behavior itself.
type RuntimeSpec struct {
	ReloadOnChange              *bool    `json:"reloadOnChange,omitempty"`
	ReloadCheckIntervalSeconds  *float64 `json:"reloadCheckIntervalSeconds,omitempty"`
	AdminCommandRateLimitPerMin *int     `json:"adminCommandRateLimitPerMinute,omitempty"`
	AdminRequireConfirmForRisky *bool    `json:"adminRequireConfirmForRisky,omitempty"`
}

// ChannelSpec holds a channel's default level plus per-chat overrides.
type ChannelSpec struct {
	Default *LevelSpec            `json:"default,omitempty"`
	Chats   map[string]*LevelSpec `json:"chats,omitempty"`
}

// LevelSpec is one partial policy level. A set field fully replaces the
// value inherited from less specific levels; list fields replace wholesale.
type LevelSpec struct {
	Comment        *string             `json:"comment,omitempty"`
	WhoCanTalk     *WhoCanTalkSpec     `json:"whoCanTalk,omitempty"`
	WhenToReply    *WhenToReplySpec    `json:"whenToReply,omitempty"`
	BlockedSenders *BlockedSendersSpec `json:"blockedSenders,omitempty"`
	AllowedTools   *AllowedToolsSpec   `json:"allowedTools,omitempty"`
	PersonaFile    *string             `json:"personaFile,omitempty"`
	Voice          *VoiceSpec          `json:"voice,omitempty"`
}

type WhoCanTalkSpec struct {
	Mode    string   `json:"mode,omitempty"`
	Senders []string `json:"senders,omitempty"`
}

type WhenToReplySpec struct {
	Mode    string   `json:"mode,omitempty"`
	Senders []string `json:"senders,omitempty"`
}

type BlockedSendersSpec struct {
	Senders []string `json:"senders,omitempty"`
}

type AllowedToolsSpec struct {
	Mode  string   `json:"mode,omitempty"`
	Tools []string `json:"tools,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

type VoiceSpec struct {
	Input  *VoiceInputSpec  `json:"input,omitempty"`
	Output *VoiceOutputSpec `json:"output,omitempty"`
}

type VoiceInputSpec struct {
	WakePhrases []string `json:"wakePhrases,omitempty"`
}

type VoiceOutputSpec struct {
	Mode         string `json:"mode,omitempty"`
	Voice        string `json:"voice,omitempty"`
	MaxSentences int    `json:"maxSentences,omitempty"`
	MaxChars     int    `json:"maxChars,omitempty"`
}

var (
	whoCanTalkModes  = map[string]bool{"everyone": true, "allowlist": true, "owner_only": true}
	whenToReplyModes = map[string]bool{"all": true, "off": true, "mention_only": true, "allowed_senders": true, "owner_only": true}
	allowedToolModes = map[string]bool{"all": true, "allowlist": true}
	voiceOutputModes = map[string]bool{"text": true, "in_kind": true, "always": true, "off": true}
)

// Parse decodes and validates a policy document. Unknown keys anywhere in
// the tree fail the parse.
func Parse(data []byte) (*Spec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("policy parse: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Serialize renders a spec back to canonical indented JSON.
func Serialize(spec *Spec) ([]byte, error) {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("policy serialize: %w", err)
	}
	return append(data, '\n'), nil
}

// Validate checks version and mode enums at every level.
func (s *Spec) Validate() error {
	if s.Version != SchemaVersion {
		return fmt.Errorf("policy version %d unsupported (want %d)", s.Version, SchemaVersion)
	}
	if s.Defaults != nil {
		if err := s.Defaults.validate("defaults"); err != nil {
			return err
		}
	}
	for channel, cs := range s.Channels {
		if cs == nil {
			continue
		}
		if cs.Default != nil {
			if err := cs.Default.validate("channels." + channel + ".default"); err != nil {
				return err
			}
		}
		for chat, level := range cs.Chats {
			if level == nil {
				continue
			}
			if err := level.validate("channels." + channel + ".chats." + chat); err != nil {
				return err
			}
		}
	}
	if iv := s.Runtime.ReloadCheckIntervalSeconds; iv != nil && *iv < 0.1 {
		return fmt.Errorf("runtime.reloadCheckIntervalSeconds below floor 0.1")
	}
	if rl := s.Runtime.AdminCommandRateLimitPerMin; rl != nil && *rl < 1 {
		return fmt.Errorf("runtime.adminCommandRateLimitPerMinute must be >= 1")
	}
	return nil
}

func (l *LevelSpec) validate(path string) error {
	if l.WhoCanTalk != nil && l.WhoCanTalk.Mode != "" && !whoCanTalkModes[l.WhoCanTalk.Mode] {
		return fmt.Errorf("%s.whoCanTalk.mode: invalid mode %q", path, l.WhoCanTalk.Mode)
	}
	if l.WhenToReply != nil && l.WhenToReply.Mode != "" && !whenToReplyModes[l.WhenToReply.Mode] {
		return fmt.Errorf("%s.whenToReply.mode: invalid mode %q", path, l.WhenToReply.Mode)
	}
	if l.AllowedTools != nil && l.AllowedTools.Mode != "" && !allowedToolModes[l.AllowedTools.Mode] {
		return fmt.Errorf("%s.allowedTools.mode: invalid mode %q", path, l.AllowedTools.Mode)
	}
	if l.Voice != nil && l.Voice.Output != nil && l.Voice.Output.Mode != "" && !voiceOutputModes[l.Voice.Output.Mode] {
		return fmt.Errorf("%s.voice.output.mode: invalid mode %q", path, l.Voice.Output.Mode)
	}
	return nil
}

// Effective is a fully resolved policy level: the builtin baseline with all
// applicable levels overlaid.
type Effective struct {
	WhoCanTalkMode     string
	WhoCanTalkSenders  []string
	WhenToReplyMode    string
	WhenToReplySenders []string
	BlockedSenders     []string
	AllowedToolsMode   string
	AllowedToolsTools  []string
	AllowedToolsDeny   []string
	PersonaFile        string
	WakePhrases        []string
	VoiceOutputMode    string
	VoiceName          string
	VoiceMaxSentences  int
	VoiceMaxChars      int
}

// builtinLevel is the baseline below defaults: conservative tool access and
// mention-only group behavior come from channel defaults in DefaultSpec, not
// from here.
func builtinLevel() *LevelSpec {
	return &LevelSpec{
		WhoCanTalk:     &WhoCanTalkSpec{Mode: "everyone", Senders: []string{}},
		WhenToReply:    &WhenToReplySpec{Mode: "all", Senders: []string{}},
		BlockedSenders: &BlockedSendersSpec{Senders: []string{}},
		AllowedTools:   &AllowedToolsSpec{Mode: "all", Tools: []string{}, Deny: []string{}},
		Voice: &VoiceSpec{
			Input:  &VoiceInputSpec{WakePhrases: []string{}},
			Output: &VoiceOutputSpec{Mode: "text", Voice: "alloy", MaxSentences: 2, MaxChars: 150},
		},
	}
}

// mergeLevels overlays the given levels (least to most specific) onto the
// builtin baseline. Struct sections deep-merge per field; list fields are
// replaced wholesale by the most specific level that sets them.
func mergeLevels(levels ...*LevelSpec) (*Effective, error) {
	merged := builtinLevel()
	for _, level := range levels {
		if level == nil {
			continue
		}
		if err := mergo.Merge(merged, *level, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("policy merge: %w", err)
		}
		overrideLists(merged, level)
	}

	eff := &Effective{
		WhoCanTalkMode:     merged.WhoCanTalk.Mode,
		WhoCanTalkSenders:  merged.WhoCanTalk.Senders,
		WhenToReplyMode:    merged.WhenToReply.Mode,
		WhenToReplySenders: merged.WhenToReply.Senders,
		BlockedSenders:     merged.BlockedSenders.Senders,
		AllowedToolsMode:   merged.AllowedTools.Mode,
		AllowedToolsTools:  merged.AllowedTools.Tools,
		AllowedToolsDeny:   merged.AllowedTools.Deny,
		WakePhrases:        merged.Voice.Input.WakePhrases,
		VoiceOutputMode:    merged.Voice.Output.Mode,
		VoiceName:          merged.Voice.Output.Voice,
		VoiceMaxSentences:  merged.Voice.Output.MaxSentences,
		VoiceMaxChars:      merged.Voice.Output.MaxChars,
	}
	if merged.PersonaFile != nil {
		eff.PersonaFile = *merged.PersonaFile
	}
	if eff.VoiceOutputMode == "off" {
		eff.VoiceOutputMode = "text"
	}
	return eff, nil
}

// overrideLists copies every list field src sets over the merge result.
// mergo skips empty values, but a set-but-empty list must still replace the
// inherited one: a decoded [] is a non-nil empty slice, an absent key is nil.
// The dst sections are always non-nil, builtinLevel fills them all in.
func overrideLists(dst, src *LevelSpec) {
	if src.WhoCanTalk != nil && src.WhoCanTalk.Senders != nil {
		dst.WhoCanTalk.Senders = append([]string{}, src.WhoCanTalk.Senders...)
	}
	if src.WhenToReply != nil && src.WhenToReply.Senders != nil {
		dst.WhenToReply.Senders = append([]string{}, src.WhenToReply.Senders...)
	}
	if src.BlockedSenders != nil && src.BlockedSenders.Senders != nil {
		dst.BlockedSenders.Senders = append([]string{}, src.BlockedSenders.Senders...)
	}
	if src.AllowedTools != nil {
		if src.AllowedTools.Tools != nil {
			dst.AllowedTools.Tools = append([]string{}, src.AllowedTools.Tools...)
		}
		if src.AllowedTools.Deny != nil {
			dst.AllowedTools.Deny = append([]string{}, src.AllowedTools.Deny...)
		}
	}
	if src.Voice != nil && src.Voice.Input != nil && src.Voice.Input.WakePhrases != nil {
		dst.Voice.Input.WakePhrases = append([]string{}, src.Voice.Input.WakePhrases...)
	}
}

// DefaultSpec returns the builtin policy document written on first run:
// conservative tool allowlist everywhere, mention-only replies in the chat
// channels.
func DefaultSpec() *Spec {
	mentionOnly := func() *LevelSpec {
		return &LevelSpec{WhenToReply: &WhenToReplySpec{Mode: "mention_only", Senders: []string{}}}
	}
	return &Spec{
		Version: SchemaVersion,
		Owners:  map[string][]string{"whatsapp": {}, "telegram": {}, "discord": {}, "feishu": {}},
		Defaults: &LevelSpec{
			AllowedTools: &AllowedToolsSpec{
				Mode:  "allowlist",
				Tools: []string{"list_dir", "read_file", "web_search", "web_fetch"},
				Deny:  []string{},
			},
		},
		Channels: map[string]*ChannelSpec{
			"whatsapp": {Default: mentionOnly()},
			"telegram": {Default: mentionOnly()},
			"discord":  {Default: mentionOnly()},
			"feishu":   {Default: mentionOnly()},
		},
	}
}

// Runtime getters with defaults.

func (r RuntimeSpec) ReloadEnabled() bool {
	if r.ReloadOnChange == nil {
		return true
	}
	return *r.ReloadOnChange
}

func (r RuntimeSpec) ReloadInterval() float64 {
	if r.ReloadCheckIntervalSeconds == nil {
		return 1.0
	}
	if *r.ReloadCheckIntervalSeconds < 0.1 {
		return 0.1
	}
	return *r.ReloadCheckIntervalSeconds
}

func (r RuntimeSpec) AdminRateLimit() int {
	if r.AdminCommandRateLimitPerMin == nil {
		return 30
	}
	return *r.AdminCommandRateLimitPerMin
}

func (r RuntimeSpec) RequireConfirmForRisky() bool {
	return r.AdminRequireConfirmForRisky != nil && *r.AdminRequireConfirmForRisky
}
