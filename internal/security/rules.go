package security

import "regexp"

// Stage identifies where a rule applies.
type Stage string

const (
	StageInput  Stage = "input"
	StageTool   Stage = "tool"
	StageOutput Stage = "output"
)

// Action is what a matching rule does. A block halts the stage; redact
// accumulates text replacements; flag records telemetry and passes through.
type Action string

const (
	ActionBlock  Action = "block"
	ActionRedact Action = "redact"
	ActionFlag   Action = "flag"
)

// Rule is one compiled matcher. UseCompact additionally matches against the
// separator-stripped view to catch split-token bypasses.
type Rule struct {
	ID          string
	Stage       Stage
	Pattern     *regexp.Regexp
	Action      Action
	Replacement string
	UseCompact  bool
}

const redactedPlaceholder = "[REDACTED]"

// defaultRules is the curated rule set, ordered by id within each stage.
var defaultRules = []Rule{
	// input: instruction override and jailbreak attempts
	{ID: "input-010-override", Stage: StageInput, Action: ActionBlock, UseCompact: true,
		Pattern: regexp.MustCompile(`(?i)\b(ignore|forget|disregard)\b.{0,30}\b(instruction|system|rule)s?\b`)},
	{ID: "input-011-jailbreak", Stage: StageInput, Action: ActionBlock, UseCompact: true,
		Pattern: regexp.MustCompile(`(?i)\b(jailbreak|dan mode|developer mode)\b`)},
	// input: credential exfiltration
	{ID: "input-020-exfil", Stage: StageInput, Action: ActionBlock,
		Pattern: regexp.MustCompile(`(?i)\b(api\s*key|token|secret|credential)s?\b.{0,40}\b(show|print|dump|reveal|leak|export)\b`)},
	{ID: "input-021-exfil-files", Stage: StageInput, Action: ActionBlock,
		Pattern: regexp.MustCompile(`(?i)\b(cat|read|print)\b.{0,20}(\.env\b|id_rsa\b|authorized_keys\b|/etc/passwd\b|/etc/shadow\b)`)},
	// input: tool approval bypass
	{ID: "input-030-tool-abuse", Stage: StageInput, Action: ActionBlock,
		Pattern: regexp.MustCompile(`(?i)\b(always\s+allow|auto\s*approve|skip\s+approval|no\s+approval)\b`)},
	{ID: "input-031-pipe-shell", Stage: StageInput, Action: ActionBlock,
		Pattern: regexp.MustCompile(`(?i)\b(curl|wget)\b.{0,20}\|\s*(bash|sh)\b`)},
	// input: suspicious but not blocking
	{ID: "input-090-bypass-signal", Stage: StageInput, Action: ActionFlag,
		Pattern: regexp.MustCompile(`(?i)\b(bypass|override)\b.{0,20}\b(safety|security|guardrail)s?\b`)},

	// tool: sensitive paths in any argument payload
	{ID: "tool-010-sensitive-path", Stage: StageTool, Action: ActionBlock,
		Pattern: regexp.MustCompile(`(?i)(\.env\b|id_rsa\b|id_ed25519\b|authorized_keys\b|/etc/passwd\b|/etc/shadow\b|\.ssh/|\.aws/)`)},
	// tool: destructive exec
	{ID: "tool-020-exec-destructive", Stage: StageTool, Action: ActionBlock,
		Pattern: regexp.MustCompile(`(?i)(\brm\s+-[rf]{1,2}\b|\bmkfs\b|\bdd\s+if=|:\s*\(\)\s*\{)`)},
	{ID: "tool-021-exec-pipe-shell", Stage: StageTool, Action: ActionBlock,
		Pattern: regexp.MustCompile(`(?i)\b(curl|wget)\b.{0,25}\|\s*(bash|sh)\b`)},
	// tool: privilege escalation signals
	{ID: "tool-090-exec-priv", Stage: StageTool, Action: ActionFlag,
		Pattern: regexp.MustCompile(`(?i)(chmod\s+777|\bsudo\b|--privileged\b)`)},

	// output: secret material is redacted
	{ID: "output-010-openai-key", Stage: StageOutput, Action: ActionRedact,
		Pattern: regexp.MustCompile(`sk-(proj-)?[a-zA-Z0-9\-_]{20,}`)},
	{ID: "output-011-aws-key", Stage: StageOutput, Action: ActionRedact,
		Pattern: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{ID: "output-012-github-token", Stage: StageOutput, Action: ActionRedact,
		Pattern: regexp.MustCompile(`ghp_[a-zA-Z0-9]{20,}`)},
	{ID: "output-013-telegram-token", Stage: StageOutput, Action: ActionRedact,
		Pattern: regexp.MustCompile(`bot\d{8,10}:[a-zA-Z0-9_-]{20,}`)},
	{ID: "output-014-bearer", Stage: StageOutput, Action: ActionRedact,
		Pattern: regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`)},
	{ID: "output-015-private-key", Stage: StageOutput, Action: ActionRedact,
		Pattern: regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----[\s\S]*?-----END (RSA |EC |OPENSSH )?PRIVATE KEY-----`)},
}
