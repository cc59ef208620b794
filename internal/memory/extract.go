package memory

import (
	"regexp"
	"strings"
)

// Candidate is one proposed memory entry before filtering.
type Candidate struct {
	Kind       string
	Text       string
	Confidence float64
	Salience   float64
}

// Extractor proposes memory candidates from a message text.
type Extractor interface {
	Extract(text string) []Candidate
}

// heuristicPattern maps a lexical cue to a candidate kind with fixed
// confidence/salience. Patterns run against the lowercased text.
type heuristicPattern struct {
	re         *regexp.Regexp
	kind       string
	confidence float64
	salience   float64
}

var heuristicPatterns = []heuristicPattern{
	{regexp.MustCompile(`\bi (really )?(like|love|prefer|enjoy)\b`), KindPreference, 0.8, 0.6},
	{regexp.MustCompile(`\bi (hate|dislike|can't stand)\b`), KindPreference, 0.8, 0.6},
	{regexp.MustCompile(`\bmy favou?rite\b`), KindPreference, 0.8, 0.6},
	{regexp.MustCompile(`\bmy name is\b`), KindSemantic, 0.9, 0.8},
	{regexp.MustCompile(`\bi (live|work|study) (in|at)\b`), KindSemantic, 0.8, 0.7},
	{regexp.MustCompile(`\bmy (birthday|wife|husband|partner|son|daughter|dog|cat)\b`), KindSemantic, 0.7, 0.6},
	{regexp.MustCompile(`\bi('?m| am) allergic to\b`), KindSemantic, 0.9, 0.9},
	{regexp.MustCompile(`\b(we|i) decided\b`), KindDecision, 0.7, 0.7},
	{regexp.MustCompile(`\blet'?s go with\b`), KindDecision, 0.7, 0.7},
	{regexp.MustCompile(`\bfrom now on\b`), KindProcedural, 0.7, 0.7},
	{regexp.MustCompile(`\balways (use|send|reply|call)\b`), KindProcedural, 0.6, 0.6},
	{regexp.MustCompile(`\bnever (use|send|reply|call)\b`), KindProcedural, 0.6, 0.6},
	{regexp.MustCompile(`\bi('?m| am| feel) (so )?(happy|sad|stressed|excited|worried|anxious|angry)\b`), KindEmotional, 0.6, 0.4},
}

// HeuristicExtractor proposes candidates from fixed lexical cues. It is the
// default extractor; an LLM-assisted one can replace it per config.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(text string) []Candidate {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len(trimmed) > 2000 {
		return nil
	}
	lowered := strings.ToLower(trimmed)

	var out []Candidate
	seen := make(map[string]bool)
	for _, p := range heuristicPatterns {
		if !p.re.MatchString(lowered) || seen[p.kind] {
			continue
		}
		seen[p.kind] = true
		out = append(out, Candidate{
			Kind:       p.kind,
			Text:       trimmed,
			Confidence: p.confidence,
			Salience:   p.salience,
		})
	}
	return out
}

// injection lexemes rejected by the anti-injection filter
var injectionRe = regexp.MustCompile(`(?i)(ignore (all )?previous instructions|disregard (the|all) (above|previous)|system prompt|you are now)`)

// FilterOptions controls candidate acceptance.
type FilterOptions struct {
	MinConfidence       float64
	MinSalience         float64
	OwnerOnlyPreference bool
	SenderIsOwner       bool
}

// FilterCandidates drops candidates below the thresholds, candidates that
// carry prompt-injection lexemes, and non-owner semantic/procedural writes
// when the owner-only ACL is on.
func FilterCandidates(candidates []Candidate, opts FilterOptions) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Confidence < opts.MinConfidence || c.Salience < opts.MinSalience {
			continue
		}
		if injectionRe.MatchString(c.Text) {
			continue
		}
		if opts.OwnerOnlyPreference && !opts.SenderIsOwner &&
			(c.Kind == KindSemantic || c.Kind == KindProcedural) {
			continue
		}
		out = append(out, c)
	}
	return out
}
