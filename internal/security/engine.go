package security

import (
	"encoding/json"
	"sort"
)

// Decision is the outcome of evaluating one stage against one payload.
type Decision struct {
	Blocked   bool
	BlockRule string
	Sanitized string
	Redacted  bool
	Flags     []string
}

// Engine evaluates ordered rules per stage. Rules are compiled once at
// construction.
type Engine struct {
	byStage map[Stage][]Rule
}

// NewEngine builds an engine over the curated default rule set.
func NewEngine() *Engine {
	return NewEngineWithRules(defaultRules)
}

// NewEngineWithRules builds an engine over an explicit rule set. Evaluation
// order is rule id order within each stage.
func NewEngineWithRules(rules []Rule) *Engine {
	byStage := make(map[Stage][]Rule)
	for _, r := range rules {
		byStage[r.Stage] = append(byStage[r.Stage], r)
	}
	for stage := range byStage {
		sort.Slice(byStage[stage], func(i, j int) bool {
			return byStage[stage][i].ID < byStage[stage][j].ID
		})
	}
	return &Engine{byStage: byStage}
}

// CheckInput runs the input stage against raw message text.
func (e *Engine) CheckInput(text string) Decision {
	return e.evaluate(StageInput, Normalize(text))
}

// CheckTool runs the tool stage against the serialized arguments of a tool
// call.
func (e *Engine) CheckTool(toolName string, args map[string]any) Decision {
	payload, err := json.Marshal(args)
	if err != nil {
		payload = []byte{}
	}
	norm := Normalize(toolName + " " + string(payload))
	return e.evaluate(StageTool, norm)
}

// CheckOutput runs the output stage against responder text. Redactions are
// applied to the returned Sanitized text.
func (e *Engine) CheckOutput(text string) Decision {
	return e.evaluate(StageOutput, NormalizedText{Original: text, Lowered: text, Compact: text})
}

func (e *Engine) evaluate(stage Stage, norm NormalizedText) Decision {
	d := Decision{Sanitized: norm.Original}
	for _, r := range e.byStage[stage] {
		matched := r.Pattern.MatchString(norm.Lowered) ||
			(r.UseCompact && r.Pattern.MatchString(norm.Compact))
		if stage == StageOutput {
			matched = r.Pattern.MatchString(d.Sanitized)
		}
		if !matched {
			continue
		}
		switch r.Action {
		case ActionBlock:
			d.Blocked = true
			d.BlockRule = r.ID
			return d
		case ActionRedact:
			replacement := r.Replacement
			if replacement == "" {
				replacement = redactedPlaceholder
			}
			d.Sanitized = r.Pattern.ReplaceAllString(d.Sanitized, replacement)
			d.Redacted = true
		case ActionFlag:
			d.Flags = append(d.Flags, r.ID)
		}
	}
	return d
}
