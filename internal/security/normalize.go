// Package security implements the three-stage rule engine applied to input
// text, tool-call arguments, and output text.
package security

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidth lists characters stripped before matching: zero width space,
// non-joiner, joiner, BOM, word joiner, soft hyphen.
var zeroWidth = map[rune]bool{
	'\u200b': true,
	'\u200c': true,
	'\u200d': true,
	'\ufeff': true,
	'\u2060': true,
	'\u00ad': true,
}

var (
	wsRun        = regexp.MustCompile(`\s+`)
	separatorRun = regexp.MustCompile("[\\s\\-+_`'\".,:;|/\\\\]+")
)

// NormalizedText holds precomputed views of one text payload.
type NormalizedText struct {
	Original string
	Lowered  string
	Compact  string
}

// Normalize reduces simple obfuscation tricks before matching: NFKC
// canonicalization, zero-width character removal, whitespace collapsing, a
// lowercase view, and a compact view without separators for split-token
// bypasses.
func Normalize(text string) NormalizedText {
	normalized := norm.NFKC.String(text)
	var sb strings.Builder
	sb.Grow(len(normalized))
	for _, r := range normalized {
		if !zeroWidth[r] {
			sb.WriteRune(r)
		}
	}
	collapsed := strings.TrimSpace(wsRun.ReplaceAllString(sb.String(), " "))
	lowered := strings.ToLower(collapsed)
	compact := separatorRun.ReplaceAllString(lowered, "")
	return NormalizedText{Original: text, Lowered: lowered, Compact: compact}
}
