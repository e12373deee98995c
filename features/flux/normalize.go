package flux

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/fluxmcp/flux/runtime/ao"
)

// Selection picks which success field carries the canonical payload.
type Selection int

const (
	// PreferOutput uses output.data, falling back to the first message's Data.
	PreferOutput Selection = iota
	// PreferMessage uses the first message's Data, falling back to output.data.
	PreferMessage
)

// ansiPattern matches color/style sequences both raw and as they appear
// inside serialized JSON strings.
var ansiPattern = regexp.MustCompile(`(?:\\u001b|\x1b)\[\d+m`)

// Normalize renders v as display text: JSON with two-space indentation,
// stripped of ANSI color codes, with escaped newlines expanded. A nil value or
// an empty string renders as "".
func Normalize(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok && s == "" {
		return "", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("serialize result: %w", err)
	}
	return Clean(rawLineSeparators(strings.TrimSuffix(buf.String(), "\n"))), nil
}

// rawLineSeparators undoes the encoder's \u2028 and \u2029 escapes. Escaped
// backslashes are copied as pairs so literal text is left alone.
func rawLineSeparators(s string) string {
	if !strings.Contains(s, `\u202`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		switch {
		case strings.HasPrefix(s[i:], `\u2028`):
			b.WriteRune('\u2028')
			i += 5
		case strings.HasPrefix(s[i:], `\u2029`):
			b.WriteRune('\u2029')
			i += 5
		case i+1 < len(s):
			b.WriteString(s[i : i+2])
			i++
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Clean strips ANSI color sequences from text and replaces each literal
// backslash-n with a line break. Clean is idempotent.
func Clean(text string) string {
	for ansiPattern.MatchString(text) {
		text = ansiPattern.ReplaceAllString(text, "")
	}
	return strings.ReplaceAll(text, `\n`, "\n")
}

// NormalizeOutcome renders the canonical payload of an outcome. A Failure
// renders its error value and never looks at success fields. A Success
// with neither output data nor messages yields ao.ErrEmptyOutcome.
func NormalizeOutcome(outcome ao.Outcome, sel Selection) (string, error) {
	switch o := outcome.(type) {
	case ao.Failure:
		return Normalize(o.Error)
	case ao.Success:
		first, second := o.OutputData, o.FirstMessageData
		if sel == PreferMessage {
			first, second = second, first
		}
		if v, ok := first(); ok {
			return Normalize(v)
		}
		if v, ok := second(); ok {
			return Normalize(v)
		}
		return "", ao.ErrEmptyOutcome
	default:
		return "", fmt.Errorf("unexpected outcome %T", outcome)
	}
}
