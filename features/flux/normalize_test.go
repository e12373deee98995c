package flux

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/fluxmcp/flux/runtime/ao"
)

func TestCleanProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("ANSI sequences are removed and nothing else changes", prop.ForAll(
		func(parts []string, code int) bool {
			seq := fmt.Sprintf("\x1b[%dm", code)
			return Clean(strings.Join(parts, seq)) == strings.Join(parts, "")
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 107),
	))

	properties.Property("JSON-escaped ANSI sequences are removed", prop.ForAll(
		func(parts []string, code int) bool {
			seq := fmt.Sprintf(`\u001b[%dm`, code)
			return Clean(strings.Join(parts, seq)) == strings.Join(parts, "")
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 107),
	))

	properties.Property("escaped newlines become line breaks", prop.ForAll(
		func(parts []string) bool {
			return Clean(strings.Join(parts, `\n`)) == strings.Join(parts, "\n")
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("clean is idempotent", prop.ForAll(
		func(s string) bool {
			once := Clean(s)
			return Clean(once) == once
		},
		gen.AnyString(),
	))

	properties.Property("normalized strings never contain ANSI sequences", prop.ForAll(
		func(parts []string, code int) bool {
			out, err := Normalize(strings.Join(parts, fmt.Sprintf("\x1b[%dm", code)))
			return err == nil && !ansiPattern.MatchString(out) && !strings.Contains(out, "\x1b")
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 107),
	))

	properties.TestingRun(t)
}

func TestCleanNestedSequences(t *testing.T) {
	t.Parallel()
	require.Equal(t, "ok", Clean("\x1b[\x1b[0m1mok"))
	require.Equal(t, "a\nb", Clean("a\nb"))
	require.Equal(t, "\\\nx", Clean(`\\nx`))
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   any
		want string
	}{
		{name: "nil", in: nil, want: ""},
		{name: "empty string", in: "", want: ""},
		{name: "string is quoted once", in: "2", want: `"2"`},
		{name: "number", in: 2.0, want: "2"},
		{name: "false is not empty", in: false, want: "false"},
		{name: "empty list", in: []any{}, want: "[]"},
		{name: "object is indented", in: map[string]any{"a": 1.0, "b": []any{"x"}}, want: "{\n  \"a\": 1,\n  \"b\": [\n    \"x\"\n  ]\n}"},
		{name: "html is not escaped", in: "<a href='x'>&</a>", want: `"<a href='x'>&</a>"`},
		{name: "colored output", in: "\x1b[32mhello\x1b[0m", want: `"hello"`},
		{name: "embedded newline", in: "line1\nline2", want: "\"line1\nline2\""},
		{name: "escaped newline text", in: `a\nb`, want: "\"a\\\nb\""},
		{name: "line separators stay raw", in: "a\u2028b\u2029c", want: "\"a\u2028b\u2029c\""},
		{name: "literal separator escape text", in: `a\u2028b`, want: `"a\\u2028b"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeUnserializable(t *testing.T) {
	t.Parallel()
	_, err := Normalize(func() {})
	require.Error(t, err)
}

func TestNormalizeOutcome(t *testing.T) {
	t.Parallel()
	output := &ao.Output{Data: "from output", HasData: true}
	messages := []ao.Message{{Data: "from message"}, {Data: "second"}}
	cases := []struct {
		name    string
		outcome ao.Outcome
		sel     Selection
		want    string
		wantErr error
	}{
		{
			name:    "failure",
			outcome: ao.Failure{Error: "syntax error near '+'"},
			want:    `"syntax error near '+'"`,
		},
		{
			name:    "failure wins over output and messages",
			outcome: ao.Failure{Error: map[string]any{"code": 1.0}},
			sel:     PreferMessage,
			want:    "{\n  \"code\": 1\n}",
		},
		{
			name:    "output preferred",
			outcome: ao.Success{Output: output, Messages: messages},
			want:    `"from output"`,
		},
		{
			name:    "falls back to first message",
			outcome: ao.Success{Output: &ao.Output{Prompt: "aos> "}, Messages: messages},
			want:    `"from message"`,
		},
		{
			name:    "message preferred",
			outcome: ao.Success{Output: output, Messages: messages},
			sel:     PreferMessage,
			want:    `"from message"`,
		},
		{
			name:    "message preference falls back to output",
			outcome: ao.Success{Output: output},
			sel:     PreferMessage,
			want:    `"from output"`,
		},
		{
			name:    "explicit null output data renders empty",
			outcome: ao.Success{Output: &ao.Output{HasData: true}, Messages: messages},
			want:    "",
		},
		{
			name:    "neither output nor messages",
			outcome: ao.Success{},
			wantErr: ao.ErrEmptyOutcome,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeOutcome(tc.outcome, tc.sel)
			if tc.wantErr != nil {
				require.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
