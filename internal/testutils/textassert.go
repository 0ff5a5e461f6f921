package testutils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
)

// TestingT is the subset of testing.T the matchers report through.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// Normalizer rewrites CLI output before it is compared.
type Normalizer func(string) string

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// StripANSI removes terminal color sequences so colored state names compare
// equal to their plain form.
func StripANSI(s string) string { return ansiSequence.ReplaceAllString(s, "") }

// TrimOutput drops leading and trailing blank space of the whole output.
func TrimOutput(s string) string { return strings.TrimSpace(s) }

// TrimLineEnds drops trailing blanks left by tabwriter padding.
func TrimLineEnds(s string) string {
	return mapLines(s, func(line string) (string, bool) {
		return strings.TrimRight(line, " \t"), true
	})
}

// DropBlankLines removes lines holding only whitespace.
func DropBlankLines(s string) string {
	return mapLines(s, func(line string) (string, bool) {
		return line, strings.TrimSpace(line) != ""
	})
}

func mapLines(s string, fn func(string) (string, bool)) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if mapped, keep := fn(line); keep {
			out = append(out, mapped)
		}
	}
	return strings.Join(out, "\n")
}

// OutputMatcher compares command output against a golden text and reports a
// unified diff on mismatch.
type OutputMatcher struct {
	t           TestingT
	normalizers []Normalizer
	colored     bool
}

// NewOutputMatcher applies StripANSI followed by the given normalizers.
func NewOutputMatcher(t TestingT, normalizers ...Normalizer) *OutputMatcher {
	return &OutputMatcher{
		t:           t,
		normalizers: append([]Normalizer{StripANSI}, normalizers...),
	}
}

// Raw disables every normalizer, including StripANSI.
func (m *OutputMatcher) Raw() *OutputMatcher {
	m.normalizers = nil
	return m
}

// Colored paints the reported diff.
func (m *OutputMatcher) Colored() *OutputMatcher {
	m.colored = true
	return m
}

func (m *OutputMatcher) Match(actual, expected string) {
	got, want := m.apply(actual), m.apply(expected)
	if got == want {
		return
	}

	edits := myers.ComputeEdits("", want, got)
	report := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	if m.colored {
		report = paintDiff(report)
	}
	m.t.Errorf("output mismatch:\n%s", report)
}

func (m *OutputMatcher) apply(s string) string {
	for _, n := range m.normalizers {
		s = n(s)
	}
	return s
}

// paintDiff colors a unified diff; changed lines show blanks as glyphs since
// column alignment is what table output diffs are usually about.
func paintDiff(diff string) string {
	styles := map[byte]*color.Color{
		'@': color.New(color.FgCyan),
		'-': color.New(color.FgRed),
		'+': color.New(color.FgGreen),
	}
	header := color.New(color.FgYellow)
	header.EnableColor()
	for _, c := range styles {
		c.EnableColor()
	}

	glyphs := strings.NewReplacer(" ", "·", "\t", "→")
	return mapLines(diff, func(line string) (string, bool) {
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ") {
			return header.Sprint(line), true
		}
		if line == "" {
			return line, true
		}
		c, ok := styles[line[0]]
		switch {
		case !ok:
			return line, true
		case line[0] == '@':
			return c.Sprint(line), true
		default:
			return c.Sprint(glyphs.Replace(line)), true
		}
	})
}
