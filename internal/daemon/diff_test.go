package daemon

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestUnifiedDiffIdenticalTexts(t *testing.T) {
	assert.Empty(t, UnifiedDiff("same\ntext\n", "same\ntext\n"))
}

func TestUnifiedDiffSimpleChange(t *testing.T) {
	before := "alpha\nbravo\ncharlie\n"
	after := "alpha\nBRAVO\ncharlie\n"

	diff := UnifiedDiff(before, after)
	require.NotEmpty(t, diff)
	assert.Contains(t, diff, "@@ -1,3 +1,3 @@")
	assert.Contains(t, diff, "-bravo\n")
	assert.Contains(t, diff, "+BRAVO\n")
	assert.Contains(t, diff, " alpha\n")
	assert.NotContains(t, diff, "---")
	assert.NotContains(t, diff, "+++")
}

func TestUnifiedDiffSeparatesDistantHunks(t *testing.T) {
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = "line"
	}
	before := strings.Join(lines, "\n") + "\n"
	changed := make([]string, 40)
	copy(changed, lines)
	changed[0] = "first"
	changed[39] = "last"
	after := strings.Join(changed, "\n") + "\n"

	diff := UnifiedDiff(before, after)
	assert.Equal(t, 2, strings.Count(diff, "@@ -"))
}

func TestWrapDiffLineLongLines(t *testing.T) {
	long := strings.Repeat("x", 150)
	wrapped := wrapDiffLine('+', long)

	lines := strings.Split(strings.TrimSuffix(wrapped, "\n"), "\n")
	require.Len(t, lines, 3)
	for _, l := range lines {
		assert.Equal(t, byte('+'), l[0])
		assert.LessOrEqual(t, len(l), diffWrapWidth+1)
	}
	var joined strings.Builder
	for _, l := range lines {
		joined.WriteString(l[1:])
	}
	assert.Equal(t, long, joined.String())
}

func TestWrapDiffLineKeepsRunesIntact(t *testing.T) {
	long := strings.Repeat("ü", 150)
	wrapped := wrapDiffLine('-', long)

	lines := strings.Split(strings.TrimSuffix(wrapped, "\n"), "\n")
	require.Len(t, lines, 3)
	var joined strings.Builder
	for _, l := range lines {
		assert.True(t, utf8.ValidString(l), "broken rune in %q", l)
		assert.Equal(t, byte('-'), l[0])
		assert.LessOrEqual(t, utf8.RuneCountInString(l), diffWrapWidth+1)
		joined.WriteString(l[1:])
	}
	assert.Equal(t, long, joined.String())
}

func TestHunkHeadersNeverWrapped(t *testing.T) {
	// A change deep in a long text yields hunk headers with large line
	// numbers; they must stay on one line regardless of body wrapping.
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		sb.WriteString(strings.Repeat("a", 100))
		sb.WriteString("\n")
	}
	before := sb.String()
	after := strings.Replace(before, strings.Repeat("a", 100), "changed", 1)

	for _, line := range strings.Split(UnifiedDiff(before, after), "\n") {
		if strings.HasPrefix(line, "@@") {
			assert.True(t, strings.HasSuffix(line, "@@"), "header %q must not wrap", line)
		}
	}
}

func TestRenderDiffCommentEscapesHTML(t *testing.T) {
	diff := "-<b>old</b>\n+<i>new</i>\n"
	out := RenderDiffComment("<!-- kiln:response -->", "Updated.", diff)

	assert.True(t, strings.HasPrefix(out, "<!-- kiln:response -->"))
	assert.Contains(t, out, "<pre lang=\"diff\">")
	assert.Contains(t, out, "&lt;b&gt;old&lt;/b&gt;")
	assert.NotContains(t, out, "<b>old</b>")
}

func TestRenderDiffCommentWithoutDiff(t *testing.T) {
	out := RenderDiffComment("<!-- kiln:response -->", "Nothing changed.", "")
	assert.NotContains(t, out, "<details>")
}

func TestDiffLinesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gen := rapid.SliceOfN(rapid.StringMatching(`[a-z ]{0,200}`), 0, 30)
		before := strings.Join(gen.Draw(t, "before"), "\n") + "\n"
		after := strings.Join(gen.Draw(t, "after"), "\n") + "\n"

		diff := UnifiedDiff(before, after)
		for _, line := range strings.Split(diff, "\n") {
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "@@") {
				continue
			}
			switch line[0] {
			case '+', '-', ' ':
			default:
				t.Fatalf("diff line has invalid prefix: %q", line)
			}
			if len(line) > diffWrapWidth+1 {
				t.Fatalf("diff line exceeds wrap width: %q", line)
			}
		}
	})
}
