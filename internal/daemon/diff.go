package daemon

import (
	"fmt"
	"html"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffWrapWidth is the column at which diff body lines wrap so the
// rendered comment stays readable. Hunk headers are never wrapped.
const diffWrapWidth = 70

// diffContextLines is the context around changed lines in each hunk.
const diffContextLines = 3

type diffLine struct {
	op   byte // ' ', '-', '+'
	text string
}

// UnifiedDiff renders a unified diff between two texts, without the two
// file header lines. Returns "" when the texts are identical.
func UnifiedDiff(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []diffLine
	for _, d := range diffs {
		var op byte
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			op = '-'
		case diffmatchpatch.DiffInsert:
			op = '+'
		default:
			op = ' '
		}
		for _, line := range splitLines(d.Text) {
			ops = append(ops, diffLine{op: op, text: line})
		}
	}
	return renderHunks(ops)
}

func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// renderHunks groups changed lines into hunks with surrounding context
// and emits @@ headers with 1-based line numbers.
func renderHunks(ops []diffLine) string {
	var sb strings.Builder

	// oldLine/newLine track the position of ops[i] in each text.
	oldPos := make([]int, len(ops))
	newPos := make([]int, len(ops))
	oldLine, newLine := 1, 1
	for i, op := range ops {
		oldPos[i] = oldLine
		newPos[i] = newLine
		switch op.op {
		case '-':
			oldLine++
		case '+':
			newLine++
		default:
			oldLine++
			newLine++
		}
	}

	i := 0
	for i < len(ops) {
		if ops[i].op == ' ' {
			i++
			continue
		}
		// Hunk spans from this change to the last change within reach of
		// shared context.
		start := i - diffContextLines
		if start < 0 {
			start = 0
		}
		end := i
		last := i
		for end < len(ops) {
			if ops[end].op != ' ' {
				last = end
				end++
				continue
			}
			if end-last > 2*diffContextLines {
				break
			}
			end++
		}
		end = last + diffContextLines + 1
		if end > len(ops) {
			end = len(ops)
		}

		oldStart, newStart := oldPos[start], newPos[start]
		oldCount, newCount := 0, 0
		for j := start; j < end; j++ {
			switch ops[j].op {
			case '-':
				oldCount++
			case '+':
				newCount++
			default:
				oldCount++
				newCount++
			}
		}
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
		for j := start; j < end; j++ {
			sb.WriteString(wrapDiffLine(ops[j].op, ops[j].text))
		}
		i = end
	}
	return sb.String()
}

// wrapDiffLine emits one diff body line, wrapped at diffWrapWidth runes
// with the op prefix repeated on continuations. Wrapping counts runes
// so a multi-byte character is never split.
func wrapDiffLine(op byte, text string) string {
	var sb strings.Builder
	runes := []rune(text)
	for {
		if len(runes) <= diffWrapWidth {
			sb.WriteByte(op)
			sb.WriteString(string(runes))
			sb.WriteByte('\n')
			return sb.String()
		}
		sb.WriteByte(op)
		sb.WriteString(string(runes[:diffWrapWidth]))
		sb.WriteByte('\n')
		runes = runes[diffWrapWidth:]
	}
}

// RenderDiffComment formats a revision response comment: summary text,
// then the diff folded into a details block with escaped content.
func RenderDiffComment(marker, summary, diff string) string {
	var sb strings.Builder
	sb.WriteString(marker)
	sb.WriteString("\n\n")
	sb.WriteString(summary)
	if diff != "" {
		sb.WriteString("\n\n<details><summary>Changes applied</summary>\n\n<pre lang=\"diff\">\n")
		sb.WriteString(html.EscapeString(diff))
		sb.WriteString("</pre>\n</details>")
	}
	return sb.String()
}
