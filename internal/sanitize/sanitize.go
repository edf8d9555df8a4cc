// Package sanitize turns raw assistant output into text that is safe to hand
// to a markdown renderer.
package sanitize

import (
	"regexp"
	"strings"
)

const separatorRow = `\|(?:[ \t]*:?-{2,}:?[ \t]*\|)+`

var (
	reasoningBlockPattern = regexp.MustCompile(`(?is)<reasoning\b[^<>]*>.*?</reasoning\s*>`)
	thinkingBlockPattern  = regexp.MustCompile(`(?is)<thinking\b[^<>]*>.*?</thinking\s*>`)
	orphanTagPattern      = regexp.MustCompile(`(?i)</?(?:reasoning|thinking)\b[^<>\n]*>|</?(?:reasoning|thinking)`)
	answerTagPattern      = regexp.MustCompile(`(?i)</?answer\b[^<>]*>`)

	separatorLeadPattern  = regexp.MustCompile(`[ \t]*(` + separatorRow + `)`)
	separatorGluedPattern = regexp.MustCompile(`(` + separatorRow + `)[ \t]*\|[ \t]*([\p{L}\p{N}])`)
	gluedRowPattern       = regexp.MustCompile(`\|[ \t]+\|(\p{L})`)

	blankRunPattern = regexp.MustCompile(`\n{3,}`)
)

// Stage is one pure rewrite of the pipeline.
type Stage struct {
	Name  string
	Apply func(string) string
}

var (
	markupStages = []Stage{
		{Name: "reasoning_blocks", Apply: stripReasoningBlocks},
		{Name: "thinking_blocks", Apply: stripThinkingBlocks},
		{Name: "orphan_tags", Apply: stripOrphanTags},
		{Name: "answer_tags", Apply: unwrapAnswerTags},
	}
	tableStages = []Stage{
		{Name: "table_separator_break", Apply: breakBeforeSeparator},
		{Name: "table_row_after_separator", Apply: breakAfterSeparator},
		{Name: "table_glued_rows", Apply: breakGluedRows},
	}
	finishStages = []Stage{
		{Name: "collapse_blank_lines", Apply: collapseBlankLines},
		{Name: "trim", Apply: strings.TrimSpace},
	}
)

// Stages returns the pipeline in execution order.
func Stages() []Stage {
	out := make([]Stage, 0, len(markupStages)+len(tableStages)+len(finishStages))
	out = append(out, markupStages...)
	out = append(out, tableStages...)
	out = append(out, finishStages...)
	return out
}

// Sanitize removes reasoning markup, unwraps answer tags, splits glued
// markdown tables onto separate lines, collapses blank-line runs and trims.
// The result is a fixed point: Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	text := StripMarkup(raw)
	for _, stage := range tableStages {
		text = stage.Apply(text)
	}
	for _, stage := range finishStages {
		text = stage.Apply(text)
	}
	return text
}

// StripMarkup runs the tag stages until nothing changes. Removing one tag can
// splice the halves of another back together, so a single pass is not enough.
// Whole blocks are exhausted before orphan tags are dropped, which keeps the
// body of a spliced block from surviving as plain text.
func StripMarkup(raw string) string {
	text := raw
	for {
		next := stripThinkingBlocks(stripReasoningBlocks(text))
		if next != text {
			text = next
			continue
		}
		next = unwrapAnswerTags(stripOrphanTags(text))
		if next == text {
			return text
		}
		text = next
	}
}

func stripReasoningBlocks(text string) string {
	return reasoningBlockPattern.ReplaceAllString(text, "")
}

func stripThinkingBlocks(text string) string {
	return thinkingBlockPattern.ReplaceAllString(text, "")
}

// stripOrphanTags removes a complete unmatched tag, or only the bare tag
// name when no closing bracket follows on the same line.
func stripOrphanTags(text string) string {
	return orphanTagPattern.ReplaceAllString(text, "")
}

func unwrapAnswerTags(text string) string {
	return answerTagPattern.ReplaceAllString(text, "")
}

// breakBeforeSeparator moves a separator row glued to preceding text onto its
// own line. Horizontal whitespace in front of the row is replaced by the
// newline; rows already at a line start are left alone.
func breakBeforeSeparator(text string) string {
	matches := separatorLeadPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + len(matches))
	last := 0
	for _, m := range matches {
		start, pipe := m[0], m[2]
		if start == 0 || text[start-1] == '\n' {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteByte('\n')
		last = pipe
	}
	b.WriteString(text[last:])
	return b.String()
}

func breakAfterSeparator(text string) string {
	return separatorGluedPattern.ReplaceAllString(text, "$1\n| $2")
}

func breakGluedRows(text string) string {
	return gluedRowPattern.ReplaceAllString(text, "|\n|$1")
}

func collapseBlankLines(text string) string {
	return blankRunPattern.ReplaceAllString(text, "\n\n")
}
