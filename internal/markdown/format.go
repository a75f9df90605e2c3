// Package markdown converts agent markdown into per-surface text:
// table folding, link deduplication, heading and blockquote rendering,
// length-limited chunking, and styled-range extraction for surfaces
// with native style support.
package markdown

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

// Table rendering modes.
const (
	TableModeCode    = "code"    // wrap GFM tables in a fenced block (default)
	TableModeCompact = "compact" // pipe-only rows, padded columns
	TableModeDrop    = "drop"    // strip tables entirely
)

// Options controls one surface's rendering.
type Options struct {
	TableMode string
	Limit     int // surface length limit; 0 = unlimited
}

var (
	linkRe     = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)
	headingRe  = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	hrRe       = regexp.MustCompile(`^\s*(?:(?:-\s*){3,}|(?:\*\s*){3,}|(?:_\s*){3,})$`)
	tableSepRe = regexp.MustCompile(`^\s*\|?\s*:?-+:?\s*(\|\s*:?-+:?\s*)*\|?\s*$`)
)

// Render converts markdown to the surface form described by opts.
// Code fences pass through untouched.
func Render(text string, opts Options) string {
	if opts.TableMode == "" {
		opts.TableMode = TableModeCode
	}

	lines := strings.Split(text, "\n")
	var out []string
	inFence := false

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if isFenceLine(line) {
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}

		// GFM table: a header row followed by a separator row.
		if isTableRow(line) && i+1 < len(lines) && tableSepRe.MatchString(lines[i+1]) {
			table := []string{line, lines[i+1]}
			j := i + 2
			for j < len(lines) && isTableRow(lines[j]) {
				table = append(table, lines[j])
				j++
			}
			out = append(out, renderTable(table, opts.TableMode)...)
			i = j - 1
			continue
		}

		out = append(out, renderLine(line, opts))
	}

	return strings.Join(out, "\n")
}

func renderLine(line string, opts Options) string {
	if m := headingRe.FindStringSubmatch(line); m != nil {
		return "**" + strings.TrimSpace(m[2]) + "**"
	}
	if hrRe.MatchString(line) {
		return "----"
	}
	if strings.HasPrefix(line, ">") {
		quoted := strings.TrimPrefix(strings.TrimPrefix(line, ">"), " ")
		return "│ " + dedupLinks(quoted, opts.Limit)
	}
	return dedupLinks(line, opts.Limit)
}

// dedupLinks rewrites [X](Y) as X when the label and target match
// after normalization, and as "X (Y)" otherwise. The expanded form is
// suppressed (label only) when it would push the line past the surface
// limit.
func dedupLinks(line string, limit int) string {
	return linkRe.ReplaceAllStringFunc(line, func(match string) string {
		m := linkRe.FindStringSubmatch(match)
		label, target := m[1], m[2]
		if normalizeURL(label) == normalizeURL(target) {
			return label
		}
		expanded := label + " (" + target + ")"
		if limit > 0 && len(line)-len(match)+len(expanded) > limit {
			return label
		}
		return expanded
	})
}

// normalizeURL strips scheme, leading www., and trailing slash, and
// lower-cases the result, so "Example.com" and
// "https://www.example.com/" compare equal.
func normalizeURL(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, scheme := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, scheme)
	}
	s = strings.TrimPrefix(s, "www.")
	return strings.TrimSuffix(s, "/")
}

func isFenceLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.Contains(trimmed, "|") && trimmed != "|"
}

func renderTable(rows []string, mode string) []string {
	switch mode {
	case TableModeDrop:
		return nil
	case TableModeCompact:
		return compactTable(rows)
	default:
		out := make([]string, 0, len(rows)+2)
		out = append(out, "```")
		out = append(out, rows...)
		out = append(out, "```")
		return out
	}
}

// compactTable renders the table as pipe-separated rows without the
// separator line, columns padded to equal display width.
func compactTable(rows []string) []string {
	var cells [][]string
	for i, row := range rows {
		if i == 1 {
			continue // separator
		}
		cells = append(cells, splitTableRow(row))
	}

	widths := make([]int, 0)
	for _, row := range cells {
		for i, cell := range row {
			w := runewidth.StringWidth(cell)
			if i >= len(widths) {
				widths = append(widths, w)
			} else if w > widths[i] {
				widths[i] = w
			}
		}
	}

	out := make([]string, 0, len(cells))
	for _, row := range cells {
		parts := make([]string, len(row))
		for i, cell := range row {
			parts[i] = runewidth.FillRight(cell, widths[i])
		}
		out = append(out, strings.TrimRight(strings.Join(parts, " | "), " "))
	}
	return out
}

func splitTableRow(row string) []string {
	trimmed := strings.Trim(strings.TrimSpace(row), "|")
	parts := strings.Split(trimmed, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
