package markdown

import (
	"strings"
	"testing"
)

const sampleTable = `Before.

| Name | Value |
| ---- | ----- |
| a    | 1     |
| b    | 2     |

After.`

func TestRenderTableModeCode(t *testing.T) {
	out := Render(sampleTable, Options{TableMode: TableModeCode})
	if !strings.Contains(out, "```\n| Name | Value |") {
		t.Errorf("table not fenced:\n%s", out)
	}
	if !strings.Contains(out, "| b    | 2     |\n```") {
		t.Errorf("fence not closed after table:\n%s", out)
	}
}

func TestRenderTableModeDrop(t *testing.T) {
	out := Render(sampleTable, Options{TableMode: TableModeDrop})
	if strings.Contains(out, "|") {
		t.Errorf("table not dropped:\n%s", out)
	}
	if !strings.Contains(out, "Before.") || !strings.Contains(out, "After.") {
		t.Errorf("surrounding text lost:\n%s", out)
	}
}

func TestRenderTableModeCompact(t *testing.T) {
	out := Render(sampleTable, Options{TableMode: TableModeCompact})
	if strings.Contains(out, "----") {
		t.Errorf("separator row kept:\n%s", out)
	}
	if !strings.Contains(out, "Name") || !strings.Contains(out, " | ") {
		t.Errorf("expected pipe rendering:\n%s", out)
	}
	if strings.Contains(out, "```") {
		t.Errorf("compact mode should not fence:\n%s", out)
	}
}

func TestRenderLinkDedup(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{
			"matching label collapses",
			"see [example.com](https://www.example.com/)",
			"see example.com",
		},
		{
			"mismatched expands",
			"see [docs](https://example.com/docs)",
			"see docs (https://example.com/docs)",
		},
		{
			"case-insensitive domain",
			"[Example.COM](http://example.com)",
			"Example.COM",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.in, Options{}); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRenderLinkExpansionSuppressedNearLimit(t *testing.T) {
	in := "x [link](https://example.com/very/long/path/that/will/exceed/limit)"
	out := Render(in, Options{Limit: 30})
	if strings.Contains(out, "(https://") {
		t.Errorf("expansion should be suppressed under the limit:\n%s", out)
	}
	if !strings.Contains(out, "link") {
		t.Errorf("label lost:\n%s", out)
	}
}

func TestRenderHeadingsAndQuotesAndRules(t *testing.T) {
	in := "# Title\n\n> quoted line\n\n---"
	out := Render(in, Options{})
	if !strings.Contains(out, "**Title**") {
		t.Errorf("heading not bolded:\n%s", out)
	}
	if !strings.Contains(out, "│ quoted line") {
		t.Errorf("blockquote not prefixed:\n%s", out)
	}
	if !strings.Contains(out, "----") {
		t.Errorf("rule not rendered:\n%s", out)
	}
}

func TestRenderLeavesCodeFencesAlone(t *testing.T) {
	in := "```go\n# not a heading\n| not | a table |\n```"
	if got := Render(in, Options{}); got != in {
		t.Errorf("fenced content modified:\n%s", got)
	}
}
