package dispatch

import "strings"

// BlockBuffer accumulates streamed text and emits deliverable blocks
// at structural boundaries: a trailing blank line, a closing code
// fence, or the start of a heading. Residual text at stream end is the
// final block.
type BlockBuffer struct {
	buf     strings.Builder
	inFence bool
}

// Append adds a text delta and returns any blocks completed by it.
func (b *BlockBuffer) Append(delta string) []string {
	b.buf.WriteString(delta)
	var blocks []string
	for {
		block, rest, ok := b.cut()
		if !ok {
			break
		}
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, block)
		}
		b.buf.Reset()
		b.buf.WriteString(rest)
	}
	return blocks
}

// cut finds the earliest boundary in the buffered text and splits
// there. Boundaries inside an open code fence are ignored except the
// fence close itself.
func (b *BlockBuffer) cut() (block, rest string, ok bool) {
	text := b.buf.String()
	inFence := b.inFence
	offset := 0

	for {
		line, _, found := strings.Cut(text[offset:], "\n")
		if !found {
			return "", "", false
		}
		lineEnd := offset + len(line) + 1

		if isFence(line) {
			inFence = !inFence
			if !inFence {
				// Fence close completes a block.
				b.inFence = false
				return strings.TrimRight(text[:lineEnd], "\n"), text[lineEnd:], true
			}
			offset = lineEnd
			continue
		}
		if inFence {
			offset = lineEnd
			continue
		}
		// Blank line: everything before it is a block.
		if strings.TrimSpace(line) == "" && offset > 0 {
			b.inFence = false
			return strings.TrimRight(text[:offset], "\n"), text[lineEnd:], true
		}
		// A heading starts a new block; emit what came before it.
		if offset > 0 && strings.HasPrefix(line, "#") && strings.Contains(line, " ") {
			b.inFence = false
			return strings.TrimRight(text[:offset], "\n"), text[offset:], true
		}
		offset = lineEnd
	}
}

// Flush returns the residual buffered text and resets the buffer.
func (b *BlockBuffer) Flush() string {
	text := strings.TrimRight(b.buf.String(), "\n")
	b.buf.Reset()
	b.inFence = false
	return text
}

// Len reports the buffered byte count.
func (b *BlockBuffer) Len() int { return b.buf.Len() }

func isFence(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}
