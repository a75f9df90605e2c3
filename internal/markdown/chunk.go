package markdown

import "strings"

// Chunk splits text into pieces of at most limit bytes, preferring
// paragraph boundaries, then line boundaries, then word boundaries.
// A single token longer than the limit is split mid-word. Code fences
// are kept intact across chunks: an open fence is closed at the chunk
// end and re-opened (with its info string) at the start of the next.
func Chunk(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	c := &chunker{limit: limit}
	for _, para := range strings.Split(text, "\n\n") {
		c.addParagraph(para)
	}
	c.flush()
	return c.chunks
}

type chunker struct {
	limit     int
	chunks    []string
	buf       strings.Builder
	openFence string // "```lang" while a fence is open at the buffer end
}

// room is the byte budget left in the current chunk for one more
// segment, accounting for the joining separator. The closing-fence
// reserve is held back unconditionally: a segment may itself open a
// fence that flush() then has to close.
func (c *chunker) room(sep string) int {
	r := c.limit - c.buf.Len() - len("\n```")
	if c.buf.Len() > 0 {
		r -= len(sep)
	}
	return r
}

func (c *chunker) append(sep, segment string) {
	if c.buf.Len() > 0 && !strings.HasSuffix(c.buf.String(), "\n") {
		c.buf.WriteString(sep)
	}
	c.buf.WriteString(segment)
	trackFences(segment, &c.openFence)
}

func (c *chunker) flush() {
	if c.buf.Len() == 0 {
		return
	}
	chunk := strings.TrimRight(c.buf.String(), "\n")
	c.buf.Reset()
	reopen := c.openFence
	if reopen != "" {
		chunk += "\n```"
	}
	if strings.TrimSpace(chunk) != "" && strings.TrimSpace(chunk) != "```" {
		c.chunks = append(c.chunks, chunk)
	}
	if reopen != "" {
		c.buf.WriteString(reopen)
		c.buf.WriteString("\n")
	}
}

func (c *chunker) addParagraph(para string) {
	if len(para) <= c.room("\n\n") {
		c.append("\n\n", para)
		return
	}
	c.flush()
	if len(para) <= c.room("\n\n") {
		c.append("\n\n", para)
		return
	}
	// Paragraph exceeds a whole chunk: line by line.
	for _, line := range strings.Split(para, "\n") {
		c.addLine(line)
	}
}

func (c *chunker) addLine(line string) {
	if len(line) <= c.room("\n") {
		c.append("\n", line)
		return
	}
	c.flush()
	if len(line) <= c.room("\n") {
		c.append("\n", line)
		return
	}
	// Line exceeds the limit on its own: split on words, mid-word as a
	// last resort.
	for _, piece := range splitLongLine(line, c.room("\n")) {
		if len(piece) > c.room("\n") {
			c.flush()
		}
		c.append("\n", piece)
	}
}

func trackFences(segment string, openFence *string) {
	for _, line := range strings.Split(segment, "\n") {
		if !isFenceLine(line) {
			continue
		}
		if *openFence == "" {
			*openFence = strings.TrimSpace(line)
		} else {
			*openFence = ""
		}
	}
}

// splitLongLine breaks one overlong line at word boundaries where
// possible, mid-word when a single token exceeds the budget.
func splitLongLine(line string, limit int) []string {
	if limit <= 0 {
		limit = len(line)
	}
	var pieces []string
	var cur strings.Builder
	for _, word := range strings.Split(line, " ") {
		for len(word) > limit {
			if cur.Len() > 0 {
				pieces = append(pieces, cur.String())
				cur.Reset()
			}
			pieces = append(pieces, word[:limit])
			word = word[limit:]
		}
		need := len(word)
		if cur.Len() > 0 {
			need++
		}
		if cur.Len()+need > limit {
			pieces = append(pieces, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		pieces = append(pieces, cur.String())
	}
	return pieces
}
