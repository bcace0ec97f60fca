package pipeline

import "strings"

// sentenceChunker accumulates streamed text and releases it one sentence at
// a time, so synthesis can start on the first complete sentence instead of
// waiting for the whole response.
type sentenceChunker struct {
	buf strings.Builder
}

func isSentenceEnd(r byte) bool {
	return r == '.' || r == '!' || r == '?' || r == '\n'
}

// feed appends fragment and returns any completed sentences.
func (c *sentenceChunker) feed(fragment string) []string {
	c.buf.WriteString(fragment)
	text := c.buf.String()
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if !isSentenceEnd(text[i]) {
			continue
		}
		// Swallow runs of terminators ("..", "?!").
		end := i + 1
		for end < len(text) && isSentenceEnd(text[end]) {
			end++
		}
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
		i = end - 1
	}
	c.buf.Reset()
	c.buf.WriteString(text[start:])
	return out
}

// flush returns the unterminated tail, if any.
func (c *sentenceChunker) flush() string {
	out := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return out
}
