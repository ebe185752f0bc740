// Package voice carries shared pieces of the composed STT/LLM/TTS pipeline.
package voice

import (
	"strings"
	"sync"
)

// Chunker accumulates language model text deltas and emits chunks sized for
// incremental speech synthesis. A chunk is released on punctuation, or at a
// word boundary once the buffer holds enough words. Sending single words
// produces choppy speech; waiting for the full response wastes the stream.
type Chunker struct {
	mu          sync.Mutex
	text        strings.Builder
	minWords    int
	punctuation string
}

// NewChunker creates a chunker with default thresholds.
func NewChunker() *Chunker {
	return &Chunker{
		minWords:    5,
		punctuation: ",.!?;:",
	}
}

// Add appends a delta and returns text ready for synthesis, or empty while
// more should be buffered.
func (c *Chunker) Add(delta string) string {
	if delta == "" {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A leading space confirms the previous word is complete.
	startsWithSpace := delta[0] == ' ' || delta[0] == '\n'

	prev := c.text.String()
	prevWords := len(strings.Fields(prev))

	c.text.WriteString(delta)
	content := c.text.String()

	if strings.ContainsAny(delta, c.punctuation) {
		last := strings.LastIndexAny(content, c.punctuation)
		if last >= 0 {
			chunk := strings.TrimSpace(content[:last+1])
			rest := strings.TrimSpace(content[last+1:])
			c.text.Reset()
			if rest != "" {
				c.text.WriteString(rest)
			}
			return chunk
		}
	}

	if prevWords >= c.minWords && startsWithSpace {
		c.text.Reset()
		c.text.WriteString(strings.TrimLeft(delta, " \n"))
		return strings.TrimSpace(prev)
	}

	return ""
}

// Flush returns whatever is buffered and resets. Called when the model
// stream ends.
func (c *Chunker) Flush() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := strings.TrimSpace(c.text.String())
	c.text.Reset()
	return out
}

// Reset drops buffered text without returning it. Called on barge-in.
func (c *Chunker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text.Reset()
}
