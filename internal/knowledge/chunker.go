package knowledge

import (
	"strings"
	"unicode/utf8"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHUNKER
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

var sentenceBreaks = []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

// Chunker splits plain text into overlapping chunks, preferring to cut at a
// paragraph break and then at a sentence end when one falls in the second
// half of the window.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker. Sizes are in bytes of text; an overlap of at
// least half the size is reduced so every step makes progress.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size/2 {
		overlap = size / 4
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split returns the chunks of text in order. Blank chunks are dropped.
func (c *Chunker) Split(text string) []string {
	var chunks []string
	n := len(text)

	for start := 0; start < n; {
		end := start + c.size
		if end < n {
			if cut := c.breakPoint(text, start, end); cut > start {
				end = cut
			}
		} else {
			end = n
		}

		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= n {
			break
		}

		next := runeStart(text, end-c.overlap)
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakPoint picks where a chunk starting at start should end, at or before
// limit.
func (c *Chunker) breakPoint(text string, start, limit int) int {
	window := text[start:limit]
	half := c.size / 2

	if i := strings.LastIndex(window, "\n\n"); i > half {
		return start + i + 2
	}
	for _, punct := range sentenceBreaks {
		if i := strings.LastIndex(window, punct); i > half {
			return start + i + len(punct)
		}
	}
	return runeStart(text, limit)
}

// runeStart moves i back to the start of the UTF-8 sequence containing it.
func runeStart(s string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
