package rag

import "strings"

// Default chunking policy. Values are configurable but must stay stable
// across a deployment: changing them invalidates stored chunk boundaries
// until the next full reingest.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// Chunker splits extracted text into overlapping passages.
//
// Cuts prefer a sentence or line boundary in the second half of the window so
// passages rarely end mid-sentence. The last Overlap characters of each chunk
// are repeated at the start of the next one.
type Chunker struct {
	// Size is the maximum chunk length in characters.
	Size int
	// Overlap is how many trailing characters carry over into the next chunk.
	Overlap int
}

// NewChunker returns a Chunker with the default size and overlap.
func NewChunker() Chunker {
	return Chunker{Size: DefaultChunkSize, Overlap: DefaultChunkOverlap}
}

// Chunk splits text into passages. Empty or whitespace-only input yields no
// chunks. Chunks are trimmed of surrounding whitespace; empty pieces are
// dropped.
func (c Chunker) Chunk(text string) []string {
	size := c.Size
	if size <= 0 {
		size = DefaultChunkSize
	}
	overlap := c.Overlap
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}

		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// breakPoint finds the best cut position in runes[start:end]. It prefers the
// last sentence terminator or newline in the second half of the window and
// falls back to the last space, then to a hard cut at end.
func breakPoint(runes []rune, start, end int) int {
	mid := start + (end-start)/2
	lastSpace := -1
	for i := end - 1; i > mid; i-- {
		switch runes[i] {
		case '.', '!', '?', '\n':
			return i + 1
		case ' ', '\t':
			if lastSpace == -1 {
				lastSpace = i
			}
		}
	}
	if lastSpace != -1 {
		return lastSpace + 1
	}
	return end
}
