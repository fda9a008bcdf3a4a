package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"unicode"

	"github.com/calebduke/webharvest/internal/crawl"
)

const (
	defaultChunkSize = 1000
	defaultOverlap   = 100
	chunkIDLen       = 16
)

// ChunkerConfig controls how normalized text is windowed.
type ChunkerConfig struct {
	// Size is the maximum chunk length in runes.
	Size int
	// Overlap is how many runes consecutive chunks share.
	Overlap int
	// SnapToBoundary pulls a chunk's end back to the nearest whitespace so
	// words are not split. The final chunk always runs to the end of the text.
	SnapToBoundary bool
}

func (c ChunkerConfig) withDefaults() ChunkerConfig {
	if c.Size <= 0 {
		c.Size = defaultChunkSize
	}
	if c.Overlap < 0 {
		c.Overlap = defaultOverlap
	}
	if c.Overlap >= c.Size {
		c.Overlap = c.Size / 2
	}
	return c
}

// Chunker splits normalized document text into overlapping fixed-size windows.
// Splitting is pure: the same text and config always yield identical chunks,
// including IDs.
type Chunker struct {
	cfg ChunkerConfig
}

// NewChunker builds a Chunker, applying defaults for unset fields.
func NewChunker(cfg ChunkerConfig) *Chunker {
	return &Chunker{cfg: cfg.withDefaults()}
}

// Split windows the text. Offsets are rune positions; each chunk after the
// first starts Overlap runes before the previous chunk's end.
func (c *Chunker) Split(docID, sourceURL, text string, metadata map[string]string) []crawl.Chunk {
	runes := []rune(text)
	total := len(runes)
	if total == 0 {
		return nil
	}

	var chunks []crawl.Chunk
	start := 0
	for index := 0; ; index++ {
		end := start + c.cfg.Size
		if end >= total {
			end = total
		} else if c.cfg.SnapToBoundary {
			end = snapBack(runes, start, end)
		}

		chunks = append(chunks, crawl.Chunk{
			ID:         ChunkID(docID, index),
			DocumentID: docID,
			Index:      index,
			Start:      start,
			End:        end,
			Text:       string(runes[start:end]),
			SourceURL:  sourceURL,
			Metadata:   metadata,
		})

		if end >= total {
			return chunks
		}
		next := end - c.cfg.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
}

// snapBack moves end to just after the last whitespace rune in the window,
// but never past the window's midpoint: a long unbroken token is split rather
// than producing a degenerate chunk.
func snapBack(runes []rune, start, end int) int {
	floor := start + (end-start)/2
	for i := end - 1; i > floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}

// ChunkID derives a stable identifier from the document ID and chunk index.
func ChunkID(docID string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", docID, index)))
	return hex.EncodeToString(sum[:])[:chunkIDLen]
}
