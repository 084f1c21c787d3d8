// Package chunker splits document text into overlapping fixed-size windows
// and tags each window with its provenance.
package chunker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ErrInvalidOverlap is returned when overlap is negative or not smaller
// than the chunk size.
var ErrInvalidOverlap = errors.New("chunk overlap must be in [0, size)")

const (
	DefaultSize    = 512
	DefaultOverlap = 50
)

var agentPattern = regexp.MustCompile(`(?i)^.*?-([A-Z]+)\.pdf$`)

// Chunk is one window of a document.
type Chunk struct {
	ID        string
	Text      string
	Source    string
	Index     int
	AgentName *string
}

// Chunker produces windows of size runes, each starting size-overlap runes
// after the previous one.
type Chunker struct {
	size    int
	overlap int
}

func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: size %d, overlap %d", ErrInvalidOverlap, size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Split windows the trimmed text. The last window may be shorter than the
// chunk size.
func (c *Chunker) Split(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	stride := c.size - c.overlap
	var out []string
	for start := 0; ; start += stride {
		end := min(start+c.size, len(runes))
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

// ChunkDocument splits text and assigns ids of the form
// "<filename>_chunk_<i>". Windows that hold only whitespace are dropped and
// do not consume an index.
func (c *Chunker) ChunkDocument(filename, text string) []Chunk {
	agent := ClassifyAgent(filename)

	var chunks []Chunk
	for _, w := range c.Split(text) {
		if strings.TrimFunc(w, unicode.IsSpace) == "" {
			continue
		}
		i := len(chunks)
		chunks = append(chunks, Chunk{
			ID:        fmt.Sprintf("%s_chunk_%d", filename, i),
			Text:      w,
			Source:    filename,
			Index:     i,
			AgentName: agent,
		})
	}
	return chunks
}

// ClassifyAgent extracts the trailing "-NAME" token of a PDF filename,
// uppercased. It returns nil when the name does not follow the pattern.
func ClassifyAgent(filename string) *string {
	m := agentPattern.FindStringSubmatch(filename)
	if m == nil {
		return nil
	}
	name := strings.ToUpper(m[1])
	return &name
}
