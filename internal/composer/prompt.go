// Package composer assembles the messages sent to the chat model: agent
// instructions and retrieved knowledge-base context in a leading system
// message, followed by the conversation.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/homepro/internal/llm"
	"github.com/kalambet/homepro/internal/vectorindex"
)

const defaultMaxContextTokens = 4000

const (
	contextHeader = "\n\n[Retrieved Context]\n"
	noContext     = "\n\n[Retrieved Context]\nNo relevant passages were found in the knowledge base.\n"
)

// Composer builds prompts under a token budget for injected context.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer. If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose prepends a system message holding instructions and the chunks
// that fit the budget. A leading system message supplied by the caller is
// kept after the generated content, in the same message. The input slice is
// not modified.
func (c *Composer) Compose(instructions string, chunks []vectorindex.Match, msgs []llm.Message) []llm.Message {
	system := c.buildSystem(instructions, chunks)

	out := make([]llm.Message, 0, len(msgs)+1)
	if len(msgs) > 0 && msgs[0].Role == "system" {
		merged := msgs[0]
		merged.Content = system + "\n\n---\n\n" + msgs[0].Content
		out = append(out, merged)
		out = append(out, msgs[1:]...)
		return out
	}
	out = append(out, llm.Message{Role: "system", Content: system})
	return append(out, msgs...)
}

// buildSystem drops the lowest-scoring chunks first when the budget runs out.
func (c *Composer) buildSystem(instructions string, chunks []vectorindex.Match) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(instructions))

	sorted := make([]vectorindex.Match, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	remaining := c.MaxContextTokens - EstimateTokens(sb.String()) - EstimateTokens(contextHeader)

	var selected []string
	for _, ch := range sorted {
		if strings.TrimSpace(ch.Metadata.Text) == "" {
			continue
		}
		entry := formatChunk(ch)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		selected = append(selected, entry)
		remaining -= tokens
	}

	if len(selected) == 0 {
		sb.WriteString(noContext)
		return sb.String()
	}
	sb.WriteString(contextHeader)
	for _, entry := range selected {
		sb.WriteString(entry)
	}
	return sb.String()
}

func formatChunk(ch vectorindex.Match) string {
	return fmt.Sprintf("(Score: %.2f, Source: %s#%d)\n%s\n\n", ch.Score, ch.Metadata.Source, ch.Metadata.ChunkIndex, ch.Metadata.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
