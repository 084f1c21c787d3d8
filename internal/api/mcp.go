package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/homepro/internal/agent"
	"github.com/kalambet/homepro/internal/storage"
	"github.com/kalambet/homepro/internal/vectorindex"
)

const maxMCPTopK = 50

// MCPRetriever abstracts knowledge-base search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, a agent.Agent, query string, topK int) ([]vectorindex.Match, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     storage.ConversationStore
	Agents    *agent.Registry
	Retriever MCPRetriever
}

// NewMCPServer creates an MCP server exposing the knowledge base and the
// stored conversations.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"homepro",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("homepro: plumbing business knowledge base and chat transcripts."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge_base",
			mcp.WithDescription("Semantically search the ingested documents. Pass agentName to search only one persona's documents."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("agentName", mcp.Description("Agent key, e.g. lucyAgent (default: all documents)")),
			mcp.WithNumber("topK", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchKnowledgeBase(deps),
	)

	s.AddTool(
		mcp.NewTool("conversation_history",
			mcp.WithDescription("Return the messages of a stored conversation in chronological order."),
			mcp.WithString("conversationId", mcp.Description("Conversation id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of latest messages (default 50)")),
		),
		mcpConversationHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List stored conversations, most recently active first."),
			mcp.WithString("userId", mcp.Description("Only conversations of this user")),
		),
		mcpListConversations(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"agents://registry",
			"Agent Registry",
			mcp.WithResourceDescription("Configured agents and their retrieval scope as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceAgents(deps),
	)

	return s
}

func mcpSearchKnowledgeBase(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}

		// Without agentName the search spans every document.
		a := agent.Agent{Key: "all"}
		if name := req.GetString("agentName", ""); name != "" {
			found, ok := deps.Agents.Lookup(name)
			if !ok {
				return mcpError(fmt.Sprintf("unknown agent %q", name)), nil
			}
			a = found
		}

		topK := req.GetInt("topK", 5)
		if topK <= 0 {
			topK = 5
		}
		if topK > maxMCPTopK {
			topK = maxMCPTopK
		}

		matches, err := deps.Retriever.Retrieve(ctx, a, query, topK)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type matchResult struct {
			ID         string  `json:"id"`
			Score      float32 `json:"score"`
			Text       string  `json:"text"`
			Source     string  `json:"source"`
			ChunkIndex int     `json:"chunkIndex"`
			AgentName  *string `json:"agentName,omitempty"`
		}

		results := make([]matchResult, len(matches))
		for i, m := range matches {
			results[i] = matchResult{
				ID:         m.ID,
				Score:      m.Score,
				Text:       m.Metadata.Text,
				Source:     m.Metadata.Source,
				ChunkIndex: m.Metadata.ChunkIndex,
				AgentName:  m.Metadata.AgentName,
			}
		}
		return mcpJSON(results)
	}
}

func mcpConversationHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convID, err := req.RequireString("conversationId")
		if err != nil || convID == "" {
			return mcpError("conversationId is required"), nil
		}
		limit := req.GetInt("limit", storage.DefaultHistoryLimit)
		if limit <= 0 {
			limit = storage.DefaultHistoryLimit
		}

		msgs, err := deps.Store.GetConversationHistory(ctx, convID, limit, "")
		if err != nil {
			return mcpError(fmt.Sprintf("fetching history failed: %v", err)), nil
		}

		type messageResult struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			Name      string `json:"name,omitempty"`
			CreatedAt string `json:"created_at"`
		}

		results := make([]messageResult, len(msgs))
		for i, m := range msgs {
			results[i] = messageResult{
				Role:      m.Role,
				Content:   m.Content,
				Name:      deref(m.Name),
				CreatedAt: m.CreatedAt.Format(time.RFC3339),
			}
		}
		return mcpJSON(results)
	}
}

func mcpListConversations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convs, err := deps.Store.ListConversations(ctx, req.GetString("userId", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("listing conversations failed: %v", err)), nil
		}

		type conversationSummary struct {
			ID        string `json:"id"`
			Title     string `json:"title,omitempty"`
			UserID    string `json:"user_id,omitempty"`
			UpdatedAt string `json:"updated_at"`
		}

		summaries := make([]conversationSummary, len(convs))
		for i, c := range convs {
			title := deref(c.Title)
			if utf8.RuneCountInString(title) > 200 {
				title = string([]rune(title)[:200]) + "..."
			}
			summaries[i] = conversationSummary{
				ID:        c.ID,
				Title:     title,
				UserID:    deref(c.UserID),
				UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
			}
		}
		return mcpJSON(summaries)
	}
}

func mcpResourceAgents(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Agents.All())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal agents: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
