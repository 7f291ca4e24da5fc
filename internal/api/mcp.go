package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/engram/internal/intent"
	"github.com/kalambet/engram/internal/memory"
	"github.com/kalambet/engram/internal/ollama"
	"github.com/kalambet/engram/internal/spaces"
)

// IntentExtractor abstracts query analysis for the MCP layer.
type IntentExtractor interface {
	Extract(ctx context.Context, request string, history []ollama.Message) intent.Intent
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Registry  *spaces.Registry
	Extractor IntentExtractor // optional; if nil, recall searches the raw query
}

// NewMCPServer creates an MCP server with all engram tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"engram",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("engram is long-term memory for agents. Use remember to record conversational turns, recall to search synthesized knowledge, and add_knowledge to seed curated facts."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("remember",
			mcp.WithDescription("Record one conversational turn for background learning. The knowledge is synthesized asynchronously; this returns as soon as the turn is durably queued."),
			mcp.WithString("user_input", mcp.Description("What the user said"), mcp.Required()),
			mcp.WithString("agent_output", mcp.Description("What the agent replied"), mcp.Required()),
			mcp.WithString("space", mcp.Description("Memory space name; omit for the shared space")),
		),
		mcpRemember(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Search long-term memory with hybrid semantic and full-text retrieval and return relevant knowledge documents."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("space", mcp.Description("Memory space name; omit for the shared space")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("add_knowledge",
			mcp.WithDescription("Store a knowledge document directly, bypassing synthesis. Use for curated facts."),
			mcp.WithString("content", mcp.Description("The knowledge text to store"), mcp.Required()),
			mcp.WithArray("entities", mcp.Description("Named entities in the knowledge")),
			mcp.WithString("problem_class", mcp.Description("Abstract problem class the knowledge belongs to")),
			mcp.WithString("space", mcp.Description("Memory space name; omit for the shared space")),
		),
		mcpAddKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("forget",
			mcp.WithDescription("Delete a knowledge document by id."),
			mcp.WithString("id", mcp.Description("Document id"), mcp.Required()),
			mcp.WithString("space", mcp.Description("Memory space name; omit for the shared space")),
		),
		mcpForget(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"memory://documents/recent",
			"Recent Knowledge",
			mcp.WithResourceDescription("Last 10 stored knowledge documents"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"memory://tasks/recent",
			"Recent Learning Tasks",
			mcp.WithResourceDescription("Last 10 learning tasks with their status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTasks(deps),
	)

	return s
}

func mcpRemember(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userInput, err := req.RequireString("user_input")
		if err != nil {
			return mcpError("user_input is required"), nil
		}
		agentOutput, err := req.RequireString("agent_output")
		if err != nil {
			return mcpError("agent_output is required"), nil
		}

		sp, err := deps.Registry.Get(req.GetString("space", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("invalid space: %v", err)), nil
		}

		id, err := sp.Store.EnqueueTask(userInput, agentOutput)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue turn: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued learning task %d", id)), nil
	}
}

func mcpRecall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		sp, err := deps.Registry.Get(req.GetString("space", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("invalid space: %v", err)), nil
		}

		// Let the fast model rewrite the query into search terms;
		// extraction is best-effort and falls back to the raw query.
		searchQuery := query
		if deps.Extractor != nil {
			if in := deps.Extractor.Extract(ctx, query, nil); in.SearchQuery != "" {
				searchQuery = in.SearchQuery
			}
		}

		results, err := sp.Memory.Search(ctx, searchQuery, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}

		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		type hit struct {
			ID           string   `json:"id"`
			Content      string   `json:"content"`
			Entities     []string `json:"entities,omitempty"`
			ProblemClass string   `json:"problem_class,omitempty"`
			Score        float32  `json:"score"`
			Origin       string   `json:"origin"`
		}

		hits := make([]hit, len(results))
		for i, res := range results {
			hits[i] = hit{
				ID:           res.ID,
				Content:      res.Content,
				Entities:     res.Entities,
				ProblemClass: res.ProblemClass,
				Score:        res.Score,
				Origin:       res.Origin,
			}
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpAddKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		sp, err := deps.Registry.Get(req.GetString("space", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("invalid space: %v", err)), nil
		}

		doc, err := sp.Memory.Add(ctx, memory.Input{
			Content:      content,
			Entities:     req.GetStringSlice("entities", nil),
			ProblemClass: req.GetString("problem_class", ""),
			Source:       "mcp",
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Stored knowledge document %s", doc.ID)), nil
	}
}

func mcpForget(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		sp, err := deps.Registry.Get(req.GetString("space", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("invalid space: %v", err)), nil
		}

		if err := sp.Memory.Delete(id); err != nil {
			return mcpError(fmt.Sprintf("failed to delete: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Deleted document %s", id)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sp, err := deps.Registry.Get("")
		if err != nil {
			return nil, fmt.Errorf("opening default space: %w", err)
		}

		docs, err := sp.Memory.List(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}

		type docSummary struct {
			ID           string `json:"id"`
			CreatedAt    string `json:"created_at"`
			ProblemClass string `json:"problem_class,omitempty"`
			Content      string `json:"content"`
		}

		summaries := make([]docSummary, len(docs))
		for i, d := range docs {
			content := d.Content
			if utf8.RuneCountInString(content) > 200 {
				runes := []rune(content)
				content = string(runes[:200]) + "..."
			}
			summaries[i] = docSummary{
				ID:           d.ID,
				CreatedAt:    d.CreatedAt.Format(time.RFC3339),
				ProblemClass: d.ProblemClass,
				Content:      content,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal documents: %w", err)
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

func mcpResourceTasks(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sp, err := deps.Registry.Get("")
		if err != nil {
			return nil, fmt.Errorf("opening default space: %w", err)
		}

		tasks, err := sp.Store.ListTasks("", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks: %w", err)
		}

		type taskSummary struct {
			ID        int64  `json:"id"`
			Status    string `json:"status"`
			Attempts  int    `json:"attempts"`
			CreatedAt string `json:"created_at"`
			UserInput string `json:"user_input"`
		}

		summaries := make([]taskSummary, len(tasks))
		for i, t := range tasks {
			input := strings.TrimSpace(t.UserInput)
			if utf8.RuneCountInString(input) > 120 {
				runes := []rune(input)
				input = string(runes[:120]) + "..."
			}
			summaries[i] = taskSummary{
				ID:        t.ID,
				Status:    t.Status,
				Attempts:  t.Attempts,
				CreatedAt: t.CreatedAt.Format(time.RFC3339),
				UserInput: input,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tasks: %w", err)
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
