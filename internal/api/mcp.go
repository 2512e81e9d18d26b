package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	exchangesURI   = "paperdesk://exchanges"
	defaultAskWait = 2 * time.Minute
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Conversation Conversation
	// AskTimeout bounds how long ask_assistant waits for an answer.
	AskTimeout time.Duration
	Version    string
}

// NewMCPServer creates an MCP server exposing the assistant conversation of
// the active channel.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"paperdesk",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("paperdesk: ask the project discussion assistant and manage its paper search results."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_assistant",
			mcp.WithDescription("Ask the project assistant a question in the active channel and return its answer."),
			mcp.WithString("question", mcp.Description("The question to ask"), mcp.Required()),
			mcp.WithString("channel_id", mcp.Description("Switch to this channel before asking")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("list_search_results",
			mcp.WithDescription("List the papers of the active channel's latest search with their library ingestion status."),
		),
		mcpListSearchResults(deps),
	)

	s.AddTool(
		mcp.NewTool("dismiss_paper",
			mcp.WithDescription("Hide a paper from the active channel's search results."),
			mcp.WithString("paper_id", mcp.Description("Paper id from list_search_results"), mcp.Required()),
		),
		mcpDismissPaper(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_exchange",
			mcp.WithDescription("Cancel an assistant answer that is still streaming."),
			mcp.WithString("exchange_id", mcp.Description("Exchange id"), mcp.Required()),
		),
		mcpCancelExchange(deps),
	)

	s.AddResource(
		mcp.NewResource(
			exchangesURI,
			"Assistant Exchanges",
			mcp.WithResourceDescription("Exchanges of the active channel, oldest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceExchanges(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		if ch := req.GetString("channel_id", ""); ch != "" && ch != deps.Conversation.Channel() {
			if err := deps.Conversation.SwitchChannel(ctx, ch); err != nil {
				return mcpError(fmt.Sprintf("switching channel: %v", err)), nil
			}
		}

		id, err := deps.Conversation.Ask(ctx, question)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		timeout := deps.AskTimeout
		if timeout <= 0 {
			timeout = defaultAskWait
		}
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := deps.Conversation.Wait(waitCtx, id); err != nil {
			return mcpError(fmt.Sprintf("exchange %s is still running; read %s later", id, exchangesURI)), nil
		}

		ex, ok := deps.Conversation.Exchange(id)
		if !ok {
			return mcpError("channel changed before the answer arrived"), nil
		}
		if ex.Failed {
			return mcpError(ex.ResponseText), nil
		}
		return mcpText(ex.ResponseText), nil
	}
}

func mcpListSearchResults(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap := deps.Conversation.Snapshot()
		if snap.ChannelID == "" {
			return mcpError("select a channel first"), nil
		}
		if len(snap.Session.Papers) == 0 {
			return mcpText("[]"), nil
		}

		type paperResult struct {
			ID     string `json:"id"`
			Title  string `json:"title"`
			Year   int    `json:"year,omitempty"`
			URL    string `json:"url,omitempty"`
			Status string `json:"ingestion_status,omitempty"`
		}
		results := make([]paperResult, len(snap.Session.Papers))
		for i, p := range snap.Session.Papers {
			results[i] = paperResult{ID: p.ID, Title: p.Title, Year: p.Year, URL: p.URL}
			if st, ok := snap.Session.Ingestion[p.ID]; ok {
				results[i].Status = string(st.Status)
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDismissPaper(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("paper_id")
		if err != nil {
			return mcpError("paper_id is required"), nil
		}
		if err := deps.Conversation.DismissPaper(id); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Dismissed paper %s", id)), nil
	}
}

func mcpCancelExchange(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("exchange_id")
		if err != nil {
			return mcpError("exchange_id is required"), nil
		}
		if err := deps.Conversation.Cancel(id); err != nil {
			return mcpError(err.Error()), nil
		}
		ex, _ := deps.Conversation.Exchange(id)
		return mcpText(fmt.Sprintf("Exchange %s is %s", id, ex.Status)), nil
	}
}

func mcpResourceExchanges(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		snap := deps.Conversation.Snapshot()

		type exchangeSummary struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			Question  string `json:"question"`
			Answer    string `json:"answer"`
			Author    string `json:"author,omitempty"`
			CreatedAt string `json:"created_at"`
		}
		summaries := make([]exchangeSummary, len(snap.Exchanges))
		for i, ex := range snap.Exchanges {
			summaries[i] = exchangeSummary{
				ID:        ex.ID,
				Status:    string(ex.Status),
				Question:  ex.Question,
				Answer:    truncateRunes(ex.ResponseText, 500),
				Author:    ex.Author,
				CreatedAt: ex.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(map[string]any{
			"channel_id": snap.ChannelID,
			"exchanges":  summaries,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal exchanges: %w", err)
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

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
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
