package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/integraled/threadrelay/internal/relay"
	"github.com/integraled/threadrelay/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Relay Relay
	Store *storage.Store // optional; without it the interaction resources are not registered
}

// NewMCPServer exposes the relay operations as MCP tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"threadrelay",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("threadrelay relays messages to hosted assistants over persistent threads."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a message to an assistant, continuing thread_id when given."),
			mcp.WithString("message", mcp.Description("The user message"), mcp.Required()),
			mcp.WithString("assistant_id", mcp.Description("Assistant to run"), mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Existing thread to continue")),
			mcp.WithString("user_id", mcp.Description("Caller's user id, stored as thread metadata")),
			mcp.WithString("organization", mcp.Description("Caller's organization")),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("poll_run",
			mcp.WithDescription("Check on a run that an earlier chat reported as still processing."),
			mcp.WithString("thread_id", mcp.Required()),
			mcp.WithString("run_id", mcp.Required()),
		),
		mcpPollRun(deps),
	)

	s.AddTool(
		mcp.NewTool("thread_status",
			mcp.WithDescription("Report whether a thread exists and how many runs are active on it."),
			mcp.WithString("thread_id", mcp.Required()),
		),
		mcpThreadStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_url",
			mcp.WithDescription("Build a shareable chat link for a user."),
			mcp.WithString("user_id", mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Thread to reopen")),
			mcp.WithString("tags", mcp.Description("Intake tags")),
			mcp.WithString("organization"),
		),
		mcpGenerateURL(deps),
	)

	if deps.Store != nil {
		s.AddResource(
			mcp.NewResource(
				"relay://recent",
				"Recent Interactions",
				mcp.WithResourceDescription("Last 10 relayed interactions"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecent(deps),
		)
		s.AddResource(
			mcp.NewResource(
				"relay://stats",
				"Outcome Counts",
				mcp.WithResourceDescription("Number of interactions per outcome"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceStats(deps),
		)
	}

	return s
}

func chatResultText(res relay.ChatResult) *mcp.CallToolResult {
	body, err := newChatResponse(res)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to encode outcome: %v", err))
	}
	b, err := json.Marshal(body)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func failureText(err error) *mcp.CallToolResult {
	f := relay.Classify(err, nil)
	if f.Detail != "" {
		return mcpError(f.Public + ": " + f.Detail)
	}
	return mcpError(f.Public)
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		assistantID, err := req.RequireString("assistant_id")
		if err != nil {
			return mcpError("assistant_id is required"), nil
		}

		res, err := deps.Relay.Chat(ctx, relay.ChatRequest{
			Message:      message,
			AssistantID:  assistantID,
			ThreadID:     req.GetString("thread_id", ""),
			UserID:       req.GetString("user_id", ""),
			Organization: req.GetString("organization", ""),
		})
		if err != nil {
			return failureText(err), nil
		}
		return chatResultText(res), nil
	}
}

func mcpPollRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Relay.PollRun(ctx, req.GetString("thread_id", ""), req.GetString("run_id", ""))
		if err != nil {
			return failureText(err), nil
		}
		return chatResultText(res), nil
	}
}

func mcpThreadStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Relay.ThreadStatus(ctx, req.GetString("thread_id", ""))
		if err != nil {
			return failureText(err), nil
		}
		b, err := json.Marshal(threadStatusResponse{
			ThreadExists: st.Exists,
			ActiveRuns:   st.ActiveRuns,
			Status:       st.Status,
			RunID:        st.ActiveRunID,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGenerateURL(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := deps.Relay.DeepLink(relay.LinkRequest{
			UserID:       req.GetString("user_id", ""),
			ThreadID:     req.GetString("thread_id", ""),
			Tags:         req.GetString("tags", ""),
			Organization: req.GetString("organization", ""),
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(url), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		interactions, err := deps.Store.RecentInteractions(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent interactions: %w", err)
		}

		type interactionSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			ThreadID  string `json:"thread_id,omitempty"`
			Outcome   string `json:"outcome"`
			Message   string `json:"message"`
		}

		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			msg := ix.Message
			if utf8.RuneCountInString(msg) > 200 {
				runes := []rune(msg)
				msg = string(runes[:200]) + "..."
			}
			summaries[i] = interactionSummary{
				ID:        ix.ID,
				CreatedAt: ix.CreatedAt.Format(time.RFC3339),
				ThreadID:  ix.ThreadID,
				Outcome:   ix.Outcome,
				Message:   msg,
			}
		}

		return jsonResource(req.Params.URI, summaries)
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		counts, err := deps.Store.OutcomeCounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count outcomes: %w", err)
		}
		return jsonResource(req.Params.URI, counts)
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
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
