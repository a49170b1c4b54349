package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/daybook/internal/composer"
	"github.com/kalambet/daybook/internal/model"
	"github.com/kalambet/daybook/internal/pipeline"
	"github.com/kalambet/daybook/internal/resources"
)

const (
	defaultMCPLimit = 5
	maxMCPLimit     = 50
	mcpPreviewRunes = 120
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Orchestrator Submitter
	History      HistoryStore
	Collections  *resources.Collections
	Session      Session
}

// NewMCPServer creates an MCP server with the daybook tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"daybook",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("daybook is a personal diary and life assistant. Chat with it, read recent diaries, and review the conversation history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a message to the assistant. Diary-like messages are saved as diary entries for signed-in users."),
			mcp.WithString("text", mcp.Description("The message to send"), mcp.Required()),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_diaries",
			mcp.WithDescription("List the most recent diary entries of the signed-in user."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 5)")),
		),
		mcpRecentDiaries(deps),
	)

	s.AddTool(
		mcp.NewTool("history",
			mcp.WithDescription("Return the latest conversation turns."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of turns (default 5)")),
		),
		mcpHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"user://history",
			"Conversation History",
			mcp.WithResourceDescription("The signed-in user's conversation history as JSON, oldest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceHistory(deps),
	)

	return s
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcpError("text is required"), nil
		}

		res, err := deps.Orchestrator.Submit(ctx, text, "")
		if errors.Is(err, pipeline.ErrBusy) {
			return mcpError("the assistant is still answering a previous message"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}
		return mcpText(res.Interaction.AIResponse), nil
	}
}

func mcpRecentDiaries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p := deps.Session.Principal()
		if p.IsGuest() {
			return mcpError("sign in to read diaries"), nil
		}
		limit := clampLimit(req.GetInt("limit", defaultMCPLimit))

		snap, err := deps.Collections.Diaries.Load(ctx, resources.DiaryKey(p.ID))
		if err != nil && !snap.Loaded {
			return mcpError(fmt.Sprintf("%s: %v", refreshFailed, err)), nil
		}

		c := composer.New()
		c.MaxDiaries = limit
		c.DiaryRunes = mcpPreviewRunes
		diaries := c.Build(nil, snap.Payload).Diaries

		if len(diaries) == 0 {
			return mcpText("No diary entries yet."), nil
		}

		var sb strings.Builder
		for i, d := range diaries {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			fmt.Fprintf(&sb, "%s", d.Date)
			if d.Emotion != "" {
				fmt.Fprintf(&sb, " [%s]", d.Emotion)
			}
			if d.Title != "" {
				fmt.Fprintf(&sb, " %s", d.Title)
			}
			fmt.Fprintf(&sb, "\n%s", d.Content)
		}
		if err != nil {
			sb.WriteString("\n\n(" + refreshFailed + "; showing saved entries)")
		}
		return mcpText(sb.String()), nil
	}
}

func mcpHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := clampLimit(req.GetInt("limit", defaultMCPLimit))
		items := deps.History.Recent(deps.Session.Principal(), limit)
		if len(items) == 0 {
			return mcpText("No conversation history."), nil
		}

		var sb strings.Builder
		for i, it := range items {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			fmt.Fprintf(&sb, "[%s %s]\nuser: %s\nassistant: %s", it.Date, it.Weekday, it.UserInput, it.AIResponse)
		}
		return mcpText(sb.String()), nil
	}
}

func mcpResourceHistory(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items := deps.History.Entries(deps.Session.Principal())
		if items == nil {
			items = []model.Interaction{}
		}
		b, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal history: %w", err)
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

func clampLimit(n int) int {
	if n <= 0 {
		return defaultMCPLimit
	}
	return min(n, maxMCPLimit)
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
