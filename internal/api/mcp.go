package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/svarx/replyd/internal/composer"
	"github.com/svarx/replyd/internal/storage"
)

// NewMCPServer creates an MCP server exposing reply drafting and the learned
// writing style as tools, for editor and agent integrations over stdio.
func NewMCPServer(deps AppDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"replyd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("replyd drafts email replies locally and learns the user's writing style."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("draft_reply",
			mcp.WithDescription("Draft a reply to an email in the user's learned writing style."),
			mcp.WithString("email", mcp.Description("The email text to reply to"), mcp.Required()),
			mcp.WithString("tone", mcp.Description("Reply tone: casual, professional, or formal")),
			mcp.WithString("length", mcp.Description("Reply length: short, medium, or long")),
		),
		mcpDraftReply(deps),
	)

	s.AddTool(
		mcp.NewTool("remember_text",
			mcp.WithDescription("Store a piece of the user's own writing so future drafts match their style."),
			mcp.WithString("text", mcp.Description("The user-authored text to remember"), mcp.Required()),
		),
		mcpRememberText(deps),
	)

	s.AddTool(
		mcp.NewTool("writing_style",
			mcp.WithDescription("Return the learned writing style summary and pattern details."),
		),
		mcpWritingStyle(deps),
	)

	return s
}

func mcpDraftReply(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		email, err := req.RequireString("email")
		if err != nil {
			return mcpError("email is required"), nil
		}

		creq := composer.Request{
			Email:  email,
			Tone:   req.GetString("tone", ""),
			Length: req.GetString("length", ""),
		}
		recordPattern(deps, email)

		style, err := deps.Analyzer.StyleSummary()
		if err != nil {
			style = ""
		}

		raw, _, err := deps.Model.Generate(ctx, composer.BuildPrompt(creq, style), composer.Params(creq.Length))
		if err != nil {
			return mcpText(composer.Fallback(creq)), nil
		}
		if reply := composer.CleanReply(raw); composer.Acceptable(reply) {
			return mcpText(reply), nil
		}
		return mcpText(composer.Fallback(creq)), nil
	}
}

func mcpRememberText(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		sample, err := deps.Store.AddSample(text)
		if errors.Is(err, storage.ErrRejected) {
			return mcpText("Not stored: duplicate or too short."), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store: %v", err)), nil
		}

		deps.Analyzer.Invalidate()
		return mcpText(fmt.Sprintf("Stored sample %s", sample.ID)), nil
	}
}

func mcpWritingStyle(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		summary, err := deps.Analyzer.StyleSummary()
		if err != nil {
			return mcpError(fmt.Sprintf("style summary failed: %v", err)), nil
		}
		patterns, err := deps.Analyzer.UserPatterns()
		if err != nil {
			return mcpError(fmt.Sprintf("pattern analysis failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"summary":  summary,
			"patterns": patterns,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("encoding style: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
