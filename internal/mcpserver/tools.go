package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/memory"
	"github.com/termbridge/termbridge/internal/scheduler"
)

// Deps are the agent-side capabilities the tools call into. The bridge
// binds them to the owning agent's share manager, delivery pipeline,
// memory mirror and job stores.
type Deps struct {
	ShareLink    func(path string, ttl time.Duration) (string, error)
	UploadLink   func(ttl time.Duration) (string, error)
	SendFile     func(ctx context.Context, path, caption string) error
	MemorySearch func(query, tag string, days int) ([]memory.Row, error)
	MemorySave   func(topic, content string) error
	ListJobs     func(workspace string) ([]scheduler.Job, error)
}

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("share_file",
			mcp.WithDescription("Create a signed download link for a file or directory in the workspace. Returns a URL the user can open in a browser."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Path of the file or directory to share, relative to the workspace"),
			),
			mcp.WithNumber("ttl_hours",
				mcp.Description("Link lifetime in hours (default 24)"),
			),
		),
		shareFileHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("upload_link",
			mcp.WithDescription("Create a signed upload link the user can open to drop files into the workspace uploads directory."),
			mcp.WithNumber("ttl_hours",
				mcp.Description("Link lifetime in hours (default 1)"),
			),
		),
		uploadLinkHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("send_file",
			mcp.WithDescription("Send a file from the workspace directly to the chat as a document."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Path of the file to send"),
			),
			mcp.WithString("caption",
				mcp.Description("Optional caption shown with the document"),
			),
		),
		sendFileHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("memory_search",
			mcp.WithDescription("Search the workspace memory (daily logs, experience topics, summaries)."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Free-text query"),
			),
			mcp.WithString("tag",
				mcp.Description("Only return entries carrying this tag"),
			),
			mcp.WithNumber("days",
				mcp.Description("Only return entries from the last N days"),
			),
		),
		memorySearchHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("memory_save",
			mcp.WithDescription("Save or replace an experience topic in the workspace memory."),
			mcp.WithString("topic",
				mcp.Required(),
				mcp.Description("Topic name, becomes experience/<topic>.md"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("Markdown content of the topic"),
			),
		),
		memorySaveHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List the scheduled jobs of a workspace."),
			mcp.WithString("workspace",
				mcp.Required(),
				mcp.Description("Workspace path"),
			),
		),
		listJobsHandler(deps, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 6))
}

func ttlHours(req mcp.CallToolRequest, def time.Duration) time.Duration {
	hours := req.GetFloat("ttl_hours", 0)
	if hours <= 0 {
		return def
	}
	return time.Duration(hours * float64(time.Hour))
}

func shareFileHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		url, err := deps.ShareLink(path, ttlHours(req, 24*time.Hour))
		if err != nil {
			log.Error("share link failed", zap.String("path", path), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create share link: %v", err)), nil
		}
		return mcp.NewToolResultText(url), nil
	}
}

func uploadLinkHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := deps.UploadLink(ttlHours(req, time.Hour))
		if err != nil {
			log.Error("upload link failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create upload link: %v", err)), nil
		}
		return mcp.NewToolResultText(url), nil
	}
}

func sendFileHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		caption := req.GetString("caption", "")
		if err := deps.SendFile(ctx, path, caption); err != nil {
			log.Error("send file failed", zap.String("path", path), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send file: %v", err)), nil
		}
		return mcp.NewToolResultText("File sent to the chat."), nil
	}
}

func memorySearchHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tag := req.GetString("tag", "")
		days := req.GetInt("days", 0)

		rows, err := deps.MemorySearch(query, tag, days)
		if err != nil {
			log.Error("memory search failed", zap.String("query", query), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Memory search failed: %v", err)), nil
		}
		if len(rows) == 0 {
			return mcp.NewToolResultText("No matching memories."), nil
		}
		formatted, _ := json.MarshalIndent(rows, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func memorySaveHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := deps.MemorySave(topic, content); err != nil {
			log.Error("memory save failed", zap.String("topic", topic), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Memory save failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Saved topic %q.", topic)), nil
	}
}

func listJobsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workspace, err := req.RequireString("workspace")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		jobs, err := deps.ListJobs(workspace)
		if err != nil {
			log.Error("list jobs failed", zap.String("workspace", workspace), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list jobs: %v", err)), nil
		}
		if len(jobs) == 0 {
			return mcp.NewToolResultText("No scheduled jobs."), nil
		}
		formatted, _ := json.MarshalIndent(jobs, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
