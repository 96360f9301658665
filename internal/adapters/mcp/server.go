// Package mcpadapter exposes discovery and task tracking as MCP tools.
package mcpadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
	"github.com/xtm888/medflow-ocr/internal/core/ports"
)

const serverName = "medflow-ocr"

type Tools struct {
	scanner ports.FolderScanner
	batches ports.BatchService

	maxFiles    int
	maxPatients int
}

func NewTools(scanner ports.FolderScanner, batches ports.BatchService, maxFiles, maxPatients int) *Tools {
	if maxFiles <= 0 {
		maxFiles = domain.DefaultBatchMaxFiles
	}
	if maxPatients <= 0 {
		maxPatients = domain.DefaultBatchMaxPatients
	}
	return &Tools{scanner: scanner, batches: batches, maxFiles: maxFiles, maxPatients: maxPatients}
}

// NewServer registers every tool on a fresh MCP server.
func (t *Tools) NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(serverName, version, server.WithToolCapabilities(true))

	s.AddTool(mcp.NewTool("list_shares",
		mcp.WithDescription("List configured device network shares and whether each is mounted."),
	), t.listShares)

	s.AddTool(mcp.NewTool("scan_folder",
		mcp.WithDescription("Count supported imaging files in a folder without processing them."),
		mcp.WithString("folder_path", mcp.Required(), mcp.Description("Absolute folder path")),
		mcp.WithNumber("max_files", mcp.Description("Maximum number of files to list")),
		mcp.WithBoolean("recursive", mcp.DefaultBool(true), mcp.Description("Descend into subfolders")),
	), t.scanFolder)

	s.AddTool(mcp.NewTool("preview_patients",
		mcp.WithDescription("Group a device folder by patient and show what a batch would import."),
		mcp.WithString("folder_path", mcp.Required(), mcp.Description("Absolute folder path")),
		mcp.WithString("device_type", mcp.Description("zeiss, solix, tomey, quantel or generic")),
		mcp.WithNumber("max_patients", mcp.Description("Maximum number of patients")),
	), t.previewPatients)

	s.AddTool(mcp.NewTool("submit_batch",
		mcp.WithDescription("Start an asynchronous OCR batch over a device folder."),
		mcp.WithString("folder_path", mcp.Required(), mcp.Description("Absolute folder path")),
		mcp.WithString("device_type", mcp.Description("zeiss, solix, tomey, quantel or generic")),
		mcp.WithNumber("max_patients", mcp.Description("Maximum number of patients")),
	), t.submitBatch)

	s.AddTool(mcp.NewTool("task_status",
		mcp.WithDescription("Get progress and results of an OCR task."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identifier returned on submit")),
	), t.taskStatus)

	return s
}

// Handler serves the tools over streamable HTTP.
func (t *Tools) Handler(version string) http.Handler {
	return server.NewStreamableHTTPServer(t.NewServer(version))
}

func (t *Tools) listShares(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"shares": t.scanner.CheckShares(ctx)})
}

func (t *Tools) scanFolder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	folder := req.GetString("folder_path", "")
	if folder == "" {
		return mcp.NewToolResultError("folder_path is required"), nil
	}
	result, err := t.scanner.ScanFolder(ctx, folder, domain.ScanOptions{
		MaxFiles:  req.GetInt("max_files", t.maxFiles),
		Recursive: req.GetBool("recursive", true),
	})
	if err != nil {
		return toolError("scan_folder", err), nil
	}
	return jsonResult(result)
}

func (t *Tools) previewPatients(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	folder := req.GetString("folder_path", "")
	if folder == "" {
		return mcp.NewToolResultError("folder_path is required"), nil
	}
	device := domain.ParseDeviceType(req.GetString("device_type", ""))
	preview, err := t.scanner.PreviewPatients(ctx, folder, device, req.GetInt("max_patients", t.maxPatients))
	if err != nil {
		return toolError("preview_patients", err), nil
	}
	return jsonResult(preview)
}

func (t *Tools) submitBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ticket, err := t.batches.Submit(ctx, domain.BatchRequest{
		FolderPath:  req.GetString("folder_path", ""),
		DeviceType:  domain.DeviceType(req.GetString("device_type", "")),
		MaxPatients: req.GetInt("max_patients", 0),
	})
	if err != nil {
		return toolError("submit_batch", err), nil
	}
	return jsonResult(ticket)
}

func (t *Tools) taskStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := req.GetString("task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	progress, err := t.batches.Status(ctx, taskID)
	if err != nil {
		return toolError("task_status", err), nil
	}
	return jsonResult(progress)
}

func toolError(tool string, err error) *mcp.CallToolResult {
	if !domain.IsKind(err, domain.ErrInvalidInput) && !domain.IsKind(err, domain.ErrNotFound) && !domain.IsKind(err, domain.ErrNoFiles) {
		slog.Error("mcp_tool_failed", "tool", tool, "error", err)
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}
