// Package mcp exposes the print pipeline as MCP tools so an agent can start,
// inspect and cancel print jobs.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/example/print-agent/internal/model"
	"github.com/example/print-agent/internal/store"
)

// Pipeline is the part of the orchestrator the tools drive.
type Pipeline interface {
	Submit(prompt string) string
	Cancel(jobID string) bool
	CancelCurrent() int
}

type Server struct {
	mcpServer *server.MCPServer
	pipeline  Pipeline
	jobs      store.Store
}

func NewServer(pipeline Pipeline, jobs store.Store, version string) *Server {
	s := &Server{pipeline: pipeline, jobs: jobs}
	s.mcpServer = server.NewMCPServer(
		"print-agent",
		version,
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"print_part",
		mcp.WithDescription("Design a part from a description, slice it and start printing it"),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("Natural-language description of the part"),
		),
	), s.handlePrintPart)

	s.mcpServer.AddTool(mcp.NewTool(
		"cancel_print",
		mcp.WithDescription("Cancel a print job, or the print currently running when no job id is given"),
		mcp.WithString("job_id",
			mcp.Description("Job to cancel"),
		),
	), s.handleCancelPrint)

	s.mcpServer.AddTool(mcp.NewTool(
		"job_status",
		mcp.WithDescription("Report the stage, outcome and device state of a print job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job id returned by print_part"),
		),
	), s.handleJobStatus)
}

func (s *Server) handlePrintPart(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}

	jobID := s.pipeline.Submit(prompt)
	slog.Info("Print job submitted over MCP", "job_id", jobID)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Print job created with ID: %s\n\nUse job_status to follow it or cancel_print to stop it.\n"+
			"- Status: GET /v1/jobs/%s",
		jobID, jobID,
	)), nil
}

func (s *Server) handleCancelPrint(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if jobID := request.GetString("job_id", ""); jobID != "" {
		if !s.pipeline.Cancel(jobID) {
			return mcp.NewToolResultError(fmt.Sprintf("job %s is not running", jobID)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Cancelled job %s", jobID)), nil
	}

	if n := s.pipeline.CancelCurrent(); n > 0 {
		return mcp.NewToolResultText("Cancelled the current print"), nil
	}
	return mcp.NewToolResultText("No print is running"), nil
}

func (s *Server) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.jobs.GetJob(ctx, jobID)
	if errors.Is(err, model.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("job %s not found", jobID)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	body, err := json.MarshalIndent(map[string]any{
		"id":          job.ID,
		"prompt":      job.Prompt,
		"stage":       model.StageName(job.Stage),
		"outcome":     job.Outcome,
		"deviceState": job.DeviceState,
		"progress":    job.Progress,
		"remoteName":  job.RemoteName,
		"error":       job.Error,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(body)), nil
}

// Handler serves the MCP streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}
