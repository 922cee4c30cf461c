// Package mcpserver exposes the analysis task API as MCP tools over stdio.
package mcpserver

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/jengzang/mahjong-analysis-go/internal/models"
	"github.com/jengzang/mahjong-analysis-go/internal/service"
)

// Server adapts AnalysisTaskService to MCP tool handlers.
type Server struct {
	tasks  *service.AnalysisTaskService
	logger zerolog.Logger
}

// New creates a Server backed by tasks.
func New(tasks *service.AnalysisTaskService, logger zerolog.Logger) *Server {
	return &Server{
		tasks:  tasks,
		logger: logger.With().Str("component", "mcp").Logger(),
	}
}

// MCPServer builds the MCP server with every tool registered.
func (s *Server) MCPServer(name, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_analysis",
		Description: "Start analyzing the settlement screenshots under a remote directory. Returns immediately with a task ID; poll check_analysis for progress.",
	}, s.CreateAnalysis)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "check_analysis",
		Description: "Report status, progress and error of one analysis task.",
	}, s.CheckAnalysis)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_analyses",
		Description: "List analysis tasks newest first, optionally filtered by status or name.",
	}, s.ListAnalyses)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_analysis_result",
		Description: "Fetch the final analysis text of a completed task.",
	}, s.GetAnalysisResult)

	return server
}

// Run serves MCP over stdin/stdout until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context, name, version string) error {
	s.logger.Info().Msg("mcp server listening on stdio")
	return s.MCPServer(name, version).Run(ctx, &mcp.StdioTransport{})
}

// CreateAnalysis handles the create_analysis tool.
func (s *Server) CreateAnalysis(ctx context.Context, _ *mcp.CallToolRequest, args CreateAnalysisArgs) (*mcp.CallToolResult, TaskView, error) {
	task, err := s.tasks.CreateTask(ctx, service.CreateTaskInput{
		SourceRef:      args.CosPath,
		Prompt:         args.Prompt,
		Name:           args.Name,
		ForceReanalyze: args.ForceReanalyze,
	})
	if err != nil {
		return nil, TaskView{}, err
	}
	return nil, viewOf(*task), nil
}

// CheckAnalysis handles the check_analysis tool.
func (s *Server) CheckAnalysis(_ context.Context, _ *mcp.CallToolRequest, args CheckAnalysisArgs) (*mcp.CallToolResult, TaskView, error) {
	task, err := s.tasks.GetTask(args.TaskID)
	if err != nil {
		return nil, TaskView{}, err
	}
	return nil, viewOf(*task), nil
}

// ListAnalyses handles the list_analyses tool. A name switches to search.
func (s *Server) ListAnalyses(_ context.Context, _ *mcp.CallToolRequest, args ListAnalysesArgs) (*mcp.CallToolResult, ListAnalysesOutput, error) {
	var tasks []models.AnalysisTask
	if args.Name != "" {
		res, err := s.tasks.SearchTasks(models.TaskSearchFilter{Name: args.Name, Status: args.Status, Limit: args.Limit})
		if err != nil {
			return nil, ListAnalysesOutput{}, err
		}
		tasks = res.Tasks
	} else {
		res, err := s.tasks.ListTasks(models.TaskListFilter{Status: args.Status, Limit: args.Limit})
		if err != nil {
			return nil, ListAnalysesOutput{}, err
		}
		tasks = res.Tasks
	}

	out := ListAnalysesOutput{Tasks: make([]TaskView, 0, len(tasks)), Total: len(tasks)}
	for _, task := range tasks {
		out.Tasks = append(out.Tasks, viewOf(task))
	}
	return nil, out, nil
}

// GetAnalysisResult handles the get_analysis_result tool.
func (s *Server) GetAnalysisResult(_ context.Context, _ *mcp.CallToolRequest, args GetAnalysisResultArgs) (*mcp.CallToolResult, AnalysisResultOutput, error) {
	res, err := s.tasks.GetTaskResult(args.TaskID)
	if err != nil {
		return nil, AnalysisResultOutput{}, err
	}
	return nil, AnalysisResultOutput{
		TaskID:        res.TaskID,
		Content:       res.Content,
		Size:          res.Size,
		MergedContent: res.MergedContent,
	}, nil
}

func viewOf(task models.AnalysisTask) TaskView {
	v := TaskView{
		TaskID:    task.ID,
		Name:      task.Name,
		CosPath:   task.SourceRef,
		Status:    string(task.Status),
		Progress:  task.Progress,
		Message:   task.Message,
		CacheUsed: task.CacheUsed,
		CreatedAt: task.CreatedAt.Format(time.RFC3339),
		UpdatedAt: task.UpdatedAt.Format(time.RFC3339),
	}
	if task.Error != nil {
		v.Error = *task.Error
	}
	if task.ResultFile != nil {
		v.ResultFile = *task.ResultFile
	}
	return v
}
