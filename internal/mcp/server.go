package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"chatforge/backend/internal/services"
	"chatforge/backend/pkg/models"
)

// Server exposes the workflow engine to MCP clients: agents can validate
// graphs, run messages through a tenant's live workflow, and inspect runtime
// state.
type Server struct {
	mcpServer *server.MCPServer
	workflows *services.WorkflowService
}

func NewServer(workflows *services.WorkflowService) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"ChatForge Workflows",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		workflows: workflows,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"validate_workflow",
			mcp.WithDescription("Validate a workflow graph and return all structural errors"),
			mcp.WithString("graph", mcp.Required(), mcp.Description("The workflow graph as a JSON document with nodes and edges")),
		),
		s.handleValidate,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execute_workflow",
			mcp.WithDescription("Run a message through a tenant's live workflow"),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("The tenant whose live workflow should handle the message")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The end-user message")),
			mcp.WithString("conversation_id", mcp.Description("Optional conversation id for transcript continuity")),
		),
		s.handleExecute,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"workflow_status",
			mcp.WithDescription("Report a tenant's runtime status and execution statistics"),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("The tenant to inspect")),
		),
		s.handleStatus,
	)
}

func (s *Server) handleValidate(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	rawGraph, ok := args["graph"].(string)
	if !ok || rawGraph == "" {
		return mcp.NewToolResultError("Missing required parameter: graph"), nil
	}

	var graph models.Graph
	if err := json.Unmarshal([]byte(rawGraph), &graph); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid graph JSON: %v", err)), nil
	}

	result := s.workflows.Validate(graph)
	jsonBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	tenantID, ok := args["tenant_id"].(string)
	if !ok || tenantID == "" {
		return mcp.NewToolResultError("Missing required parameter: tenant_id"), nil
	}
	message, ok := args["message"].(string)
	if !ok || message == "" {
		return mcp.NewToolResultError("Missing required parameter: message"), nil
	}
	conversationID, _ := args["conversation_id"].(string)

	result, err := s.workflows.Execute(ctx, tenantID, conversationID, message)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to execute: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	tenantID, ok := args["tenant_id"].(string)
	if !ok || tenantID == "" {
		return mcp.NewToolResultError("Missing required parameter: tenant_id"), nil
	}

	status := s.workflows.Status(tenantID)
	jsonBytes, _ := json.Marshal(status)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
