// Package mcpadapter exposes the query pipeline as an MCP tool.
package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
)

const QueryToolName = "kedb_query"

type Options struct {
	Name     string
	Version  string
	Caller   domain.Caller
	DefaultK int
	MaxK     int
	Logger   *slog.Logger
}

// Server answers tool calls on behalf of one configured caller identity.
type Server struct {
	queries ports.QueryService
	opts    Options
	mcp     *server.MCPServer
}

func New(queries ports.QueryService, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "kedb-orchestrator"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if opts.DefaultK <= 0 {
		opts.DefaultK = 5
	}
	if opts.MaxK < opts.DefaultK {
		opts.MaxK = opts.DefaultK
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{queries: queries, opts: opts}
	s.mcp = server.NewMCPServer(opts.Name, opts.Version, server.WithToolCapabilities(false))
	s.mcp.AddTool(queryTool(), s.handleQuery)
	return s
}

func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio blocks serving the protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func queryTool() mcp.Tool {
	return mcp.NewTool(QueryToolName,
		mcp.WithDescription("Search the known-error database and return a grounded, cited answer with its evidence."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Incident symptom or error message to look up."),
		),
		mcp.WithNumber("k",
			mcp.Description("Maximum evidence items to return."),
		),
		mcp.WithArray("severities",
			mcp.Description("Restrict to these severities: critical, high, medium, low, info."),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithArray("tags",
			mcp.Description("Restrict to entries carrying all of these tags."),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
}

func (s *Server) handleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	query, err := domain.NewQuery(text, s.opts.Caller, domain.Filters{
		Severities: lowerAll(request.GetStringSlice("severities", nil)),
		Tags:       lowerAll(request.GetStringSlice("tags", nil)),
	}, request.GetInt("k", 0), s.opts.DefaultK, s.opts.MaxK)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := s.queries.Query(ctx, query)
	if err != nil {
		s.opts.Logger.Error("mcp_query_failed", "caller_id", s.opts.Caller.ID, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	result := mcp.NewToolResultText(string(raw))
	result.IsError = isUnavailable(resp.Status)
	return result, nil
}

func isUnavailable(status domain.Status) bool {
	switch status {
	case domain.StatusTimeout, domain.StatusRetrievalUnavailable, domain.StatusLLMUnavailable:
		return true
	default:
		return false
	}
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
