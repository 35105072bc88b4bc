// Package mcp exposes gateway operational state (metrics, budgets, cache,
// policy, spend) as MCP tools over stdio JSON-RPC 2.0.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/velar-health/velar/pkg/ledger"
	"github.com/velar-health/velar/pkg/metrics"
	"github.com/velar-health/velar/pkg/models"
	"github.com/velar-health/velar/pkg/policy"
)

// Reporter exposes one provider's operational state without coupling to a
// concrete adapter implementation. Any gateway adapter that owns a budget,
// breaker, and cache satisfies it.
type Reporter interface {
	BudgetUsage() models.BudgetUsage
	BreakerState() string
	CacheStats() (models.CacheStats, error)
}

// Server is a minimal MCP server that communicates over stdio using
// JSON-RPC 2.0.
type Server struct {
	metrics   *metrics.Collector
	providers map[string]Reporter
	enforcer  *policy.Enforcer
	ledger    ledger.Ledger
	version   string
}

// New creates a new MCP Server. Any dependency may be nil; the matching
// tools then report that the surface is not configured.
func New(m *metrics.Collector, providers map[string]Reporter, e *policy.Enforcer, l ledger.Ledger, version string) *Server {
	return &Server{
		metrics:   m,
		providers: providers,
		enforcer:  e,
		ledger:    l,
		version:   version,
	}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, *errResponse(nil, CodeParseError, "parse error"))
			continue
		}

		resp := s.dispatch(ctx, &req)
		if resp == nil {
			// notification, no response
			continue
		}
		s.writeResponse(w, *resp)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return okResponse(req.ID, InitializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      ServerInfo{Name: "velar", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return okResponse(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return okResponse(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	return okResponse(req.ID, handler(ctx, s, params.Arguments))
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("mcp: marshal error: %v", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		log.Printf("mcp: write error: %v", err)
	}
}
