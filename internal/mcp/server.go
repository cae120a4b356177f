package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/revsearch/internal/reviews"
	"github.com/nickcecere/revsearch/internal/store"
)

const (
	// MCPVersion is the protocol version we support.
	MCPVersion = "2024-11-05"

	// ServerName is the name of this MCP server.
	ServerName = "revsearch"
)

// maxBodyChars truncates review bodies in tool output.
const maxBodyChars = 500

// Backend is the subset of the review service exposed as tools.
type Backend interface {
	AddReview(ctx context.Context, r store.Record) (*reviews.AddResult, error)
	Search(ctx context.Context, query string, topK int) (*reviews.SearchResponse, error)
	Health() (*reviews.Health, error)
	Reconcile(ctx context.Context, mode reviews.ReconcileMode) (*reviews.ReconcileSummary, error)
}

// Server is the MCP server for revsearch.
type Server struct {
	backend Backend
	version string

	reader *bufio.Reader
	writer io.Writer

	initialized bool
}

// NewServer creates an MCP server reading requests from r and writing
// responses to w, one JSON object per line.
func NewServer(backend Backend, version string, r io.Reader, w io.Writer) *Server {
	return &Server{
		backend: backend,
		version: version,
		reader:  bufio.NewReader(r),
		writer:  w,
	}
}

// Run processes requests until EOF or until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	log.Info("MCP server starting")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.reader.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			s.handleLine(ctx, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("MCP server received EOF, shutting down")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line string) {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.sendError(nil, ErrorCodeParse, "Parse error", err.Error())
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.sendError(req.ID, ErrorCodeInvalidRequest, "Invalid Request", "expected jsonrpc 2.0 with a method")
		return
	}
	s.handleRequest(ctx, req)
}

func (s *Server) handleRequest(ctx context.Context, req Request) {
	log.Debug("Received request", "method", req.Method, "id", req.ID)

	var result any
	var err error

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(req.Params)
	case "initialized", "notifications/initialized":
		s.initialized = true
		log.Info("MCP server initialized")
		return
	case "tools/list":
		result = s.handleListTools()
	case "tools/call":
		result, err = s.handleCallTool(ctx, req.Params)
		if err != nil {
			s.sendError(req.ID, ErrorCodeInvalidParams, "Invalid params", err.Error())
			return
		}
	case "ping":
		result = map[string]any{}
	default:
		s.sendError(req.ID, ErrorCodeMethodNotFound, "Method not found", req.Method)
		return
	}

	if err != nil {
		s.sendError(req.ID, ErrorCodeInternal, "Internal error", err.Error())
		return
	}

	s.sendResult(req.ID, result)
}

func (s *Server) handleInitialize(params json.RawMessage) (*InitializeResult, error) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	log.Info("Initializing MCP server",
		"clientName", p.ClientInfo.Name,
		"clientVersion", p.ClientInfo.Version,
		"protocolVersion", p.ProtocolVersion,
	)

	return &InitializeResult{
		ProtocolVersion: MCPVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo: ServerInfo{
			Name:    ServerName,
			Version: s.version,
		},
	}, nil
}

func intPtr(v int) *int { return &v }

func (s *Server) handleListTools() *ListToolsResult {
	tools := []Tool{
		{
			Name:        "review_search",
			Description: "Semantic search over product reviews. Returns the most similar reviews to a natural language query.",
			InputSchema: JSONSchema{
				Type: "object",
				Properties: map[string]Property{
					"query": {
						Type:        "string",
						Description: "What to look for, in natural language",
					},
					"top_k": {
						Type:        "integer",
						Description: "Maximum number of reviews to return",
						Default:     reviews.DefaultTopK,
						Minimum:     intPtr(1),
						Maximum:     intPtr(reviews.MaxTopK),
					},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "review_add",
			Description: "Store a product review and make it searchable.",
			InputSchema: JSONSchema{
				Type: "object",
				Properties: map[string]Property{
					"review_title":  {Type: "string", Description: "Review title"},
					"review_body":   {Type: "string", Description: "Review text"},
					"product_id":    {Type: "string", Description: "Product identifier"},
					"review_rating": {Type: "integer", Description: "Star rating", Minimum: intPtr(reviews.MinRating), Maximum: intPtr(reviews.MaxRating)},
				},
				Required: []string{"review_title", "review_body", "product_id", "review_rating"},
			},
		},
		{
			Name:        "review_health",
			Description: "Report review counts and index status.",
			InputSchema: JSONSchema{Type: "object"},
		},
		{
			Name:        "review_reconcile",
			Description: "Compare the vector index with the review log and optionally repair divergence.",
			InputSchema: JSONSchema{
				Type: "object",
				Properties: map[string]Property{
					"mode": {
						Type:        "string",
						Description: "report only logs divergence; repair fixes it",
						Default:     string(reviews.ReconcileReport),
						Enum:        []string{string(reviews.ReconcileReport), string(reviews.ReconcileRepair)},
					},
				},
			},
		},
	}

	return &ListToolsResult{Tools: tools}
}

func (s *Server) handleCallTool(ctx context.Context, params json.RawMessage) (*CallToolResult, error) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	log.Debug("Calling tool", "name", p.Name, "arguments", p.Arguments)

	var text string
	var err error

	switch p.Name {
	case "review_search":
		text, err = s.toolSearch(ctx, p.Arguments)
	case "review_add":
		text, err = s.toolAdd(ctx, p.Arguments)
	case "review_health":
		text, err = s.toolHealth()
	case "review_reconcile":
		text, err = s.toolReconcile(ctx, p.Arguments)
	default:
		return textResult(fmt.Sprintf("Unknown tool: %s", p.Name), true), nil
	}

	if err != nil {
		return textResult("Error: "+err.Error(), true), nil
	}
	return textResult(text, false), nil
}

func textResult(text string, isError bool) *CallToolResult {
	return &CallToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: isError,
	}
}

func (s *Server) toolSearch(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	topK := intArg(args, "top_k", reviews.DefaultTopK)

	resp, err := s.backend.Search(ctx, query, topK)
	if err != nil {
		return "", err
	}
	if len(resp.Results) == 0 {
		return "No results found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d reviews:\n\n", resp.TotalFound)
	for i, r := range resp.Results {
		fmt.Fprintf(&sb, "[%d] %s (product %s, %d/5) - similarity %.3f, id %d\n",
			i+1, r.Title, r.ProductID, r.Rating, r.SimilarityScore, r.VectorID)
		body := r.Body
		if len(body) > maxBodyChars {
			body = body[:maxBodyChars] + "..."
		}
		sb.WriteString(body)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

func (s *Server) toolAdd(ctx context.Context, args map[string]any) (string, error) {
	rec := store.Record{
		Title:     stringArg(args, "review_title"),
		Body:      stringArg(args, "review_body"),
		ProductID: stringArg(args, "product_id"),
		Rating:    intArg(args, "review_rating", 0),
	}

	res, err := s.backend.AddReview(ctx, rec)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Review added with ID %d", res.VectorID), nil
}

func (s *Server) toolHealth() (string, error) {
	h, err := s.backend.Health()
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Server) toolReconcile(ctx context.Context, args map[string]any) (string, error) {
	raw := stringArg(args, "mode")
	if raw == "" {
		raw = string(reviews.ReconcileReport)
	}
	mode, err := reviews.ParseReconcileMode(raw)
	if err != nil {
		return "", err
	}

	report, err := s.backend.Reconcile(ctx, mode)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("index=%d log=%d action=%s replayed=%d dropped=%d",
		report.IndexCount, report.LogCount, report.Action, report.Replayed, report.Dropped), nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg accepts JSON numbers and numeric strings.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func (s *Server) sendResult(id any, result any) {
	s.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(id any, code int, message, data string) {
	s.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

func (s *Server) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("Failed to marshal response", "error", err)
		return
	}
	fmt.Fprintln(s.writer, string(data))
}
