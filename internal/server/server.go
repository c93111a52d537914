package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ironsheep/eggwatch/internal/analyzer"
	"github.com/ironsheep/eggwatch/internal/detection"
	"github.com/ironsheep/eggwatch/internal/imaging"
	"github.com/ironsheep/eggwatch/internal/logger"
	"github.com/ironsheep/eggwatch/internal/model"
	"github.com/ironsheep/eggwatch/internal/store"
)

// Version is reported in the initialize handshake.
var Version = "dev"

// Server handles MCP protocol communication
type Server struct {
	cache    *imaging.ImageCache
	detector model.ObjectDetector
	analyzer *analyzer.Analyzer
	state    *store.StateCache
	blobs    detection.BlobParams
	prepare  imaging.PrepareOptions
	egg      analyzer.Pass
	chicken  analyzer.Pass
	log      *logger.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithDetector enables nestbox_detect_objects.
func WithDetector(d model.ObjectDetector) Option {
	return func(s *Server) { s.detector = d }
}

// WithAnalyzer enables nestbox_analyze.
func WithAnalyzer(a *analyzer.Analyzer) Option {
	return func(s *Server) { s.analyzer = a }
}

// WithStateCache enables nestbox_latest.
func WithStateCache(c *store.StateCache) Option {
	return func(s *Server) { s.state = c }
}

// WithPasses sets the taxonomies used when nestbox_classify names one.
func WithPasses(egg, chicken analyzer.Pass) Option {
	return func(s *Server) {
		s.egg = egg
		s.chicken = chicken
	}
}

// WithBlobParams sets the default blob parameters.
func WithBlobParams(p detection.BlobParams) Option {
	return func(s *Server) { s.blobs = p }
}

// WithPrepareOptions sets the preprocessing options.
func WithPrepareOptions(o imaging.PrepareOptions) Option {
	return func(s *Server) { s.prepare = o }
}

// WithCacheTTL sets how long decoded images stay cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Server) { s.cache = imaging.NewImageCache(ttl) }
}

// WithLogger sets the logger. Logs never go to stdout, which carries the
// protocol.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// MCPRequest represents an incoming JSON-RPC request
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an outgoing JSON-RPC response
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

// MCPError represents a JSON-RPC error
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// New creates a new MCP server instance
func New(opts ...Option) *Server {
	s := &Server{
		cache:   imaging.NewImageCache(imaging.DefaultCacheTTL),
		blobs:   detection.DefaultBlobParams(),
		prepare: imaging.DefaultPrepareOptions(),
		egg:     analyzer.EggPass(),
		chicken: analyzer.ChickenPass(),
		log:     logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves requests from stdin to stdout until stdin closes or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve reads one JSON-RPC request per line from r and writes responses to w.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	// Increase buffer size for large requests
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	encoder := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req MCPRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.log.Warn("failed to parse request", "error", err)
			if err := encoder.Encode(s.errorResponse(nil, -32700, "Parse error", err.Error())); err != nil {
				s.log.Error("failed to encode response", "error", err)
			}
			continue
		}

		resp := s.handleRequest(ctx, &req)
		if resp != nil {
			if err := encoder.Encode(resp); err != nil {
				s.log.Error("failed to encode response", "error", err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	return nil
}

// handleRequest routes requests to appropriate handlers
func (s *Server) handleRequest(ctx context.Context, req *MCPRequest) *MCPResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		// Client acknowledgment, no response needed
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]interface{}{},
		}
	default:
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32601,
				Message: fmt.Sprintf("Method not found: %s", req.Method),
			},
		}
	}
}

// handleInitialize responds to the initialize request
func (s *Server) handleInitialize(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    "eggwatch",
				"version": Version,
			},
		},
	}
}
