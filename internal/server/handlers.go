package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ironsheep/eggwatch/internal/analyzer"
	"github.com/ironsheep/eggwatch/internal/detection"
	"github.com/ironsheep/eggwatch/internal/imaging"
	"github.com/ironsheep/eggwatch/internal/model"
	"github.com/ironsheep/eggwatch/internal/store"
	"github.com/ironsheep/eggwatch/internal/taxonomy"
)

// ToolCallParams represents the parameters for a tools/call MCP request.
type ToolCallParams struct {
	// Name is the tool to invoke (e.g., "nestbox_analyze").
	Name string `json:"name"`

	// Arguments contains the tool-specific parameters as JSON.
	Arguments json.RawMessage `json:"arguments"`
}

// invalidParamsError marks a tool call rejected before it ran: an unknown
// tool or arguments that do not fit its schema.
type invalidParamsError struct {
	err error
}

func (e *invalidParamsError) Error() string { return e.err.Error() }
func (e *invalidParamsError) Unwrap() error { return e.err }

func invalidParams(format string, args ...interface{}) error {
	return &invalidParamsError{err: fmt.Errorf(format, args...)}
}

// decodeArgs unmarshals tool arguments. Missing arguments decode as an empty
// object so required-field checks report the field by name.
func decodeArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return &invalidParamsError{err: err}
	}
	return nil
}

// handleToolsCall processes a tools/call request and executes the specified tool.
//
// The response wraps the tool result in MCP's content format:
//
//	{
//	  "content": [{"type": "text", "text": "<JSON result>"}]
//	}
//
// Rejected arguments return -32602. Tool execution errors return a JSON-RPC
// error response with code -32000.
func (s *Server) handleToolsCall(ctx context.Context, req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	result, err := s.executeTool(ctx, params.Name, params.Arguments)
	if err != nil {
		var ipe *invalidParamsError
		if errors.As(err, &ipe) {
			return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
		}
		s.log.Warn("tool failed", "tool", params.Name, "error", err)
		return s.errorResponse(req.ID, -32000, "Tool execution failed", err.Error())
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": mustMarshalJSON(result),
				},
			},
		},
	}
}

// executeTool dispatches tool execution to the appropriate handler function.
func (s *Server) executeTool(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	switch name {
	case "nestbox_image_info":
		return s.handleImageInfo(args)

	// Pipeline Stages
	case "nestbox_preprocess":
		return s.handlePreprocess(args)
	case "nestbox_count_blobs":
		return s.handleCountBlobs(args)
	case "nestbox_detect_objects":
		return s.handleDetectObjects(ctx, args)
	case "nestbox_classify":
		return s.handleClassify(args)

	// Full Analysis
	case "nestbox_analyze":
		return s.handleAnalyze(ctx, args)
	case "nestbox_latest":
		return s.handleLatest(ctx, args)

	default:
		return nil, invalidParams("unknown tool: %s", name)
	}
}

// errorResponse creates a JSON-RPC error response with the given details.
func (s *Server) errorResponse(id interface{}, code int, message, data string) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// mustMarshalJSON converts a value to pretty-printed JSON string.
// Panics are suppressed; on marshal failure, returns an empty string.
func mustMarshalJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// === Image Information ===

type pathArgs struct {
	Path string `json:"path"`
}

func (s *Server) loadPath(args json.RawMessage) (*pathArgs, error) {
	var a pathArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Path == "" {
		return nil, invalidParams("path is required")
	}
	return &a, nil
}

func (s *Server) handleImageInfo(args json.RawMessage) (interface{}, error) {
	a, err := s.loadPath(args)
	if err != nil {
		return nil, err
	}
	return imaging.LoadImageInfo(s.cache, a.Path)
}

// === Pipeline Stages ===

type preprocessResult struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	WhitePixels int    `json:"white_pixels"`
	ImageBase64 string `json:"image_base64"`
}

func (s *Server) handlePreprocess(args json.RawMessage) (interface{}, error) {
	a, err := s.loadPath(args)
	if err != nil {
		return nil, err
	}
	img, err := s.cache.Load(a.Path)
	if err != nil {
		return nil, err
	}
	bin, err := imaging.PrepareWith(img, s.prepare)
	if err != nil {
		return nil, err
	}
	data, err := imaging.EncodePNG(bin)
	if err != nil {
		return nil, err
	}

	white := 0
	for _, v := range bin.Pix {
		if v > 0 {
			white++
		}
	}
	b := bin.Bounds()
	return &preprocessResult{
		Width:       b.Dx(),
		Height:      b.Dy(),
		WhitePixels: white,
		ImageBase64: base64.StdEncoding.EncodeToString(data),
	}, nil
}

type countBlobsArgs struct {
	Path           string   `json:"path"`
	MinArea        *float64 `json:"min_area"`
	MaxArea        *float64 `json:"max_area"`
	MinCircularity *float64 `json:"min_circularity"`
	IncludeImage   bool     `json:"include_image"`
}

type countBlobsResult struct {
	Count       int              `json:"count"`
	Blobs       []detection.Blob `json:"blobs"`
	ImageBase64 string           `json:"image_base64,omitempty"`
}

func (s *Server) handleCountBlobs(args json.RawMessage) (interface{}, error) {
	var a countBlobsArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Path == "" {
		return nil, invalidParams("path is required")
	}

	p := s.blobs
	if a.MinArea != nil {
		p.FilterByArea = true
		p.MinArea = *a.MinArea
	}
	if a.MaxArea != nil {
		p.FilterByArea = true
		p.MaxArea = *a.MaxArea
	}
	if a.MinCircularity != nil {
		p.FilterByCircularity = true
		p.MinCircularity = *a.MinCircularity
	}
	if err := p.Validate(); err != nil {
		return nil, &invalidParamsError{err: err}
	}

	img, err := s.cache.Load(a.Path)
	if err != nil {
		return nil, err
	}
	bin, err := imaging.PrepareWith(img, s.prepare)
	if err != nil {
		return nil, err
	}
	blobs, err := detection.DetectBlobs(bin, p)
	if err != nil {
		return nil, err
	}
	if blobs == nil {
		blobs = []detection.Blob{}
	}

	result := &countBlobsResult{Count: len(blobs), Blobs: blobs}
	if a.IncludeImage {
		data, err := imaging.EncodePNG(detection.DrawBlobs(bin, blobs))
		if err != nil {
			return nil, err
		}
		result.ImageBase64 = base64.StdEncoding.EncodeToString(data)
	}
	return result, nil
}

type detectObjectsArgs struct {
	Path       string   `json:"path"`
	Confidence *float64 `json:"confidence"`
	IoU        *float64 `json:"iou"`
}

type detectObjectsResult struct {
	Count      int               `json:"count"`
	Detections []model.Detection `json:"detections"`
}

func (s *Server) handleDetectObjects(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a detectObjectsArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Path == "" {
		return nil, invalidParams("path is required")
	}
	if s.detector == nil {
		return nil, errors.New("no object detection model configured")
	}

	conf, iou := s.egg.Confidence, s.egg.IoU
	if a.Confidence != nil {
		conf = *a.Confidence
	}
	if a.IoU != nil {
		iou = *a.IoU
	}
	if conf < 0 || conf > 1 {
		return nil, invalidParams("confidence must be within [0, 1], got %v", conf)
	}
	if iou <= 0 || iou > 1 {
		return nil, invalidParams("iou must be within (0, 1], got %v", iou)
	}

	img, err := s.cache.Load(a.Path)
	if err != nil {
		return nil, err
	}
	dets, err := s.detector.Detect(ctx, img, conf, iou)
	if err != nil {
		return nil, err
	}
	if dets == nil {
		dets = []model.Detection{}
	}
	return &detectObjectsResult{Count: len(dets), Detections: dets}, nil
}

type classifyArgs struct {
	Detections []model.Detection `json:"detections"`
	Taxonomy   string            `json:"taxonomy"`
	Valid      []string          `json:"valid"`
	Ignored    []string          `json:"ignored"`
}

type classifyResult struct {
	Taxonomy   string         `json:"taxonomy"`
	ValidCount int            `json:"valid_count"`
	Unknown    map[string]int `json:"unknown"`
}

func (s *Server) handleClassify(args json.RawMessage) (interface{}, error) {
	var a classifyArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	var t taxonomy.Taxonomy
	switch a.Taxonomy {
	case "egg":
		t = s.egg.Taxonomy
	case "chicken":
		t = s.chicken.Taxonomy
	case "":
		if len(a.Valid) == 0 {
			return nil, invalidParams("either taxonomy or valid classes are required")
		}
		t = taxonomy.Taxonomy{Name: "custom", Valid: a.Valid, Ignored: a.Ignored}
	default:
		return nil, invalidParams("unknown taxonomy %q (expected egg or chicken)", a.Taxonomy)
	}

	c, err := taxonomy.New(t)
	if err != nil {
		return nil, err
	}
	valid, unknown := c.Classify(a.Detections)
	return &classifyResult{Taxonomy: c.Name(), ValidCount: valid, Unknown: unknown}, nil
}

// === Full Analysis ===

type analyzeArgs struct {
	Path  string `json:"path"`
	BoxID *int   `json:"box_id"`
}

type analyzeResult struct {
	analyzer.NestingBoxState
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) handleAnalyze(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a analyzeArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Path == "" {
		return nil, invalidParams("path is required")
	}
	if s.analyzer == nil {
		return nil, errors.New("no analyzer configured")
	}
	box := 0
	if a.BoxID != nil {
		box = *a.BoxID
	}

	img, err := s.cache.Load(a.Path)
	if err != nil {
		return nil, err
	}
	state, err := s.analyzer.Analyze(ctx, img, box)
	var awe *store.ArtifactWriteError
	if err != nil && !errors.As(err, &awe) {
		return nil, err
	}

	result := &analyzeResult{NestingBoxState: state}
	if err != nil {
		// counts are valid even when artifacts could not be written
		result.Warnings = []string{err.Error()}
	}
	return result, nil
}

type latestArgs struct {
	BoxID *int `json:"box_id"`
}

func (s *Server) handleLatest(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a latestArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if s.state == nil {
		return nil, errors.New("no state cache configured")
	}

	if a.BoxID == nil {
		boxes, err := s.state.All(ctx)
		if err != nil {
			return nil, err
		}
		if boxes == nil {
			boxes = []store.CachedBox{}
		}
		return map[string]interface{}{"boxes": boxes}, nil
	}

	box, err := s.state.Latest(ctx, *a.BoxID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("box %d has no unoccupied reading yet", *a.BoxID)
	}
	return box, err
}
