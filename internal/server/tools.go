package server

// Tool represents an MCP tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// pathProperty is the schema of the image path argument shared by most tools.
var pathProperty = map[string]interface{}{
	"type":        "string",
	"description": "Absolute path to a nesting-box image (PNG, JPEG or GIF)",
}

// GetToolDefinitions returns all available tools
func GetToolDefinitions() []Tool {
	return []Tool{
		// Image Information
		{
			Name:        "nestbox_image_info",
			Description: "Load an image and return its dimensions, format and file size. The decoded image is cached for later calls.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProperty,
				},
				"required": []string{"path"},
			},
		},

		// Pipeline Stages
		{
			Name:        "nestbox_preprocess",
			Description: "Run the preprocessing pipeline (grayscale, adaptive threshold, blur, Otsu binarization, inversion) and return the binary image as base64-encoded PNG.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProperty,
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "nestbox_count_blobs",
			Description: "Count egg-shaped blobs in an image using geometric filters. Optional overrides replace the configured blob parameters.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProperty,
					"min_area": map[string]interface{}{
						"type":        "number",
						"description": "Minimum blob area in square pixels",
					},
					"max_area": map[string]interface{}{
						"type":        "number",
						"description": "Maximum blob area in square pixels",
					},
					"min_circularity": map[string]interface{}{
						"type":        "number",
						"description": "Minimum circularity (1.0 is a perfect circle)",
					},
					"include_image": map[string]interface{}{
						"type":        "boolean",
						"description": "Also return the annotated blob image as base64 PNG. Default false",
						"default":     false,
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "nestbox_detect_objects",
			Description: "Run the object detection model on an image and return every detection with class, confidence and bounding box.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProperty,
					"confidence": map[string]interface{}{
						"type":        "number",
						"description": "Minimum confidence. Default 0.03",
						"default":     0.03,
					},
					"iou": map[string]interface{}{
						"type":        "number",
						"description": "Overlap threshold for suppression. Default 0.8",
						"default":     0.8,
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "nestbox_classify",
			Description: "Classify detections against a taxonomy: count valid classes, drop ignored ones and tally unknown ones. Name a configured taxonomy (egg, chicken) or pass valid/ignored lists.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"detections": map[string]interface{}{
						"type":        "array",
						"description": "Detections to classify",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"class_name": map[string]interface{}{"type": "string"},
								"confidence": map[string]interface{}{"type": "number"},
							},
							"required": []string{"class_name"},
						},
					},
					"taxonomy": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"egg", "chicken"},
						"description": "Configured taxonomy to use",
					},
					"valid": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Classes to count (used when taxonomy is not given)",
					},
					"ignored": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Classes to drop (used when taxonomy is not given)",
					},
				},
				"required": []string{"detections"},
			},
		},

		// Full Analysis
		{
			Name:        "nestbox_analyze",
			Description: "Analyze one nesting-box image: blob egg count, model egg count, chicken count and unknown objects. Artifacts are written to the configured output directory.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProperty,
					"box_id": map[string]interface{}{
						"type":        "integer",
						"description": "Nesting box identifier. Default 0",
						"default":     0,
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "nestbox_latest",
			Description: "Return the last egg counts recorded while a box was unoccupied. Omit box_id to list every box.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"box_id": map[string]interface{}{
						"type":        "integer",
						"description": "Nesting box identifier",
					},
				},
			},
		},
	}
}

// handleToolsList returns the list of available tools
func (s *Server) handleToolsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": GetToolDefinitions(),
		},
	}
}
