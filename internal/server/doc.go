// Package server implements the MCP (Model Context Protocol) server that exposes
// the nesting-box pipeline as tools.
//
// Each pipeline stage can be run on its own, which makes it possible to tune
// the preprocessing, blob and taxonomy settings against a single capture
// before committing them to the configuration file.
//
// # Protocol
//
// The server communicates over stdio using JSON-RPC 2.0:
//   - Input: JSON-RPC requests on stdin (one per line)
//   - Output: JSON-RPC responses on stdout
//
// Supported MCP methods:
//   - initialize: Protocol handshake
//   - tools/list: Enumerate available tools
//   - tools/call: Execute a tool with arguments
//   - ping: Health check
//
// # Available Tools
//
// Image Information:
//   - nestbox_image_info: Load an image and report its metadata
//
// Pipeline Stages:
//   - nestbox_preprocess: Binary image produced by the preprocessing chain
//   - nestbox_count_blobs: Egg-shaped blob count with optional filter overrides
//   - nestbox_detect_objects: Raw model detections
//   - nestbox_classify: Valid count and unknown tally for a taxonomy
//
// Full Analysis:
//   - nestbox_analyze: NestingBoxState for one box image
//   - nestbox_latest: Last egg counts recorded while a box was unoccupied
//
// nestbox_detect_objects, nestbox_analyze and nestbox_latest need a detector,
// analyzer and state cache respectively; see the With options.
//
// # Image Caching
//
// Decoded images are cached by path and expire after the configured TTL, so a
// long session over many captures does not grow without bound.
//
// # Error Handling
//
//   - -32700: the request line is not JSON
//   - -32601: unknown method
//   - -32602: unknown tool or arguments that do not fit its schema
//   - -32000: the tool ran and failed; data carries the Go error string
//
// # Usage
//
//	srv := server.New(server.WithAnalyzer(a), server.WithStateCache(c))
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
