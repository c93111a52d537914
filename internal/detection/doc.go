// Package detection finds egg-shaped blobs in the binary images produced by
// the imaging package.
//
// DetectBlobs scans a range of intensity thresholds, extracts 8-connected
// components of the configured colour at each level (dark by default, as
// eggs come out of preprocessing), measures each component on its traced
// outer boundary and keeps the ones that pass the geometric filters (area,
// circularity, convexity, inertia). Detections that coincide across
// enough levels are merged into one stable blob.
//
// # Coordinate System
//
// All coordinates use the standard image convention:
//   - Origin (0, 0) at top-left corner
//   - X increases rightward
//   - Y increases downward
//
// Blob centers are sub-pixel; sizes are diameters in pixels.
package detection
