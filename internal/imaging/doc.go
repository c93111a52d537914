// Package imaging provides the pixel-level stages of the nesting-box pipeline.
//
// It covers four concerns:
//   - Preprocessing: ToGray, AdaptiveThreshold, Smooth, OtsuBinarize and Invert,
//     composed by Prepare into the binary image used for blob detection.
//   - Splicing: cutting the per-box regions out of a full camera frame.
//   - Loading: decoding and caching images from disk.
//   - Annotation: drawing overlays and encoding artifacts as JPEG or PNG.
//
// # Coordinate System
//
// All pixel coordinates are 0-based with (0,0) at the top-left corner.
// For regions, Min is inclusive and Max is exclusive. Every stage returns
// an image anchored at the origin regardless of the input bounds.
//
// # Thread Safety
//
// ImageCache is safe for concurrent use. The stage functions are pure and can
// run concurrently on different or identical inputs.
package imaging
