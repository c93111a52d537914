package config

import (
	"math"
	"time"

	"github.com/spf13/viper"

	"github.com/ironsheep/eggwatch/internal/imaging"
)

// setDefaults mirrors the built-in pipeline defaults so that an empty config
// file reproduces them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("output_dir", "./captures")
	v.SetDefault("state_db", "./eggwatch.db")
	v.SetDefault("jpeg_quality", imaging.DefaultJPEGQuality)
	v.SetDefault("save_raw", true)

	v.SetDefault("model.path", "./models/yolov8l_float32.tflite")
	v.SetDefault("model.labels", "")
	v.SetDefault("model.threads", 0)
	v.SetDefault("model.max_detections", 300)
	v.SetDefault("model.per_class_nms", false)

	v.SetDefault("egg.taxonomy.name", "egg")
	v.SetDefault("egg.taxonomy.valid", []string{"apple", "sports ball", "orange"})
	v.SetDefault("egg.taxonomy.ignored", []string{"bench", "chair", "bird"})
	v.SetDefault("egg.confidence", 0.03)
	v.SetDefault("egg.iou", 0.8)

	v.SetDefault("chicken.taxonomy.name", "chicken")
	v.SetDefault("chicken.taxonomy.valid", []string{"bird", "bear", "dog", "cat", "elephant"})
	v.SetDefault("chicken.taxonomy.ignored", []string{"bench", "chair", "apple", "sports ball", "orange"})
	v.SetDefault("chicken.confidence", 0.03)
	v.SetDefault("chicken.iou", 0.7)

	v.SetDefault("preprocess.adaptive_block", imaging.DefaultAdaptiveBlock)
	v.SetDefault("preprocess.adaptive_offset", imaging.DefaultAdaptiveOffset)
	v.SetDefault("preprocess.smooth_kernel", imaging.DefaultSmoothKernel)

	v.SetDefault("blob.min_threshold", 10)
	v.SetDefault("blob.max_threshold", 200)
	v.SetDefault("blob.threshold_step", 10)
	v.SetDefault("blob.min_repeatability", 2)
	v.SetDefault("blob.min_dist_between_blobs", 10)
	v.SetDefault("blob.filter_by_color", true)
	v.SetDefault("blob.blob_color", 0)
	v.SetDefault("blob.filter_by_area", true)
	v.SetDefault("blob.min_area", 2000)
	v.SetDefault("blob.max_area", 10000)
	v.SetDefault("blob.filter_by_circularity", true)
	v.SetDefault("blob.min_circularity", 0.5)
	v.SetDefault("blob.max_circularity", math.MaxFloat32)
	v.SetDefault("blob.filter_by_convexity", false)
	v.SetDefault("blob.min_convexity", 0.95)
	v.SetDefault("blob.max_convexity", math.MaxFloat32)
	v.SetDefault("blob.filter_by_inertia", false)
	v.SetDefault("blob.min_inertia_ratio", 0.1)
	v.SetDefault("blob.max_inertia_ratio", math.MaxFloat32)

	regions := make([]map[string]interface{}, 0, 2)
	for _, r := range imaging.DefaultRegions() {
		regions = append(regions, map[string]interface{}{
			"box":  r.Box,
			"rect": []int{r.Rect.Min.X, r.Rect.Min.Y, r.Rect.Max.X, r.Rect.Max.Y},
		})
	}
	v.SetDefault("regions", regions)

	v.SetDefault("capture.image", "")
	v.SetDefault("capture.url", "")
	v.SetDefault("capture.timeout", 30*time.Second)

	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.mqtt.broker", "")
	v.SetDefault("metrics.mqtt.client_id", "")
	v.SetDefault("metrics.mqtt.username", "")
	v.SetDefault("metrics.mqtt.password", "")
	v.SetDefault("metrics.mqtt.topic", "eggwatch")
	v.SetDefault("metrics.mqtt.qos", 0)
	v.SetDefault("metrics.mqtt.retain", false)
	v.SetDefault("metrics.mqtt.timeout", 10*time.Second)

	v.SetDefault("schedule.every", 15*time.Minute)

	v.SetDefault("server.cache_ttl", imaging.DefaultCacheTTL)
}
