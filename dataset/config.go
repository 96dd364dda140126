package dataset

import (
	"errors"

	"github.com/getcharzp/go-lam/prompts"
	"github.com/getcharzp/go-lam/sampler"
)

// ErrInvalidConfig 数据集配置无效
var ErrInvalidConfig = errors.New("数据集配置无效")

// Batch 中的固定键名, 模型与 ONNX 输入按这些键取值
const (
	KeyImages       = "images"
	KeyEmbeddings   = "embeddings"
	KeyPromptPoints = "prompt_points"
	KeyFlagPoints   = "flag_points"
	KeyPromptBBoxes = "prompt_bboxes"
	KeyFlagBBoxes   = "flag_bboxes"
	KeyPromptMasks  = "prompt_masks"
	KeyFlagMasks    = "flag_masks"
	KeyFlagExamples = "flag_examples"
	KeyDims         = "dims"
	KeyFlagGTs      = "flag_gts"
)

// Config 数据集配置
type Config struct {
	// 必填参数
	InstancesPath string `mapstructure:"instances_path"` // COCO 格式的标注文件
	ImageDir      string `mapstructure:"image_dir"`      // 本地图片目录, 与 RemoteImages 二选一
	RemoteImages  bool   `mapstructure:"remote_images"`  // 从 coco_url/url 下载图片

	// 可选参数
	MaxNumExamples int    `mapstructure:"max_num_examples"` // 每张查询图片的最大示例数 (默认 10)
	MaxNumCoords   int    `mapstructure:"max_num_coords"`   // 每个标注最多采样的点数 (默认 10)
	Seed           uint64 `mapstructure:"seed"`             // 随机种子 (默认 42)
	ImageSize      int    `mapstructure:"image_size"`       // 预处理后的图片边长 (默认 1024)
	CacheSize      int    `mapstructure:"cache_size"`       // 远程图片的字节缓存大小 (默认 256MB)
	Workers        int    `mapstructure:"workers"`          // 并行构建 Item 的 goroutine 数 (默认 4)

	Prompts prompts.Config `mapstructure:"prompts"`
	Sampler sampler.Config `mapstructure:"sampler"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		InstancesPath:  "./data/instances.json",
		MaxNumExamples: 10,
		MaxNumCoords:   10,
		Seed:           42,
		ImageSize:      prompts.LongSideLength,
		CacheSize:      256 * 1024 * 1024,
		Workers:        4,
		Prompts:        prompts.DefaultConfig(),
		Sampler:        sampler.DefaultConfig(),
	}
}
