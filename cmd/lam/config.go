package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/getcharzp/go-lam/dataset"
	"github.com/getcharzp/go-lam/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// appConfig 命令行读取的完整配置
type appConfig struct {
	LogLevel string         `mapstructure:"log_level"`
	Dataset  dataset.Config `mapstructure:"dataset"`
	Model    model.Config   `mapstructure:"model"`
	Loader   loaderConfig   `mapstructure:"loader"`
	Guard    model.NaNGuard `mapstructure:"nan_guard"`
}

// loaderConfig 模型来源与批次参数
type loaderConfig struct {
	Source    string `mapstructure:"source"`     // 模型来源 (默认 onnx)
	Locator   string `mapstructure:"locator"`    // 来源内的位置, onnx 为权重目录
	BatchSize int    `mapstructure:"batch_size"` // 批次大小 (默认 1)
	Shuffle   bool   `mapstructure:"shuffle"`    // 是否打乱
}

func defaultAppConfig() appConfig {
	return appConfig{
		LogLevel: "info",
		Dataset:  dataset.DefaultConfig(),
		// 权重路径留空, 由 onnx 来源按 Locator 补全
		Model: model.Config{ImageSize: model.DefaultConfig().ImageSize},
		Loader: loaderConfig{
			Source:    model.SourceOnnx,
			Locator:   "./lam_weights",
			BatchSize: 1,
		},
	}
}

// envKeys 可以通过 LAM_ 前缀环境变量覆盖的配置项
var envKeys = []string{
	"log_level",
	"dataset.instances_path",
	"dataset.image_dir",
	"dataset.remote_images",
	"dataset.max_num_examples",
	"dataset.max_num_coords",
	"dataset.seed",
	"dataset.workers",
	"dataset.cache_size",
	"model.onnxruntime_lib_path",
	"model.use_cuda",
	"model.num_threads",
	"loader.source",
	"loader.locator",
	"loader.batch_size",
}

// loadConfig 读取配置文件 (可选) 和 LAM_ 环境变量
func loadConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()

	v := viper.New()
	v.SetEnvPrefix("LAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return cfg, fmt.Errorf("绑定环境变量 %s 失败: %w", key, err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// initLogger 设置全局日志
func initLogger(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("日志级别 %q 无效: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Caller().Logger()
	return nil
}
