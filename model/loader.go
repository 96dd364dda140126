package model

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// LoaderFunc 按 locator (目录、URL、实验 id 等) 加载模型
type LoaderFunc func(locator string, cfg Config) (*Lam, error)

var (
	loadersMu sync.RWMutex
	loaders   = make(map[string]LoaderFunc)
)

// RegisterLoader 注册模型来源, 同名来源会被覆盖
func RegisterLoader(source string, fn LoaderFunc) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[source] = fn
}

// Sources 已注册的模型来源, 升序
func Sources() []string {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	keys := lo.Keys(loaders)
	slices.Sort(keys)
	return keys
}

// LoadModel 从指定来源加载模型
//
// # Params:
//
//	source: 已注册的来源, 内置 "onnx"
//	locator: 来源内的位置, 对于 onnx 为权重目录
//	cfg: 模型配置
func LoadModel(source, locator string, cfg Config) (*Lam, error) {
	loadersMu.RLock()
	fn, ok := loaders[source]
	loadersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("未知的模型来源 %q, 可用来源: %v", source, Sources())
	}
	m, err := fn(locator, cfg)
	if err != nil {
		return nil, fmt.Errorf("从 %s 加载模型 %s 失败: %w", source, locator, err)
	}
	return m, nil
}
