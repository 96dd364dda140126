package model

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/getcharzp/go-lam/dataset"
	"github.com/getcharzp/go-lam/tensor"
	"github.com/rs/zerolog/log"
)

// GenerateClassEmbeddings 根据示例批次生成类别向量, 不写入缓存
//
// # Params:
//
//	b: Images/Embeddings 中的全部位置都视为示例图片
//	chunkSize: 为 0 时不分块
func (l *Lam) GenerateClassEmbeddings(ctx context.Context, b *dataset.Batch, chunkSize int) (*tensor.Dense[float32], error) {
	emb, err := l.embeddings(ctx, b)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := l.promptEncoder.Encode(ctx, gatePrompts(b, emb), chunkSize)
	if err != nil {
		return nil, err
	}
	return out.ClassEmbeddings, nil
}

// SetClassEmbeddings 生成并缓存类别向量
//
// 内存不足时依次尝试更小的 chunk size (不分块, 然后是 M*C 的约数从大到小直到 1),
// 每次重试前回收内存; 其他错误或全部尝试失败时返回最后一次的错误。
func (l *Lam) SetClassEmbeddings(ctx context.Context, b *dataset.Batch) error {
	m, c := dataset.ExampleClassSize(b)
	var lastErr error
	for _, chunk := range ChunkSizes(m * c) {
		emb, err := l.GenerateClassEmbeddings(ctx, b, chunk)
		if err == nil {
			l.ReplaceClassEmbeddings(emb)
			return nil
		}
		if !errors.Is(err, ErrOutOfMemory) {
			return fmt.Errorf("生成类别向量失败: %w", err)
		}
		lastErr = err
		log.Warn().Err(err).Int("chunk_size", chunk).Msg("class embeddings out of memory, retrying with smaller chunks")
		runtime.GC()
		debug.FreeOSMemory()
	}
	log.Error().Err(lastErr).Int("examples", m).Int("classes", c).Msg("class embeddings retry exhausted")
	return fmt.Errorf("生成类别向量失败, 已尝试全部 chunk size: %w", lastErr)
}

// ClassEmbeddings 缓存的类别向量, 未生成时为 nil
func (l *Lam) ClassEmbeddings() *tensor.Dense[float32] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.classEmbeddings
}

// ReplaceClassEmbeddings 替换缓存的类别向量, 传入 nil 使缓存失效
func (l *Lam) ReplaceClassEmbeddings(emb *tensor.Dense[float32]) {
	l.mu.Lock()
	l.classEmbeddings = emb
	l.mu.Unlock()
}

// ChunkSizes 重试使用的 chunk size 序列: 0 (不分块), 然后是 n 的真约数从大到小
func ChunkSizes(n int) []int {
	out := []int{0}
	for d := n - 1; d >= 1; d-- {
		if n%d == 0 {
			out = append(out, d)
		}
	}
	return out
}
