// Package model 编排 Label Anything 的推理流程:
// 图片编码 -> 提示编码为类别向量 -> Mask 解码 -> 还原到原图尺寸。
//
// 三个神经网络组件只通过张量约定交互, 具体实现可以是 ONNX 会话
// (见 onnx.go) 或测试中的假实现。
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getcharzp/go-lam/dataset"
	"github.com/getcharzp/go-lam/prompts"
	"github.com/getcharzp/go-lam/tensor"
)

var (
	// ErrNoImagesOrEmbeddings 批次中既没有图片也没有图片特征
	ErrNoImagesOrEmbeddings = errors.New("批次中必须提供 images 或 embeddings")
	// ErrOutOfMemory 显存/内存不足, 可以换更小的 chunk size 重试
	ErrOutOfMemory = errors.New("内存不足")
	// ErrNaNLoss loss 为 NaN 或 Inf
	ErrNaNLoss = errors.New("loss 为 NaN")
)

// ImageEncoder 图片编码器, (N, 3, H, W) -> (N, D, h, w)
type ImageEncoder interface {
	Encode(ctx context.Context, images *tensor.Dense[float32]) (*tensor.Dense[float32], error)
}

// PromptInput 提示编码器的输入, 未启用的提示类型为 nil
type PromptInput struct {
	Embeddings *tensor.Dense[float32] // (B, M, D, h, w) 示例图片特征

	Points     *tensor.Dense[float32] // (B, M, C, Np, 2)
	FlagPoints *tensor.Dense[uint8]   // (B, M, C, Np)
	Boxes      *tensor.Dense[float32] // (B, M, C, Nb, 4)
	FlagBoxes  *tensor.Dense[uint8]   // (B, M, C, Nb)
	Masks      *tensor.Dense[float32] // (B, M, C, 256, 256)
	FlagMasks  *tensor.Dense[uint8]   // (B, M, C)

	FlagExamples *tensor.Dense[uint8] // (B, M)

	// NumClasses 批次的类别数 C, 所有提示类型都未启用时仍然有效
	NumClasses int
}

// PromptOutput 提示编码器的输出
type PromptOutput struct {
	ClassEmbeddings        *tensor.Dense[float32] // (B, C, D)
	ExampleClassEmbeddings *tensor.Dense[float32] // (B, M, C, D), 可选
}

// PromptEncoder 提示编码器
type PromptEncoder interface {
	// Encode chunkSize 为 0 时不分块
	Encode(ctx context.Context, in PromptInput, chunkSize int) (*PromptOutput, error)
	// DensePE 图片特征的位置编码, 实现可以返回 nil 表示由解码器自行持有
	DensePE(ctx context.Context) (*tensor.Dense[float32], error)
}

// MaskDecoder Mask 解码器, 输出 (B, C+1, h, w) 的 logits, 第 0 个通道为背景
type MaskDecoder interface {
	Decode(ctx context.Context, query, pe, classEmbeddings *tensor.Dense[float32]) (*tensor.Dense[float32], error)
}

// Config 模型配置
type Config struct {
	ImageSize int `mapstructure:"image_size"` // 模型输入图片边长 (默认 1024)

	// ONNX 参数
	OnnxRuntimeLibPath string `mapstructure:"onnxruntime_lib_path"` // onnxruntime.dll (或 .so, .dylib) 的路径
	UseCuda            bool   `mapstructure:"use_cuda"`             // (可选) 是否启用 CUDA
	NumThreads         int    `mapstructure:"num_threads"`          // (可选) ONNX 线程数, 默认由CPU核心数决定
	ImageEncoderPath   string `mapstructure:"image_encoder_path"`   // 图片编码模型
	PromptEncoderPath  string `mapstructure:"prompt_encoder_path"`  // 提示编码模型
	MaskDecoderPath    string `mapstructure:"mask_decoder_path"`    // Mask 解码模型
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	cfg := Config{ImageSize: prompts.LongSideLength}
	setOnnxDefaults(&cfg, defaultWeightsDir)
	return cfg
}

// Result Forward 的结果
type Result struct {
	Logits                 *tensor.Dense[float32] // (B, C+1, Hmax, Wmax)
	ExampleClassEmbeddings *tensor.Dense[float32]
}

// Lam 模型, 持有三个组件和缓存的类别向量
type Lam struct {
	imageEncoder  ImageEncoder
	promptEncoder PromptEncoder
	maskDecoder   MaskDecoder
	config        Config
	closer        func() error

	mu              sync.RWMutex
	classEmbeddings *tensor.Dense[float32]
}

// New 使用给定组件创建模型
func New(ie ImageEncoder, pe PromptEncoder, md MaskDecoder, cfg Config) *Lam {
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = prompts.LongSideLength
	}
	return &Lam{
		imageEncoder:  ie,
		promptEncoder: pe,
		maskDecoder:   md,
		config:        cfg,
	}
}

// Close 释放组件持有的资源
func (l *Lam) Close() error {
	if l.closer == nil {
		return nil
	}
	err := l.closer()
	l.closer = nil
	return err
}

// Forward 完整推理: 编码 -> 提示编码 -> 解码 -> 后处理
func (l *Lam) Forward(ctx context.Context, b *dataset.Batch) (*Result, error) {
	emb, err := l.embeddings(ctx, b)
	if err != nil {
		return nil, err
	}
	query, examples, err := splitQuery(emb)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := l.promptEncoder.Encode(ctx, gatePrompts(b, examples), 0)
	if err != nil {
		return nil, fmt.Errorf("提示编码失败: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logits, err := l.decode(ctx, query, out.ClassEmbeddings, b.Dims)
	if err != nil {
		return nil, err
	}
	if b.FlagGTs != nil {
		if err := maskInvalidClasses(logits, b.FlagGTs); err != nil {
			return nil, err
		}
	}
	return &Result{Logits: logits, ExampleClassEmbeddings: out.ExampleClassEmbeddings}, nil
}

// Predict 使用给定或缓存的类别向量预测查询图片, 两者都没有时等价于 Forward
//
// # Params:
//
//	b: 只需要 Images/Embeddings 的第 0 个位置 (查询图片) 和 Dims
//	classEmbeddings: 为 nil 时使用缓存
func (l *Lam) Predict(ctx context.Context, b *dataset.Batch, classEmbeddings *tensor.Dense[float32]) (*tensor.Dense[float32], error) {
	if classEmbeddings == nil {
		classEmbeddings = l.ClassEmbeddings()
	}
	if classEmbeddings == nil {
		res, err := l.Forward(ctx, b)
		if err != nil {
			return nil, err
		}
		return res.Logits, nil
	}

	emb, err := l.embeddings(ctx, b)
	if err != nil {
		return nil, err
	}
	query, _, err := splitQuery(emb)
	if err != nil {
		return nil, err
	}
	return l.decode(ctx, query, classEmbeddings, b.Dims)
}

// decode 解码并还原到原图尺寸
func (l *Lam) decode(ctx context.Context, query, classEmbeddings *tensor.Dense[float32], dims *tensor.Dense[int64]) (*tensor.Dense[float32], error) {
	if dims == nil {
		return nil, fmt.Errorf("批次中缺少 %s", dataset.KeyDims)
	}
	pe, err := l.promptEncoder.DensePE(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取位置编码失败: %w", err)
	}
	seg, err := l.maskDecoder.Decode(ctx, query, pe, classEmbeddings)
	if err != nil {
		return nil, fmt.Errorf("Mask 解码失败: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.PostprocessMasks(seg, dims)
}

// embeddings 返回 (B, N, D, h, w) 的图片特征, 有 Embeddings 时直接使用
func (l *Lam) embeddings(ctx context.Context, b *dataset.Batch) (*tensor.Dense[float32], error) {
	if b.Embeddings != nil {
		if b.Embeddings.Rank() != 5 {
			return nil, fmt.Errorf("embeddings 应为 5 维, 实际形状 %v", b.Embeddings.Shape())
		}
		return b.Embeddings, nil
	}
	if b.Images == nil {
		return nil, ErrNoImagesOrEmbeddings
	}
	shape := b.Images.Shape()
	if len(shape) != 5 {
		return nil, fmt.Errorf("images 应为 5 维, 实际形状 %v", shape)
	}
	numB, numN := shape[0], shape[1]
	flat, err := b.Images.Reshape(numB*numN, shape[2], shape[3], shape[4])
	if err != nil {
		return nil, err
	}
	enc, err := l.imageEncoder.Encode(ctx, flat)
	if err != nil {
		return nil, fmt.Errorf("图片编码失败: %w", err)
	}
	if enc.Rank() != 4 || enc.Dim(0) != numB*numN {
		return nil, fmt.Errorf("图片编码输出形状 %v 与输入 %d 张图片不一致", enc.Shape(), numB*numN)
	}
	return enc.Reshape(numB, numN, enc.Dim(1), enc.Dim(2), enc.Dim(3))
}

// splitQuery 拆分为查询特征 (B, D, h, w) 和示例特征 (B, N-1, D, h, w)
func splitQuery(emb *tensor.Dense[float32]) (*tensor.Dense[float32], *tensor.Dense[float32], error) {
	shape := emb.Shape()
	numB, numN := shape[0], shape[1]
	if numN == 0 {
		return nil, nil, fmt.Errorf("特征中缺少查询图片")
	}
	query := tensor.New[float32](append([]int{numB}, shape[2:]...)...)
	examples := tensor.New[float32](append([]int{numB, numN - 1}, shape[2:]...)...)
	for i := 0; i < numB; i++ {
		slot := emb.Index(i)
		copy(query.Index(i).Data(), slot.Index(0).Data())
		if numN > 1 {
			copy(examples.Index(i).Data(), slot.Narrow(1, numN).Data())
		}
	}
	return query, examples, nil
}

// gatePrompts 只保留标记中存在非零值的提示类型
func gatePrompts(b *dataset.Batch, examples *tensor.Dense[float32]) PromptInput {
	in := PromptInput{Embeddings: examples, FlagExamples: b.FlagExamples, NumClasses: numClasses(b)}
	if b.PromptPoints != nil && present(b.FlagPoints) {
		in.Points, in.FlagPoints = b.PromptPoints, b.FlagPoints
	}
	if b.PromptBBoxes != nil && present(b.FlagBBoxes) {
		in.Boxes, in.FlagBoxes = b.PromptBBoxes, b.FlagBBoxes
	}
	if b.PromptMasks != nil && present(b.FlagMasks) {
		in.Masks, in.FlagMasks = b.PromptMasks, b.FlagMasks
	}
	return in
}

// numClasses 从提示标记、提示张量或 flag_gts 的形状推出类别数
func numClasses(b *dataset.Batch) int {
	if _, numC := dataset.ExampleClassSize(b); numC > 0 {
		return numC
	}
	for _, t := range []*tensor.Dense[float32]{b.PromptMasks, b.PromptBBoxes, b.PromptPoints} {
		if t != nil && t.Rank() >= 3 && t.Dim(2) > 0 {
			return t.Dim(2)
		}
	}
	if b.FlagGTs != nil && b.FlagGTs.Rank() == 2 {
		return b.FlagGTs.Dim(1) - 1
	}
	return 0
}

func present(flag *tensor.Dense[uint8]) bool {
	return flag != nil && flag.Any(func(v uint8) bool { return v != 0 })
}
