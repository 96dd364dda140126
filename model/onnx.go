package model

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/getcharzp/go-lam"
	"github.com/getcharzp/go-lam/dataset"
	"github.com/getcharzp/go-lam/prompts"
	"github.com/getcharzp/go-lam/tensor"
	"github.com/up-zero/gotool/convertutil"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// SourceOnnx 内置的 ONNX 模型来源
const SourceOnnx = "onnx"

const (
	defaultWeightsDir = "./lam_weights"

	imageEncoderFile  = "image_encoder.onnx"
	promptEncoderFile = "prompt_encoder.onnx"
	maskDecoderFile   = "mask_decoder.onnx"
)

// ONNX 输入输出名称, 提示编码器的输入与批次键名一致
var (
	imageEncoderInputs   = []string{dataset.KeyImages}
	imageEncoderOutputs  = []string{dataset.KeyEmbeddings}
	promptEncoderInputs  = []string{dataset.KeyEmbeddings, dataset.KeyPromptPoints, dataset.KeyFlagPoints, dataset.KeyPromptBBoxes, dataset.KeyFlagBBoxes, dataset.KeyPromptMasks, dataset.KeyFlagMasks, dataset.KeyFlagExamples, "chunk_size"}
	promptEncoderOutputs = []string{"class_embeddings"}
	maskDecoderInputs    = []string{"query_embeddings", "class_embeddings"}
	maskDecoderOutputs   = []string{"logits"}
)

func init() {
	RegisterLoader(SourceOnnx, func(locator string, cfg Config) (*Lam, error) {
		setOnnxDefaults(&cfg, locator)
		return NewOnnx(cfg)
	})
}

// setOnnxDefaults 补全 ONNX 运行库和权重路径
func setOnnxDefaults(cfg *Config, dir string) {
	if cfg.OnnxRuntimeLibPath == "" {
		cfg.OnnxRuntimeLibPath = lam.DefaultLibraryPath()
	}
	if dir == "" {
		dir = defaultWeightsDir
	}
	if cfg.ImageEncoderPath == "" {
		cfg.ImageEncoderPath = filepath.Join(dir, imageEncoderFile)
	}
	if cfg.PromptEncoderPath == "" {
		cfg.PromptEncoderPath = filepath.Join(dir, promptEncoderFile)
	}
	if cfg.MaskDecoderPath == "" {
		cfg.MaskDecoderPath = filepath.Join(dir, maskDecoderFile)
	}
}

// onnxSession 单输出的 ONNX 会话
type onnxSession struct {
	session *ort.DynamicAdvancedSession
	name    string
}

// run 运行会话并将唯一的输出复制为张量
func (s *onnxSession) run(inputs []ort.Value) (*tensor.Dense[float32], error) {
	outputs := make([]ort.Value, 1)
	if err := s.session.Run(inputs, outputs); err != nil {
		if lam.IsOutOfMemory(err) {
			return nil, fmt.Errorf("%s 推理失败: %w: %v", s.name, ErrOutOfMemory, err)
		}
		return nil, fmt.Errorf("%s 推理失败: %w", s.name, err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%s 输出类型不是 float32", s.name)
	}
	shape := make([]int, len(out.GetShape()))
	for i, d := range out.GetShape() {
		shape[i] = int(d)
	}
	return tensor.FromSlice(slices.Clone(out.GetData()), shape...)
}

// toOrt 共享数据创建 ONNX 张量
func toOrt[T tensor.Number](t *tensor.Dense[T]) (*ort.Tensor[T], error) {
	return ort.NewTensor(ort.NewShape(t.Shape64()...), t.Data())
}

// destroyAll 释放输入张量
func destroyAll(values []ort.Value) error {
	var err error
	for _, v := range values {
		if v != nil {
			err = multierr.Append(err, v.Destroy())
		}
	}
	return err
}

// onnxImageEncoder ImageEncoder 的 ONNX 实现
type onnxImageEncoder struct{ onnxSession }

// Encode 图片编码
func (e *onnxImageEncoder) Encode(ctx context.Context, images *tensor.Dense[float32]) (*tensor.Dense[float32], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := toOrt(images)
	if err != nil {
		return nil, fmt.Errorf("创建图片 Input Tensor 失败: %w", err)
	}
	defer in.Destroy()
	return e.run([]ort.Value{in})
}

// onnxPromptEncoder PromptEncoder 的 ONNX 实现
//
// 未启用的提示类型以长度为 1、标记全 0 的零张量输入, 位置编码固化在解码器中。
type onnxPromptEncoder struct{ onnxSession }

// Encode 提示编码
func (e *onnxPromptEncoder) Encode(ctx context.Context, in PromptInput, chunkSize int) (*PromptOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inputs, err := newPromptTensors(in, chunkSize)
	if err != nil {
		return nil, err
	}

	var values []ort.Value
	defer func() { _ = destroyAll(values) }()
	add := func(v ort.Value, err error) error {
		if err != nil {
			return fmt.Errorf("创建提示 Input Tensor 失败: %w", err)
		}
		values = append(values, v)
		return nil
	}
	steps := []func() (ort.Value, error){
		func() (ort.Value, error) { return ortValue(inputs.Embeddings) },
		func() (ort.Value, error) { return ortValue(inputs.Points) },
		func() (ort.Value, error) { return ortValue(inputs.FlagPoints) },
		func() (ort.Value, error) { return ortValue(inputs.Boxes) },
		func() (ort.Value, error) { return ortValue(inputs.FlagBoxes) },
		func() (ort.Value, error) { return ortValue(inputs.Masks) },
		func() (ort.Value, error) { return ortValue(inputs.FlagMasks) },
		func() (ort.Value, error) { return ortValue(inputs.FlagExamples) },
		func() (ort.Value, error) { return ortValue(inputs.ChunkSize) },
	}
	for _, step := range steps {
		if err := add(step()); err != nil {
			return nil, err
		}
	}

	cls, err := e.run(values)
	if err != nil {
		return nil, err
	}
	return &PromptOutput{ClassEmbeddings: cls}, nil
}

// DensePE 位置编码固化在 ONNX 解码器中
func (e *onnxPromptEncoder) DensePE(context.Context) (*tensor.Dense[float32], error) {
	return nil, nil
}

// promptTensors 提示编码器的稠密输入, 顺序与 promptEncoderInputs 一致, 每一维都大于 0
type promptTensors struct {
	Embeddings   *tensor.Dense[float32] // (B, M, D, h, w)
	Points       *tensor.Dense[float32] // (B, M, C, Np, 2)
	FlagPoints   *tensor.Dense[uint8]   // (B, M, C, Np)
	Boxes        *tensor.Dense[float32] // (B, M, C, Nb, 4)
	FlagBoxes    *tensor.Dense[uint8]   // (B, M, C, Nb)
	Masks        *tensor.Dense[float32] // (B, M, C, S, S)
	FlagMasks    *tensor.Dense[uint8]   // (B, M, C)
	FlagExamples *tensor.Dense[uint8]   // (B, M)
	ChunkSize    *tensor.Dense[int64]   // (1)
}

// newPromptTensors 组装提示编码器的输入
//
// 未启用的提示类型补为长度 1 的零张量且标记为 0;
// 没有示例 (M = 0) 时补一个 flag_examples 为 0 的空示例。
//
// # Params:
//
//	in: 门控后的提示, NumClasses 为 0 时从标记形状推出
//	chunkSize: 分块大小, 0 表示不分块
func newPromptTensors(in PromptInput, chunkSize int) (*promptTensors, error) {
	if in.Embeddings == nil || in.Embeddings.Rank() != 5 {
		return nil, fmt.Errorf("示例特征应为 (B, M, D, h, w)")
	}
	numB, numM := in.Embeddings.Dim(0), in.Embeddings.Dim(1)
	if numB == 0 {
		return nil, fmt.Errorf("批次为空")
	}
	numC := in.NumClasses
	for _, f := range []*tensor.Dense[uint8]{in.FlagMasks, in.FlagBoxes, in.FlagPoints} {
		if numC > 0 {
			break
		}
		if f != nil && f.Rank() >= 3 {
			numC = f.Dim(2)
		}
	}
	if numC <= 0 {
		return nil, fmt.Errorf("无法确定类别数")
	}
	side := prompts.MaskSideLength
	if in.Masks != nil && in.Masks.Rank() == 5 {
		side = in.Masks.Dim(3)
	}
	paddedM := max(numM, 1)

	p := &promptTensors{
		Embeddings:   in.Embeddings,
		Points:       in.Points,
		FlagPoints:   in.FlagPoints,
		Boxes:        in.Boxes,
		FlagBoxes:    in.FlagBoxes,
		Masks:        in.Masks,
		FlagMasks:    in.FlagMasks,
		FlagExamples: in.FlagExamples,
		ChunkSize:    tensor.Full(int64(chunkSize), 1),
	}
	if p.Points == nil {
		p.Points = tensor.New[float32](numB, paddedM, numC, 1, 2)
		p.FlagPoints = tensor.New[uint8](numB, paddedM, numC, 1)
	}
	if p.Boxes == nil {
		p.Boxes = tensor.New[float32](numB, paddedM, numC, 1, 4)
		p.FlagBoxes = tensor.New[uint8](numB, paddedM, numC, 1)
	}
	if p.Masks == nil {
		p.Masks = tensor.New[float32](numB, paddedM, numC, side, side)
		p.FlagMasks = tensor.New[uint8](numB, paddedM, numC)
	}
	if p.FlagExamples == nil {
		p.FlagExamples = tensor.Full[uint8](1, numB, numM)
	}

	var err error
	pad32 := func(t **tensor.Dense[float32]) {
		if err == nil {
			*t, err = padExamples(*t, paddedM)
		}
	}
	pad8 := func(t **tensor.Dense[uint8]) {
		if err == nil {
			*t, err = padExamples(*t, paddedM)
		}
	}
	pad32(&p.Embeddings)
	pad32(&p.Points)
	pad8(&p.FlagPoints)
	pad32(&p.Boxes)
	pad8(&p.FlagBoxes)
	pad32(&p.Masks)
	pad8(&p.FlagMasks)
	pad8(&p.FlagExamples)
	if err != nil {
		return nil, fmt.Errorf("补齐示例维失败: %w", err)
	}
	return p, nil
}

// padExamples 将第 1 维 (示例维) 补零到 numM
func padExamples[T tensor.Number](t *tensor.Dense[T], numM int) (*tensor.Dense[T], error) {
	if t == nil || t.Dim(1) >= numM {
		return t, nil
	}
	shape := t.Shape()
	shape[1] = numM
	return tensor.Pad(t, shape, 0)
}

// ortValue 创建 ONNX 张量并转为 ort.Value, 失败时返回 nil 接口
func ortValue[T tensor.Number](t *tensor.Dense[T]) (ort.Value, error) {
	v, err := toOrt(t)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// onnxMaskDecoder MaskDecoder 的 ONNX 实现
type onnxMaskDecoder struct{ onnxSession }

// Decode Mask 解码, pe 由模型内部持有, 忽略传入值
func (d *onnxMaskDecoder) Decode(ctx context.Context, query, _ *tensor.Dense[float32], classEmbeddings *tensor.Dense[float32]) (*tensor.Dense[float32], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := toOrt(query)
	if err != nil {
		return nil, fmt.Errorf("创建查询特征 Tensor 失败: %w", err)
	}
	defer q.Destroy()
	c, err := toOrt(classEmbeddings)
	if err != nil {
		return nil, fmt.Errorf("创建类别向量 Tensor 失败: %w", err)
	}
	defer c.Destroy()
	return d.run([]ort.Value{q, c})
}

// NewOnnx 初始化 ONNX 环境并创建三个会话
func NewOnnx(cfg Config) (*Lam, error) {
	onnxConfig := new(lam.OnnxConfig)
	if err := convertutil.CopyProperties(cfg, onnxConfig); err != nil {
		return nil, fmt.Errorf("复制参数失败: %w", err)
	}
	// 初始化 ONNX
	if err := onnxConfig.New(); err != nil {
		return nil, err
	}

	var sessions []*ort.DynamicAdvancedSession
	closeAll := func() error {
		var err error
		for _, s := range sessions {
			err = multierr.Append(err, s.Destroy())
		}
		onnxConfig.Destroy()
		return err
	}
	open := func(name, path string, inputs, outputs []string) (onnxSession, error) {
		s, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, onnxConfig.SessionOptions)
		if err != nil {
			return onnxSession{}, fmt.Errorf("创建 %s ONNX 会话失败: %w", name, err)
		}
		sessions = append(sessions, s)
		return onnxSession{session: s, name: name}, nil
	}

	enc, err := open("ImageEncoder", cfg.ImageEncoderPath, imageEncoderInputs, imageEncoderOutputs)
	if err != nil {
		return nil, multierr.Append(err, closeAll())
	}
	pe, err := open("PromptEncoder", cfg.PromptEncoderPath, promptEncoderInputs, promptEncoderOutputs)
	if err != nil {
		return nil, multierr.Append(err, closeAll())
	}
	dec, err := open("MaskDecoder", cfg.MaskDecoderPath, maskDecoderInputs, maskDecoderOutputs)
	if err != nil {
		return nil, multierr.Append(err, closeAll())
	}

	m := New(&onnxImageEncoder{enc}, &onnxPromptEncoder{pe}, &onnxMaskDecoder{dec}, cfg)
	m.closer = closeAll
	return m, nil
}
