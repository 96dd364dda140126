package model

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/getcharzp/go-lam/dataset"
	"github.com/getcharzp/go-lam/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImageEncoder struct {
	calls int
}

func (e *fakeImageEncoder) Encode(_ context.Context, images *tensor.Dense[float32]) (*tensor.Dense[float32], error) {
	e.calls++
	return tensor.New[float32](images.Dim(0), 2, 4, 4), nil
}

type fakePromptEncoder struct {
	numC   int
	fail   func(chunk int) error
	inputs []PromptInput
	chunks []int
}

func (e *fakePromptEncoder) Encode(_ context.Context, in PromptInput, chunkSize int) (*PromptOutput, error) {
	e.inputs = append(e.inputs, in)
	e.chunks = append(e.chunks, chunkSize)
	if e.fail != nil {
		if err := e.fail(chunkSize); err != nil {
			return nil, err
		}
	}
	return &PromptOutput{ClassEmbeddings: tensor.Full[float32](1, in.Embeddings.Dim(0), e.numC, 2)}, nil
}

func (e *fakePromptEncoder) DensePE(context.Context) (*tensor.Dense[float32], error) {
	return nil, nil
}

type fakeMaskDecoder struct {
	value float32
	calls int
	last  *tensor.Dense[float32]
}

func (d *fakeMaskDecoder) Decode(_ context.Context, query, _ *tensor.Dense[float32], cls *tensor.Dense[float32]) (*tensor.Dense[float32], error) {
	d.calls++
	d.last = cls
	return tensor.Full[float32](d.value, query.Dim(0), cls.Dim(1)+1, 4, 4), nil
}

func newTestModel(numC int) (*Lam, *fakeImageEncoder, *fakePromptEncoder, *fakeMaskDecoder) {
	ie := &fakeImageEncoder{}
	pe := &fakePromptEncoder{numC: numC}
	md := &fakeMaskDecoder{value: 1}
	return New(ie, pe, md, Config{ImageSize: 16}), ie, pe, md
}

func dims(hw ...int64) *tensor.Dense[int64] {
	t, _ := tensor.FromSlice(hw, len(hw)/2, 2)
	return t
}

// testBatch 一张查询图片和 numM 张示例图片, 只有第一个 bbox 有效
func testBatch(numM, numC int) *dataset.Batch {
	flagBoxes := tensor.New[uint8](1, numM, numC, 1)
	flagBoxes.Set(1, 0, 0, 0, 0)
	return &dataset.Batch{
		Images:       tensor.New[float32](1, 1+numM, 3, 8, 8),
		PromptPoints: tensor.New[float32](1, numM, numC, 3, 2),
		FlagPoints:   tensor.New[uint8](1, numM, numC, 3),
		PromptBBoxes: tensor.New[float32](1, numM, numC, 1, 4),
		FlagBBoxes:   flagBoxes,
		FlagExamples: tensor.Full[uint8](1, 1, numM),
		Dims:         dims(8, 8),
	}
}

func TestForward(t *testing.T) {
	m, ie, pe, md := newTestModel(2)
	res, err := m.Forward(context.Background(), testBatch(1, 2))
	require.NoError(t, err)

	assert.Equal(t, 1, ie.calls)
	assert.Equal(t, 1, md.calls)
	require.Len(t, pe.inputs, 1)
	in := pe.inputs[0]
	assert.Equal(t, []int{1, 1, 2, 4, 4}, in.Embeddings.Shape())
	assert.Nil(t, in.Points, "points without any flag should be gated off")
	assert.Nil(t, in.Masks)
	assert.NotNil(t, in.Boxes)
	assert.Equal(t, []int{0}, pe.chunks)
	assert.Equal(t, []int{1, 3, 8, 8}, res.Logits.Shape())
}

func TestForwardEmbeddings(t *testing.T) {
	m, ie, _, _ := newTestModel(2)
	b := testBatch(1, 2)
	b.Images = nil
	b.Embeddings = tensor.New[float32](1, 2, 2, 4, 4)

	res, err := m.Forward(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 0, ie.calls)
	assert.Equal(t, []int{1, 3, 8, 8}, res.Logits.Shape())
}

func TestForwardNoImages(t *testing.T) {
	m, _, _, _ := newTestModel(2)
	_, err := m.Forward(context.Background(), &dataset.Batch{Dims: dims(8, 8)})
	assert.ErrorIs(t, err, ErrNoImagesOrEmbeddings)
}

func TestForwardCanceled(t *testing.T) {
	m, _, pe, _ := newTestModel(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Forward(ctx, testBatch(1, 2))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pe.inputs)
}

func TestForwardFlagGTs(t *testing.T) {
	m, _, _, _ := newTestModel(2)
	b := testBatch(1, 2)
	b.FlagGTs, _ = tensor.FromSlice([]uint8{1, 1, 0}, 1, 3)

	res, err := m.Forward(context.Background(), b)
	require.NoError(t, err)
	assert.InDelta(t, 1, res.Logits.At(0, 1, 3, 3), 1e-6)
	for _, v := range res.Logits.Index(0).Index(2).Data() {
		assert.True(t, math.IsInf(float64(v), -1))
	}

	b.FlagGTs = tensor.New[uint8](1, 2)
	_, err = m.Forward(context.Background(), b)
	assert.Error(t, err)
}

func TestPostprocessMasksIdentity(t *testing.T) {
	m, _, _, _ := newTestModel(1)
	masks := tensor.Full[float32](1, 1, 2, 4, 4)

	out, err := m.PostprocessMasks(masks, dims(6, 8))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 6, 8}, out.Shape())
	for _, v := range out.Data() {
		assert.InDelta(t, 1, v, 1e-5)
	}
}

func TestPostprocessMasksPadding(t *testing.T) {
	m, _, _, _ := newTestModel(1)
	masks := tensor.Full[float32](1, 2, 2, 4, 4)

	out, err := m.PostprocessMasks(masks, dims(4, 4, 6, 8))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 6, 8}, out.Shape())

	assert.InDelta(t, 1, out.At(0, 0, 3, 3), 1e-5)
	assert.InDelta(t, 1, out.At(0, 1, 3, 3), 1e-5)
	assert.Equal(t, float32(0), out.At(0, 0, 5, 7))
	assert.True(t, math.IsInf(float64(out.At(0, 1, 5, 7)), -1))
	assert.True(t, math.IsInf(float64(out.At(0, 1, 0, 4)), -1))
	assert.InDelta(t, 1, out.At(1, 1, 5, 7), 1e-5)
}

func TestPostprocessMasksInvalidDims(t *testing.T) {
	m, _, _, _ := newTestModel(1)
	masks := tensor.New[float32](2, 2, 4, 4)

	_, err := m.PostprocessMasks(masks, dims(4, 4, 6, 8, 2, 2))
	assert.Error(t, err)
	_, err = m.PostprocessMasks(masks, dims(0, 4))
	assert.Error(t, err)
	_, err = m.PostprocessMasks(tensor.New[float32](2, 4, 4), dims(4, 4))
	assert.Error(t, err)
}

func TestChunkSizes(t *testing.T) {
	assert.Equal(t, []int{0, 3, 2, 1}, ChunkSizes(6))
	assert.Equal(t, []int{0, 1}, ChunkSizes(7))
	assert.Equal(t, []int{0}, ChunkSizes(1))
	assert.Equal(t, []int{0}, ChunkSizes(0))
}

func TestSetClassEmbeddingsRetry(t *testing.T) {
	m, _, pe, _ := newTestModel(3)
	pe.fail = func(chunk int) error {
		if chunk != 1 {
			return ErrOutOfMemory
		}
		return nil
	}

	require.NoError(t, m.SetClassEmbeddings(context.Background(), testBatch(2, 3)))
	assert.Equal(t, []int{0, 3, 2, 1}, pe.chunks)
	require.NotNil(t, m.ClassEmbeddings())
	assert.Equal(t, []int{1, 3, 2}, m.ClassEmbeddings().Shape())
}

func TestSetClassEmbeddingsExhausted(t *testing.T) {
	m, _, pe, _ := newTestModel(3)
	pe.fail = func(int) error { return ErrOutOfMemory }

	err := m.SetClassEmbeddings(context.Background(), testBatch(2, 3))
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Len(t, pe.chunks, 4)
	assert.Nil(t, m.ClassEmbeddings())
}

func TestSetClassEmbeddingsOtherError(t *testing.T) {
	m, _, pe, _ := newTestModel(3)
	boom := errors.New("boom")
	pe.fail = func(int) error { return boom }

	err := m.SetClassEmbeddings(context.Background(), testBatch(2, 3))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{0}, pe.chunks)
}

func TestPredictUsesCache(t *testing.T) {
	m, _, pe, md := newTestModel(2)
	cached := tensor.Full[float32](7, 1, 2, 2)
	m.ReplaceClassEmbeddings(cached)

	b := &dataset.Batch{Images: tensor.New[float32](1, 1, 3, 8, 8), Dims: dims(8, 8)}
	logits, err := m.Predict(context.Background(), b, nil)
	require.NoError(t, err)
	assert.Empty(t, pe.inputs)
	assert.Same(t, cached, md.last)
	assert.Equal(t, []int{1, 3, 8, 8}, logits.Shape())

	m.ReplaceClassEmbeddings(nil)
	_, err = m.Predict(context.Background(), testBatch(1, 2), nil)
	require.NoError(t, err)
	assert.Len(t, pe.inputs, 1)
}

func TestNaNGuard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nan.json")
	g := &NaNGuard{Every: 1, DumpPath: path}

	require.NoError(t, g.Check(0.5, nil))

	logits, _ := tensor.FromSlice([]float32{float32(math.NaN()), 1, 2, float32(math.Inf(1))}, 2, 2)
	err := g.Check(math.NaN(), map[string]*tensor.Dense[float32]{"logits": logits})
	assert.ErrorIs(t, err, ErrNaNLoss)
	assert.Equal(t, 2, g.Step())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var dump nanDump
	require.NoError(t, json.Unmarshal(data, &dump))
	assert.Equal(t, 2, dump.Step)
	assert.Equal(t, "NaN", dump.Loss)
	s := dump.Tensors["logits"]
	assert.Equal(t, []int{2, 2}, s.Shape)
	assert.Equal(t, 1, s.NaN)
	assert.Equal(t, 1, s.Inf)
	assert.Equal(t, "1", s.Min)
	assert.Equal(t, "2", s.Max)
}

func TestNaNGuardInterval(t *testing.T) {
	g := &NaNGuard{Every: 2}
	assert.NoError(t, g.Check(math.NaN(), nil))
	assert.ErrorIs(t, g.Check(math.Inf(1), nil), ErrNaNLoss)

	off := &NaNGuard{}
	assert.NoError(t, off.Check(math.NaN(), nil))
}

func TestLoadModel(t *testing.T) {
	assert.Contains(t, Sources(), SourceOnnx)

	_, err := LoadModel("nowhere", "x", DefaultConfig())
	assert.Error(t, err)

	RegisterLoader("fake", func(locator string, cfg Config) (*Lam, error) {
		if locator == "" {
			return nil, errors.New("empty locator")
		}
		m, _, _, _ := newTestModel(1)
		return m, nil
	})
	m, err := LoadModel("fake", "exp-1", DefaultConfig())
	require.NoError(t, err)
	assert.NotNil(t, m)

	_, err = LoadModel("fake", "", DefaultConfig())
	assert.ErrorContains(t, err, "empty locator")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1024, cfg.ImageSize)
	assert.Equal(t, filepath.Join(defaultWeightsDir, imageEncoderFile), cfg.ImageEncoderPath)
	assert.Equal(t, filepath.Join(defaultWeightsDir, promptEncoderFile), cfg.PromptEncoderPath)
	assert.Equal(t, filepath.Join(defaultWeightsDir, maskDecoderFile), cfg.MaskDecoderPath)
	assert.NotEmpty(t, cfg.OnnxRuntimeLibPath)
}

func TestClose(t *testing.T) {
	m, _, _, _ := newTestModel(1)
	calls := 0
	m.closer = func() error { calls++; return nil }
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 1, calls)
}
