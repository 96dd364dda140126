package dataset

import (
	"fmt"
	"slices"

	"github.com/getcharzp/go-lam/tensor"
)

// Batch 补齐后的稠密批次, 所有张量第 0 维为 B
type Batch struct {
	ImageIDs    []int
	CategoryIDs [][]int

	Images     *tensor.Dense[float32] // (B, 1+M, 3, H, W), 第 0 个为查询图片
	Embeddings *tensor.Dense[float32] // (B, 1+M, D, h, w), 可选, 与 Images 二选一

	PromptBBoxes *tensor.Dense[float32] // (B, M, C, Nb, 4)
	FlagBBoxes   *tensor.Dense[uint8]   // (B, M, C, Nb)
	PromptPoints *tensor.Dense[float32] // (B, M, C, Np, 2)
	FlagPoints   *tensor.Dense[uint8]   // (B, M, C, Np)
	PromptMasks  *tensor.Dense[float32] // (B, M, C, 256, 256)
	FlagMasks    *tensor.Dense[uint8]   // (B, M, C)
	FlagExamples *tensor.Dense[uint8]   // (B, M)

	GTs         *tensor.Dense[int64] // (B, Hmax, Wmax), 补 0
	Dims        *tensor.Dense[int64] // (B, 2) 原图 (h, w)
	ExampleGTs  *tensor.Dense[int64] // (B, M, H, W)
	ExampleDims *tensor.Dense[int64] // (B, M, 2)
	FlagGTs     *tensor.Dense[uint8] // (B, C+1), 第 0 列为背景
}

// Size 批次大小
func (b *Batch) Size() int {
	switch {
	case b.Images != nil:
		return b.Images.Dim(0)
	case b.Embeddings != nil:
		return b.Embeddings.Dim(0)
	case b.Dims != nil:
		return b.Dims.Dim(0)
	}
	return 0
}

// Tensors 以固定键名返回非空张量
func (b *Batch) Tensors() map[string]any {
	out := make(map[string]any)
	set := func(key string, v any, ok bool) {
		if ok {
			out[key] = v
		}
	}
	set(KeyImages, b.Images, b.Images != nil)
	set(KeyEmbeddings, b.Embeddings, b.Embeddings != nil)
	set(KeyPromptPoints, b.PromptPoints, b.PromptPoints != nil)
	set(KeyFlagPoints, b.FlagPoints, b.FlagPoints != nil)
	set(KeyPromptBBoxes, b.PromptBBoxes, b.PromptBBoxes != nil)
	set(KeyFlagBBoxes, b.FlagBBoxes, b.FlagBBoxes != nil)
	set(KeyPromptMasks, b.PromptMasks, b.PromptMasks != nil)
	set(KeyFlagMasks, b.FlagMasks, b.FlagMasks != nil)
	set(KeyFlagExamples, b.FlagExamples, b.FlagExamples != nil)
	set(KeyDims, b.Dims, b.Dims != nil)
	set(KeyFlagGTs, b.FlagGTs, b.FlagGTs != nil)
	return out
}

// ExampleClassSize 批次中的 (示例数, 类别数)
func ExampleClassSize(b *Batch) (int, int) {
	for _, t := range []*tensor.Dense[uint8]{b.FlagMasks, b.FlagBBoxes, b.FlagPoints} {
		if t != nil && t.Rank() >= 3 {
			return t.Dim(1), t.Dim(2)
		}
	}
	if b.FlagExamples != nil {
		return b.FlagExamples.Dim(1), 0
	}
	return 0, 0
}

// Collate 补齐并合并批次, 之后重新抽取数据集的示例数和采样点数
func (d *Dataset) Collate(items []*Item) (*Batch, error) {
	b, err := Collate(items)
	if err != nil {
		return nil, err
	}
	d.Reset()
	return b, nil
}

// Collate 将不定长的 Item 补零合并为稠密批次, 补齐部分的标记始终为 0
func Collate(items []*Item) (*Batch, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("批次为空")
	}
	numB := len(items)
	numM, numC := 0, 0
	for _, it := range items {
		numM = max(numM, it.NumExamples())
		numC = max(numC, it.NumClasses())
	}

	b := &Batch{
		ImageIDs:    make([]int, numB),
		CategoryIDs: make([][]int, numB),
	}
	var err error
	if b.Images, err = collateImages(items, numM); err != nil {
		return nil, err
	}

	// 提示
	field := func(get func(*Item) *tensor.Dense[float32], flag func(*Item) *tensor.Dense[uint8]) (*tensor.Dense[float32], *tensor.Dense[uint8], error) {
		values := make([]*tensor.Dense[float32], numB)
		flags := make([]*tensor.Dense[uint8], numB)
		for i, it := range items {
			values[i], flags[i] = get(it), flag(it)
		}
		v, err := padStack(values, numM, numC, 0)
		if err != nil {
			return nil, nil, err
		}
		f, err := padStack(flags, numM, numC, 0)
		if err != nil {
			return nil, nil, err
		}
		return v, f, nil
	}
	if b.PromptBBoxes, b.FlagBBoxes, err = field(
		func(it *Item) *tensor.Dense[float32] { return it.Boxes },
		func(it *Item) *tensor.Dense[uint8] { return it.FlagBoxes },
	); err != nil {
		return nil, fmt.Errorf("合并框提示失败: %w", err)
	}
	if b.PromptPoints, b.FlagPoints, err = field(
		func(it *Item) *tensor.Dense[float32] { return it.Points },
		func(it *Item) *tensor.Dense[uint8] { return it.FlagPoints },
	); err != nil {
		return nil, fmt.Errorf("合并点提示失败: %w", err)
	}
	if b.PromptMasks, b.FlagMasks, err = field(
		func(it *Item) *tensor.Dense[float32] { return it.Masks },
		func(it *Item) *tensor.Dense[uint8] { return it.FlagMasks },
	); err != nil {
		return nil, fmt.Errorf("合并 Mask 提示失败: %w", err)
	}

	// GT 与尺寸
	gts := make([]*tensor.Dense[int64], numB)
	exampleGTs := make([]*tensor.Dense[int64], numB)
	b.Dims = tensor.New[int64](numB, 2)
	b.ExampleDims = tensor.New[int64](numB, numM, 2)
	b.FlagExamples = tensor.New[uint8](numB, numM)
	b.FlagGTs = tensor.New[uint8](numB, numC+1)
	for i, it := range items {
		b.ImageIDs[i] = it.ImageID
		b.CategoryIDs[i] = slices.Clone(it.CategoryIDs)
		gts[i] = it.GT
		exampleGTs[i] = it.ExampleGTs
		b.Dims.Set(int64(it.Dims[0]), i, 0)
		b.Dims.Set(int64(it.Dims[1]), i, 1)
		for m, dim := range it.ExampleDims {
			b.ExampleDims.Set(int64(dim[0]), i, m, 0)
			b.ExampleDims.Set(int64(dim[1]), i, m, 1)
			b.FlagExamples.Set(1, i, m)
		}
		for c := 0; c <= it.NumClasses(); c++ {
			b.FlagGTs.Set(1, i, c)
		}
	}
	if b.GTs, err = padStack(gts, -1, -1, 0); err != nil {
		return nil, fmt.Errorf("合并 GT 失败: %w", err)
	}
	if b.ExampleGTs, err = padStack(exampleGTs, numM, -1, 0); err != nil {
		return nil, fmt.Errorf("合并示例 GT 失败: %w", err)
	}
	return b, nil
}

// collateImages 合并查询图片和示例图片为 (B, 1+M, 3, H, W)
func collateImages(items []*Item, numM int) (*tensor.Dense[float32], error) {
	inner := items[0].Query.Shape()
	out := tensor.New[float32](append([]int{len(items), 1 + numM}, inner...)...)
	for i, it := range items {
		if !slices.Equal(it.Query.Shape(), inner) {
			return nil, fmt.Errorf("第 %d 个查询图片形状 %v 与 %v 不一致", i, it.Query.Shape(), inner)
		}
		if !slices.Equal(it.Examples.Shape()[1:], inner) {
			return nil, fmt.Errorf("第 %d 个示例图片形状 %v 与 %v 不一致", i, it.Examples.Shape(), inner)
		}
		slot := out.Index(i)
		copy(slot.Index(0).Data(), it.Query.Data())
		copy(slot.Narrow(1, 1+it.NumExamples()).Data(), it.Examples.Data())
	}
	return out, nil
}

// padStack 将张量补齐到逐维最大形状后堆叠; numM/numC >= 0 时覆盖第 0/1 维
func padStack[T tensor.Number](ts []*tensor.Dense[T], numM, numC int, fill T) (*tensor.Dense[T], error) {
	shapes := make([][]int, len(ts))
	for i, t := range ts {
		shapes[i] = t.Shape()
	}
	target, err := tensor.MaxShape(shapes...)
	if err != nil {
		return nil, err
	}
	if numM >= 0 && len(target) > 0 {
		target[0] = numM
	}
	if numC >= 0 && len(target) > 1 {
		target[1] = numC
	}
	padded := make([]*tensor.Dense[T], len(ts))
	for i, t := range ts {
		if padded[i], err = tensor.Pad(t, target, fill); err != nil {
			return nil, err
		}
	}
	return tensor.Stack(padded)
}
