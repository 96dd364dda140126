// Package tensor 提供行优先 (row-major) 存储的多维稠密数组，
// 数据布局与 ONNX Runtime 的输入输出保持一致 (扁平切片 + 形状)。
package tensor

import (
	"fmt"
	"slices"
)

// Number 支持的元素类型
type Number interface {
	~uint8 | ~int32 | ~int64 | ~float32 | ~float64
}

// Dense 稠密张量
type Dense[T Number] struct {
	shape   []int
	strides []int
	data    []T
}

// New 创建全零张量
func New[T Number](shape ...int) *Dense[T] {
	n := volume(shape)
	return &Dense[T]{
		shape:   slices.Clone(shape),
		strides: stridesOf(shape),
		data:    make([]T, n),
	}
}

// Full 创建以 v 填充的张量
func Full[T Number](v T, shape ...int) *Dense[T] {
	t := New[T](shape...)
	t.Fill(v)
	return t
}

// FromSlice 使用已有数据创建张量, 数据不会被复制
func FromSlice[T Number](data []T, shape ...int) (*Dense[T], error) {
	if volume(shape) != len(data) {
		return nil, fmt.Errorf("数据长度 %d 与形状 %v 不匹配", len(data), shape)
	}
	return &Dense[T]{
		shape:   slices.Clone(shape),
		strides: stridesOf(shape),
		data:    data,
	}, nil
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: 非法维度 %v", shape))
		}
		n *= d
	}
	return n
}

func stridesOf(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

// Shape 返回形状的副本
func (t *Dense[T]) Shape() []int { return slices.Clone(t.shape) }

// Dim 返回第 i 维的大小
func (t *Dense[T]) Dim(i int) int { return t.shape[i] }

// Rank 维度数
func (t *Dense[T]) Rank() int { return len(t.shape) }

// Len 元素总数
func (t *Dense[T]) Len() int { return len(t.data) }

// Data 返回底层数据 (共享内存)
func (t *Dense[T]) Data() []T { return t.data }

// Shape64 返回 int64 形状, 用于创建 ONNX Tensor
func (t *Dense[T]) Shape64() []int64 {
	s := make([]int64, len(t.shape))
	for i, d := range t.shape {
		s[i] = int64(d)
	}
	return s
}

func (t *Dense[T]) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: 索引 %v 与形状 %v 维度不一致", idx, t.shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: 索引 %v 超出形状 %v", idx, t.shape))
		}
		off += v * t.strides[i]
	}
	return off
}

// At 取值
func (t *Dense[T]) At(idx ...int) T { return t.data[t.offset(idx)] }

// Set 赋值
func (t *Dense[T]) Set(v T, idx ...int) { t.data[t.offset(idx)] = v }

// Fill 以 v 填充全部元素
func (t *Dense[T]) Fill(v T) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Clone 深拷贝
func (t *Dense[T]) Clone() *Dense[T] {
	return &Dense[T]{
		shape:   slices.Clone(t.shape),
		strides: slices.Clone(t.strides),
		data:    slices.Clone(t.data),
	}
}

// Index 返回第 0 维上第 i 个子张量, 与原张量共享内存
func (t *Dense[T]) Index(i int) *Dense[T] {
	if len(t.shape) == 0 || i < 0 || i >= t.shape[0] {
		panic(fmt.Sprintf("tensor: Index(%d) 超出形状 %v", i, t.shape))
	}
	sub := t.shape[1:]
	n := volume(sub)
	return &Dense[T]{
		shape:   slices.Clone(sub),
		strides: stridesOf(sub),
		data:    t.data[i*n : (i+1)*n],
	}
}

// Narrow 返回第 0 维上 [from, to) 的子张量, 与原张量共享内存
func (t *Dense[T]) Narrow(from, to int) *Dense[T] {
	if len(t.shape) == 0 || from < 0 || to > t.shape[0] || from > to {
		panic(fmt.Sprintf("tensor: Narrow(%d, %d) 超出形状 %v", from, to, t.shape))
	}
	shape := slices.Clone(t.shape)
	shape[0] = to - from
	n := t.strides[0]
	return &Dense[T]{
		shape:   shape,
		strides: stridesOf(shape),
		data:    t.data[from*n : to*n],
	}
}

// Reshape 返回新形状的视图, 元素总数必须一致
func (t *Dense[T]) Reshape(shape ...int) (*Dense[T], error) {
	if volume(shape) != len(t.data) {
		return nil, fmt.Errorf("无法将形状 %v 变换为 %v", t.shape, shape)
	}
	return &Dense[T]{
		shape:   slices.Clone(shape),
		strides: stridesOf(shape),
		data:    t.data,
	}, nil
}

// Any 是否存在满足 pred 的元素
func (t *Dense[T]) Any(pred func(T) bool) bool {
	for _, v := range t.data {
		if pred(v) {
			return true
		}
	}
	return false
}

// CountNonZero 非零元素个数
func (t *Dense[T]) CountNonZero() int {
	n := 0
	for _, v := range t.data {
		if v != 0 {
			n++
		}
	}
	return n
}

// String 仅输出形状, 避免打印大量数据
func (t *Dense[T]) String() string {
	return fmt.Sprintf("Dense%v", t.shape)
}
