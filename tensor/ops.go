package tensor

import (
	"fmt"
	"slices"
)

// Pad 在每一维的末尾填充 fill, 得到形状为 shape 的新张量
//
// # Params:
//
//	src: 源张量
//	shape: 目标形状, 每一维都不能小于源张量
//	fill: 填充值
func Pad[T Number](src *Dense[T], shape []int, fill T) (*Dense[T], error) {
	if len(shape) != len(src.shape) {
		return nil, fmt.Errorf("填充形状 %v 与源形状 %v 维度不一致", shape, src.shape)
	}
	for i := range shape {
		if shape[i] < src.shape[i] {
			return nil, fmt.Errorf("填充形状 %v 小于源形状 %v", shape, src.shape)
		}
	}
	dst := Full(fill, shape...)
	if src.Len() == 0 {
		return dst, nil
	}
	r := len(shape)
	if r == 0 {
		dst.data[0] = src.data[0]
		return dst, nil
	}

	// 按最后一维逐行拷贝
	last := src.shape[r-1]
	rows := src.Len() / last
	idx := make([]int, r-1)
	for row := 0; row < rows; row++ {
		dstOff := 0
		for i := 0; i < r-1; i++ {
			dstOff += idx[i] * dst.strides[i]
		}
		copy(dst.data[dstOff:dstOff+last], src.data[row*last:(row+1)*last])
		for i := r - 2; i >= 0; i-- {
			idx[i]++
			if idx[i] < src.shape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return dst, nil
}

// Crop 截取每一维的前 shape[i] 个元素, 是 Pad 的逆操作
func Crop[T Number](src *Dense[T], shape []int) (*Dense[T], error) {
	if len(shape) != len(src.shape) {
		return nil, fmt.Errorf("截取形状 %v 与源形状 %v 维度不一致", shape, src.shape)
	}
	for i := range shape {
		if shape[i] > src.shape[i] || shape[i] < 0 {
			return nil, fmt.Errorf("截取形状 %v 超出源形状 %v", shape, src.shape)
		}
	}
	dst := New[T](shape...)
	if dst.Len() == 0 {
		return dst, nil
	}
	r := len(shape)
	if r == 0 {
		dst.data[0] = src.data[0]
		return dst, nil
	}

	last := shape[r-1]
	rows := dst.Len() / last
	idx := make([]int, r-1)
	for row := 0; row < rows; row++ {
		srcOff := 0
		for i := 0; i < r-1; i++ {
			srcOff += idx[i] * src.strides[i]
		}
		copy(dst.data[row*last:(row+1)*last], src.data[srcOff:srcOff+last])
		for i := r - 2; i >= 0; i-- {
			idx[i]++
			if idx[i] < shape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return dst, nil
}

// Stack 在新的第 0 维上堆叠形状相同的张量
func Stack[T Number](ts []*Dense[T]) (*Dense[T], error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("没有可堆叠的张量")
	}
	inner := ts[0].shape
	for i, t := range ts {
		if !slices.Equal(t.shape, inner) {
			return nil, fmt.Errorf("第 %d 个张量形状 %v 与 %v 不一致", i, t.shape, inner)
		}
	}
	shape := append([]int{len(ts)}, inner...)
	out := New[T](shape...)
	n := volume(inner)
	for i, t := range ts {
		copy(out.data[i*n:(i+1)*n], t.data)
	}
	return out, nil
}

// MaxShape 返回多个同维度形状逐维的最大值
func MaxShape(shapes ...[]int) ([]int, error) {
	if len(shapes) == 0 {
		return nil, fmt.Errorf("没有可比较的形状")
	}
	out := slices.Clone(shapes[0])
	for _, s := range shapes[1:] {
		if len(s) != len(out) {
			return nil, fmt.Errorf("形状 %v 与 %v 维度不一致", s, out)
		}
		for i := range s {
			out[i] = max(out[i], s[i])
		}
	}
	return out, nil
}

// Cast 转换元素类型
func Cast[U, T Number](src *Dense[T]) *Dense[U] {
	out := New[U](src.shape...)
	for i, v := range src.data {
		out.data[i] = U(v)
	}
	return out
}
