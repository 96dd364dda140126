package model

import (
	"fmt"
	"math"

	"github.com/getcharzp/go-lam/prompts"
	"github.com/getcharzp/go-lam/tensor"
)

// PostprocessMasks 去掉缩放补边并还原到原图尺寸
//
// 先双线性放大到 ImageSize x ImageSize, 截取有效区域, 再双线性缩放到原图尺寸,
// 最后补齐到批次内最大的原图尺寸: 背景通道补 0, 其余通道补 -Inf。
//
// # Params:
//
//	masks: (B, C, h, w) 解码器输出
//	dims: (B, 2) 原图 (h, w)
func (l *Lam) PostprocessMasks(masks *tensor.Dense[float32], dims *tensor.Dense[int64]) (*tensor.Dense[float32], error) {
	if masks.Rank() != 4 {
		return nil, fmt.Errorf("masks 应为 4 维, 实际形状 %v", masks.Shape())
	}
	numB, numC, h, w := masks.Dim(0), masks.Dim(1), masks.Dim(2), masks.Dim(3)
	if dims.Rank() != 2 || dims.Dim(1) != 2 || (dims.Dim(0) != numB && dims.Dim(0) != 1) {
		return nil, fmt.Errorf("dims 形状 %v 与批次大小 %d 不匹配", dims.Shape(), numB)
	}
	size := l.config.ImageSize

	origin := func(i int) (int, int) {
		if dims.Dim(0) == 1 {
			i = 0
		}
		return int(dims.At(i, 0)), int(dims.At(i, 1))
	}
	maxH, maxW := 0, 0
	for i := 0; i < numB; i++ {
		oh, ow := origin(i)
		if oh <= 0 || ow <= 0 {
			return nil, fmt.Errorf("第 %d 个原图尺寸 (%d, %d) 无效", i, oh, ow)
		}
		maxH, maxW = max(maxH, oh), max(maxW, ow)
	}

	out := tensor.New[float32](numB, numC, maxH, maxW)
	negInf := float32(math.Inf(-1))
	for i := 0; i < numB; i++ {
		oh, ow := origin(i)
		inH, inW := prompts.PreprocessShape(oh, ow, size)
		for c := 0; c < numC; c++ {
			src := masks.Index(i).Index(c).Data()
			full := resizeBilinear(src, h, w, size, size)
			valid := cropPlane(full, size, inH, inW)
			plane := resizeBilinear(valid, inH, inW, oh, ow)

			dst := out.Index(i).Index(c).Data()
			fill := negInf
			if c == 0 {
				fill = 0
			}
			for y := 0; y < maxH; y++ {
				row := dst[y*maxW : (y+1)*maxW]
				for x := range row {
					if y < oh && x < ow {
						row[x] = plane[y*ow+x]
					} else {
						row[x] = fill
					}
				}
			}
		}
	}
	return out, nil
}

// maskInvalidClasses 将 flag 为 0 的类别通道置为 -Inf
func maskInvalidClasses(logits *tensor.Dense[float32], flags *tensor.Dense[uint8]) error {
	if flags.Rank() != 2 || flags.Dim(0) != logits.Dim(0) || flags.Dim(1) != logits.Dim(1) {
		return fmt.Errorf("flag_gts 形状 %v 与 logits 形状 %v 不匹配", flags.Shape(), logits.Shape())
	}
	negInf := float32(math.Inf(-1))
	for i := 0; i < flags.Dim(0); i++ {
		for c := 0; c < flags.Dim(1); c++ {
			if flags.At(i, c) == 0 {
				logits.Index(i).Index(c).Fill(negInf)
			}
		}
	}
	return nil
}

// cropPlane 截取 (stride x stride) 平面左上角的 h x w 区域
func cropPlane(src []float32, stride, h, w int) []float32 {
	out := make([]float32, h*w)
	for y := 0; y < h; y++ {
		copy(out[y*w:(y+1)*w], src[y*stride:y*stride+w])
	}
	return out
}

// resizeBilinear 单通道双线性插值, 像素中心对齐 (align_corners=false)
func resizeBilinear(src []float32, h, w, dstH, dstW int) []float32 {
	out := make([]float32, dstH*dstW)
	if h == dstH && w == dstW {
		copy(out, src)
		return out
	}
	sy := float64(h) / float64(dstH)
	sx := float64(w) / float64(dstW)

	x0s := make([]int, dstW)
	x1s := make([]int, dstW)
	lxs := make([]float32, dstW)
	for x := 0; x < dstW; x++ {
		x0s[x], x1s[x], lxs[x] = sourceIndex(x, sx, w)
	}
	for y := 0; y < dstH; y++ {
		y0, y1, ly := sourceIndex(y, sy, h)
		r0 := src[y0*w : (y0+1)*w]
		r1 := src[y1*w : (y1+1)*w]
		dst := out[y*dstW : (y+1)*dstW]
		for x := range dst {
			x0, x1, lx := x0s[x], x1s[x], lxs[x]
			top := r0[x0]*(1-lx) + r0[x1]*lx
			bottom := r1[x0]*(1-lx) + r1[x1]*lx
			dst[x] = top*(1-ly) + bottom*ly
		}
	}
	return out
}

// sourceIndex 目标坐标 d 对应的两个源坐标及权重
func sourceIndex(d int, scale float64, n int) (int, int, float32) {
	s := (float64(d)+0.5)*scale - 0.5
	if s < 0 {
		s = 0
	}
	i0 := int(s)
	if i0 > n-1 {
		i0 = n - 1
	}
	i1 := i0 + 1
	if i1 > n-1 {
		i1 = n - 1
	}
	return i0, i1, float32(s - float64(i0))
}
