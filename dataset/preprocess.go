package dataset

import (
	"fmt"
	"image"

	"github.com/getcharzp/go-lam/prompts"
	"github.com/getcharzp/go-lam/tensor"
	"github.com/up-zero/gotool/imageutil"
)

// Preprocess 图片预处理, 返回 (3, H, W) 的张量, 同一数据集内尺寸必须一致
type Preprocess func(img image.Image) (*tensor.Dense[float32], error)

// ImageNet 均值和方差
const (
	MeanR = 0.485
	MeanG = 0.456
	MeanB = 0.406

	StdR = 0.229
	StdG = 0.224
	StdB = 0.225
)

// ResizeNormalize 长边缩放到 size, 归一化后右下补零为 size x size
func ResizeNormalize(size int) Preprocess {
	return func(img image.Image) (*tensor.Dense[float32], error) {
		bounds := img.Bounds()
		if bounds.Dx() == 0 || bounds.Dy() == 0 {
			return nil, fmt.Errorf("图片尺寸为空")
		}
		newH, newW := prompts.PreprocessShape(bounds.Dy(), bounds.Dx(), size)
		resized := imageutil.Resize(img, newW, newH)
		return tensor.FromSlice(normalizeAndPad(resized, size, size), 3, size, size)
	}
}

// normalizeAndPad 归一化和填充
func normalizeAndPad(src image.Image, targetW, targetH int) []float32 {
	bounds := src.Bounds()
	w, h := min(bounds.Dx(), targetW), min(bounds.Dy(), targetH)
	plane := targetW * targetH
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// RGBA returns 0-65535
			idx := y*targetW + x
			data[idx] = (float32(r)/65535.0 - MeanR) / StdR
			data[plane+idx] = (float32(g)/65535.0 - MeanG) / StdG
			data[2*plane+idx] = (float32(b)/65535.0 - MeanB) / StdB
		}
	}
	return data
}
