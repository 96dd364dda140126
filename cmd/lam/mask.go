package main

import (
	"fmt"
	"image"
	"math"
	"os"

	"github.com/getcharzp/go-lam"
	"github.com/getcharzp/go-lam/dataset"
	"github.com/getcharzp/go-lam/model"
	"github.com/getcharzp/go-lam/tensor"
	"github.com/up-zero/gotool/imageutil"
)

// argmax 逐像素取得分最高的通道下标, 只保留原图 (h, w) 区域
func argmax(logits *tensor.Dense[float32], dims [2]int) *image.Gray {
	numC := logits.Dim(0)
	h, w := dims[0], dims[1]
	maxW := logits.Dim(2)

	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			best, bestV := 0, float32(math.Inf(-1))
			for c := 0; c < numC; c++ {
				if v := logits.Index(c).Data()[y*maxW+x]; v > bestV {
					best, bestV = c, v
				}
			}
			out.Pix[y*out.Stride+x] = uint8(best)
		}
	}
	return out
}

// scaleLabels 类别 k 的灰度拉伸为 k * ⌊255/C⌋, 便于查看
//
// # Params:
//
//	labels: argmax 得到的通道下标, 0 为背景
//	numChannels: logits 通道数 C+1, C 为不含背景的类别数
func scaleLabels(labels *image.Gray, numChannels int) *image.Gray {
	step := uint8(255)
	if numC := numChannels - 1; numC > 1 {
		step = uint8(255 / numC)
	}
	out := image.NewGray(labels.Rect)
	for i, v := range labels.Pix {
		out.Pix[i] = v * step
	}
	return out
}

// save 保存图片并确认文件已写入
func save(path string, img image.Image) error {
	imageutil.Save(path, img, 100)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("保存图片 %s 失败: %w", path, err)
	}
	return nil
}

// saveOverlay 在原图上叠加类别颜色和类别名
func saveOverlay(path string, src image.Image, labels *image.Gray, names []string) error {
	drawer, err := lam.NewTextDrawer("")
	if err != nil {
		return err
	}
	defer drawer.Close()
	out, err := lam.Overlay(src, labels, names, drawer, 0.5)
	if err != nil {
		return err
	}
	return save(path, out)
}

// crossEntropy 逐像素交叉熵在有效区域上的均值
//
// 每个样本只统计 dims 给出的原图 (h, w) 区域, 补齐部分不计入分子和分母。
func crossEntropy(logits *tensor.Dense[float32], gts, dims *tensor.Dense[int64]) (float64, error) {
	if gts == nil {
		return 0, fmt.Errorf("批次中缺少 GT")
	}
	numB, numC, h, w := logits.Dim(0), logits.Dim(1), logits.Dim(2), logits.Dim(3)
	if gts.Rank() != 3 || gts.Dim(0) != numB || gts.Dim(1) != h || gts.Dim(2) != w {
		return 0, fmt.Errorf("GT 形状 %v 与 logits 形状 %v 不匹配", gts.Shape(), logits.Shape())
	}
	if dims == nil || dims.Rank() != 2 || dims.Dim(0) != numB || dims.Dim(1) != 2 {
		return 0, fmt.Errorf("dims 应为 (%d, 2)", numB)
	}

	var total float64
	var count int
	values := make([]float64, numC)
	for i := 0; i < numB; i++ {
		planes := logits.Index(i)
		gt := gts.Index(i).Data()
		validH, validW := min(int(dims.At(i, 0)), h), min(int(dims.At(i, 1)), w)
		for y := 0; y < validH; y++ {
			for x := 0; x < validW; x++ {
				p := y*w + x
				m := math.Inf(-1)
				for c := 0; c < numC; c++ {
					values[c] = float64(planes.Index(c).Data()[p])
					m = math.Max(m, values[c])
				}
				var sum float64
				for _, v := range values {
					sum += math.Exp(v - m)
				}
				total -= values[gt[p]] - m - math.Log(sum)
				count++
			}
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("有效像素数为 0")
	}
	return total / float64(count), nil
}

// stateOf NaN 诊断中记录的张量
func stateOf(res *model.Result, b *dataset.Batch) map[string]*tensor.Dense[float32] {
	state := map[string]*tensor.Dense[float32]{"logits": res.Logits}
	if b.GTs != nil {
		state["gts"] = tensor.Cast[float32](b.GTs)
	}
	return state
}
