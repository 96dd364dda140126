// Package prompts 将标注转换为模型坐标系下的框、Mask、点提示。
// 坐标统一变换到长边 1024 的输入尺度, Mask 统一缩放到 256x256。
package prompts

import (
	"fmt"
	"image"
	"math/rand/v2"

	"github.com/getcharzp/go-lam/coco"
	"github.com/getcharzp/go-lam/tensor"
	"golang.org/x/image/draw"
)

// Processor 提示处理器, 无状态, 可并发使用
type Processor struct {
	config Config
}

// NewProcessor 创建提示处理器, 未设置的参数使用默认值
func NewProcessor(cfg Config) *Processor {
	def := DefaultConfig()
	if cfg.LongSideLength <= 0 {
		cfg.LongSideLength = def.LongSideLength
	}
	if cfg.MaskSideLength <= 0 {
		cfg.MaskSideLength = def.MaskSideLength
	}
	if cfg.BoxFormat == "" {
		cfg.BoxFormat = def.BoxFormat
	}
	return &Processor{config: cfg}
}

// Config 返回当前配置
func (p *Processor) Config() Config { return p.config }

// PreprocessShape 按长边等比缩放后的尺寸
//
// # Params:
//
//	h, w: 原图尺寸
//	longSide: 目标长边
func PreprocessShape(h, w, longSide int) (int, int) {
	scale := float64(longSide) / float64(max(h, w))
	newH := int(float64(h)*scale + 0.5)
	newW := int(float64(w)*scale + 0.5)
	return newH, newW
}

// ConvertBBox 转换为 [x1, y1, x2, y2]
func (p *Processor) ConvertBBox(raw []float64) (Box, error) {
	if len(raw) != 4 {
		return Box{}, fmt.Errorf("bbox 长度应为 4, 实际为 %d", len(raw))
	}
	b := Box{X1: float32(raw[0]), Y1: float32(raw[1]), X2: float32(raw[2]), Y2: float32(raw[3])}
	if p.config.BoxFormat == BoxXYWH {
		b.X2 += b.X1
		b.Y2 += b.Y1
	}
	return b, nil
}

// ConvertMask 将 segmentation 解码为原图尺寸的二值 Mask
func (p *Processor) ConvertMask(seg *coco.Segmentation, h, w int) (*image.Gray, error) {
	switch {
	case seg.RLE != nil:
		mask, err := seg.RLE.Decode(h, w)
		if err != nil {
			return nil, err
		}
		if b := mask.Bounds(); b.Dx() != w || b.Dy() != h {
			return nil, fmt.Errorf("RLE 尺寸 %dx%d 与图片尺寸 %dx%d 不一致", b.Dx(), b.Dy(), w, h)
		}
		return mask, nil
	case len(seg.Polygons) > 0:
		return coco.RasterizePolygons(seg.Polygons, h, w), nil
	}
	return image.NewGray(image.Rect(0, 0, w, h)), nil
}

// AnnotationMask 标注的二值 Mask, 没有 segmentation 时使用 bbox 区域
func (p *Processor) AnnotationMask(ann *coco.Annotation, h, w int) (*image.Gray, error) {
	if ann.Segmentation.Empty() && len(ann.BBox) == 4 {
		b, err := p.ConvertBBox(ann.BBox)
		if err != nil {
			return nil, err
		}
		return coco.RasterizeBox([4]float64{float64(b.X1), float64(b.Y1), float64(b.X2), float64(b.Y2)}, h, w), nil
	}
	mask, err := p.ConvertMask(&ann.Segmentation, h, w)
	if err != nil {
		return nil, fmt.Errorf("标注 %d: %w", ann.ID, err)
	}
	return mask, nil
}

// SamplePoint 在前景中随机取一个点, Mask 为空时返回 false
func (p *Processor) SamplePoint(mask *image.Gray, rng *rand.Rand) (Point, bool) {
	points := p.SamplePoints(mask, 1, rng)
	if len(points) == 0 {
		return Point{}, false
	}
	return points[0], true
}

// SamplePoints 在前景中随机取至多 n 个互不相同的点
func (p *Processor) SamplePoints(mask *image.Gray, n int, rng *rand.Rand) []Point {
	b := mask.Bounds()
	var fg []int
	for y := 0; y < b.Dy(); y++ {
		row := mask.Pix[y*mask.Stride : y*mask.Stride+b.Dx()]
		for x, v := range row {
			if v > 0 {
				fg = append(fg, y*b.Dx()+x)
			}
		}
	}
	n = min(n, len(fg))
	points := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		j := i + rng.IntN(len(fg)-i)
		fg[i], fg[j] = fg[j], fg[i]
		points = append(points, Point{
			X:     float32(fg[i] % b.Dx()),
			Y:     float32(fg[i] / b.Dx()),
			Label: LabelForeground,
		})
	}
	return points
}

// ApplyCoords 将原图坐标缩放到模型输入尺度
func (p *Processor) ApplyCoords(points []Point, h, w int) []Point {
	newH, newW := PreprocessShape(h, w, p.config.LongSideLength)
	sx := float32(newW) / float32(w)
	sy := float32(newH) / float32(h)
	out := make([]Point, len(points))
	for i, pt := range points {
		out[i] = Point{X: pt.X * sx, Y: pt.Y * sy, Label: pt.Label}
	}
	return out
}

// ApplyBoxes 将原图框缩放到模型输入尺度
func (p *Processor) ApplyBoxes(boxes []Box, h, w int) []Box {
	newH, newW := PreprocessShape(h, w, p.config.LongSideLength)
	sx := float32(newW) / float32(w)
	sy := float32(newH) / float32(h)
	out := make([]Box, len(boxes))
	for i, b := range boxes {
		out[i] = Box{X1: b.X1 * sx, Y1: b.Y1 * sy, X2: b.X2 * sx, Y2: b.Y2 * sy}
	}
	return out
}

// ApplyMasks 多个 Mask 取并集后等比缩放, 右下补零到 MaskSideLength 的正方形
//
// # Params:
//
//	masks: 同一 (图片, 类别) 下的全部实例 Mask, 尺寸必须一致
func (p *Processor) ApplyMasks(masks []*image.Gray) (*tensor.Dense[float32], error) {
	side := p.config.MaskSideLength
	out := tensor.New[float32](side, side)
	if len(masks) == 0 {
		return out, nil
	}

	merged, err := Union(masks)
	if err != nil {
		return nil, err
	}
	b := merged.Bounds()
	newH, newW := PreprocessShape(b.Dy(), b.Dx(), side)
	resized := image.NewGray(image.Rect(0, 0, newW, newH))
	draw.NearestNeighbor.Scale(resized, resized.Bounds(), merged, b, draw.Src, nil)

	data := out.Data()
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			if resized.Pix[y*resized.Stride+x] > 0 {
				data[y*side+x] = 1
			}
		}
	}
	return out, nil
}

// Union 逐像素取并集
func Union(masks []*image.Gray) (*image.Gray, error) {
	if len(masks) == 0 {
		return nil, fmt.Errorf("没有可合并的 Mask")
	}
	b := masks[0].Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for i, m := range masks {
		mb := m.Bounds()
		if mb.Dx() != b.Dx() || mb.Dy() != b.Dy() {
			return nil, fmt.Errorf("第 %d 个 Mask 尺寸 %v 与 %v 不一致", i, mb.Size(), b.Size())
		}
		for y := 0; y < mb.Dy(); y++ {
			src := m.Pix[y*m.Stride : y*m.Stride+mb.Dx()]
			dst := out.Pix[y*out.Stride : y*out.Stride+mb.Dx()]
			for x, v := range src {
				if v > 0 {
					dst[x] = 255
				}
			}
		}
	}
	return out, nil
}
