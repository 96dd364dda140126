package coco

import (
	"fmt"
	"image"
	"image/draw"

	"golang.org/x/image/vector"
)

// DecodeCounts 解码 pycocotools 的压缩 counts 字符串
//
// 每个数字按 5 bit 分组, 0x20 表示后续还有分组, 0x10 为符号位;
// 从第 3 个数字开始存储的是与前第二个数字的差值。
func DecodeCounts(s string) ([]uint32, error) {
	var cnts []int64
	p := 0
	for p < len(s) {
		var x int64
		k := 0
		more := true
		for more {
			if p >= len(s) {
				return nil, fmt.Errorf("RLE 字符串在位置 %d 被截断", p)
			}
			c := int64(s[p]) - 48
			x |= (c & 0x1f) << (5 * k)
			more = c&0x20 != 0
			p++
			k++
			if !more && c&0x10 != 0 {
				x |= -1 << (5 * k)
			}
		}
		if len(cnts) > 2 {
			x += cnts[len(cnts)-2]
		}
		cnts = append(cnts, x)
	}

	out := make([]uint32, len(cnts))
	for i, c := range cnts {
		if c < 0 {
			return nil, fmt.Errorf("RLE 第 %d 段长度为负数: %d", i, c)
		}
		out[i] = uint32(c)
	}
	return out, nil
}

// EncodeCounts 将 counts 编码为 pycocotools 的压缩字符串
func EncodeCounts(counts []uint32) string {
	buf := make([]byte, 0, len(counts)*2)
	for i := range counts {
		x := int64(counts[i])
		if i > 2 {
			x -= int64(counts[i-2])
		}
		more := true
		for more {
			c := byte(x & 0x1f)
			x >>= 5
			if c&0x10 != 0 {
				more = x != -1
			} else {
				more = x != 0
			}
			if more {
				c |= 0x20
			}
			buf = append(buf, c+48)
		}
	}
	return string(buf)
}

// Decode 将 RLE 解码为二值 Mask (前景 255)
//
// # Params:
//
//	h, w: 当 RLE 未携带尺寸时使用的图片尺寸
func (r *RLE) Decode(h, w int) (*image.Gray, error) {
	if r.Size[0] > 0 && r.Size[1] > 0 {
		h, w = r.Size[0], r.Size[1]
	}
	mask := image.NewGray(image.Rect(0, 0, w, h))
	total := h * w

	pos := 0
	for i, c := range r.Counts {
		n := int(c)
		if pos+n > total {
			return nil, fmt.Errorf("RLE 长度超出图片尺寸 %dx%d", w, h)
		}
		if i%2 == 1 {
			for p := pos; p < pos+n; p++ {
				// 列优先: p = x*h + y
				x, y := p/h, p%h
				mask.Pix[y*mask.Stride+x] = 255
			}
		}
		pos += n
	}
	return mask, nil
}

// Encode 将二值 Mask 编码为列优先的 RLE
func Encode(mask *image.Gray) *RLE {
	b := mask.Bounds()
	h, w := b.Dy(), b.Dx()
	var counts []uint32
	var run uint32
	prev := false
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			fg := mask.GrayAt(b.Min.X+x, b.Min.Y+y).Y > 0
			if fg != prev {
				counts = append(counts, run)
				run = 0
				prev = fg
			}
			run++
		}
	}
	counts = append(counts, run)
	return &RLE{Counts: counts, Size: [2]int{h, w}}
}

// RasterizePolygons 将多个多边形栅格化为二值 Mask, 多个多边形取并集
func RasterizePolygons(polygons [][]float64, h, w int) *image.Gray {
	mask := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return mask
	}
	alpha := image.NewAlpha(mask.Bounds())
	z := vector.NewRasterizer(w, h)

	for _, poly := range polygons {
		if len(poly) < 6 {
			continue
		}
		z.Reset(w, h)
		z.DrawOp = draw.Src
		z.MoveTo(float32(poly[0]), float32(poly[1]))
		for i := 2; i+1 < len(poly); i += 2 {
			z.LineTo(float32(poly[i]), float32(poly[i+1]))
		}
		z.ClosePath()

		for i := range alpha.Pix {
			alpha.Pix[i] = 0
		}
		z.Draw(alpha, alpha.Bounds(), image.Opaque, image.Point{})
		for i, a := range alpha.Pix {
			// 覆盖率过半视为前景
			if a >= 0x80 {
				mask.Pix[i] = 255
			}
		}
	}
	return mask
}

// RasterizeBox 将 [x1, y1, x2, y2] 矩形填充为二值 Mask
func RasterizeBox(box [4]float64, h, w int) *image.Gray {
	mask := image.NewGray(image.Rect(0, 0, w, h))
	r := image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3])).Intersect(mask.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			mask.Pix[y*mask.Stride+x] = 255
		}
	}
	return mask
}
