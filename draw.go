package lam

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Palette 类别颜色, 类别 k (k >= 1) 使用 Palette[(k-1) % len]
var Palette = []color.RGBA{
	{230, 25, 75, 255},
	{60, 180, 75, 255},
	{0, 130, 200, 255},
	{245, 130, 48, 255},
	{145, 30, 180, 255},
	{70, 240, 240, 255},
	{240, 50, 230, 255},
	{210, 245, 60, 255},
	{0, 128, 128, 255},
	{170, 110, 40, 255},
}

// ClassColor 类别 k 的颜色, 背景为透明
func ClassColor(k int) color.RGBA {
	if k <= 0 {
		return color.RGBA{}
	}
	return Palette[(k-1)%len(Palette)]
}

// TextDrawer 文本绘制工具
type TextDrawer struct {
	font     *opentype.Font
	face     font.Face
	fontSize float64
}

// NewTextDrawer 创建文本绘制工具
//
// # Params:
//
//	fontPath: 字体路径, 为空时使用内置的 Go Regular 字体
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	fontBytes := goregular.TTF
	if fontPath != "" {
		b, err := os.ReadFile(fontPath)
		if err != nil {
			return nil, fmt.Errorf("打开字体文件失败：%w", err)
		}
		fontBytes = b
	}

	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("解析字体文件失败：%w", err)
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(12); err != nil {
		return nil, err
	}
	return d, nil
}

// SetSize 动态调整字体大小
func (d *TextDrawer) SetSize(fontSize float64) error {
	if d.face != nil && d.fontSize == fontSize {
		return nil
	}
	if d.face != nil {
		d.face.Close()
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return err
	}
	d.face = nf
	d.fontSize = fontSize
	return nil
}

// DrawText 在 (x, y) 处绘制文本, y 为基线
func (d *TextDrawer) DrawText(img draw.Image, text string, x, y int, c color.Color) {
	d1 := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: d.face,
		Dot:  fixed.P(x, y),
	}
	d1.DrawString(text)
}

// Close 释放资源
func (d *TextDrawer) Close() {
	if d.face != nil {
		d.face.Close()
		d.face = nil
	}
}

// Overlay 将类别 Mask 半透明叠加到原图, 并在每个类别的中心写上类别名
//
// # Params:
//
//	src: 原图
//	labels: 与原图同尺寸, 像素值为类别下标, 0 为背景
//	names: 类别 1..C 的名称, names[k-1] 对应类别 k
//	drawer: 为 nil 时不绘制文本
//	alpha: 颜色不透明度 [0, 1]
func Overlay(src image.Image, labels *image.Gray, names []string, drawer *TextDrawer, alpha float64) (*image.RGBA, error) {
	if !src.Bounds().Size().Eq(labels.Bounds().Size()) {
		return nil, fmt.Errorf("Mask 尺寸 %v 与原图尺寸 %v 不一致", labels.Bounds().Size(), src.Bounds().Size())
	}
	alpha = min(max(alpha, 0), 1)
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	type centroid struct{ x, y, n int }
	centers := make(map[int]*centroid)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			k := int(labels.GrayAt(labels.Rect.Min.X+x, labels.Rect.Min.Y+y).Y)
			if k == 0 {
				continue
			}
			c := ClassColor(k)
			i := dst.PixOffset(x, y)
			for j, v := range [3]uint8{c.R, c.G, c.B} {
				dst.Pix[i+j] = uint8(float64(dst.Pix[i+j])*(1-alpha) + float64(v)*alpha)
			}
			ct, ok := centers[k]
			if !ok {
				ct = &centroid{}
				centers[k] = ct
			}
			ct.x, ct.y, ct.n = ct.x+x, ct.y+y, ct.n+1
		}
	}

	if drawer != nil {
		for k, ct := range centers {
			if k-1 >= len(names) {
				continue
			}
			drawer.DrawText(dst, names[k-1], ct.x/ct.n, ct.y/ct.n, color.White)
		}
	}
	return dst, nil
}
