package dataset

import (
	"fmt"
	"image"

	"github.com/getcharzp/go-lam/prompts"
	"github.com/getcharzp/go-lam/tensor"
)

// Annotations 一个 Item 内按 (示例, 类别) 分组的不定长提示
type Annotations struct {
	Boxes  [][][]prompts.Box
	Points [][][]prompts.Point
	Masks  [][][]*image.Gray
}

// NewAnnotations 创建 m 个示例、c 个类别的空提示表
func NewAnnotations(m, c int) *Annotations {
	a := &Annotations{
		Boxes:  make([][][]prompts.Box, m),
		Points: make([][][]prompts.Point, m),
		Masks:  make([][][]*image.Gray, m),
	}
	for i := 0; i < m; i++ {
		a.Boxes[i] = make([][]prompts.Box, c)
		a.Points[i] = make([][]prompts.Point, c)
		a.Masks[i] = make([][]*image.Gray, c)
	}
	return a
}

// Add 将提示追加到 (示例 m, 类别 c)
func (a *Annotations) Add(m, c int, p prompts.Prompt) {
	switch v := p.(type) {
	case prompts.Box:
		a.Boxes[m][c] = append(a.Boxes[m][c], v)
	case prompts.Point:
		a.Points[m][c] = append(a.Points[m][c], v)
	case prompts.Mask:
		a.Masks[m][c] = append(a.Masks[m][c], v.Gray)
	}
}

// PromptTensors 稠密的提示张量及其标记
//
//	Boxes  (M, C, Nb, 4)        FlagBoxes  (M, C, Nb)
//	Points (M, C, Np, 2)        FlagPoints (M, C, Np)
//	Masks  (M, C, 256, 256)     FlagMasks  (M, C)
type PromptTensors struct {
	Boxes      *tensor.Dense[float32]
	FlagBoxes  *tensor.Dense[uint8]
	Points     *tensor.Dense[float32]
	FlagPoints *tensor.Dense[uint8]
	Masks      *tensor.Dense[float32]
	FlagMasks  *tensor.Dense[uint8]
}

// ToTensors 将不定长提示转换为定长张量, 坐标变换到模型输入尺度
//
// # Params:
//
//	proc: 提示处理器
//	sizes: 每个示例的原图尺寸 (h, w)
func (a *Annotations) ToTensors(proc *prompts.Processor, sizes [][2]int) (PromptTensors, error) {
	m := len(a.Boxes)
	if len(sizes) != m {
		return PromptTensors{}, fmt.Errorf("示例尺寸数量 %d 与示例数量 %d 不一致", len(sizes), m)
	}
	c := 0
	if m > 0 {
		c = len(a.Boxes[0])
	}
	nb, np := 0, 0
	for i := 0; i < m; i++ {
		for j := 0; j < c; j++ {
			nb = max(nb, len(a.Boxes[i][j]))
			np = max(np, len(a.Points[i][j]))
		}
	}
	side := proc.Config().MaskSideLength

	out := PromptTensors{
		Boxes:      tensor.New[float32](m, c, nb, 4),
		FlagBoxes:  tensor.New[uint8](m, c, nb),
		Points:     tensor.New[float32](m, c, np, 2),
		FlagPoints: tensor.New[uint8](m, c, np),
		Masks:      tensor.New[float32](m, c, side, side),
		FlagMasks:  tensor.New[uint8](m, c),
	}
	for i := 0; i < m; i++ {
		h, w := sizes[i][0], sizes[i][1]
		for j := 0; j < c; j++ {
			for k, b := range proc.ApplyBoxes(a.Boxes[i][j], h, w) {
				out.Boxes.Set(b.X1, i, j, k, 0)
				out.Boxes.Set(b.Y1, i, j, k, 1)
				out.Boxes.Set(b.X2, i, j, k, 2)
				out.Boxes.Set(b.Y2, i, j, k, 3)
				out.FlagBoxes.Set(1, i, j, k)
			}
			for k, p := range proc.ApplyCoords(a.Points[i][j], h, w) {
				out.Points.Set(p.X, i, j, k, 0)
				out.Points.Set(p.Y, i, j, k, 1)
				out.FlagPoints.Set(1, i, j, k)
			}
			if len(a.Masks[i][j]) == 0 {
				continue
			}
			mask, err := proc.ApplyMasks(a.Masks[i][j])
			if err != nil {
				return PromptTensors{}, fmt.Errorf("示例 %d 类别 %d: %w", i, j, err)
			}
			copy(out.Masks.Index(i).Index(j).Data(), mask.Data())
			out.FlagMasks.Set(1, i, j)
		}
	}
	return out, nil
}
