package prompts

import "image"

// Type 提示类型
type Type int

const (
	TypeBox   Type = iota // 框
	TypeMask              // Mask
	TypePoint             // 点
)

// Types 全部提示类型, 用于均匀抽取
var Types = [...]Type{TypeBox, TypeMask, TypePoint}

func (t Type) String() string {
	switch t {
	case TypeBox:
		return "box"
	case TypeMask:
		return "mask"
	case TypePoint:
		return "point"
	}
	return "unknown"
}

// Label 点的正负标记
type Label int

const (
	LabelBackground Label = 0 // 背景/排除
	LabelForeground Label = 1 // 前景/点击
)

// BoxFormat 标注文件中 bbox 的格式
type BoxFormat string

const (
	BoxXYXY BoxFormat = "xyxy" // [x1, y1, x2, y2]
	BoxXYWH BoxFormat = "xywh" // COCO 原生 [x, y, w, h]
)

const (
	// LongSideLength 模型输入图片的长边尺寸
	LongSideLength = 1024
	// MaskSideLength Mask 提示的边长
	MaskSideLength = 256
)

// Prompt 提示, 只有 Box、Mask、Point 三种实现
type Prompt interface {
	Type() Type
	isPrompt()
}

// Box 框提示 [x1, y1, x2, y2]
type Box struct {
	X1, Y1, X2, Y2 float32
}

// Mask Mask 提示, 原图尺寸, 前景 255
type Mask struct {
	*image.Gray
}

// Point 点提示
type Point struct {
	X, Y  float32
	Label Label
}

func (Box) Type() Type   { return TypeBox }
func (Mask) Type() Type  { return TypeMask }
func (Point) Type() Type { return TypePoint }

func (Box) isPrompt()   {}
func (Mask) isPrompt()  {}
func (Point) isPrompt() {}

// Config PromptsProcessor 的参数
type Config struct {
	LongSideLength int       `mapstructure:"long_side_length"` // 坐标变换的长边尺寸 (默认 1024)
	MaskSideLength int       `mapstructure:"mask_side_length"` // Mask 提示的边长 (默认 256)
	BoxFormat      BoxFormat `mapstructure:"box_format"`       // bbox 格式 (默认 xyxy)
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		LongSideLength: LongSideLength,
		MaskSideLength: MaskSideLength,
		BoxFormat:      BoxXYXY,
	}
}
