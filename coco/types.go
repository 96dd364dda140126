// Package coco 读取 COCO 格式的实例标注文件 (instances_*.json),
// 并构建 (图片, 类别) -> 标注 的稀疏索引。
package coco

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Image 图片信息
type Image struct {
	ID       int    `json:"id"`
	Height   int    `json:"height"`
	Width    int    `json:"width"`
	FileName string `json:"file_name"`

	// 远程地址, COCO 使用 coco_url, VOC12 转换脚本使用 url
	CocoURL   string `json:"coco_url,omitempty"`
	URL       string `json:"url,omitempty"`
	FlickrURL string `json:"flickr_url,omitempty"`
}

// RemoteURL 返回图片的远程地址
func (img *Image) RemoteURL() string {
	if img.CocoURL != "" {
		return img.CocoURL
	}
	if img.URL != "" {
		return img.URL
	}
	return img.FlickrURL
}

// Category 类别信息
type Category struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	SuperCategory string `json:"supercategory,omitempty"`
}

// Annotation 单个实例标注
type Annotation struct {
	ID           int          `json:"id"`
	ImageID      int          `json:"image_id"`
	CategoryID   int          `json:"category_id"`
	BBox         []float64    `json:"bbox"`
	Segmentation Segmentation `json:"segmentation"`
	Area         float64      `json:"area,omitempty"`
	IsCrowd      int          `json:"iscrowd,omitempty"`
}

// File 标注文件的顶层结构
type File struct {
	Images      []Image      `json:"images"`
	Annotations []Annotation `json:"annotations"`
	Categories  []Category   `json:"categories"`
}

// RLE 游程编码, 按列优先 (Fortran order) 排列, 第一段为背景
type RLE struct {
	Counts []uint32
	Size   [2]int // [h, w]
}

// Segmentation COCO 中同一个字段可能是多边形、RLE 对象或压缩字符串,
// 这里统一解析。
type Segmentation struct {
	Polygons [][]float64
	RLE      *RLE
}

// Empty 是否没有任何分割信息
func (s *Segmentation) Empty() bool {
	return len(s.Polygons) == 0 && s.RLE == nil
}

// UnmarshalJSON 解析 segmentation 字段
func (s *Segmentation) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '[':
		// 多边形 [[x1, y1, x2, y2, ...], ...]
		return json.Unmarshal(data, &s.Polygons)
	case '"':
		// VOC12 转换脚本只保存压缩后的 counts, 尺寸由图片决定
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		counts, err := DecodeCounts(str)
		if err != nil {
			return err
		}
		s.RLE = &RLE{Counts: counts}
		return nil
	case '{':
		var raw struct {
			Counts json.RawMessage `json:"counts"`
			Size   [2]int          `json:"size"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		rle := &RLE{Size: raw.Size}
		counts := bytes.TrimSpace(raw.Counts)
		if len(counts) > 0 && counts[0] == '"' {
			var str string
			if err := json.Unmarshal(counts, &str); err != nil {
				return err
			}
			c, err := DecodeCounts(str)
			if err != nil {
				return err
			}
			rle.Counts = c
		} else if err := json.Unmarshal(counts, &rle.Counts); err != nil {
			return fmt.Errorf("解析 RLE counts 失败: %w", err)
		}
		s.RLE = rle
		return nil
	}
	return fmt.Errorf("无法识别的 segmentation: %.32s", data)
}

// MarshalJSON 多边形输出为数组, RLE 输出为未压缩的 counts 对象
func (s Segmentation) MarshalJSON() ([]byte, error) {
	if s.RLE != nil {
		return json.Marshal(struct {
			Counts []uint32 `json:"counts"`
			Size   [2]int   `json:"size"`
		}{s.RLE.Counts, s.RLE.Size})
	}
	if s.Polygons != nil {
		return json.Marshal(s.Polygons)
	}
	return []byte("null"), nil
}
