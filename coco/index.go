package coco

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
)

// Key (图片, 类别) 组合
type Key struct {
	ImageID    int
	CategoryID int
}

// Index 标注索引, 加载后只读, 可被多个 goroutine 并发访问
type Index struct {
	images      map[int]*Image
	imageIDs    []int // 文件中的顺序
	categories  map[int]*Category
	categoryIDs []int // 升序

	annotations map[Key][]*Annotation
	imageCats   map[int][]int // 图片 -> 升序类别
	catImages   map[int][]int // 类别 -> 升序图片
	numAnns     int
}

// Load 从文件加载标注索引
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开标注文件失败: %w", err)
	}
	defer f.Close()

	idx, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("解析标注文件 %s 失败: %w", path, err)
	}
	return idx, nil
}

// Decode 从 reader 解析标注索引
func Decode(r io.Reader) (*Index, error) {
	var file File
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, err
	}
	return NewIndex(&file)
}

// NewIndex 构建索引, 每个标注在两个视图中各出现一次
func NewIndex(file *File) (*Index, error) {
	idx := &Index{
		images:      make(map[int]*Image, len(file.Images)),
		imageIDs:    make([]int, 0, len(file.Images)),
		categories:  make(map[int]*Category, len(file.Categories)),
		annotations: make(map[Key][]*Annotation),
		imageCats:   make(map[int][]int),
		catImages:   make(map[int][]int),
	}

	for i := range file.Images {
		img := &file.Images[i]
		if _, ok := idx.images[img.ID]; ok {
			return nil, fmt.Errorf("images[%d]: 重复的图片 id %d", i, img.ID)
		}
		if img.Height <= 0 || img.Width <= 0 {
			return nil, fmt.Errorf("images[%d]: 图片 %d 的 height/width 无效", i, img.ID)
		}
		idx.images[img.ID] = img
		idx.imageIDs = append(idx.imageIDs, img.ID)
	}
	for i := range file.Categories {
		cat := &file.Categories[i]
		if _, ok := idx.categories[cat.ID]; ok {
			return nil, fmt.Errorf("categories[%d]: 重复的类别 id %d", i, cat.ID)
		}
		idx.categories[cat.ID] = cat
		idx.categoryIDs = append(idx.categoryIDs, cat.ID)
	}
	slices.Sort(idx.categoryIDs)

	for i := range file.Annotations {
		ann := &file.Annotations[i]
		if _, ok := idx.images[ann.ImageID]; !ok {
			return nil, fmt.Errorf("annotations[%d]: image_id %d 不存在", i, ann.ImageID)
		}
		if _, ok := idx.categories[ann.CategoryID]; !ok {
			return nil, fmt.Errorf("annotations[%d]: category_id %d 不存在", i, ann.CategoryID)
		}
		if len(ann.BBox) != 0 && len(ann.BBox) != 4 {
			return nil, fmt.Errorf("annotations[%d]: bbox 长度应为 4, 实际为 %d", i, len(ann.BBox))
		}

		key := Key{ImageID: ann.ImageID, CategoryID: ann.CategoryID}
		if len(idx.annotations[key]) == 0 {
			idx.imageCats[ann.ImageID] = append(idx.imageCats[ann.ImageID], ann.CategoryID)
			idx.catImages[ann.CategoryID] = append(idx.catImages[ann.CategoryID], ann.ImageID)
		}
		idx.annotations[key] = append(idx.annotations[key], ann)
		idx.numAnns++
	}
	for _, cats := range idx.imageCats {
		slices.Sort(cats)
	}
	for _, imgs := range idx.catImages {
		slices.Sort(imgs)
	}
	return idx, nil
}

// Len 图片数量
func (x *Index) Len() int { return len(x.imageIDs) }

// NumAnnotations 标注数量
func (x *Index) NumAnnotations() int { return x.numAnns }

// ImageIDs 按文件顺序返回全部图片 id
func (x *Index) ImageIDs() []int { return slices.Clone(x.imageIDs) }

// ImageAt 按文件顺序返回第 i 张图片
func (x *Index) ImageAt(i int) *Image { return x.images[x.imageIDs[i]] }

// Image 按 id 查找图片
func (x *Index) Image(id int) (*Image, bool) {
	img, ok := x.images[id]
	return img, ok
}

// Category 按 id 查找类别
func (x *Index) Category(id int) (*Category, bool) {
	cat, ok := x.categories[id]
	return cat, ok
}

// CategoryIDs 升序返回全部类别 id
func (x *Index) CategoryIDs() []int { return slices.Clone(x.categoryIDs) }

// Annotations 返回 (图片, 类别) 的全部标注, 不存在时返回 nil
func (x *Index) Annotations(imageID, categoryID int) []*Annotation {
	return x.annotations[Key{ImageID: imageID, CategoryID: categoryID}]
}

// CategoriesOf 图片中出现的类别 (升序), 调用方不应修改返回值
func (x *Index) CategoriesOf(imageID int) []int { return x.imageCats[imageID] }

// ImagesOf 包含该类别的图片 (升序), 调用方不应修改返回值
func (x *Index) ImagesOf(categoryID int) []int { return x.catImages[categoryID] }

// CategoryFrequency 包含该类别的图片数量
func (x *Index) CategoryFrequency(categoryID int) int { return len(x.catImages[categoryID]) }
