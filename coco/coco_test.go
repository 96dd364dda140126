package coco

import (
	"image"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instances = `{
  "images": [
    {"id": 1, "height": 60, "width": 80, "file_name": "1.jpg", "coco_url": "http://images.cocodataset.org/train2017/1.jpg"},
    {"id": 2, "height": 40, "width": 40, "file_name": "2.jpg", "url": "JPEGImages/2.jpg"},
    {"id": 3, "height": 30, "width": 30, "file_name": "3.jpg"}
  ],
  "categories": [{"id": 7, "name": "dog"}, {"id": 3, "name": "cat"}],
  "annotations": [
    {"id": 10, "image_id": 1, "category_id": 3, "bbox": [10, 10, 50, 50]},
    {"id": 11, "image_id": 2, "category_id": 3, "bbox": [0, 0, 20, 20],
     "segmentation": {"counts": [0, 4, 2], "size": [2, 3]}},
    {"id": 12, "image_id": 2, "category_id": 7, "bbox": [0, 0, 4, 4],
     "segmentation": [[0, 0, 4, 0, 4, 4, 0, 4]]},
    {"id": 13, "image_id": 2, "category_id": 3, "segmentation": "52"}
  ]
}`

func TestDecodeIndex(t *testing.T) {
	idx, err := Decode(strings.NewReader(instances))
	require.NoError(t, err)

	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, 4, idx.NumAnnotations())
	assert.Equal(t, []int{3, 7}, idx.CategoryIDs())
	assert.Equal(t, []int{1, 2, 3}, idx.ImageIDs())
	assert.Equal(t, []int{3, 7}, idx.CategoriesOf(2))
	assert.Equal(t, []int{1, 2}, idx.ImagesOf(3))
	assert.Equal(t, 2, idx.CategoryFrequency(3))
	assert.Len(t, idx.Annotations(2, 3), 2)
	assert.Nil(t, idx.Annotations(3, 3))
	assert.Empty(t, idx.CategoriesOf(3))

	img, ok := idx.Image(1)
	require.True(t, ok)
	assert.Equal(t, "http://images.cocodataset.org/train2017/1.jpg", img.RemoteURL())
	img2, _ := idx.Image(2)
	assert.Equal(t, "JPEGImages/2.jpg", img2.RemoteURL())

	// 每个标注在两个视图中恰好出现一次
	seen := map[int]int{}
	for _, imgID := range idx.ImageIDs() {
		for _, catID := range idx.CategoriesOf(imgID) {
			for _, ann := range idx.Annotations(imgID, catID) {
				seen[ann.ID]++
			}
		}
	}
	for _, catID := range idx.CategoryIDs() {
		for _, imgID := range idx.ImagesOf(catID) {
			for _, ann := range idx.Annotations(imgID, catID) {
				seen[ann.ID]++
			}
		}
	}
	assert.Equal(t, map[int]int{10: 2, 11: 2, 12: 2, 13: 2}, seen)
}

func TestDecodeSegmentationForms(t *testing.T) {
	idx, err := Decode(strings.NewReader(instances))
	require.NoError(t, err)

	box := idx.Annotations(1, 3)[0]
	assert.True(t, box.Segmentation.Empty())

	rle := idx.Annotations(2, 3)[0].Segmentation.RLE
	require.NotNil(t, rle)
	assert.Equal(t, []uint32{0, 4, 2}, rle.Counts)
	assert.Equal(t, [2]int{2, 3}, rle.Size)

	poly := idx.Annotations(2, 7)[0].Segmentation
	assert.Equal(t, [][]float64{{0, 0, 4, 0, 4, 4, 0, 4}}, poly.Polygons)

	bare := idx.Annotations(2, 3)[1].Segmentation.RLE
	require.NotNil(t, bare)
	assert.Equal(t, [2]int{0, 0}, bare.Size)
	assert.Equal(t, []uint32{5, 2}, bare.Counts)
}

func TestNewIndexRejectsDanglingReferences(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"images": [{"id": 1, "height": 2, "width": 2}],
		"categories": [], "annotations": [{"id": 1, "image_id": 1, "category_id": 9}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "category_id 9")

	_, err = Decode(strings.NewReader(`{"images": [{"id": 1, "height": 0, "width": 2}]}`))
	assert.Error(t, err)
}

func TestRLEDecodeColumnMajor(t *testing.T) {
	// 2x3 图片, 列优先: 前 0 个背景, 4 个前景 (第 0、1 列), 2 个背景
	rle := &RLE{Counts: []uint32{0, 4, 2}, Size: [2]int{2, 3}}
	mask, err := rle.Decode(0, 0)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), mask.Bounds())
	assert.Equal(t, []uint8{255, 255, 0, 255, 255, 0}, mask.Pix)

	back := Encode(mask)
	assert.Equal(t, rle.Counts, back.Counts)
	assert.Equal(t, rle.Size, back.Size)

	_, err = (&RLE{Counts: []uint32{3, 9}}).Decode(2, 2)
	assert.Error(t, err)
}

func TestCompressedCounts(t *testing.T) {
	counts := []uint32{120, 15, 3, 40, 900, 1, 0, 77}
	s := EncodeCounts(counts)
	got, err := DecodeCounts(s)
	require.NoError(t, err)
	assert.Equal(t, counts, got)

	_, err = DecodeCounts("P")
	assert.Error(t, err)
}

func TestRasterize(t *testing.T) {
	mask := RasterizePolygons([][]float64{{2, 2, 8, 2, 8, 6, 2, 6}}, 10, 10)
	assert.Equal(t, uint8(255), mask.GrayAt(5, 4).Y)
	assert.Equal(t, uint8(0), mask.GrayAt(1, 1).Y)
	assert.Equal(t, uint8(0), mask.GrayAt(9, 9).Y)

	box := RasterizeBox([4]float64{1, 1, 3, 4}, 5, 5)
	n := 0
	for _, v := range box.Pix {
		if v > 0 {
			n++
		}
	}
	assert.Equal(t, 2*3, n)
	assert.Equal(t, uint8(255), box.GrayAt(1, 3).Y)
	assert.Equal(t, uint8(0), box.GrayAt(3, 1).Y)
}
