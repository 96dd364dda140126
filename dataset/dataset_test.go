package dataset

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/getcharzp/go-lam/coco"
	"github.com/getcharzp/go-lam/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instances = `{
  "images": [
    {"id": 1, "height": 60, "width": 60, "file_name": "1.jpg"},
    {"id": 2, "height": 40, "width": 40, "file_name": "2.jpg"},
    {"id": 3, "height": 30, "width": 30, "file_name": "3.jpg"},
    {"id": 4, "height": 50, "width": 40, "file_name": "4.jpg"}
  ],
  "categories": [{"id": 1, "name": "cat"}, {"id": 2, "name": "dog"}],
  "annotations": [
    {"id": 1, "image_id": 1, "category_id": 1, "bbox": [10, 10, 50, 50]},
    {"id": 2, "image_id": 2, "category_id": 1, "bbox": [0, 0, 20, 20],
     "segmentation": [[0, 0, 20, 0, 20, 20, 0, 20]]},
    {"id": 3, "image_id": 4, "category_id": 1, "bbox": [0, 0, 10, 10]},
    {"id": 4, "image_id": 4, "category_id": 2, "bbox": [20, 20, 30, 30]},
    {"id": 5, "image_id": 2, "category_id": 2, "bbox": [25, 25, 35, 35]}
  ]
}`

const catScenario = `{
  "images": [
    {"id": 1, "height": 60, "width": 60, "file_name": "1.jpg"},
    {"id": 2, "height": 40, "width": 40, "file_name": "2.jpg"},
    {"id": 3, "height": 30, "width": 30, "file_name": "3.jpg"}
  ],
  "categories": [{"id": 1, "name": "cat"}],
  "annotations": [
    {"id": 1, "image_id": 1, "category_id": 1, "bbox": [10, 10, 50, 50]},
    {"id": 2, "image_id": 2, "category_id": 1, "bbox": [0, 0, 20, 20],
     "segmentation": [[0, 0, 20, 0, 20, 20, 0, 20]]}
  ]
}`

// blankSource 按标注中的尺寸生成空白图片
type blankSource struct{}

func (blankSource) Open(_ context.Context, img *coco.Image) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, img.Width, img.Height)), nil
}

// tinyPreprocess 固定输出 (3, 8, 8), 避免测试中做真实缩放
func tinyPreprocess(img image.Image) (*tensor.Dense[float32], error) {
	t := tensor.New[float32](3, 8, 8)
	t.Fill(float32(img.Bounds().Dx()))
	return t, nil
}

func newTestDataset(t *testing.T, maxExamples int) *Dataset {
	t.Helper()
	return newTestDatasetFrom(t, instances, maxExamples)
}

func newTestDatasetFrom(t *testing.T, js string, maxExamples int) *Dataset {
	t.Helper()
	idx, err := coco.Decode(strings.NewReader(js))
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.MaxNumExamples = maxExamples
	cfg.MaxNumCoords = 3
	cfg.ImageSize = 8
	d, err := New(idx, cfg, WithSource(blankSource{}), WithPreprocess(tinyPreprocess))
	require.NoError(t, err)
	return d
}

func TestNewInvalidConfig(t *testing.T) {
	idx, err := coco.Decode(strings.NewReader(instances))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.MaxNumExamples = 0
	_, err = New(idx, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.MaxNumCoords = -1
	_, err = New(idx, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewImageSource(t *testing.T) {
	idx, err := coco.Decode(strings.NewReader(instances))
	require.NoError(t, err)

	_, err = New(idx, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig, "no image source configured")

	cfg := DefaultConfig()
	cfg.ImageDir = t.TempDir()
	d, err := New(idx, cfg)
	require.NoError(t, err)
	assert.Equal(t, DirSource{Dir: cfg.ImageDir}, d.Source())

	cfg = DefaultConfig()
	cfg.RemoteImages = true
	d, err = New(idx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &URLSource{}, d.Source())

	d, err = New(idx, DefaultConfig(), WithSource(blankSource{}))
	require.NoError(t, err)
	assert.Equal(t, blankSource{}, d.Source())
}

func TestReset(t *testing.T) {
	d := newTestDataset(t, 5)
	for i := 0; i < 20; i++ {
		d.Reset()
		assert.GreaterOrEqual(t, d.NumExamples(), 1)
		assert.LessOrEqual(t, d.NumExamples(), 5)
		assert.GreaterOrEqual(t, d.NumCoords(), 1)
		assert.LessOrEqual(t, d.NumCoords(), 3)
	}
}

func TestItemReproducibleWithinGeneration(t *testing.T) {
	d := newTestDataset(t, 3)
	a, err := d.Item(context.Background(), 3)
	require.NoError(t, err)
	b, err := d.Item(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, a.ExampleIDs, b.ExampleIDs)
	assert.Equal(t, a.Boxes.Data(), b.Boxes.Data())
	assert.Equal(t, a.FlagPoints.Data(), b.FlagPoints.Data())
}

// 3 张图片的 cat 场景: 图片 1 为查询, 图片 2 为唯一示例
func TestConcreteCatScenario(t *testing.T) {
	d := newTestDatasetFrom(t, catScenario, 1)
	for round := 0; round < 10; round++ {
		item, err := d.Item(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, []int{2}, item.ExampleIDs)
		assert.Equal(t, []int{1}, item.CategoryIDs)
		assert.Equal(t, [2]int{60, 60}, item.Dims)

		batch, err := d.Collate([]*Item{item})
		require.NoError(t, err)

		prompted := batch.FlagMasks.At(0, 0, 0) == 1
		if batch.FlagBBoxes.Dim(3) > 0 {
			prompted = prompted || batch.FlagBBoxes.At(0, 0, 0, 0) == 1
		}
		if batch.FlagPoints.Dim(3) > 0 {
			prompted = prompted || batch.FlagPoints.At(0, 0, 0, 0) == 1
		}
		assert.True(t, prompted)

		// GT 中非零区域与 [10, 50) x [10, 50) 完全一致
		for y := 0; y < 60; y++ {
			for x := 0; x < 60; x++ {
				want := int64(0)
				if x >= 10 && x < 50 && y >= 10 && y < 50 {
					want = 1
				}
				require.Equal(t, want, batch.GTs.At(0, y, x), "(%d, %d)", x, y)
			}
		}
		assert.Equal(t, []uint8{1, 1}, batch.FlagGTs.Data())
		assert.Equal(t, []uint8{1}, batch.FlagExamples.Data())
		assert.Equal(t, []int64{60, 60}, batch.Dims.Data())
		assert.Equal(t, []int64{40, 40}, batch.ExampleDims.Data())
	}
}

func TestGroundTruthExclusive(t *testing.T) {
	d := newTestDataset(t, 1)
	img, _ := d.Index().Image(4)

	gt, err := d.groundTruth(img, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{50, 40}, gt.Shape())

	counts := map[int64]int{}
	for _, v := range gt.Data() {
		counts[v]++
	}
	assert.Equal(t, map[int64]int{0: 50*40 - 200, 1: 100, 2: 100}, counts)
	assert.Equal(t, int64(1), gt.At(5, 5))
	assert.Equal(t, int64(2), gt.At(25, 25))
}

func TestCollateShapeRoundTrip(t *testing.T) {
	d := newTestDataset(t, 3)
	var items []*Item
	for i := 0; i < d.Len(); i++ {
		it, err := d.Item(context.Background(), i)
		require.NoError(t, err)
		items = append(items, it)
	}
	batch, err := Collate(items)
	require.NoError(t, err)

	numM, numC := ExampleClassSize(batch)
	assert.Equal(t, []int{len(items), 1 + numM, 3, 8, 8}, batch.Images.Shape())
	assert.Equal(t, []int{len(items), numC + 1}, batch.FlagGTs.Shape())

	checkFloat := func(name string, dense *tensor.Dense[float32], i int, item *tensor.Dense[float32]) {
		got, err := tensor.Crop(dense.Index(i), item.Shape())
		require.NoError(t, err, name)
		assert.Equal(t, item.Data(), got.Data(), name)
	}
	checkFlag := func(name string, dense *tensor.Dense[uint8], i int, item *tensor.Dense[uint8]) {
		got, err := tensor.Crop(dense.Index(i), item.Shape())
		require.NoError(t, err, name)
		assert.Equal(t, item.Data(), got.Data(), name)
		// 补齐部分的标记为 0
		assert.Equal(t, item.CountNonZero(), dense.Index(i).CountNonZero(), name)
	}

	for i, it := range items {
		checkFloat("boxes", batch.PromptBBoxes, i, it.Boxes)
		checkFlag("flag_boxes", batch.FlagBBoxes, i, it.FlagBoxes)
		checkFloat("points", batch.PromptPoints, i, it.Points)
		checkFlag("flag_points", batch.FlagPoints, i, it.FlagPoints)
		checkFloat("masks", batch.PromptMasks, i, it.Masks)
		checkFlag("flag_masks", batch.FlagMasks, i, it.FlagMasks)

		gt, err := tensor.Crop(batch.GTs.Index(i), it.GT.Shape())
		require.NoError(t, err)
		assert.Equal(t, it.GT.Data(), gt.Data())
		assert.Equal(t, it.GT.CountNonZero(), batch.GTs.Index(i).CountNonZero())

		assert.Equal(t, it.NumExamples(), batch.FlagExamples.Index(i).CountNonZero())
		assert.Equal(t, it.NumClasses()+1, batch.FlagGTs.Index(i).CountNonZero())

		// 查询图片在第 0 个位置
		assert.Equal(t, it.Query.Data(), batch.Images.Index(i).Index(0).Data())
		for m := it.NumExamples() + 1; m <= numM; m++ {
			assert.Zero(t, batch.Images.Index(i).Index(m).CountNonZero())
		}
	}
}

func TestCollateResetsDataset(t *testing.T) {
	d := newTestDataset(t, 10)
	it, err := d.Item(context.Background(), 0)
	require.NoError(t, err)
	gen := d.generation.Load()
	_, err = d.Collate([]*Item{it})
	require.NoError(t, err)
	assert.Equal(t, gen+1, d.generation.Load())

	_, err = Collate(nil)
	assert.Error(t, err)
}

func TestLoader(t *testing.T) {
	d := newTestDataset(t, 2)
	l := NewLoader(d, 3, true)
	assert.Equal(t, 2, l.NumBatches())

	seen := 0
	for {
		b, err := l.Next(context.Background())
		if err != nil {
			break
		}
		seen += b.Size()
	}
	assert.Equal(t, d.Len(), seen)
}

func TestResizeNormalize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	out, err := ResizeNormalize(32)(img)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 32, 32}, out.Shape())

	assert.InDelta(t, (1-MeanR)/StdR, out.At(0, 8, 16), 1e-2)
	assert.InDelta(t, (1-MeanB)/StdB, out.At(2, 8, 16), 1e-2)
	// 下方补零
	assert.Equal(t, float32(0), out.At(0, 20, 16))
	assert.Equal(t, float32(0), out.At(1, 31, 0))
}

func TestURLSourceCaches(t *testing.T) {
	var buf bytes.Buffer
	src := image.NewGray(image.Rect(0, 0, 4, 3))
	src.Set(1, 1, color.Gray{Y: 200})
	require.NoError(t, png.Encode(&buf, src))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	s := NewURLSource(1024*1024, srv.Client())
	img := &coco.Image{ID: 1, CocoURL: srv.URL + "/1.png"}
	for i := 0; i < 3; i++ {
		m, err := s.Open(context.Background(), img)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 4, 3), m.Bounds())
	}
	assert.Equal(t, int32(1), hits.Load())

	_, err := s.Open(context.Background(), &coco.Image{ID: 2, URL: srv.URL + "/missing.png"})
	assert.Error(t, err)
	_, err = s.Open(context.Background(), &coco.Image{ID: 3})
	assert.Error(t, err)
}
