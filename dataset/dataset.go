// Package dataset 构建 Label Anything 的训练/推理样本。
//
// 每个 Item 由一张查询图片和若干示例图片组成, 示例图片上的标注被随机
// 转换为框、Mask 或点提示; Collate 将多个不定长 Item 补齐为稠密的 Batch。
package dataset

import (
	"context"
	"fmt"
	"image"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/getcharzp/go-lam/coco"
	"github.com/getcharzp/go-lam/prompts"
	"github.com/getcharzp/go-lam/sampler"
	"github.com/getcharzp/go-lam/tensor"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Item 不定长的单个样本
type Item struct {
	ImageID     int
	CategoryIDs []int // 升序, 第 k 个类别在 GT 中的值为 k+1

	Query    *tensor.Dense[float32] // (3, H, W)
	Examples *tensor.Dense[float32] // (M, 3, H, W)
	PromptTensors

	GT   *tensor.Dense[int64] // (h, w) 查询图片原图尺寸
	Dims [2]int               // 查询图片原图 (h, w)

	ExampleIDs     []int
	ExampleClasses [][]int
	ExampleGTs     *tensor.Dense[int64] // (M, hmax, wmax)
	ExampleDims    [][2]int
}

// NumExamples 示例数量
func (it *Item) NumExamples() int { return len(it.ExampleIDs) }

// NumClasses 类别数量
func (it *Item) NumClasses() int { return len(it.CategoryIDs) }

// Dataset 数据集, Item 可被多个 goroutine 并发调用
type Dataset struct {
	index      *coco.Index
	source     Source
	preprocess Preprocess
	processor  *prompts.Processor
	sampler    *sampler.Sampler
	config     Config

	mu          sync.Mutex
	rng         *rand.Rand // 只在 Reset 中使用
	numExamples atomic.Int64
	numCoords   atomic.Int64
	generation  atomic.Uint64
}

// Option 数据集可选项
type Option func(*Dataset)

// WithSource 指定图片来源
func WithSource(src Source) Option {
	return func(d *Dataset) { d.source = src }
}

// WithPreprocess 指定图片预处理
func WithPreprocess(p Preprocess) Option {
	return func(d *Dataset) { d.preprocess = p }
}

// Open 加载标注文件并创建数据集
func Open(cfg Config, opts ...Option) (*Dataset, error) {
	index, err := coco.Load(cfg.InstancesPath)
	if err != nil {
		return nil, err
	}
	return New(index, cfg, opts...)
}

// New 创建数据集
//
// # Params:
//
//	index: 标注索引
//	cfg: 配置, MaxNumExamples 与 MaxNumCoords 必须大于 0
//	opts: 未指定图片来源时, 配置了 ImageDir 则读取本地目录, RemoteImages 为 true 则按 URL 下载, 都没有时返回 ErrInvalidConfig
func New(index *coco.Index, cfg Config, opts ...Option) (*Dataset, error) {
	if index == nil {
		return nil, fmt.Errorf("%w: 标注索引为空", ErrInvalidConfig)
	}
	if cfg.MaxNumExamples <= 0 {
		return nil, fmt.Errorf("%w: MaxNumExamples 必须大于 0, 实际为 %d", ErrInvalidConfig, cfg.MaxNumExamples)
	}
	if cfg.MaxNumCoords <= 0 {
		return nil, fmt.Errorf("%w: MaxNumCoords 必须大于 0, 实际为 %d", ErrInvalidConfig, cfg.MaxNumCoords)
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = prompts.LongSideLength
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	d := &Dataset{
		index:     index,
		processor: prompts.NewProcessor(cfg.Prompts),
		sampler:   sampler.New(index, cfg.Sampler),
		config:    cfg,
		rng:       rand.New(rand.NewPCG(cfg.Seed, 0)),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.source == nil {
		switch {
		case cfg.ImageDir != "":
			d.source = DirSource{Dir: cfg.ImageDir}
		case cfg.RemoteImages:
			d.source = NewURLSource(cfg.CacheSize, nil)
		default:
			return nil, fmt.Errorf("%w: 未配置图片来源, 需要 ImageDir、RemoteImages 或 WithSource", ErrInvalidConfig)
		}
	}
	if d.preprocess == nil {
		d.preprocess = ResizeNormalize(cfg.ImageSize)
	}
	d.Reset()
	return d, nil
}

// Len 图片数量
func (d *Dataset) Len() int { return d.index.Len() }

// Index 标注索引
func (d *Dataset) Index() *coco.Index { return d.index }

// Source 图片来源
func (d *Dataset) Source() Source { return d.source }

// Processor 提示处理器
func (d *Dataset) Processor() *prompts.Processor { return d.processor }

// NumExamples 当前每个 Item 的示例数
func (d *Dataset) NumExamples() int { return int(d.numExamples.Load()) }

// NumCoords 当前每个标注的采样点数
func (d *Dataset) NumCoords() int { return int(d.numCoords.Load()) }

// Reset 重新抽取示例数和采样点数, 每个 Batch 之后调用一次
func (d *Dataset) Reset() {
	d.mu.Lock()
	numExamples := 1 + d.rng.IntN(d.config.MaxNumExamples)
	numCoords := 1 + d.rng.IntN(d.config.MaxNumCoords)
	d.mu.Unlock()

	d.numExamples.Store(int64(numExamples))
	d.numCoords.Store(int64(numCoords))
	gen := d.generation.Add(1)
	log.Debug().Uint64("generation", gen).Int("num_examples", numExamples).
		Int("num_coords", numCoords).Msg("dataset reset")
}

// itemRand 由 (种子, 代数, 下标) 派生的随机数生成器, 同一代内结果可复现
func (d *Dataset) itemRand(i int) *rand.Rand {
	gen := d.generation.Load()
	return rand.New(rand.NewPCG(d.config.Seed^(gen*0x9e3779b97f4a7c15), uint64(i)))
}

// Item 构建第 i 个样本
func (d *Dataset) Item(ctx context.Context, i int) (*Item, error) {
	if i < 0 || i >= d.index.Len() {
		return nil, fmt.Errorf("下标 %d 超出范围 [0, %d)", i, d.index.Len())
	}
	rng := d.itemRand(i)
	numExamples, numCoords := d.NumExamples(), d.NumCoords()
	queryData := d.index.ImageAt(i)

	query, err := d.load(ctx, queryData)
	if err != nil {
		return nil, err
	}

	// 抽取示例
	res := d.sampler.Sample(queryData.ID, numExamples, rng)
	catIDs := res.Categories()
	exampleData := make([]*coco.Image, len(res.ExampleIDs))
	sizes := make([][2]int, len(res.ExampleIDs))
	for m, id := range res.ExampleIDs {
		exampleData[m], _ = d.index.Image(id)
		sizes[m] = [2]int{exampleData[m].Height, exampleData[m].Width}
	}
	examples, err := d.loadExamples(ctx, exampleData, query.Shape())
	if err != nil {
		return nil, err
	}

	// 提示
	anns := NewAnnotations(len(exampleData), len(catIDs))
	for m, img := range exampleData {
		for c, catID := range catIDs {
			for _, ann := range d.index.Annotations(img.ID, catID) {
				p, err := d.prompt(ann, img, numCoords, rng)
				if err != nil {
					return nil, err
				}
				for _, v := range p {
					anns.Add(m, c, v)
				}
			}
		}
	}
	pt, err := anns.ToTensors(d.processor, sizes)
	if err != nil {
		return nil, err
	}

	// GT
	gt, err := d.groundTruth(queryData, catIDs)
	if err != nil {
		return nil, err
	}
	exampleGTs, err := d.exampleGroundTruths(exampleData, catIDs)
	if err != nil {
		return nil, err
	}

	return &Item{
		ImageID:        queryData.ID,
		CategoryIDs:    catIDs,
		Query:          query,
		Examples:       examples,
		PromptTensors:  pt,
		GT:             gt,
		Dims:           [2]int{queryData.Height, queryData.Width},
		ExampleIDs:     res.ExampleIDs,
		ExampleClasses: res.CategoryIDs,
		ExampleGTs:     exampleGTs,
		ExampleDims:    sizes,
	}, nil
}

// prompt 为一个标注随机选择提示类型, 点提示可能展开为多个点
func (d *Dataset) prompt(ann *coco.Annotation, img *coco.Image, numCoords int, rng *rand.Rand) ([]prompts.Prompt, error) {
	switch prompts.Types[rng.IntN(len(prompts.Types))] {
	case prompts.TypeBox:
		b, err := d.processor.ConvertBBox(ann.BBox)
		if err != nil {
			return nil, fmt.Errorf("标注 %d: %w", ann.ID, err)
		}
		return []prompts.Prompt{b}, nil
	case prompts.TypeMask:
		mask, err := d.processor.AnnotationMask(ann, img.Height, img.Width)
		if err != nil {
			return nil, err
		}
		return []prompts.Prompt{prompts.Mask{Gray: mask}}, nil
	default:
		mask, err := d.processor.AnnotationMask(ann, img.Height, img.Width)
		if err != nil {
			return nil, err
		}
		points := d.processor.SamplePoints(mask, numCoords, rng)
		out := make([]prompts.Prompt, len(points))
		for i, p := range points {
			out[i] = p
		}
		return out, nil
	}
}

// load 读取并预处理一张图片
func (d *Dataset) load(ctx context.Context, img *coco.Image) (*tensor.Dense[float32], error) {
	m, err := d.source.Open(ctx, img)
	if err != nil {
		return nil, err
	}
	t, err := d.preprocess(m)
	if err != nil {
		return nil, fmt.Errorf("预处理图片 %d 失败: %w", img.ID, err)
	}
	return t, nil
}

// loadExamples 并行读取示例图片并堆叠为 (M, 3, H, W), 没有示例时形状为 (0, shape...)
func (d *Dataset) loadExamples(ctx context.Context, imgs []*coco.Image, shape []int) (*tensor.Dense[float32], error) {
	if len(imgs) == 0 {
		return tensor.New[float32](append([]int{0}, shape...)...), nil
	}
	out := make([]*tensor.Dense[float32], len(imgs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Workers)
	for m, img := range imgs {
		g.Go(func() error {
			t, err := d.load(ctx, img)
			out[m] = t
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tensor.Stack(out)
}

// groundTruth 类别序号编码的 GT, 背景为 0, 第 k 个类别为 k+1;
// 不同类别重叠时后面的类别覆盖前面的类别
func (d *Dataset) groundTruth(img *coco.Image, catIDs []int) (*tensor.Dense[int64], error) {
	gt := tensor.New[int64](img.Height, img.Width)
	data := gt.Data()
	for k, catID := range catIDs {
		var masks []*image.Gray
		for _, ann := range d.index.Annotations(img.ID, catID) {
			mask, err := d.processor.AnnotationMask(ann, img.Height, img.Width)
			if err != nil {
				return nil, err
			}
			masks = append(masks, mask)
		}
		if len(masks) == 0 {
			continue
		}
		merged, err := prompts.Union(masks)
		if err != nil {
			return nil, fmt.Errorf("图片 %d 类别 %d: %w", img.ID, catID, err)
		}
		for y := 0; y < img.Height; y++ {
			row := merged.Pix[y*merged.Stride : y*merged.Stride+img.Width]
			for x, v := range row {
				if v > 0 {
					data[y*img.Width+x] = int64(k + 1)
				}
			}
		}
	}
	return gt, nil
}

// exampleGroundTruths 每张示例的 GT, 补零到最大尺寸后堆叠
func (d *Dataset) exampleGroundTruths(imgs []*coco.Image, catIDs []int) (*tensor.Dense[int64], error) {
	if len(imgs) == 0 {
		return tensor.New[int64](0, 0, 0), nil
	}
	gts := make([]*tensor.Dense[int64], len(imgs))
	shapes := make([][]int, len(imgs))
	for m, img := range imgs {
		gt, err := d.groundTruth(img, catIDs)
		if err != nil {
			return nil, err
		}
		gts[m] = gt
		shapes[m] = gt.Shape()
	}
	maxShape, err := tensor.MaxShape(shapes...)
	if err != nil {
		return nil, err
	}
	for m := range gts {
		if gts[m], err = tensor.Pad(gts[m], maxShape, 0); err != nil {
			return nil, err
		}
	}
	return tensor.Stack(gts)
}
