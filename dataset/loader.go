package dataset

import (
	"context"
	"io"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
)

// Loader 按批次并行构建 Item 并合并
type Loader struct {
	dataset   *Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	order     []int
	pos       int
}

// NewLoader 创建批次加载器
//
// # Params:
//
//	d: 数据集
//	batchSize: 批次大小, <= 0 时为 1
//	shuffle: 每轮开始时是否打乱顺序
func NewLoader(d *Dataset, batchSize int, shuffle bool) *Loader {
	l := &Loader{
		dataset:   d,
		batchSize: max(batchSize, 1),
		shuffle:   shuffle,
		rng:       rand.New(rand.NewPCG(d.config.Seed, 1)),
	}
	l.Rewind()
	return l
}

// Rewind 开始新的一轮
func (l *Loader) Rewind() {
	l.order = make([]int, l.dataset.Len())
	for i := range l.order {
		l.order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
	}
	l.pos = 0
}

// NumBatches 每轮的批次数, 最后一个批次可能不满
func (l *Loader) NumBatches() int {
	return (l.dataset.Len() + l.batchSize - 1) / l.batchSize
}

// Next 返回下一个批次, 一轮结束时返回 io.EOF
func (l *Loader) Next(ctx context.Context) (*Batch, error) {
	if l.pos >= len(l.order) {
		return nil, io.EOF
	}
	end := min(l.pos+l.batchSize, len(l.order))
	indices := l.order[l.pos:end]
	l.pos = end
	return l.Load(ctx, indices)
}

// Load 并行构建指定下标的 Item 并合并为批次
func (l *Loader) Load(ctx context.Context, indices []int) (*Batch, error) {
	items := make([]*Item, len(indices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.dataset.config.Workers)
	for i, idx := range indices {
		g.Go(func() error {
			it, err := l.dataset.Item(gctx, idx)
			items[i] = it
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return l.dataset.Collate(items)
}
