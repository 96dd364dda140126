// Package sampler 为查询图片抽取示例图片。
//
// 先保证查询图片的每个类别至少被 MinSize 张示例覆盖, 剩余名额按
// 类别频率的幂律与均匀分布的混合权重做无放回抽样, 避免示例集中在高频类别。
package sampler

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Index 抽样所需的只读索引视图, *coco.Index 实现了该接口
type Index interface {
	ImageIDs() []int
	CategoriesOf(imageID int) []int
	ImagesOf(categoryID int) []int
	CategoryFrequency(categoryID int) int
}

// Config 抽样参数
//
// Alpha 与 Mix 同时为 0 视为未设置, 两者都取默认值;
// 只把 Mix 设为 0 (Alpha 非 0) 表示纯均匀抽样。
type Config struct {
	MinSize int     `mapstructure:"min_size"` // 每个类别至少覆盖的示例数 (默认 1)
	Alpha   float64 `mapstructure:"alpha"`    // 幂律指数, 权重 ∝ freq^-Alpha (默认 1)
	Mix     float64 `mapstructure:"mix"`      // 幂律部分占比, 其余为均匀分布 (默认 0.5)
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MinSize: 1,
		Alpha:   1,
		Mix:     0.5,
	}
}

// Result 抽样结果, 两个切片一一对应
type Result struct {
	ExampleIDs  []int   // 示例图片 id
	CategoryIDs [][]int // 每张示例与查询图片共有的类别, 升序
}

// Sampler 示例抽样器
type Sampler struct {
	index  Index
	config Config
}

// New 创建抽样器
func New(index Index, cfg Config) *Sampler {
	def := DefaultConfig()
	if cfg.MinSize <= 0 {
		cfg.MinSize = def.MinSize
	}
	if cfg.Alpha == 0 && cfg.Mix == 0 {
		cfg.Alpha, cfg.Mix = def.Alpha, def.Mix
	}
	if cfg.Alpha < 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.Mix < 0 || cfg.Mix > 1 {
		cfg.Mix = def.Mix
	}
	return &Sampler{index: index, config: cfg}
}

// Sample 为查询图片抽取至多 n 张不同的示例图片 (不含查询图片本身)
//
// # Params:
//
//	queryID: 查询图片 id
//	n: 示例数量, 候选不足时返回全部候选
//	rng: 随机数生成器, 由调用方持有
func (s *Sampler) Sample(queryID, n int, rng *rand.Rand) Result {
	var res Result
	if n <= 0 {
		return res
	}
	queryCats := s.index.CategoriesOf(queryID)
	if len(queryCats) == 0 {
		return s.sampleUniform(queryID, n, rng)
	}

	chosen := map[int]bool{queryID: true}
	coverage := make(map[int]int, len(queryCats))
	add := func(imageID int) {
		chosen[imageID] = true
		cats := s.shared(imageID, queryCats)
		for _, c := range cats {
			coverage[c]++
		}
		res.ExampleIDs = append(res.ExampleIDs, imageID)
		res.CategoryIDs = append(res.CategoryIDs, cats)
	}

	// 覆盖阶段
	for _, i := range rng.Perm(len(queryCats)) {
		cat := queryCats[i]
		for coverage[cat] < s.config.MinSize && len(res.ExampleIDs) < n {
			pool := lo.Filter(s.index.ImagesOf(cat), func(id int, _ int) bool { return !chosen[id] })
			if len(pool) == 0 {
				break
			}
			add(pool[rng.IntN(len(pool))])
		}
	}
	if len(res.ExampleIDs) >= n {
		return res
	}

	// 填充阶段
	var candidates []int
	for _, cat := range queryCats {
		candidates = append(candidates, s.index.ImagesOf(cat)...)
	}
	candidates = lo.Filter(lo.Uniq(candidates), func(id int, _ int) bool { return !chosen[id] })
	slices.Sort(candidates)
	if len(candidates) == 0 {
		return res
	}

	weights := s.weights(candidates, queryCats)
	w := sampleuv.NewWeighted(weights, rng)
	for len(res.ExampleIDs) < n {
		i, ok := w.Take()
		if !ok {
			break
		}
		add(candidates[i])
	}
	return res
}

// weights 幂律与均匀分布的混合权重
func (s *Sampler) weights(candidates, queryCats []int) []float64 {
	power := make([]float64, len(candidates))
	for i, id := range candidates {
		for _, c := range s.shared(id, queryCats) {
			power[i] += math.Pow(float64(s.index.CategoryFrequency(c)), -s.config.Alpha)
		}
	}
	z := floats.Sum(power)
	uniform := (1 - s.config.Mix) / float64(len(candidates))
	out := make([]float64, len(candidates))
	for i := range power {
		out[i] = uniform
		if z > 0 {
			out[i] += s.config.Mix * power[i] / z
		}
	}
	return out
}

// sampleUniform 查询图片没有标注时, 从其余图片中均匀抽取
func (s *Sampler) sampleUniform(queryID, n int, rng *rand.Rand) Result {
	var res Result
	ids := lo.Filter(s.index.ImageIDs(), func(id int, _ int) bool { return id != queryID })
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	for _, id := range ids[:min(n, len(ids))] {
		res.ExampleIDs = append(res.ExampleIDs, id)
		res.CategoryIDs = append(res.CategoryIDs, slices.Clone(s.index.CategoriesOf(id)))
	}
	return res
}

// shared 图片与查询图片共有的类别, 升序
func (s *Sampler) shared(imageID int, queryCats []int) []int {
	return lo.Filter(s.index.CategoriesOf(imageID), func(c int, _ int) bool {
		return slices.Contains(queryCats, c)
	})
}

// Categories 全部示例类别去重后升序排列
func (r Result) Categories() []int {
	cats := lo.Uniq(lo.Flatten(r.CategoryIDs))
	slices.Sort(cats)
	return cats
}
