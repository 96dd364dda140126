package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"

	"github.com/getcharzp/go-lam/tensor"
	"github.com/rs/zerolog/log"
)

// NaNGuard 按间隔检查 loss, 出现 NaN/Inf 时返回 ErrNaNLoss
type NaNGuard struct {
	Every    int    `mapstructure:"every"`     // 每隔多少步检查一次, <= 0 时不检查
	DumpPath string `mapstructure:"dump_path"` // Every 为 1 时写入诊断信息的 JSON 文件

	step int
}

// tensorSummary 诊断信息中单个张量的摘要
type tensorSummary struct {
	Shape []int  `json:"shape"`
	NaN   int    `json:"nan"`
	Inf   int    `json:"inf"`
	Min   string `json:"min"`
	Max   string `json:"max"`
}

type nanDump struct {
	Step    int                      `json:"step"`
	Loss    string                   `json:"loss"`
	Tensors map[string]tensorSummary `json:"tensors"`
}

// Check 记录一步并在需要时检查 loss
//
// # Params:
//
//	loss: 当前步的 loss
//	state: 写入诊断文件的张量 (例如 logits、gts), 可以为 nil
func (g *NaNGuard) Check(loss float64, state map[string]*tensor.Dense[float32]) error {
	g.step++
	if g.Every <= 0 || g.step%g.Every != 0 {
		return nil
	}
	if !math.IsNaN(loss) && !math.IsInf(loss, 0) {
		return nil
	}
	if g.Every == 1 && g.DumpPath != "" {
		if err := g.dump(loss, state); err != nil {
			log.Error().Err(err).Str("path", g.DumpPath).Msg("write nan dump failed")
		} else {
			log.Error().Int("step", g.step).Str("path", g.DumpPath).Msg("nan loss, state dumped")
		}
	}
	return fmt.Errorf("%w: step %d", ErrNaNLoss, g.step)
}

// Step 已记录的步数
func (g *NaNGuard) Step() int { return g.step }

func (g *NaNGuard) dump(loss float64, state map[string]*tensor.Dense[float32]) error {
	d := nanDump{
		Step:    g.step,
		Loss:    strconv.FormatFloat(loss, 'g', -1, 64),
		Tensors: make(map[string]tensorSummary, len(state)),
	}
	for name, t := range state {
		if t == nil {
			continue
		}
		d.Tensors[name] = summarize(t)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(g.DumpPath, data, 0o644)
}

func summarize(t *tensor.Dense[float32]) tensorSummary {
	s := tensorSummary{Shape: t.Shape()}
	var finite []float32
	for _, v := range t.Data() {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			s.NaN++
		case math.IsInf(f, 0):
			s.Inf++
		default:
			finite = append(finite, v)
		}
	}
	if len(finite) > 0 {
		s.Min = strconv.FormatFloat(float64(slices.Min(finite)), 'g', -1, 32)
		s.Max = strconv.FormatFloat(float64(slices.Max(finite)), 'g', -1, 32)
	}
	return s
}
