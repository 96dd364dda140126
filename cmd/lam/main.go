// lam 命令行: 查看数据集、构建批次、评估与预测
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"

	"github.com/getcharzp/go-lam/dataset"
	"github.com/getcharzp/go-lam/model"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"
	flagLimit    = "limit"
	flagIndex    = "index"
	flagOutput   = "output"
	flagOverlay  = "overlay"
)

func main() {
	app := &cli.App{
		Name:  "lam",
		Usage: "label anything: few-shot multi-class segmentation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "YAML/JSON 配置文件, 可被 LAM_ 环境变量覆盖",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "日志级别, 覆盖配置文件",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "inspect",
				Usage:  "打印标注文件的统计信息",
				Action: inspectAction,
			},
			{
				Name:  "batch",
				Usage: "构建批次并打印张量形状",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagLimit, Value: 1, Usage: "构建的批次数"},
				},
				Action: batchAction,
			},
			{
				Name:  "evaluate",
				Usage: "前向推理并计算交叉熵",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagLimit, Value: 0, Usage: "评估的批次数, 0 为全部"},
				},
				Action: evaluateAction,
			},
			{
				Name:  "predict",
				Usage: "预测一张查询图片并保存类别 Mask",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagIndex, Value: 0, Usage: "查询图片在标注文件中的下标"},
					&cli.StringFlag{Name: flagOutput, Value: "prediction.png", Usage: "输出图片路径"},
					&cli.StringFlag{Name: flagOverlay, Usage: "叠加了类别颜色和名称的原图输出路径 (可选)"},
				},
				Action: predictAction,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("lam failed")
	}
}

// setup 读取配置并初始化日志
func setup(c *cli.Context) (appConfig, error) {
	cfg, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return cfg, err
	}
	if lvl := c.String(flagLogLevel); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := initLogger(cfg.LogLevel); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func inspectAction(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	d, err := dataset.Open(cfg.Dataset)
	if err != nil {
		return err
	}
	index := d.Index()
	fmt.Printf("images: %d, annotations: %d, categories: %d\n", index.Len(), index.NumAnnotations(), len(index.CategoryIDs()))

	catIDs := index.CategoryIDs()
	slices.SortFunc(catIDs, func(a, b int) int {
		return index.CategoryFrequency(b) - index.CategoryFrequency(a)
	})
	for _, id := range catIDs {
		cat, _ := index.Category(id)
		fmt.Printf("%6d  %-24s %d\n", id, cat.Name, index.CategoryFrequency(id))
	}
	return nil
}

func batchAction(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	d, err := dataset.Open(cfg.Dataset)
	if err != nil {
		return err
	}
	loader := dataset.NewLoader(d, cfg.Loader.BatchSize, cfg.Loader.Shuffle)
	for i := 0; i < c.Int(flagLimit); i++ {
		b, err := loader.Next(c.Context)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		fmt.Printf("batch %d: images %v\n", i, b.ImageIDs)
		keys := make([]string, 0)
		tensors := b.Tensors()
		for k := range tensors {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Printf("  %-14s %v\n", k, tensors[k])
		}
	}
	return nil
}

func evaluateAction(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	d, err := dataset.Open(cfg.Dataset)
	if err != nil {
		return err
	}
	m, err := model.LoadModel(cfg.Loader.Source, cfg.Loader.Locator, cfg.Model)
	if err != nil {
		return err
	}
	defer m.Close()

	guard := cfg.Guard
	loader := dataset.NewLoader(d, cfg.Loader.BatchSize, cfg.Loader.Shuffle)
	limit := c.Int(flagLimit)
	var total float64
	n := 0
	for limit <= 0 || n < limit {
		b, err := loader.Next(c.Context)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		res, err := m.Forward(c.Context, b)
		if err != nil {
			return err
		}
		loss, err := crossEntropy(res.Logits, b.GTs, b.Dims)
		if err != nil {
			return err
		}
		if err := guard.Check(loss, stateOf(res, b)); err != nil {
			return err
		}
		total += loss
		n++
		log.Info().Int("batch", n).Float64("loss", loss).Msg("evaluated")
	}
	if n > 0 {
		fmt.Printf("batches: %d, mean loss: %.4f\n", n, total/float64(n))
	}
	return nil
}

func predictAction(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	d, err := dataset.Open(cfg.Dataset)
	if err != nil {
		return err
	}
	item, err := d.Item(c.Context, c.Int(flagIndex))
	if err != nil {
		return err
	}
	b, err := d.Collate([]*dataset.Item{item})
	if err != nil {
		return err
	}

	m, err := model.LoadModel(cfg.Loader.Source, cfg.Loader.Locator, cfg.Model)
	if err != nil {
		return err
	}
	defer m.Close()

	res, err := m.Forward(c.Context, b)
	if err != nil {
		return err
	}
	logits := res.Logits.Index(0)
	labels := argmax(logits, item.Dims)
	out := c.String(flagOutput)
	if err := save(out, scaleLabels(labels, logits.Dim(0))); err != nil {
		return err
	}
	log.Info().Int("image_id", item.ImageID).Ints("categories", item.CategoryIDs).Str("output", out).Msg("prediction saved")

	overlay := c.String(flagOverlay)
	if overlay == "" {
		return nil
	}
	img, _ := d.Index().Image(item.ImageID)
	src, err := d.Source().Open(c.Context, img)
	if err != nil {
		return err
	}
	names := make([]string, len(item.CategoryIDs))
	for k, id := range item.CategoryIDs {
		if cat, ok := d.Index().Category(id); ok {
			names[k] = cat.Name
		}
	}
	return saveOverlay(overlay, src, labels, names)
}
