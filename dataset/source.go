package dataset

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"

	"github.com/coocood/freecache"
	"github.com/getcharzp/go-lam/coco"
	"github.com/rs/zerolog/log"
	"github.com/up-zero/gotool/imageutil"
	_ "golang.org/x/image/webp"
)

// Source 图片来源, 构造数据集时选定, 不按 Item 混用
type Source interface {
	Open(ctx context.Context, img *coco.Image) (image.Image, error)
}

// DirSource 从本地目录按 file_name 读取图片
type DirSource struct {
	Dir string
}

// Open 读取图片
func (s DirSource) Open(ctx context.Context, img *coco.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.Dir, img.FileName)
	m, err := imageutil.Open(path)
	if err != nil {
		return nil, fmt.Errorf("读取图片 %s 失败: %w", path, err)
	}
	return m, nil
}

// URLSource 通过 HTTP 下载 coco_url / url 指向的图片, 原始字节缓存在 freecache 中
type URLSource struct {
	client *http.Client
	cache  *freecache.Cache
}

// NewURLSource 创建远程图片来源
//
// # Params:
//
//	cacheSize: 缓存字节数, <= 0 时不缓存
//	client: 为 nil 时使用 http.DefaultClient
func NewURLSource(cacheSize int, client *http.Client) *URLSource {
	if client == nil {
		client = http.DefaultClient
	}
	s := &URLSource{client: client}
	if cacheSize > 0 {
		s.cache = freecache.NewCache(cacheSize)
	}
	return s
}

// Open 下载并解码图片
func (s *URLSource) Open(ctx context.Context, img *coco.Image) (image.Image, error) {
	url := img.RemoteURL()
	if url == "" {
		return nil, fmt.Errorf("图片 %d 没有可用的 URL", img.ID)
	}
	data, err := s.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	m, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("解码图片 %s 失败: %w", url, err)
	}
	return m, nil
}

func (s *URLSource) fetch(ctx context.Context, url string) ([]byte, error) {
	key := []byte(url)
	if s.cache != nil {
		if data, err := s.cache.Get(key); err == nil {
			return data, nil
		}
		log.Debug().Str("url", url).Msg("image cache miss")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("下载图片 %s 失败: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("下载图片 %s 失败: %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取图片 %s 失败: %w", url, err)
	}

	if s.cache != nil {
		// 超过单条上限的大图不缓存
		if err := s.cache.Set(key, data, 0); err != nil {
			log.Debug().Err(err).Str("url", url).Int("bytes", len(data)).Msg("skip image cache")
		}
	}
	return data, nil
}

// HitRate 缓存命中率
func (s *URLSource) HitRate() float64 {
	if s.cache == nil {
		return 0
	}
	return s.cache.HitRate()
}
