// Пакет rendition: кэш производных изображений (рендишнов).
// Рендишн строится из мастер-файла по запросу, сохраняется в
// {cache.path}/{cache.dirname}/{a/b}/{hash}_{w}x{h}_{mode}.{ext}
// и дальше отдаётся как статический файл.
package rendition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/goartstore/media-element/internal/codec"
	"github.com/bigkaa/goartstore/media-element/internal/config"
	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
	"github.com/bigkaa/goartstore/media-element/internal/storage/filestore"
	"github.com/bigkaa/goartstore/media-element/internal/storage/shard"
)

// MaxDimension: верхняя граница ширины и высоты рендишна.
const MaxDimension = 10000

// shardDepth: глубина шардирования каталога кэша.
const shardDepth = 2

// remoteDirname: подкаталог кэша для скачанных удалённых мастеров.
const remoteDirname = "remote"

// Prometheus-метрики кэша рендишнов.
var (
	renditionHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_rendition_cache_hits_total",
		Help: "Количество запросов рендишна, найденного в кэше.",
	})
	renditionMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_rendition_cache_misses_total",
		Help: "Количество запросов рендишна, отсутствующего в кэше.",
	})
	renditionRenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ms_rendition_render_duration_seconds",
		Help:    "Длительность построения рендишна.",
		Buckets: prometheus.DefBuckets,
	})
	remoteFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ms_remote_fetch_total",
		Help: "Количество загрузок удалённых мастеров.",
	}, []string{"result"})
)

// Cache: RenditionCache.
type Cache struct {
	store   *filestore.FileStore
	codec   codec.Codec
	dirname string
	quality int
	client  *http.Client
	// maxRemote: предел размера удалённого мастера, 0 означает без предела
	maxRemote int64

	// known: ключи рендишнов, существование которых уже проверено
	known *expirable.LRU[string, struct{}]
	group singleflight.Group

	logger *slog.Logger
}

// New создаёт кэш рендишнов. Каталог кэша: store.CacheRoot().
func New(cfg *config.Config, store *filestore.FileStore, c codec.Codec, logger *slog.Logger) *Cache {
	size := cfg.CacheIndexSize
	if size <= 0 {
		size = 4096
	}
	quality := cfg.ConverterQuality
	if quality <= 0 || quality > 100 {
		quality = codec.DefaultQuality
	}

	return &Cache{
		store:   store,
		codec:   c,
		dirname: cfg.CacheDirname,
		quality: quality,
		client:    &http.Client{Timeout: cfg.RemoteFetchTimeout},
		maxRemote: max(cfg.RemoteMaxSize, 0),
		known:     expirable.NewLRU[string, struct{}](size, nil, cfg.CacheMaxAge),
		logger:    logger.With(slog.String("component", "rendition_cache")),
	}
}

// Dir возвращает абсолютный путь каталога кэша.
func (c *Cache) Dir() string {
	return c.store.CacheRoot()
}

// Dirname возвращает имя каталога кэша в веб-пути.
func (c *Cache) Dirname() string {
	return c.dirname
}

// Purge забывает все ранее проверенные ключи.
// Вызывается после удаления файлов из каталога кэша.
func (c *Cache) Purge() {
	c.known.Purge()
}

// Instance создаёт дескриптор рендишна для записи. 0 означает «размер не задан».
func (c *Cache) Instance(rec *model.MediaRecord, width, height int) (*Image, error) {
	if rec.NeedsConversion() {
		return nil, fmt.Errorf("%w: %s", model.ErrConversionRequired, rec.StoredPath)
	}

	if rec.IsRemote() {
		return c.remoteInstance(rec.StoredPath, width, height), nil
	}

	if !isRenderable(rec.MediaType) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotRenderable, rec.MediaType)
	}

	master := c.store.ResolveFullPath(rec.StoredPath)
	if _, err := os.Stat(master); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrMasterUnavailable, rec.StoredPath, err)
	}

	hash := rec.ContentHash
	if _, err := shard.Resolve(hash, shardDepth); err != nil {
		// Записи без корректного хэша адресуются хэшем пути
		hash = hashString(rec.StoredPath)
	}

	format := codec.FormatJPEG
	if rec.MediaType == model.MimePNG {
		format = codec.FormatPNG
	}

	return newImage(c, master, hash, format, width, height), nil
}

// remoteInstance создаёт дескриптор для мастера по http(s) URL.
// Мастер скачивается при первом Render.
func (c *Cache) remoteInstance(rawURL string, width, height int) *Image {
	format := codec.FormatJPEG
	if u, err := url.Parse(rawURL); err == nil && strings.EqualFold(path.Ext(u.Path), ".png") {
		format = codec.FormatPNG
	}
	img := newImage(c, rawURL, hashString(rawURL), format, width, height)
	img.remote = true
	return img
}

// render строит файл рендишна, если его ещё нет. Конкурентные вызовы
// для одного ключа выполняются один раз.
func (c *Cache) render(ctx context.Context, img *Image) (string, error) {
	key := img.Key()
	target := img.CacheFile()

	if _, ok := c.known.Get(key); ok {
		if fileExists(target) {
			renditionHitsTotal.Inc()
			return target, nil
		}
		// Файл удалён в обход кэша
		c.known.Remove(key)
	} else if fileExists(target) {
		c.known.Add(key, struct{}{})
		renditionHitsTotal.Inc()
		return target, nil
	}
	renditionMissesTotal.Inc()

	_, err, _ := c.group.Do(key, func() (any, error) {
		if fileExists(target) {
			return nil, nil
		}

		started := time.Now()
		master := img.master
		if img.remote {
			local, err := c.fetchRemote(ctx, img.master)
			if err != nil {
				return nil, err
			}
			master = local
		}

		src, _, err := c.codec.Open(master)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %v", model.ErrMasterUnavailable, err)
			}
			return nil, fmt.Errorf("%w: %v", model.ErrNotRenderable, err)
		}

		var out = src
		switch img.mode {
		case ModeCrop:
			out = c.codec.Fill(src, img.width, img.height)
		case ModeScale:
			out = c.codec.Scale(src, img.width, img.height)
		}

		if err := c.codec.Save(out, target, img.format, c.quality); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrStorageUnwritable, err)
		}

		renditionRenderDuration.Observe(time.Since(started).Seconds())
		c.logger.Debug("Рендишн создан",
			slog.String("key", key),
			slog.Int("width", out.Bounds().Dx()),
			slog.Int("height", out.Bounds().Dy()),
			slog.Duration("duration", time.Since(started)),
		)
		return nil, nil
	})
	if err != nil {
		return "", err
	}

	c.known.Add(key, struct{}{})
	return target, nil
}

// fetchRemote скачивает удалённый мастер в {cache}/remote/{ab}/{sha256(url)}{ext}
// и возвращает локальный путь. Повторные вызовы используют скачанный файл.
func (c *Cache) fetchRemote(ctx context.Context, rawURL string) (string, error) {
	sum := hashString(rawURL)
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); len(e) <= 5 {
			ext = e
		}
	}
	target := filepath.Join(c.store.CacheRoot(), remoteDirname, sum[:2], sum+ext)
	if fileExists(target) {
		return target, nil
	}

	_, err, _ := c.group.Do(remoteDirname+":"+sum, func() (any, error) {
		if fileExists(target) {
			return nil, nil
		}
		if err := c.download(ctx, rawURL, target); err != nil {
			remoteFetchTotal.WithLabelValues("error").Inc()
			c.logger.Warn("Ошибка загрузки удалённого мастера",
				slog.String("url", rawURL),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		remoteFetchTotal.WithLabelValues("success").Inc()
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return target, nil
}

func (c *Cache) download(ctx context.Context, rawURL, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrMasterUnavailable, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrMasterUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: HTTP %d", model.ErrMasterUnavailable, rawURL, resp.StatusCode)
	}
	if c.maxRemote > 0 && resp.ContentLength > c.maxRemote {
		return fmt.Errorf("%w: %s: размер %d превышает %d", model.ErrMasterUnavailable, rawURL, resp.ContentLength, c.maxRemote)
	}

	body := io.Reader(resp.Body)
	if c.maxRemote > 0 {
		body = io.LimitReader(resp.Body, c.maxRemote+1)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageUnwritable, err)
	}
	f, err := os.CreateTemp(dir, ".remote-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageUnwritable, err)
	}
	tmp := f.Name()
	written, err := io.Copy(f, body)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %v", model.ErrMasterUnavailable, rawURL, err)
	}
	if c.maxRemote > 0 && written > c.maxRemote {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: размер превышает %d", model.ErrMasterUnavailable, rawURL, c.maxRemote)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", model.ErrStorageUnwritable, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", model.ErrStorageUnwritable, err)
	}
	return nil
}

// isRenderable проверяет, может ли кодек декодировать MIME-тип.
func isRenderable(mimeType string) bool {
	switch mimeType {
	case model.MimeJPEG, model.MimePNG, model.MimeGIF, model.MimeTIFF, model.MimeWebP, "image/bmp":
		return true
	}
	return false
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
