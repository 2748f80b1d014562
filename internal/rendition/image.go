package rendition

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/bigkaa/goartstore/media-element/internal/codec"
	"github.com/bigkaa/goartstore/media-element/internal/storage/shard"
)

// Mode: режим построения рендишна.
type Mode string

const (
	// ModeCrop: заданы ширина и высота, покрыть рамку и обрезать по центру.
	ModeCrop Mode = "crop"
	// ModeScale: задан один размер, второй по пропорции.
	ModeScale Mode = "scale"
	// ModeNone: размеры не заданы, мастер без изменения размера.
	ModeNone Mode = "none"
)

// ModeFor выбирает режим по заданным размерам.
func ModeFor(width, height int) Mode {
	switch {
	case width > 0 && height > 0:
		return ModeCrop
	case width > 0 || height > 0:
		return ModeScale
	default:
		return ModeNone
	}
}

// Image: дескриптор рендишна. Файл создаётся при первом Render.
type Image struct {
	cache  *Cache
	master string
	remote bool
	hash   string
	format string
	width  int
	height int
	mode   Mode
}

func newImage(c *Cache, master, hash, format string, width, height int) *Image {
	width, height = clampSize(width), clampSize(height)
	return &Image{
		cache:  c,
		master: master,
		hash:   hash,
		format: format,
		width:  width,
		height: height,
		mode:   ModeFor(width, height),
	}
}

// Width возвращает запрошенную ширину (0: не задана).
func (i *Image) Width() int { return i.width }

// Height возвращает запрошенную высоту (0: не задана).
func (i *Image) Height() int { return i.height }

// Mode возвращает режим построения.
func (i *Image) Mode() Mode { return i.mode }

// Format возвращает формат файла рендишна.
func (i *Image) Format() string { return i.format }

// MimeType возвращает MIME-тип файла рендишна.
func (i *Image) MimeType() string { return codec.FormatToMime(i.format) }

// Resize возвращает новый дескриптор того же мастера с другими размерами.
func (i *Image) Resize(width, height int) *Image {
	img := newImage(i.cache, i.master, i.hash, i.format, width, height)
	img.remote = i.remote
	return img
}

// Key: путь рендишна относительно каталога кэша.
func (i *Image) Key() string {
	dir, err := shard.Dir(i.hash, shardDepth)
	if err != nil {
		// hash всегда hex SHA-256, сюда попасть нельзя
		dir = "_"
	}
	name := fmt.Sprintf("%s_%dx%d_%s.%s", i.hash, i.width, i.height, i.mode, extension(i.format))
	return filepath.ToSlash(filepath.Join(dir, name))
}

// CacheFile возвращает абсолютный путь файла рендишна.
func (i *Image) CacheFile() string {
	return filepath.Join(i.cache.Dir(), filepath.FromSlash(i.Key()))
}

// URL возвращает веб-путь рендишна: /{cache.dirname}/{a/b}/{file}.
func (i *Image) URL() string {
	return "/" + i.cache.Dirname() + "/" + i.Key()
}

// Exists проверяет наличие файла рендишна без его построения.
func (i *Image) Exists() bool {
	return fileExists(i.CacheFile())
}

// Render создаёт файл рендишна, если его нет, и возвращает абсолютный путь.
func (i *Image) Render(ctx context.Context) (string, error) {
	return i.cache.render(ctx, i)
}

func extension(format string) string {
	if format == codec.FormatPNG {
		return "png"
	}
	return "jpg"
}

func clampSize(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxDimension {
		return MaxDimension
	}
	return v
}
