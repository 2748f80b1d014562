// Пакет codec: узкий интерфейс к кодированию и масштабированию изображений.
// Ядро не зависит от конкретной библиотеки: FormatNormalizer и
// RenditionCache работают через Codec. Реализация Imaging построена
// на golang.org/x/image (CatmullRom-масштабирование, декодеры webp/tiff/bmp).
package codec

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
)

// Форматы вывода.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// DefaultQuality: качество JPEG по умолчанию.
const DefaultQuality = 90

func init() {
	// image/jpeg, image/png и image/gif регистрируются сами при импорте.
	image.RegisterFormat("webp", "RIFF????WEBPVP8", webp.Decode, webp.DecodeConfig)
	image.RegisterFormat("tiff", "II*\x00", tiff.Decode, tiff.DecodeConfig)
	image.RegisterFormat("tiff", "MM\x00*", tiff.Decode, tiff.DecodeConfig)
	image.RegisterFormat("bmp", "BM????\x00\x00\x00\x00", bmp.Decode, bmp.DecodeConfig)
}

// Codec: операции над изображениями, нужные ядру.
type Codec interface {
	// Open декодирует файл и возвращает изображение и имя формата.
	Open(path string) (image.Image, string, error)
	// CropResize вписывает изображение в рамку maxW×maxH с сохранением
	// пропорций. Увеличение не выполняется.
	CropResize(img image.Image, maxW, maxH int) image.Image
	// Fill масштабирует с покрытием рамки и обрезает по центру до w×h.
	Fill(img image.Image, w, h int) image.Image
	// Scale масштабирует до w×h; нулевое измерение вычисляется по пропорциям.
	Scale(img image.Image, w, h int) image.Image
	// Encode кодирует изображение в формат format.
	Encode(w io.Writer, img image.Image, format string, quality int) error
	// Save кодирует изображение в файл target.
	Save(img image.Image, target, format string, quality int) error
	// Probe возвращает размеры и MIME-тип без полного декодирования.
	Probe(path string) (width, height int, mimeType string, err error)
}

// Imaging: реализация Codec на golang.org/x/image.
type Imaging struct {
	scaler draw.Scaler
}

// New создаёт Imaging с интерполяцией CatmullRom.
func New() *Imaging {
	return &Imaging{scaler: draw.CatmullRom}
}

// Проверка соответствия интерфейсу на этапе компиляции.
var _ Codec = (*Imaging)(nil)

// Open декодирует изображение из файла.
func (c *Imaging) Open(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("ошибка открытия изображения %s: %w", path, err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("ошибка декодирования изображения %s: %w", path, err)
	}
	return img, format, nil
}

// CropResize вписывает изображение в рамку без увеличения.
// Нулевое или отрицательное ограничение означает «без ограничения».
func (c *Imaging) CropResize(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return img
	}

	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if s := float64(maxH) / float64(h); s < scale {
			scale = s
		}
	}
	if scale >= 1.0 {
		return img
	}

	nw := clampDim(int(float64(w)*scale + 0.5))
	nh := clampDim(int(float64(h)*scale + 0.5))
	if maxW > 0 && nw > maxW {
		nw = maxW
	}
	if maxH > 0 && nh > maxH {
		nh = maxH
	}
	return c.resample(img, b, nw, nh)
}

// Fill масштабирует изображение так, чтобы оно покрыло рамку w×h,
// и обрезает излишки по центру.
func (c *Imaging) Fill(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw == 0 || sh == 0 || w <= 0 || h <= 0 {
		return img
	}

	// Область исходника с пропорциями целевой рамки
	src := b
	if sw*h > sh*w {
		cw := sh * w / h
		x0 := b.Min.X + (sw-cw)/2
		src = image.Rect(x0, b.Min.Y, x0+cw, b.Max.Y)
	} else {
		ch := sw * h / w
		y0 := b.Min.Y + (sh-ch)/2
		src = image.Rect(b.Min.X, y0, b.Max.X, y0+ch)
	}
	return c.resample(img, src, w, h)
}

// Scale масштабирует изображение до w×h. Если одно из измерений равно
// нулю, оно вычисляется из пропорций исходника.
func (c *Imaging) Scale(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw == 0 || sh == 0 {
		return img
	}
	switch {
	case w <= 0 && h <= 0:
		return img
	case w <= 0:
		w = clampDim(int(float64(sw)*float64(h)/float64(sh) + 0.5))
	case h <= 0:
		h = clampDim(int(float64(sh)*float64(w)/float64(sw) + 0.5))
	}
	return c.resample(img, b, w, h)
}

// Encode кодирует изображение. Для JPEG прозрачность заливается белым.
func (c *Imaging) Encode(w io.Writer, img image.Image, format string, quality int) error {
	switch NormalizeFormat(format) {
	case FormatPNG:
		return png.Encode(w, img)
	case FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = DefaultQuality
		}
		return jpeg.Encode(w, flatten(img), &jpeg.Options{Quality: quality})
	default:
		return fmt.Errorf("неподдерживаемый формат вывода: %q", format)
	}
}

// Save кодирует изображение в файл target (temp → rename).
func (c *Imaging) Save(img image.Image, target, format string, quality int) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", filepath.Dir(target), err)
	}

	f, err := os.CreateTemp(filepath.Dir(target), ".render-*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmp := f.Name()
	if err := c.Encode(f, img, format, quality); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ошибка переименования: %w", err)
	}
	return nil
}

// Probe читает заголовок изображения.
func (c *Imaging) Probe(path string) (int, int, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, "", fmt.Errorf("ошибка открытия изображения %s: %w", path, err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, "", fmt.Errorf("ошибка чтения заголовка %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, FormatToMime(format), nil
}

// NormalizeFormat приводит имя формата к каноническому ("jpg" → "jpeg").
func NormalizeFormat(format string) string {
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		return FormatJPEG
	case "png":
		return FormatPNG
	default:
		return strings.ToLower(format)
	}
}

// FormatToMime возвращает MIME-тип для имени формата image.Decode.
func FormatToMime(format string) string {
	switch NormalizeFormat(format) {
	case FormatJPEG:
		return model.MimeJPEG
	case FormatPNG:
		return model.MimePNG
	case "gif":
		return model.MimeGIF
	case "tiff":
		return model.MimeTIFF
	case "webp":
		return model.MimeWebP
	case "bmp":
		return "image/bmp"
	default:
		return "application/octet-stream"
	}
}

func (c *Imaging) resample(img image.Image, src image.Rectangle, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	c.scaler.Scale(dst, dst.Bounds(), img, src, draw.Over, nil)
	return dst
}

// flatten заливает прозрачные области белым (JPEG не поддерживает альфа-канал).
func flatten(img image.Image) image.Image {
	if _, ok := img.(*image.YCbCr); ok {
		return img
	}
	if _, ok := img.(*image.Gray); ok {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

func clampDim(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
