// Пакет normalize: классификация входного файла по MIME-типу и
// сохранение его канонического представления в ContentStore.
//
// Изображения перекодируются (PNG/GIF → PNG, JPEG/TIFF/WebP → JPEG)
// с ограничением размера по рамке converter.size. PDF сохраняется
// как есть и преобразуется в JPEG лениво, при первом построении
// рендишна (ConvertPDF). Остальные типы сохраняются без изменений.
package normalize

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/bigkaa/goartstore/media-element/internal/codec"
	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
	"github.com/bigkaa/goartstore/media-element/internal/storage/filestore"
)

// Strategy: способ сохранения файла.
type Strategy int

const (
	// StrategyRaw: сохранить байты без изменений.
	StrategyRaw Strategy = iota
	// StrategyPNG: перекодировать в PNG.
	StrategyPNG
	// StrategyJPEG: перекодировать в JPEG.
	StrategyJPEG
	// StrategyPDF: сохранить как есть, преобразовать при первом рендере.
	StrategyPDF
)

// String возвращает имя стратегии для логов.
func (s Strategy) String() string {
	switch s {
	case StrategyPNG:
		return "png"
	case StrategyJPEG:
		return "jpeg"
	case StrategyPDF:
		return "pdf"
	default:
		return "raw"
	}
}

// UnknownExtension: расширение для типов без известного соответствия.
const UnknownExtension = "unknown"

// Converter: внешний конвертер PDF → JPEG.
type Converter interface {
	FirstPageToJPEG(ctx context.Context, source, target string) (string, error)
}

// Options: параметры конвейера изображений.
type Options struct {
	// MaxWidth, MaxHeight: рамка для мастера; увеличение не выполняется
	MaxWidth  int
	MaxHeight int
	// Quality: качество JPEG (1-100)
	Quality int
}

// Stored: результат сохранения.
type Stored struct {
	// Path: путь относительно storage root
	Path string
	// Hash: content hash сохранённого представления
	Hash string
	// MediaType: MIME-тип сохранённого представления
	MediaType string
	// Width, Height: размеры, если сохранено изображение
	Width  int
	Height int
	// Strategy: применённая стратегия
	Strategy Strategy
}

// Normalizer: FormatNormalizer.
type Normalizer struct {
	store     *filestore.FileStore
	codec     codec.Codec
	converter Converter
	opts      Options
	logger    *slog.Logger
}

// New создаёт Normalizer. converter может быть nil: тогда ConvertPDF
// всегда возвращает ErrConversionUnavailable.
func New(store *filestore.FileStore, c codec.Codec, converter Converter, opts Options, logger *slog.Logger) *Normalizer {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = codec.DefaultQuality
	}
	return &Normalizer{
		store:     store,
		codec:     c,
		converter: converter,
		opts:      opts,
		logger:    logger.With(slog.String("component", "normalizer")),
	}
}

// DetectMIME определяет MIME-тип по содержимому файла (без параметров).
func DetectMIME(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", model.ErrSourceUnreadable, path, err)
	}
	return stripParams(mt.String()), nil
}

// Classify возвращает стратегию для MIME-типа.
func Classify(mimeType string) Strategy {
	switch stripParams(mimeType) {
	case model.MimePNG, model.MimeGIF:
		return StrategyPNG
	case model.MimeJPEG, model.MimeTIFF, model.MimeWebP:
		return StrategyJPEG
	case model.MimePDF:
		return StrategyPDF
	default:
		return StrategyRaw
	}
}

// MimeToExtension возвращает расширение файла для MIME-типа.
// Для неизвестных типов: UnknownExtension.
func MimeToExtension(mimeType string) string {
	switch stripParams(mimeType) {
	case model.MimeJPEG:
		return "jpg"
	case model.MimePNG:
		return "png"
	case model.MimeGIF:
		return "gif"
	case model.MimeTIFF:
		return "tif"
	case model.MimeWebP:
		return "webp"
	case model.MimePDF:
		return "pdf"
	case "", "application/octet-stream":
		return UnknownExtension
	}

	if mt := mimetype.Lookup(stripParams(mimeType)); mt != nil && mt.Extension() != "" {
		return strings.TrimPrefix(mt.Extension(), ".")
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return UnknownExtension
}

// Store сохраняет файл sourcePath с content hash hash по стратегии его MIME-типа.
func (n *Normalizer) Store(ctx context.Context, sourcePath, hash string) (*Stored, error) {
	mimeType, err := DetectMIME(sourcePath)
	if err != nil {
		return nil, err
	}

	strategy := Classify(mimeType)
	n.logger.Debug("Классификация файла",
		slog.String("content_hash", hash),
		slog.String("mime", mimeType),
		slog.String("strategy", strategy.String()),
	)

	switch strategy {
	case StrategyPNG, StrategyJPEG:
		stored, err := n.storeImage(sourcePath, hash, strategy)
		if err == nil {
			return stored, nil
		}
		// Файл заявлен как изображение, но не декодируется: сохраняем как есть
		n.logger.Warn("Изображение не декодируется, сохранение без перекодирования",
			slog.String("content_hash", hash),
			slog.String("mime", mimeType),
			slog.String("error", err.Error()),
		)
		return n.storeRaw(sourcePath, hash, mimeType)
	case StrategyPDF:
		stored, err := n.storeRaw(sourcePath, hash, model.MimePDF)
		if err != nil {
			return nil, err
		}
		stored.Strategy = StrategyPDF
		return stored, nil
	default:
		return n.storeRaw(sourcePath, hash, mimeType)
	}
}

// ConvertPDF преобразует первую страницу PDF-мастера в JPEG и сохраняет
// результат через конвейер изображений. Hash результата: SHA-256
// байтов, созданных конвертером.
func (n *Normalizer) ConvertPDF(ctx context.Context, masterFullPath string) (*Stored, error) {
	if n.converter == nil {
		return nil, fmt.Errorf("%w: конвертер не настроен", model.ErrConversionUnavailable)
	}

	tmpDir, err := os.MkdirTemp("", "media-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("%w: временная директория: %v", model.ErrConversionFailed, err)
	}
	defer os.RemoveAll(tmpDir)

	output, err := n.converter.FirstPageToJPEG(ctx, masterFullPath, filepath.Join(tmpDir, "page"))
	if err != nil {
		return nil, err
	}

	hash, err := filestore.Checksum(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConversionFailed, err)
	}

	stored, err := n.storeImage(output, hash, StrategyJPEG)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConversionFailed, err)
	}

	n.logger.Info("PDF преобразован в изображение",
		slog.String("source", masterFullPath),
		slog.String("content_hash", stored.Hash),
		slog.String("path", stored.Path),
	)
	return stored, nil
}

// storeImage декодирует изображение, вписывает в рамку и сохраняет.
func (n *Normalizer) storeImage(sourcePath, hash string, strategy Strategy) (*Stored, error) {
	img, _, err := n.codec.Open(sourcePath)
	if err != nil {
		return nil, err
	}
	img = n.codec.CropResize(img, n.opts.MaxWidth, n.opts.MaxHeight)

	format, mediaType := codec.FormatJPEG, model.MimeJPEG
	if strategy == StrategyPNG {
		format, mediaType = codec.FormatPNG, model.MimePNG
	}

	rel, err := n.store.PutFunc(hash, MimeToExtension(mediaType), func(w io.Writer) error {
		return n.codec.Encode(w, img, format, n.opts.Quality)
	})
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	return &Stored{
		Path:      rel,
		Hash:      hash,
		MediaType: mediaType,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Strategy:  strategy,
	}, nil
}

// storeRaw сохраняет байты без изменений.
func (n *Normalizer) storeRaw(sourcePath, hash, mimeType string) (*Stored, error) {
	rel, err := n.store.Put(sourcePath, hash, MimeToExtension(mimeType))
	if err != nil {
		return nil, err
	}
	return &Stored{
		Path:      rel,
		Hash:      hash,
		MediaType: mimeType,
		Strategy:  StrategyRaw,
	}, nil
}

func stripParams(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
