// Пакет convert: внешний конвертер PDF → JPEG (pdftoppm).
// Запускается как подпроцесс: pdftoppm -singlefile -jpeg <src> <target>
// создаёт <target>.jpg из первой страницы документа.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
)

// DefaultTimeout: таймаут подпроцесса по умолчанию.
const DefaultTimeout = 60 * time.Second

// maxOutput: сколько байт вывода подпроцесса попадает в ошибку и лог.
const maxOutput = 2048

// PDFConverter: обёртка над pdftoppm.
type PDFConverter struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewPDFConverter создаёт конвертер. binary: путь или имя в PATH.
func NewPDFConverter(binary string, timeout time.Duration, logger *slog.Logger) *PDFConverter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PDFConverter{
		binary:  binary,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "pdf_converter")),
	}
}

// Binary возвращает настроенный путь к конвертеру.
func (c *PDFConverter) Binary() string {
	return c.binary
}

// Available проверяет наличие исполняемого файла.
// Возвращает путь или ErrConversionUnavailable.
func (c *PDFConverter) Available() (string, error) {
	path, err := exec.LookPath(c.binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", model.ErrConversionUnavailable, c.binary, err)
	}
	return path, nil
}

// FirstPageToJPEG конвертирует первую страницу source в {target}.jpg
// и возвращает путь к результату.
func (c *PDFConverter) FirstPageToJPEG(ctx context.Context, source, target string) (string, error) {
	binary, err := c.Available()
	if err != nil {
		c.logger.Error("Конвертер PDF недоступен",
			slog.String("target", target),
			slog.String("source", source),
			slog.String("command", c.binary),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{"-singlefile", "-jpeg", source, target}
	cmd := exec.CommandContext(ctx, binary, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	// Дочерние процессы могут держать pipe открытым после kill
	cmd.WaitDelay = time.Second

	started := time.Now()
	runErr := cmd.Run()
	result := target + ".jpg"

	if runErr == nil {
		if info, statErr := os.Stat(result); statErr != nil || info.Size() == 0 {
			runErr = errors.New("конвертер не создал файл результата")
		}
	}

	if runErr != nil {
		if ctx.Err() != nil {
			runErr = fmt.Errorf("%v: %w", runErr, ctx.Err())
		}
		_ = os.Remove(result)
		c.logger.Error("Ошибка конвертации PDF",
			slog.String("target", target),
			slog.String("source", source),
			slog.String("command", binary+" "+strings.Join(args, " ")),
			slog.String("output", truncate(output.String())),
			slog.String("error", runErr.Error()),
		)
		return "", fmt.Errorf("%w: %v", model.ErrConversionFailed, runErr)
	}

	c.logger.Debug("PDF сконвертирован",
		slog.String("source", source),
		slog.String("result", result),
		slog.Duration("duration", time.Since(started)),
	)
	return result, nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		return s[:maxOutput] + "..."
	}
	return s
}
