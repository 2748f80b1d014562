// Пакет shard: вычисление шардированного пути каталога по хэшу содержимого.
// Первые depth символов хэша становятся вложенными односимвольными
// каталогами: "abcd1234", depth 4 → a/b/c/d.
// Чистые функции, без обращения к файловой системе.
package shard

import (
	"fmt"
	"path/filepath"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
)

// DefaultDepth: глубина шардирования по умолчанию.
const DefaultDepth = 4

// Resolve возвращает depth односимвольных сегментов пути из начала хэша.
func Resolve(hash string, depth int) ([]string, error) {
	if depth < 0 {
		return nil, fmt.Errorf("%w: отрицательная глубина %d", model.ErrInvalidHash, depth)
	}
	if len(hash) < depth {
		return nil, fmt.Errorf("%w: длина %d меньше глубины %d", model.ErrInvalidHash, len(hash), depth)
	}

	segments := make([]string, depth)
	for i := 0; i < depth; i++ {
		c := hash[i]
		if c == '/' || c == '\\' || c == '.' || c == 0 {
			return nil, fmt.Errorf("%w: недопустимый символ %q в позиции %d", model.ErrInvalidHash, c, i)
		}
		segments[i] = string(c)
	}
	return segments, nil
}

// Dir возвращает относительный путь каталога шарда ("a/b/c/d").
// Для depth 0 возвращает ".".
func Dir(hash string, depth int) (string, error) {
	segments, err := Resolve(hash, depth)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return ".", nil
	}
	return filepath.Join(segments...), nil
}

// FileName возвращает относительный путь файла: {shard}/{hash}.{ext}.
func FileName(hash string, depth int, ext string) (string, error) {
	dir, err := Dir(hash, depth)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, hash+"."+ext), nil
}
