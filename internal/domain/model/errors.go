package model

import "errors"

// Ошибки ядра. Оборачиваются через fmt.Errorf("...: %w", err),
// проверяются через errors.Is.
var (
	// ErrInvalidHash: хэш короче глубины шардирования.
	ErrInvalidHash = errors.New("некорректный хэш")
	// ErrDuplicateContent: содержимое уже сохранено, а возврат дубликата запрещён.
	ErrDuplicateContent = errors.New("содержимое уже сохранено")
	// ErrSourceUnreadable: исходный файл отсутствует или недоступен для чтения.
	ErrSourceUnreadable = errors.New("исходный файл недоступен для чтения")
	// ErrStorageUnwritable: storage или cache root недоступны для записи.
	ErrStorageUnwritable = errors.New("хранилище недоступно для записи")
	// ErrConversionUnavailable: внешний конвертер не установлен.
	ErrConversionUnavailable = errors.New("конвертер недоступен")
	// ErrConversionFailed: конвертер завершился с ошибкой или не создал файл.
	ErrConversionFailed = errors.New("ошибка конвертации")
	// ErrConversionRequired: запись нужно преобразовать перед построением рендишна.
	ErrConversionRequired = errors.New("требуется конвертация")
	// ErrMasterUnavailable: сохранённый мастер-файл не найден.
	ErrMasterUnavailable = errors.New("мастер-файл недоступен")
	// ErrNotRenderable: запись не является изображением и не может быть преобразована.
	ErrNotRenderable = errors.New("запись не является изображением")
	// ErrRecordNotFound: запись с таким идентификатором не найдена.
	ErrRecordNotFound = errors.New("запись не найдена")
)

// IsConversionError проверяет, относится ли ошибка к конвертации.
func IsConversionError(err error) bool {
	return errors.Is(err, ErrConversionUnavailable) || errors.Is(err, ErrConversionFailed)
}
