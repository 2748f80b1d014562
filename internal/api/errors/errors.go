// Пакет errors: конструкторы стандартных ошибок Media Element.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/bigkaa/goartstore/media-element/internal/domain/model"
)

// Коды ошибок, определённые в OpenAPI контракте.
const (
	CodeValidationError       = "VALIDATION_ERROR"
	CodeNotFound              = "NOT_FOUND"
	CodeDuplicateContent      = "DUPLICATE_CONTENT"
	CodeMasterUnavailable     = "MASTER_UNAVAILABLE"
	CodeConversionUnavailable = "CONVERSION_UNAVAILABLE"
	CodeConversionFailed      = "CONVERSION_FAILED"
	CodeNotRenderable         = "NOT_RENDERABLE"
	CodeFileTooLarge          = "FILE_TOO_LARGE"
	CodeStorageUnavailable    = "STORAGE_UNAVAILABLE"
	CodeReconcileInProgress   = "RECONCILE_IN_PROGRESS"
	CodeInternalError         = "INTERNAL_ERROR"
)

// errorBody: структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail: детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode: HTTP статус-код, code: машиночитаемый код, message: описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Classify возвращает HTTP-статус и код для доменной ошибки.
func Classify(err error) (int, string) {
	switch {
	case stderrors.Is(err, model.ErrRecordNotFound):
		return http.StatusNotFound, CodeNotFound
	case stderrors.Is(err, model.ErrDuplicateContent):
		return http.StatusConflict, CodeDuplicateContent
	case stderrors.Is(err, model.ErrSourceUnreadable), stderrors.Is(err, model.ErrInvalidHash):
		return http.StatusBadRequest, CodeValidationError
	case stderrors.Is(err, model.ErrMasterUnavailable):
		return http.StatusNotFound, CodeMasterUnavailable
	case stderrors.Is(err, model.ErrConversionUnavailable):
		return http.StatusServiceUnavailable, CodeConversionUnavailable
	case stderrors.Is(err, model.ErrConversionFailed):
		return http.StatusUnprocessableEntity, CodeConversionFailed
	case stderrors.Is(err, model.ErrNotRenderable), stderrors.Is(err, model.ErrConversionRequired):
		return http.StatusUnsupportedMediaType, CodeNotRenderable
	case stderrors.Is(err, model.ErrStorageUnwritable):
		return http.StatusServiceUnavailable, CodeStorageUnavailable
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}

// FromDomain записывает ответ для доменной ошибки.
// Текст внутренних ошибок не раскрывается клиенту.
func FromDomain(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Внутренняя ошибка сервера"
	}
	WriteError(w, status, code, message)
}

// --- Конструкторы для типичных ошибок ---

// ValidationError: 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound: 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// FileTooLarge: 413 файл превышает лимит.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message)
}

// InternalError: 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
