// openapi.go: OpenAPI документ API, встроенный в бинарник.
package handlers

import (
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var openapiYAML []byte

// OpenAPIHandler отдаёт OpenAPI документ в JSON.
type OpenAPIHandler struct {
	doc  *openapi3.T
	json []byte
}

// NewOpenAPIHandler загружает и валидирует встроенный документ.
// Ошибка здесь означает битый openapi.yaml и должна останавливать запуск.
func NewOpenAPIHandler() (*OpenAPIHandler, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiYAML)
	if err != nil {
		return nil, fmt.Errorf("загрузка OpenAPI документа: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("валидация OpenAPI документа: %w", err)
	}

	data, err := doc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("сериализация OpenAPI документа: %w", err)
	}
	return &OpenAPIHandler{doc: doc, json: data}, nil
}

// Document возвращает разобранный документ.
func (h *OpenAPIHandler) Document() *openapi3.T {
	return h.doc
}

// GetOpenAPI обрабатывает GET /api/v1/openapi.json.
func (h *OpenAPIHandler) GetOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.json)
}
