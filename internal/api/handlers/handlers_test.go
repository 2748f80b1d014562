package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/media-element/internal/codec"
	"github.com/bigkaa/goartstore/media-element/internal/config"
	"github.com/bigkaa/goartstore/media-element/internal/normalize"
	"github.com/bigkaa/goartstore/media-element/internal/rendition"
	"github.com/bigkaa/goartstore/media-element/internal/repository"
	"github.com/bigkaa/goartstore/media-element/internal/service"
	"github.com/bigkaa/goartstore/media-element/internal/storage/filestore"
	"github.com/bigkaa/goartstore/media-element/internal/storage/index"
)

const unknownID = "0b4f5a2e-1c3d-4e5f-8a9b-0c1d2e3f4a5b"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type testAPI struct {
	router http.Handler
	cfg    *config.Config
}

// setupAPI собирает handlers поверх attr.json хранилища во временной директории.
func setupAPI(t *testing.T, maxUploadSize int64) *testAPI {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		EntityClass:        config.EntityClassAttr,
		StoragePath:        filepath.Join(dir, "media"),
		StorageDepth:       4,
		RecordsDir:         filepath.Join(dir, "records"),
		CachePath:          filepath.Join(dir, "web"),
		CacheDirname:       "imagecache",
		CacheIndexSize:     64,
		ConverterQuality:   90,
		ConverterMaxWidth:  2000,
		ConverterMaxHeight: 2000,
		MaxUploadSize:      maxUploadSize,
	}

	store, err := filestore.New(cfg.StoragePath, cfg.CacheDir(), cfg.StorageDepth)
	if err != nil {
		t.Fatalf("Ошибка создания FileStore: %v", err)
	}
	repo, err := repository.NewFileRepository(cfg.RecordsDir, index.New(testLogger()), testLogger())
	if err != nil {
		t.Fatalf("Ошибка создания FileRepository: %v", err)
	}

	c := codec.New()
	norm := normalize.New(store, c, nil, normalize.Options{
		MaxWidth:  cfg.ConverterMaxWidth,
		MaxHeight: cfg.ConverterMaxHeight,
		Quality:   cfg.ConverterQuality,
	}, testLogger())
	cache := rendition.New(cfg, store, c, testLogger())
	media := service.NewMediaService(repo, norm, cache, store, false, testLogger())

	openapi, err := NewOpenAPIHandler()
	if err != nil {
		t.Fatalf("Ошибка загрузки OpenAPI: %v", err)
	}

	api := NewAPIHandler(
		NewMediaHandler(media, service.NewDownloadService(store, testLogger()), cfg.MaxUploadSize, testLogger()),
		NewSystemHandler(cfg, media, func() (int64, int64, int64, error) { return 100, 40, 60, nil }, testLogger()),
		NewMaintenanceHandler(service.NewReconcileService(repo, store, time.Hour, testLogger())),
		NewHealthHandler(cfg.StoragePath, cfg.CacheDir(), repo),
		openapi,
		promhttp.Handler(),
	)

	router := chi.NewRouter()
	api.Register(router)
	return &testAPI{router: router, cfg: cfg}
}

func (a *testAPI) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	return a.do(t, httptest.NewRequest(http.MethodGet, target, nil))
}

// upload отправляет multipart с полем file и, если задано, allow_duplicate.
func (a *testAPI) upload(t *testing.T, data []byte, allowDuplicate string) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if allowDuplicate != "" {
		if err := mw.WriteField("allow_duplicate", allowDuplicate); err != nil {
			t.Fatal(err)
		}
	}
	part, err := mw.CreateFormFile("file", "upload.bin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/media", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return a.do(t, req)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("Ошибка разбора JSON: %v, тело: %s", err, rec.Body.String())
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSON[struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}](t, rec)
	return body.Error.Code
}

func TestUploadMedia_CreatedThenDuplicate(t *testing.T) {
	api := setupAPI(t, 10<<20)
	data := pngBytes(t, 120, 80)

	first := api.upload(t, data, "")
	if first.Code != http.StatusCreated {
		t.Fatalf("статус первой загрузки: %d, тело: %s", first.Code, first.Body.String())
	}
	created := decodeJSON[MediaResponse](t, first)
	if created.ID == "" || created.MediaType != "image/png" || created.Width != 120 || created.Height != 80 {
		t.Errorf("неожиданная запись: %+v", created)
	}
	if created.OriginalURL != "/api/v1/media/"+created.ID+"/original" {
		t.Errorf("original_url: %s", created.OriginalURL)
	}

	second := api.upload(t, data, "true")
	if second.Code != http.StatusOK {
		t.Fatalf("статус повторной загрузки: %d", second.Code)
	}
	if dup := decodeJSON[MediaResponse](t, second); dup.ID != created.ID {
		t.Errorf("дубликат вернул другую запись: %s != %s", dup.ID, created.ID)
	}

	strict := api.upload(t, data, "false")
	if strict.Code != http.StatusConflict {
		t.Fatalf("статус строгой загрузки: %d", strict.Code)
	}
	if code := errorCode(t, strict); code != "DUPLICATE_CONTENT" {
		t.Errorf("код ошибки: %s", code)
	}
}

func TestUploadMedia_Validation(t *testing.T) {
	api := setupAPI(t, 1024)

	tooLarge := api.upload(t, bytes.Repeat([]byte("x"), 4096), "")
	if tooLarge.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("ожидался 413, получен %d", tooLarge.Code)
	}

	badFlag := api.upload(t, []byte("small"), "perhaps")
	if badFlag.Code != http.StatusBadRequest {
		t.Errorf("ожидался 400 для allow_duplicate, получен %d", badFlag.Code)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("allow_duplicate", "true")
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/media", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if rec := api.do(t, req); rec.Code != http.StatusBadRequest {
		t.Errorf("ожидался 400 без поля file, получен %d", rec.Code)
	}
}

func TestListAndGetMedia(t *testing.T) {
	api := setupAPI(t, 10<<20)
	for i := 1; i <= 3; i++ {
		if rec := api.upload(t, pngBytes(t, 10*i, 10), ""); rec.Code != http.StatusCreated {
			t.Fatalf("загрузка %d: %d", i, rec.Code)
		}
	}

	page := decodeJSON[MediaListResponse](t, api.get(t, "/api/v1/media?limit=2&offset=0"))
	if page.Total != 3 || len(page.Items) != 2 || !page.HasMore {
		t.Errorf("первая страница: total=%d items=%d has_more=%v", page.Total, len(page.Items), page.HasMore)
	}

	rest := decodeJSON[MediaListResponse](t, api.get(t, "/api/v1/media?limit=2&offset=2"))
	if len(rest.Items) != 1 || rest.HasMore {
		t.Errorf("вторая страница: items=%d has_more=%v", len(rest.Items), rest.HasMore)
	}

	for _, target := range []string{"/api/v1/media?limit=0", "/api/v1/media?limit=abc", "/api/v1/media?offset=-1"} {
		if rec := api.get(t, target); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: ожидался 400, получен %d", target, rec.Code)
		}
	}

	id := page.Items[0].ID
	got := api.get(t, "/api/v1/media/"+id)
	if got.Code != http.StatusOK {
		t.Fatalf("GET записи: %d", got.Code)
	}
	if rec := decodeJSON[MediaResponse](t, got); rec.ID != id {
		t.Errorf("получена запись %s вместо %s", rec.ID, id)
	}

	if rec := api.get(t, "/api/v1/media/not-a-uuid"); rec.Code != http.StatusBadRequest {
		t.Errorf("некорректный id: ожидался 400, получен %d", rec.Code)
	}
	if rec := api.get(t, "/api/v1/media/"+unknownID); rec.Code != http.StatusNotFound {
		t.Errorf("неизвестный id: ожидался 404, получен %d", rec.Code)
	}
}

func TestDeleteMedia(t *testing.T) {
	api := setupAPI(t, 10<<20)
	created := decodeJSON[MediaResponse](t, api.upload(t, pngBytes(t, 20, 20), ""))

	del := api.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/media/"+created.ID, nil))
	if del.Code != http.StatusNoContent {
		t.Fatalf("DELETE: %d", del.Code)
	}
	if rec := api.get(t, "/api/v1/media/"+created.ID); rec.Code != http.StatusNotFound {
		t.Errorf("после удаления ожидался 404, получен %d", rec.Code)
	}
	if rec := api.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/media/"+unknownID, nil)); rec.Code != http.StatusNotFound {
		t.Errorf("удаление неизвестной записи: %d", rec.Code)
	}
}

func TestDownloadOriginal_ETag(t *testing.T) {
	api := setupAPI(t, 10<<20)
	data := pngBytes(t, 30, 30)
	created := decodeJSON[MediaResponse](t, api.upload(t, data, ""))

	rec := api.get(t, "/api/v1/media/"+created.ID+"/original")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET original: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type: %s", ct)
	}
	etag := rec.Header().Get("ETag")
	if etag != `"`+created.ContentHash+`"` {
		t.Errorf("ETag: %s, ожидался хэш %s", etag, created.ContentHash)
	}
	if cfg, err := png.DecodeConfig(bytes.NewReader(rec.Body.Bytes())); err != nil || cfg.Width != 30 {
		t.Errorf("original не декодируется как PNG 30x30: %v %+v", err, cfg)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/media/"+created.ID+"/original", nil)
	req.Header.Set("If-None-Match", etag)
	if cached := api.do(t, req); cached.Code != http.StatusNotModified {
		t.Errorf("If-None-Match: ожидался 304, получен %d", cached.Code)
	}
}

func TestGetRendition(t *testing.T) {
	api := setupAPI(t, 10<<20)
	created := decodeJSON[MediaResponse](t, api.upload(t, pngBytes(t, 200, 100), ""))

	rec := api.get(t, "/api/v1/media/"+created.ID+"/rendition?width=50")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET rendition: %d, тело: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type: %s", ct)
	}
	cfg, err := png.DecodeConfig(rec.Body)
	if err != nil {
		t.Fatalf("рендишн не декодируется: %v", err)
	}
	if cfg.Width != 50 || cfg.Height != 25 {
		t.Errorf("размер рендишна %dx%d, ожидалось 50x25", cfg.Width, cfg.Height)
	}

	if bad := api.get(t, "/api/v1/media/"+created.ID+"/rendition?width=wide"); bad.Code != http.StatusBadRequest {
		t.Errorf("некорректная ширина: %d", bad.Code)
	}
}

func TestGetRendition_PDFWithoutConverter(t *testing.T) {
	api := setupAPI(t, 10<<20)
	created := decodeJSON[MediaResponse](t, api.upload(t, []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n"), ""))
	if created.MediaType != "application/pdf" {
		t.Fatalf("media_type: %s", created.MediaType)
	}

	rec := api.get(t, "/api/v1/media/"+created.ID+"/rendition?width=50")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ожидался 503, получен %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "CONVERSION_UNAVAILABLE" {
		t.Errorf("код ошибки: %s", code)
	}

	// Помощник изображений при throw_exception=false подавляет ошибку.
	if helper := api.get(t, "/api/v1/image?ref="+created.ID+"&width=50"); helper.Code != http.StatusNoContent {
		t.Errorf("помощник: ожидался 204, получен %d", helper.Code)
	}
}

func TestGetImage(t *testing.T) {
	api := setupAPI(t, 10<<20)
	created := decodeJSON[MediaResponse](t, api.upload(t, pngBytes(t, 80, 80), ""))

	rec := api.get(t, "/api/v1/image?ref="+created.ID+"&width=40&height=20")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET image: %d, тело: %s", rec.Code, rec.Body.String())
	}
	img := decodeJSON[ImageResponse](t, rec)
	if !strings.HasPrefix(img.URL, "/imagecache/") || !strings.HasSuffix(img.URL, "_40x20_crop.png") {
		t.Errorf("url: %s", img.URL)
	}
	if img.RecordID != created.ID || img.Mode != "crop" {
		t.Errorf("ответ: %+v", img)
	}
	if _, err := os.Stat(img.CacheFile); err != nil {
		t.Errorf("файл рендишна не создан: %v", err)
	}

	if missing := api.get(t, "/api/v1/image?ref="+unknownID); missing.Code != http.StatusNotFound {
		t.Errorf("неизвестная запись: ожидался 404, получен %d", missing.Code)
	}
	if noRef := api.get(t, "/api/v1/image"); noRef.Code != http.StatusBadRequest {
		t.Errorf("без ref: ожидался 400, получен %d", noRef.Code)
	}
}

func TestHealthAndInfo(t *testing.T) {
	api := setupAPI(t, 10<<20)
	api.upload(t, pngBytes(t, 10, 10), "")

	if rec := api.get(t, "/health/live"); rec.Code != http.StatusOK {
		t.Errorf("live: %d", rec.Code)
	}

	ready := api.get(t, "/health/ready")
	if ready.Code != http.StatusOK {
		t.Fatalf("ready: %d, тело: %s", ready.Code, ready.Body.String())
	}
	body := decodeJSON[map[string]any](t, ready)
	checks, _ := body["checks"].(map[string]any)
	for _, name := range []string{"storage", "cache", "records"} {
		if _, ok := checks[name]; !ok {
			t.Errorf("нет проверки %s в ответе ready", name)
		}
	}

	info := decodeJSON[MediaInfo](t, api.get(t, "/api/v1/info"))
	if info.RecordsTotal != 1 || info.EntityClass != config.EntityClassAttr {
		t.Errorf("info: %+v", info)
	}
	if info.Capacity == nil || info.Capacity.AvailableBytes != 60 {
		t.Errorf("capacity: %+v", info.Capacity)
	}
}

func TestHealthReady_StorageUnwritable(t *testing.T) {
	h := NewHealthHandler(filepath.Join(t.TempDir(), "missing"), "", nil)
	rec := httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ожидался 503, получен %d", rec.Code)
	}
}

func TestGetOpenAPI(t *testing.T) {
	api := setupAPI(t, 10<<20)

	rec := api.get(t, "/api/v1/openapi.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("openapi.json: %d", rec.Code)
	}
	doc := decodeJSON[map[string]any](t, rec)
	if doc["openapi"] != "3.0.3" {
		t.Errorf("версия openapi: %v", doc["openapi"])
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/api/v1/media/{id}/rendition"]; !ok {
		t.Error("в документе нет /api/v1/media/{id}/rendition")
	}
}

func TestReconcileEndpoint(t *testing.T) {
	api := setupAPI(t, 10<<20)
	api.upload(t, pngBytes(t, 16, 16), "")

	rec := api.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/reconcile", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile: %d", rec.Code)
	}
	result := decodeJSON[service.ReconcileResult](t, rec)
	if result.RecordsChecked != 1 || result.Summary.Ok != 1 {
		t.Errorf("результат сверки: %+v", result)
	}
}

type busyReconciler struct{}

func (busyReconciler) RunOnce(context.Context) (*service.ReconcileResult, bool) { return nil, true }

func TestReconcileEndpoint_InProgress(t *testing.T) {
	rec := httptest.NewRecorder()
	NewMaintenanceHandler(busyReconciler{}).Reconcile(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("ожидался 409, получен %d", rec.Code)
	}
}
