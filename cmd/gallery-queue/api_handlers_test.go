package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestAppState(t *testing.T) *appState {
	t.Helper()
	cfg := config{
		tempDir:     t.TempDir(),
		mediaRoot:   t.TempDir(),
		importToken: "secret-token",
	}
	q := newTestQueue(t, &mockAnalyzer{}, &mockGenerator{})
	cat := newTestCatalog(t)
	pub, err := newPublisher(q, cat, cfg.mediaRoot, cfg.tempDir)
	if err != nil {
		t.Fatalf("newPublisher failed: %v", err)
	}
	return &appState{cfg: cfg, queue: q, catalog: cat, publisher: pub}
}

func multipartUpload(t *testing.T, ownerID string, filename string, content []byte, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("owner_id", ownerID); err != nil {
		t.Fatalf("Failed to write owner_id field: %v", err)
	}
	for k, v := range extra {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("Failed to write %s field: %v", k, err)
		}
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("Failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close multipart writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, image.NewRGBA(image.Rect(0, 0, 64, 36))); err != nil {
		t.Fatalf("Failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func decodeJSONBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("Response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return payload
}

func TestHandleAnalyzeEndToEnd(t *testing.T) {
	st := newTestAppState(t)
	st.queue.StartWorker()
	defer st.queue.StopWorker()

	body, contentType := multipartUpload(t, "7", "photo.jpg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	st.handleAnalyze(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSONBody(t, rec)
	taskID, _ := payload["task_id"].(string)
	if taskID == "" {
		t.Fatalf("Expected a task_id, got %+v", payload)
	}

	waitForTask(t, st.queue, taskID, statusCompleted)

	statusReq := httptest.NewRequest(http.MethodGet, "/api/tasks/status?id="+taskID, nil)
	statusRec := httptest.NewRecorder()
	st.handleTaskStatus(statusRec, statusReq)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", statusRec.Code)
	}
	statusPayload := decodeJSONBody(t, statusRec)
	if statusPayload["status"] != statusCompleted {
		t.Errorf("Expected completed status, got %+v", statusPayload)
	}
}

func TestHandleAnalyzeValidation(t *testing.T) {
	st := newTestAppState(t)

	req := httptest.NewRequest(http.MethodGet, "/api/analyze", nil)
	rec := httptest.NewRecorder()
	st.handleAnalyze(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", rec.Code)
	}

	body, contentType := multipartUpload(t, "", "photo.jpg", []byte{1, 2, 3}, nil)
	req = httptest.NewRequest(http.MethodPost, "/api/analyze", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	st.handleAnalyze(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing owner_id, got %d", rec.Code)
	}

	body, contentType = multipartUpload(t, "7", "notes.txt", []byte("hello"), nil)
	req = httptest.NewRequest(http.MethodPost, "/api/analyze", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	st.handleAnalyze(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-image upload, got %d", rec.Code)
	}
}

func TestHandleAnalyzeEnqueueFailureCleansUpload(t *testing.T) {
	st := newTestAppState(t)
	// staging fails when the dir is gone, so enqueue returns no id
	if err := os.RemoveAll(st.queue.stagingDir); err != nil {
		t.Fatalf("Failed to remove staging dir: %v", err)
	}

	body, contentType := multipartUpload(t, "7", "photo.jpg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	st.handleAnalyze(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	entries, err := os.ReadDir(st.cfg.tempDir)
	if err != nil {
		t.Fatalf("Failed to read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected the saved upload to be removed, found %d files", len(entries))
	}
}

func TestHandleGenerate(t *testing.T) {
	st := newTestAppState(t)
	st.queue.StartWorker()
	defer st.queue.StopWorker()

	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"owner_id":3,"prompt":"a quiet forest"}`))
	rec := httptest.NewRecorder()
	st.handleGenerate(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSONBody(t, rec)
	taskID, _ := payload["task_id"].(string)
	waitForTask(t, st.queue, taskID, statusCompleted)

	req = httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"owner_id":3}`))
	rec = httptest.NewRecorder()
	st.handleGenerate(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing prompt, got %d", rec.Code)
	}
}

func TestHandleTaskStatusNotFound(t *testing.T) {
	st := newTestAppState(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/status?id=1_999", nil)
	rec := httptest.NewRecorder()
	st.handleTaskStatus(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown task, got %d", rec.Code)
	}
}

func TestHandleTasksForOwner(t *testing.T) {
	st := newTestAppState(t)
	srcDir := t.TempDir()
	id := st.queue.EnqueueAnalyze(4, writeSourceFile(t, srcDir, "a.jpg"))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks?owner_id=4", nil)
	rec := httptest.NewRecorder()
	st.handleTasksForOwner(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	payload := decodeJSONBody(t, rec)
	items, _ := payload["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("Expected 1 task, got %+v", payload)
	}
	first, _ := items[0].(map[string]any)
	if first["id"] != id {
		t.Errorf("Expected task %s, got %+v", id, first)
	}
}

func TestHandleImportAuth(t *testing.T) {
	st := newTestAppState(t)

	body, contentType := multipartUpload(t, "1", "w.png", pngBytes(t), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/import", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	st.handleImport(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}

	body, contentType = multipartUpload(t, "1", "w.png", pngBytes(t), nil)
	req = httptest.NewRequest(http.MethodPost, "/api/import", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	st.handleImport(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong token, got %d", rec.Code)
	}
}

func TestHandleImportSuccess(t *testing.T) {
	st := newTestAppState(t)

	body, contentType := multipartUpload(t, "9", "w.png", pngBytes(t), map[string]string{
		"category": "Abstract",
		"name":     "Waves",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/import", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	st.handleImport(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	items, total, err := st.catalog.ListWallpapers(catalogFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListWallpapers failed: %v", err)
	}
	if total != 1 || items[0].Source != sourceImport || items[0].Category != "Abstract" {
		t.Errorf("Unexpected catalog state: total=%d items=%+v", total, items)
	}
}

func TestHandleWallpapersEnvelope(t *testing.T) {
	st := newTestAppState(t)
	for i := 0; i < 3; i++ {
		if _, err := st.catalog.AddWallpaper(wallpaper{OwnerID: 1, Filename: time.Now().Format("150405.000") + string(rune('a'+i)) + ".jpg", Category: "Nature", Source: sourceUpload}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/wallpapers?per_page=2&page=1", nil)
	rec := httptest.NewRecorder()
	st.handleWallpapers(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	payload := decodeJSONBody(t, rec)
	if payload["total_items"] != float64(3) || payload["total_pages"] != float64(2) || payload["current_page"] != float64(1) {
		t.Errorf("Unexpected envelope: %+v", payload)
	}
	items, _ := payload["items"].([]any)
	if len(items) != 2 {
		t.Errorf("Expected 2 items on page 1, got %d", len(items))
	}
}

func TestHandleTaskHistoryWithoutRedis(t *testing.T) {
	st := newTestAppState(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/history", nil)
	rec := httptest.NewRecorder()
	st.handleTaskHistory(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	payload := decodeJSONBody(t, rec)
	if payload["total_items"] != float64(0) {
		t.Errorf("Expected an empty history, got %+v", payload)
	}
}

func TestHealthzRestartsWorker(t *testing.T) {
	st := newTestAppState(t)
	defer st.queue.StopWorker()

	if st.queue.IsAlive() {
		t.Fatal("Worker should not be running yet")
	}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	st.handleHealthz(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !st.queue.IsAlive() {
		t.Error("Healthz should restart a dead worker")
	}
}

func TestHandlePublishViaAPI(t *testing.T) {
	st := newTestAppState(t)

	req := httptest.NewRequest(http.MethodPost, "/api/publish", strings.NewReader(`{"task_id":"missing"}`))
	rec := httptest.NewRecorder()
	st.handlePublish(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown task, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/publish", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	st.handlePublish(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing task_id, got %d", rec.Code)
	}
}
