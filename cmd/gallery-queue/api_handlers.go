package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxUploadBytes = 64 << 20

func (st *appState) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "multipart form is required"})
		return
	}
	ownerID, ok := parseInt64(r.FormValue("owner_id"))
	if !ok || ownerID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "owner_id is required"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "file is required"})
		return
	}
	defer file.Close()
	if !isImageFile(header.Filename) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "unsupported file type"})
		return
	}

	uploadPath := filepath.Join(st.cfg.tempDir, fmt.Sprintf("upload_%d_%d%s", ownerID, time.Now().UnixMilli(), filepath.Ext(header.Filename)))
	out, err := os.OpenFile(uploadPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		logger.Error("failed to save upload", "path", uploadPath, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		removeIfExists(uploadPath)
		logger.Error("failed to save upload", "path", uploadPath, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		return
	}
	if err := out.Close(); err != nil {
		removeIfExists(uploadPath)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		return
	}

	taskID := st.queue.EnqueueAnalyze(ownerID, uploadPath)
	if taskID == "" {
		removeIfExists(uploadPath)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "failed to queue task"})
		return
	}
	logger.Info("analyze task queued", "task_id", taskID, "owner_id", ownerID, "filename", header.Filename)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"queued":  true,
		"task_id": taskID,
		"message": "Analysis task queued",
	})
}

func (st *appState) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		OwnerID     int64  `json:"owner_id"`
		Prompt      string `json:"prompt"`
		AspectRatio string `json:"aspect_ratio"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "prompt is required"})
		return
	}
	prompt := strings.TrimSpace(body.Prompt)
	if body.OwnerID <= 0 || prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "owner_id and prompt are required"})
		return
	}
	aspect := strings.TrimSpace(body.AspectRatio)
	if aspect == "" {
		aspect = "16:9"
	}

	taskID := st.queue.EnqueueGenerate(body.OwnerID, prompt, aspect)
	if taskID == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "failed to queue task"})
		return
	}
	logger.Info("generate task queued", "task_id", taskID, "owner_id", body.OwnerID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"queued":  true,
		"task_id": taskID,
		"message": "Generation task queued",
	})
}

func (st *appState) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	taskID := strings.TrimSpace(r.URL.Query().Get("id"))
	if taskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
		return
	}
	t, ok := st.queue.Status(taskID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Task not found"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (st *appState) handleTasksForOwner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ownerID, ok := parseInt64(r.URL.Query().Get("owner_id"))
	if !ok || ownerID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "owner_id is required"})
		return
	}
	items := st.queue.TasksForOwner(ownerID)
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"total_items": len(items),
	})
}

func (st *appState) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.TaskID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "task_id is required"})
		return
	}

	entry, err := st.publisher.Publish(strings.TrimSpace(body.TaskID))
	if err != nil {
		switch {
		case errors.Is(err, errTaskNotFound):
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "Task not found"})
		case errors.Is(err, errTaskNotPublished):
			writeJSON(w, http.StatusConflict, map[string]any{"success": false, "message": "Task is not in a publishable state"})
		default:
			logger.Error("publish failed", "task_id", body.TaskID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"wallpaper": entry,
	})
}

func (st *appState) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !st.authorizeImport(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Unauthorized"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "multipart form is required"})
		return
	}
	ownerID, ok := parseInt64(r.FormValue("owner_id"))
	if !ok || ownerID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "owner_id is required"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "file is required"})
		return
	}
	defer file.Close()
	if !isImageFile(header.Filename) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "unsupported file type"})
		return
	}

	filename := fmt.Sprintf("%d_%d%s", ownerID, time.Now().UnixMilli(), filepath.Ext(header.Filename))
	dest := filepath.Join(st.cfg.mediaRoot, filename)
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		removeIfExists(dest)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		return
	}
	if err := out.Close(); err != nil {
		removeIfExists(dest)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		return
	}
	if err := st.publisher.deriveVariants(dest, filename); err != nil {
		removeIfExists(dest)
		logger.Error("import variant derivation failed", "filename", filename, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "file is not a decodable image"})
		return
	}

	entry := wallpaper{
		OwnerID:     ownerID,
		Filename:    filename,
		Category:    strings.TrimSpace(r.FormValue("category")),
		Name:        strings.TrimSpace(r.FormValue("name")),
		Description: strings.TrimSpace(r.FormValue("description")),
		Keywords:    strings.TrimSpace(r.FormValue("keywords")),
		Color:       strings.TrimSpace(r.FormValue("color")),
		Source:      sourceImport,
	}
	id, err := st.catalog.AddWallpaper(entry)
	if err != nil {
		removeIfExists(dest)
		logger.Error("import catalog insert failed", "filename", filename, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		return
	}
	entry.ID = id
	logger.Info("wallpaper imported", "wallpaper_id", id, "owner_id", ownerID, "filename", filename)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"wallpaper": entry,
	})
}

func (st *appState) authorizeImport(r *http.Request) bool {
	if st.cfg.importToken == "" {
		return false
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(st.cfg.importToken)) == 1
}

func (st *appState) handleWallpapers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	page := parsePositiveInt(r.URL.Query().Get("page"), 1)
	perPage := parsePositiveInt(r.URL.Query().Get("per_page"), 100)
	filter := catalogFilter{
		Category: strings.TrimSpace(r.URL.Query().Get("category")),
		Offset:   (page - 1) * perPage,
		Limit:    perPage,
	}
	if ownerID, ok := parseInt64(r.URL.Query().Get("owner_id")); ok && ownerID > 0 {
		filter.OwnerID = &ownerID
	}

	items, totalItems, err := st.catalog.ListWallpapers(filter)
	if err != nil {
		logger.Error("failed to list wallpapers", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":        items,
		"total_items":  totalItems,
		"per_page":     perPage,
		"current_page": page,
		"total_pages":  totalPages(totalItems, perPage),
	})
}

func (st *appState) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if st.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []finishedTask{}, "total_items": 0})
		return
	}
	limit := parsePositiveInt(r.URL.Query().Get("limit"), 30)
	items := st.history.Recent(r.Context(), limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"total_items": len(items),
	})
}

func (st *appState) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// The status probe doubles as a watchdog: restart the worker if the
	// stop channel was ever closed out from under us.
	if !st.queue.IsAlive() {
		logger.Warn("worker not running, restarting")
		st.queue.StartWorker()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"worker_alive": st.queue.IsAlive(),
	})
}
