package main

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writePNG(t *testing.T, path string, width, height int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
		}
	}
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create test image: %v", err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
}

func newTestPublisher(t *testing.T, q *uploadQueue) (*publisher, *catalogStore, string) {
	t.Helper()
	cat := newTestCatalog(t)
	mediaRoot := filepath.Join(t.TempDir(), "media")
	tempDir := t.TempDir()
	pub, err := newPublisher(q, cat, mediaRoot, tempDir)
	if err != nil {
		t.Fatalf("newPublisher failed: %v", err)
	}
	return pub, cat, mediaRoot
}

func insertTask(q *uploadQueue, tk *task) {
	q.mu.Lock()
	q.tasks[tk.ID] = tk
	q.mu.Unlock()
}

func TestPublishAnalyzedTask(t *testing.T) {
	q := newTestQueue(t, &mockAnalyzer{}, &mockGenerator{})
	pub, cat, mediaRoot := newTestPublisher(t, q)

	dir := t.TempDir()
	staged := filepath.Join(dir, "100_1_photo.png")
	source := filepath.Join(dir, "photo.png")
	writePNG(t, staged, 640, 360)
	writePNG(t, source, 640, 360)

	insertTask(q, &task{
		ID:           "1_100",
		Kind:         taskKindAnalyze,
		OwnerID:      1,
		Status:       statusCompleted,
		StagedPath:   staged,
		SourcePath:   source,
		OriginalName: "photo.png",
		Result: map[string]any{
			"category":    "Nature",
			"name":        "Misty Peak",
			"description": "Fog over a ridge",
			"keywords":    "fog ridge",
			"color":       "Gray",
		},
		EnqueuedAt: time.Now(),
	})

	entry, err := pub.Publish("1_100")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if entry.ID <= 0 || entry.Category != "Nature" || entry.Source != sourceUpload {
		t.Errorf("Unexpected catalog entry: %+v", entry)
	}
	if !strings.HasSuffix(entry.Filename, ".png") {
		t.Errorf("Expected the original extension to be kept, got %s", entry.Filename)
	}

	if _, err := os.Stat(filepath.Join(mediaRoot, entry.Filename)); err != nil {
		t.Errorf("Published image missing: %v", err)
	}
	for _, variant := range []string{"thumb", "preview"} {
		p := filepath.Join(mediaRoot, variant, variantFilename(entry.Filename))
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Missing %s variant: %v", variant, err)
		}
	}
	if _, err := os.Stat(staged); !errors.Is(err, os.ErrNotExist) {
		t.Error("Staged file should be removed after publishing")
	}
	if _, err := os.Stat(source); !errors.Is(err, os.ErrNotExist) {
		t.Error("Source file should be removed after publishing")
	}

	stored, err := cat.GetWallpaper(entry.ID)
	if err != nil {
		t.Fatalf("Catalog lookup failed: %v", err)
	}
	if stored.Name != "Misty Peak" || stored.Keywords != "fog ridge" {
		t.Errorf("Metadata not persisted: %+v", stored)
	}
}

func TestPublishGeneratedTask(t *testing.T) {
	q := newTestQueue(t, &mockAnalyzer{}, &mockGenerator{})
	pub, _, mediaRoot := newTestPublisher(t, q)

	generated := "generated_3_20260830.png"
	writePNG(t, filepath.Join(pub.tempDir, generated), 320, 180)

	insertTask(q, &task{
		ID:         "3_200",
		Kind:       taskKindGenerate,
		OwnerID:    3,
		Status:     statusCompleted,
		Prompt:     "a quiet forest at dawn",
		Result:     map[string]any{"generated_filename": generated},
		EnqueuedAt: time.Now(),
	})

	entry, err := pub.Publish("3_200")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if entry.Source != sourceGenerated || entry.Category != "AI Art" {
		t.Errorf("Unexpected catalog entry: %+v", entry)
	}
	if entry.Name != "a quiet forest at dawn" {
		t.Errorf("Expected the prompt as name, got %s", entry.Name)
	}
	if _, err := os.Stat(filepath.Join(mediaRoot, entry.Filename)); err != nil {
		t.Errorf("Published image missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(pub.tempDir, generated)); !errors.Is(err, os.ErrNotExist) {
		t.Error("Generated temp file should be removed after publishing")
	}
}

func TestPublishRejectsUnknownAndUnfinishedTasks(t *testing.T) {
	q := newTestQueue(t, &mockAnalyzer{}, &mockGenerator{})
	pub, _, _ := newTestPublisher(t, q)

	if _, err := pub.Publish("nope"); !errors.Is(err, errTaskNotFound) {
		t.Errorf("Expected errTaskNotFound, got %v", err)
	}

	insertTask(q, &task{ID: "1_1", Kind: taskKindAnalyze, OwnerID: 1, Status: statusQueued, EnqueuedAt: time.Now()})
	if _, err := pub.Publish("1_1"); !errors.Is(err, errTaskNotPublished) {
		t.Errorf("Expected errTaskNotPublished, got %v", err)
	}
}

func TestPublishRejectsTraversingGeneratedFilename(t *testing.T) {
	q := newTestQueue(t, &mockAnalyzer{}, &mockGenerator{})
	pub, _, _ := newTestPublisher(t, q)

	insertTask(q, &task{
		ID:         "1_3",
		Kind:       taskKindGenerate,
		OwnerID:    1,
		Status:     statusCompleted,
		Result:     map[string]any{"generated_filename": "../../etc/passwd"},
		EnqueuedAt: time.Now(),
	})
	if _, err := pub.Publish("1_3"); !errors.Is(err, errTaskNotPublished) {
		t.Errorf("Expected errTaskNotPublished for a traversing filename, got %v", err)
	}
}

func TestPublishRejectsVanishedStagedFile(t *testing.T) {
	q := newTestQueue(t, &mockAnalyzer{}, &mockGenerator{})
	pub, _, _ := newTestPublisher(t, q)

	insertTask(q, &task{
		ID:         "1_2",
		Kind:       taskKindAnalyze,
		OwnerID:    1,
		Status:     statusCompleted,
		StagedPath: filepath.Join(t.TempDir(), "missing.png"),
		EnqueuedAt: time.Now(),
	})
	if _, err := pub.Publish("1_2"); !errors.Is(err, errTaskNotPublished) {
		t.Errorf("Expected errTaskNotPublished for a vanished staged file, got %v", err)
	}
}
