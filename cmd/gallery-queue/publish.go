package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
)

var (
	errTaskNotFound     = errors.New("task not found")
	errTaskNotPublished = errors.New("task is not in a publishable state")
)

type variantSpec struct {
	name   string
	width  int
	height int
}

var defaultVariants = []variantSpec{
	{name: "thumb", width: 400, height: 225},
	{name: "preview", width: 1280, height: 720},
}

// publisher moves a completed task's image into the public media root,
// derives the resolution variants, and records metadata in the catalog.
// Publishing takes over ownership of the staged file: it is deleted once the
// catalog entry exists.
type publisher struct {
	queue     *uploadQueue
	catalog   Catalog
	mediaRoot string
	tempDir   string
	variants  []variantSpec
}

func newPublisher(queue *uploadQueue, catalog Catalog, mediaRoot, tempDir string) (*publisher, error) {
	for _, v := range defaultVariants {
		if err := os.MkdirAll(filepath.Join(mediaRoot, v.name), 0o755); err != nil {
			return nil, err
		}
	}
	return &publisher{
		queue:     queue,
		catalog:   catalog,
		mediaRoot: mediaRoot,
		tempDir:   tempDir,
		variants:  defaultVariants,
	}, nil
}

// Publish claims the completed task and returns the new catalog entry.
func (p *publisher) Publish(taskID string) (wallpaper, error) {
	t, ok := p.queue.Status(taskID)
	if !ok {
		return wallpaper{}, errTaskNotFound
	}
	if t.Status != statusCompleted {
		return wallpaper{}, errTaskNotPublished
	}

	switch t.Kind {
	case taskKindAnalyze:
		return p.publishAnalyzed(t)
	case taskKindGenerate:
		return p.publishGenerated(t)
	default:
		return wallpaper{}, errTaskNotPublished
	}
}

func (p *publisher) publishAnalyzed(t task) (wallpaper, error) {
	if _, err := os.Stat(t.StagedPath); err != nil {
		return wallpaper{}, errTaskNotPublished
	}

	ext := filepath.Ext(t.OriginalName)
	if ext == "" {
		ext = ".jpg"
	}
	filename := fmt.Sprintf("%d_%d%s", t.OwnerID, time.Now().UnixMilli(), ext)
	dest := filepath.Join(p.mediaRoot, filename)
	if err := copyFile(t.StagedPath, dest); err != nil {
		return wallpaper{}, fmt.Errorf("failed to place image in media root: %w", err)
	}
	if err := p.deriveVariants(dest, filename); err != nil {
		removeIfExists(dest)
		return wallpaper{}, err
	}

	w := wallpaper{
		OwnerID:  t.OwnerID,
		Filename: filename,
		Source:   sourceUpload,
	}
	fillMetadata(&w, t.Result)
	id, err := p.catalog.AddWallpaper(w)
	if err != nil {
		removeIfExists(dest)
		return wallpaper{}, err
	}
	w.ID = id

	// Ownership transfer complete: release the staged copy and the original
	// upload-side temp file.
	removeIfExists(t.StagedPath)
	removeIfExists(t.SourcePath)
	logger.Info("task published", "task_id", t.ID, "wallpaper_id", id, "filename", filename)
	return w, nil
}

func (p *publisher) publishGenerated(t task) (wallpaper, error) {
	generated, _ := stringFromAny(t.Result["generated_filename"])
	if generated == "" {
		return wallpaper{}, errTaskNotPublished
	}
	src, err := resolvePathUnderRoot(p.tempDir, generated)
	if err != nil {
		return wallpaper{}, errTaskNotPublished
	}
	if _, err := os.Stat(src); err != nil {
		return wallpaper{}, errTaskNotPublished
	}

	filename := fmt.Sprintf("%d_%d.png", t.OwnerID, time.Now().UnixMilli())
	dest := filepath.Join(p.mediaRoot, filename)
	if err := copyFile(src, dest); err != nil {
		return wallpaper{}, fmt.Errorf("failed to place image in media root: %w", err)
	}
	if err := p.deriveVariants(dest, filename); err != nil {
		removeIfExists(dest)
		return wallpaper{}, err
	}

	w := wallpaper{
		OwnerID:     t.OwnerID,
		Filename:    filename,
		Name:        t.Prompt,
		Category:    "AI Art",
		Description: t.Prompt,
		Source:      sourceGenerated,
	}
	id, err := p.catalog.AddWallpaper(w)
	if err != nil {
		removeIfExists(dest)
		return wallpaper{}, err
	}
	w.ID = id
	removeIfExists(src)
	logger.Info("generated task published", "task_id", t.ID, "wallpaper_id", id, "filename", filename)
	return w, nil
}

// deriveVariants writes the downscaled renditions next to the full image.
func (p *publisher) deriveVariants(srcPath, filename string) error {
	img, err := imaging.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to decode image for variants: %w", err)
	}
	for _, v := range p.variants {
		resized := imaging.Fit(img, v.width, v.height, imaging.Lanczos)
		out := filepath.Join(p.mediaRoot, v.name, variantFilename(filename))
		if err := imaging.Save(resized, out); err != nil {
			return fmt.Errorf("failed to save %s variant: %w", v.name, err)
		}
	}
	return nil
}

// variantFilename normalizes variant output to JPEG regardless of source
// format, since imaging picks the encoder from the extension.
func variantFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := filename[:len(filename)-len(ext)]
	return base + ".jpg"
}

func fillMetadata(w *wallpaper, result map[string]any) {
	if s, ok := stringFromAny(result["category"]); ok {
		w.Category = s
	}
	if s, ok := stringFromAny(result["name"]); ok {
		w.Name = s
	}
	if s, ok := stringFromAny(result["description"]); ok {
		w.Description = s
	}
	if s, ok := stringFromAny(result["keywords"]); ok {
		w.Keywords = s
	}
	if s, ok := stringFromAny(result["color"]); ok {
		w.Color = s
	}
}
