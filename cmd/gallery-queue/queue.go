package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// uploadQueue owns the FIFO of analyze/generate tasks and the single worker
// goroutine that drains it against the rate-limited upstream APIs. Enqueue is
// safe to call from any request-handling goroutine; the worker is the only
// writer of task status transitions.
type uploadQueue struct {
	recognizer visionAnalyzer
	generator  imageGenerator
	history    taskRecorder // optional, may be nil

	stagingDir string
	rateLimit  time.Duration

	mu        sync.RWMutex
	tasks     map[string]*task
	alive     bool
	lastStamp int64

	pending chan *task
	stopCh  chan struct{}

	sleep func(time.Duration)
}

func newUploadQueue(recognizer visionAnalyzer, generator imageGenerator, stagingDir string, rateLimit time.Duration) (*uploadQueue, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir %s: %w", stagingDir, err)
	}
	return &uploadQueue{
		recognizer: recognizer,
		generator:  generator,
		stagingDir: stagingDir,
		rateLimit:  rateLimit,
		tasks:      make(map[string]*task),
		pending:    make(chan *task, queueCapacity),
		sleep:      time.Sleep,
	}, nil
}

// StartWorker launches the background worker goroutine. Calling it again
// while a worker is alive is a no-op, so callers may invoke it defensively.
func (q *uploadQueue) StartWorker() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.alive {
		return
	}
	q.alive = true
	q.stopCh = make(chan struct{})
	go q.run(q.stopCh)
	logger.Info("queue worker started")
}

// StopWorker asks the worker to exit after the in-flight task, if any.
// Safe to call repeatedly; q.alive only flips once the goroutine drains.
func (q *uploadQueue) StopWorker() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.alive || q.stopCh == nil {
		return
	}
	close(q.stopCh)
	q.stopCh = nil
}

func (q *uploadQueue) IsAlive() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.alive
}

// EnqueueAnalyze stages a private copy of sourcePath and queues a
// classification task. It returns the task id, or "" when staging or
// validation fails: enqueue runs on the hot request path and must never
// propagate an error to the handler.
func (q *uploadQueue) EnqueueAnalyze(ownerID int64, sourcePath string) string {
	if _, err := os.Stat(sourcePath); err != nil {
		logger.Error("failed to queue analyze task, source file missing", "path", sourcePath, "error", err)
		return ""
	}
	id, stamp := q.nextID(ownerID)
	originalName := filepath.Base(sourcePath)
	staged := filepath.Join(q.stagingDir, fmt.Sprintf("%d_%d_%s", stamp, ownerID, originalName))
	if err := copyFile(sourcePath, staged); err != nil {
		logger.Error("failed to stage file for analysis", "src", sourcePath, "dst", staged, "error", err)
		return ""
	}

	t := &task{
		ID:           id,
		Kind:         taskKindAnalyze,
		OwnerID:      ownerID,
		Status:       statusQueued,
		StagedPath:   staged,
		SourcePath:   sourcePath,
		OriginalName: originalName,
		EnqueuedAt:   time.Now(),
	}
	if !q.offer(t) {
		removeIfExists(staged)
		return ""
	}
	return id
}

// EnqueueGenerate queues an image-generation task. Returns "" when the
// prompt is empty or the queue is full.
func (q *uploadQueue) EnqueueGenerate(ownerID int64, prompt, aspectRatio string) string {
	if prompt == "" {
		logger.Error("failed to queue generate task, prompt is required")
		return ""
	}
	if aspectRatio == "" {
		aspectRatio = "1:1"
	}
	id, _ := q.nextID(ownerID)
	t := &task{
		ID:          id,
		Kind:        taskKindGenerate,
		OwnerID:     ownerID,
		Status:      statusQueued,
		Prompt:      prompt,
		AspectRatio: aspectRatio,
		EnqueuedAt:  time.Now(),
	}
	if !q.offer(t) {
		return ""
	}
	return id
}

// nextID derives a collision-free task id from the owner id and a
// millisecond timestamp. The clamp guarantees uniqueness by construction
// even when two enqueues land on the same millisecond.
func (q *uploadQueue) nextID(ownerID int64) (string, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stamp := time.Now().UnixMilli()
	if stamp <= q.lastStamp {
		stamp = q.lastStamp + 1
	}
	q.lastStamp = stamp
	return fmt.Sprintf("%d_%d", ownerID, stamp), stamp
}

func (q *uploadQueue) offer(t *task) bool {
	q.mu.Lock()
	q.tasks[t.ID] = t
	q.mu.Unlock()

	select {
	case q.pending <- t:
		metricQueueDepth.Inc()
		logger.Info("task queued", "task_id", t.ID, "kind", t.Kind, "queue_len", len(q.pending))
		return true
	default:
		q.mu.Lock()
		delete(q.tasks, t.ID)
		q.mu.Unlock()
		logger.Error("queue is full, task rejected", "task_id", t.ID, "kind", t.Kind)
		return false
	}
}

// Status returns a point-in-time snapshot of the task.
func (q *uploadQueue) Status(id string) (task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.tasks[id]
	if !ok {
		return task{}, false
	}
	return *t, true
}

// TasksForOwner lists the owner's tasks whose staged file still exists on
// disk. Records whose backing file was removed by an external sweep are
// excluded: the owner can no longer act on them.
func (q *uploadQueue) TasksForOwner(ownerID int64) []task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]task, 0)
	for _, t := range q.tasks {
		if t.OwnerID != ownerID {
			continue
		}
		if t.Kind == taskKindAnalyze {
			if _, err := os.Stat(t.StagedPath); err != nil {
				continue
			}
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// run is the worker loop. It must survive anything a single task throws at
// it: a panic during dispatch force-fails the task and the loop continues.
func (q *uploadQueue) run(stopCh chan struct{}) {
	defer func() {
		q.mu.Lock()
		q.alive = false
		q.mu.Unlock()
		logger.Info("queue worker stopped")
	}()

	for {
		select {
		case <-stopCh:
			return
		case t := <-q.pending:
			q.process(t)
		}
	}
}

func (q *uploadQueue) process(t *task) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("worker recovered from panic while processing task",
				"task_id", t.ID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			q.mu.Lock()
			if t.Status != statusCompleted && t.Status != statusFailed {
				t.Status = statusFailed
				t.ErrorCode = errCodeWorkerCrash
			}
			q.mu.Unlock()
		}

		// Queue bookkeeping runs on every path, crash recovery included.
		metricQueueDepth.Dec()
		q.recordFinished(t)

		// Enforce the rate limit: sleep out whatever is left of the minimum
		// interval so the upstream never sees two calls closer together.
		if wait := q.rateLimit - time.Since(start); wait > 0 {
			logger.Debug("rate limit enforcement", "sleep", wait.String())
			q.sleep(wait)
		}
	}()

	logger.Info("worker picked up task", "task_id", t.ID, "kind", t.Kind)
	switch t.Kind {
	case taskKindGenerate:
		q.processGenerate(t)
	default:
		q.processAnalyze(t)
	}
}

func (q *uploadQueue) processAnalyze(t *task) {
	q.mu.Lock()
	staged, source := t.StagedPath, t.SourcePath
	if _, err := os.Stat(staged); err != nil {
		// An external sweep may delete staged files on its own schedule.
		t.Status = statusFailed
		t.ErrorCode = errCodeFileMissing
		q.mu.Unlock()
		logger.Warn("staged file for task no longer exists", "task_id", t.ID, "path", staged)
		removeIfExists(source)
		return
	}
	t.Status = statusProcessing
	t.Attempts++
	q.mu.Unlock()

	data, err := q.recognizer.Analyze(staged)
	if err != nil {
		code, critical := errorCode(err, errCodeAnalysisFailed)
		q.mu.Lock()
		t.Status = statusFailed
		t.ErrorCode = code
		t.Critical = critical
		q.mu.Unlock()
		logger.Warn("analyze task failed", "task_id", t.ID, "error_code", code, "critical", critical)

		// A file that failed analysis must never reach the publish step:
		// drop both the staged copy and the caller's original.
		removeIfExists(staged)
		removeIfExists(source)
		return
	}

	q.mu.Lock()
	t.Status = statusCompleted
	t.Result = data
	q.mu.Unlock()
	logger.Info("analyze task completed", "task_id", t.ID)
}

func (q *uploadQueue) processGenerate(t *task) {
	q.mu.Lock()
	t.Status = statusProcessing
	t.Attempts++
	prompt, aspectRatio, ownerID := t.Prompt, t.AspectRatio, t.OwnerID
	q.mu.Unlock()

	filename, err := q.generator.Generate(prompt, aspectRatio, ownerID)
	if err != nil {
		code, critical := errorCode(err, errCodeGenerateFailed)
		q.mu.Lock()
		t.Status = statusFailed
		t.ErrorCode = code
		t.Critical = critical
		q.mu.Unlock()
		logger.Warn("generate task failed", "task_id", t.ID, "error_code", code, "critical", critical)
		return
	}

	q.mu.Lock()
	t.Status = statusCompleted
	t.Result = map[string]any{"generated_filename": filename}
	q.mu.Unlock()
	logger.Info("generate task completed", "task_id", t.ID, "filename", filename)
}

func (q *uploadQueue) recordFinished(t *task) {
	snap, _ := q.Status(t.ID)
	if snap.Status != statusCompleted && snap.Status != statusFailed {
		return
	}
	metricTasksFinished.WithLabelValues(snap.Kind, snap.Status).Inc()
	if q.history != nil {
		q.history.Record(snap)
	}
}

func errorCode(err error, fallback string) (string, bool) {
	var te *taskError
	if errors.As(err, &te) {
		return te.Code, te.Critical
	}
	return fallback, false
}
