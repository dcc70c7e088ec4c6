package main

import (
	"fmt"
	"time"
)

type config struct {
	apiAddr       string
	stagingDir    string
	tempDir       string
	mediaRoot     string
	catalogDBPath string

	geminiKeys    []string
	geminiBaseURL string
	geminiModel   string
	vertexModel   string

	rateLimit       time.Duration
	rotateAfter     int
	backoffDefault  time.Duration
	retryMaxElapsed time.Duration

	redisAddr     string
	redisPassword string
	redisDB       int

	importToken   string
	sweepSchedule string
	sweepMaxAge   time.Duration
}

// task is one unit of queued work. A pointer to it lives in the queue's task
// map for the life of the process; all mutation happens under the queue lock.
type task struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	OwnerID  int64  `json:"owner_id"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`

	// analyze payload
	StagedPath   string `json:"staged_path,omitempty"`
	SourcePath   string `json:"source_path,omitempty"`
	OriginalName string `json:"original_name,omitempty"`

	// generate payload
	Prompt      string `json:"prompt,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`

	Result     map[string]any `json:"result,omitempty"`
	ErrorCode  string         `json:"error,omitempty"`
	Critical   bool           `json:"critical,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// taskError carries the short machine-readable code stored on a failed task.
// Critical marks a content-policy rejection: the source asset has been
// destroyed and the task must not be resubmitted.
type taskError struct {
	Code     string
	Critical bool
	cause    error
}

func (e *taskError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.cause)
	}
	return e.Code
}

func (e *taskError) Unwrap() error { return e.cause }

type finishedTask struct {
	TaskID     string `json:"task_id"`
	Kind       string `json:"kind"`
	OwnerID    int64  `json:"owner_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	FinishedAt string `json:"finished_at"`
}

type wallpaper struct {
	ID          int64  `json:"id"`
	OwnerID     int64  `json:"owner_id"`
	Filename    string `json:"filename"`
	Category    string `json:"category"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Keywords    string `json:"keywords"`
	Color       string `json:"color"`
	Source      string `json:"source"`
	CreatedAt   string `json:"created_at"`
}

type catalogFilter struct {
	Category string
	OwnerID  *int64
	Offset   int
	Limit    int
}
