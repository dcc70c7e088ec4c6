package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// visionAnalyzer abstracts the classification upstream so the worker can be
// tested without network access.
type visionAnalyzer interface {
	Analyze(path string) (map[string]any, error)
}

// imageGenerator abstracts the generation upstream.
type imageGenerator interface {
	Generate(prompt, aspectRatio string, ownerID int64) (string, error)
}

// taskRecorder receives finished-task summaries for the admin trail.
type taskRecorder interface {
	Record(t task)
}

// RedisClient abstracts the Redis operations used by the task history.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// Catalog abstracts the persistent wallpaper metadata store.
type Catalog interface {
	Close() error
	AddWallpaper(w wallpaper) (int64, error)
	GetWallpaper(id int64) (wallpaper, error)
	ListWallpapers(filter catalogFilter) ([]wallpaper, int, error)
	DeleteWallpaper(id int64) error
}

var _ visionAnalyzer = (*recognizer)(nil)
var _ imageGenerator = (*generator)(nil)
var _ taskRecorder = (*taskHistory)(nil)
var _ RedisClient = (*redis.Client)(nil)
var _ Catalog = (*catalogStore)(nil)
