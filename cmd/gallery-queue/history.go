package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// taskHistory keeps a bounded trail of finished tasks in Redis for the admin
// back office. It is observational only: the in-memory task store stays the
// authoritative source for polling, and the service runs fine without Redis.
type taskHistory struct {
	rdb RedisClient
}

func newTaskHistory(addr, password string, db int) (*taskHistory, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &taskHistory{rdb: rdb}, nil
}

func (h *taskHistory) Close() error {
	return h.rdb.Close()
}

// Record appends a finished-task summary and trims the trail to the most
// recent entries. Failures are logged, never surfaced to the worker.
func (h *taskHistory) Record(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := finishedTask{
		TaskID:     t.ID,
		Kind:       t.Kind,
		OwnerID:    t.OwnerID,
		Status:     t.Status,
		Error:      t.ErrorCode,
		FinishedAt: time.Now().UTC().Format(time.RFC3339),
	}
	b, _ := json.Marshal(rec)
	if err := h.rdb.Set(ctx, historyMetaPrefix+t.ID, b, 7*24*time.Hour).Err(); err != nil {
		logger.Error("failed to persist task history entry", "task_id", t.ID, "error", err)
		return
	}
	h.rdb.RPush(ctx, historyListKey, t.ID)
	h.rdb.LTrim(ctx, historyListKey, -maxTrackedTasks, -1)
}

// Recent returns up to n finished tasks, newest first.
func (h *taskHistory) Recent(ctx context.Context, n int) []finishedTask {
	if n <= 0 || n > maxTrackedTasks {
		n = maxTrackedTasks
	}
	ids, err := h.rdb.LRange(ctx, historyListKey, int64(-n), -1).Result()
	if err != nil {
		return []finishedTask{}
	}
	items := make([]finishedTask, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		raw, err := h.rdb.Get(ctx, historyMetaPrefix+ids[i]).Result()
		if err != nil || raw == "" {
			continue
		}
		var rec finishedTask
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		items = append(items, rec)
	}
	return items
}
