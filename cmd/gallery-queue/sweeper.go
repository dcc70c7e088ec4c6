package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// sweeper periodically clears abandoned files out of the staging and temp
// directories. Tasks normally clean up after themselves, so anything old
// enough to hit the sweep is an orphan from a crash or an unpublished task.
type sweeper struct {
	cron   *cron.Cron
	dirs   []string
	maxAge time.Duration
}

func newSweeper(schedule string, maxAge time.Duration, dirs ...string) (*sweeper, error) {
	s := &sweeper{
		cron:   cron.New(),
		dirs:   dirs,
		maxAge: maxAge,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweepOnce); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sweeper) Start() {
	s.cron.Start()
}

func (s *sweeper) Stop() {
	s.cron.Stop()
}

func (s *sweeper) sweepOnce() {
	cutoff := time.Now().Add(-s.maxAge)
	removed := 0
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Error("sweep failed to read directory", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				logger.Error("sweep failed to remove file", "path", path, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		logger.Info("sweep removed stale files", "count", removed)
	}
}
