package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type catalogStore struct {
	db *sql.DB
	mu sync.Mutex
}

func openCatalog(path string) (*catalogStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o664)
	if err != nil {
		return nil, fmt.Errorf("failed to open db file %s for read/write: %w", path, err)
	}
	_ = f.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql open failed for %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if _, err := db.Exec(`PRAGMA journal_mode=DELETE;`); err != nil {
		return nil, fmt.Errorf("set journal mode failed for %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return nil, fmt.Errorf("set busy timeout failed for %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS wallpapers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL,
			filename TEXT NOT NULL UNIQUE,
			category TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			keywords TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'upload',
			created_at TEXT NOT NULL
		);
	`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_wallpapers_owner ON wallpapers(owner_id);`); err != nil {
		return nil, err
	}
	return &catalogStore{db: db}, nil
}

func isRetryableSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "unable to open database file")
}

func withSQLiteRetry(op func() error) error {
	var err error
	backoff := 50 * time.Millisecond
	for i := 0; i < 4; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isRetryableSQLiteError(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

func (s *catalogStore) Close() error {
	return s.db.Close()
}

func (s *catalogStore) AddWallpaper(w wallpaper) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.CreatedAt == "" {
		w.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if w.Source == "" {
		w.Source = sourceUpload
	}
	var id int64
	err := withSQLiteRetry(func() error {
		res, err := s.db.Exec(`
			INSERT INTO wallpapers (owner_id, filename, category, name, description, keywords, color, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.OwnerID, w.Filename, w.Category, w.Name, w.Description, w.Keywords, w.Color, w.Source, w.CreatedAt,
		)
		if err != nil {
			return err
		}
		id, _ = res.LastInsertId()
		return nil
	})
	return id, err
}

func (s *catalogStore) GetWallpaper(id int64) (wallpaper, error) {
	var w wallpaper
	err := withSQLiteRetry(func() error {
		row := s.db.QueryRow(`
			SELECT id, owner_id, filename, category, name, description, keywords, color, source, created_at
			FROM wallpapers WHERE id = ?`, id)
		return row.Scan(&w.ID, &w.OwnerID, &w.Filename, &w.Category, &w.Name, &w.Description, &w.Keywords, &w.Color, &w.Source, &w.CreatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return wallpaper{}, errNotFound
	}
	return w, err
}

var errNotFound = errors.New("not found")

// ListWallpapers returns one page of catalog entries, newest first, plus the
// unpaginated total for the filter.
func (s *catalogStore) ListWallpapers(filter catalogFilter) ([]wallpaper, int, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.Category != "" {
		where = append(where, "LOWER(category) = LOWER(?)")
		args = append(args, filter.Category)
	}
	if filter.OwnerID != nil {
		where = append(where, "owner_id = ?")
		args = append(args, *filter.OwnerID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	total := 0
	err := withSQLiteRetry(func() error {
		return s.db.QueryRow("SELECT COUNT(id) FROM wallpapers"+clause, args...).Scan(&total)
	})
	if err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id, owner_id, filename, category, name, description, keywords, color, source, created_at FROM wallpapers" +
		clause + " ORDER BY id DESC LIMIT ? OFFSET ?"
	queryArgs := append(append([]any{}, args...), limit, filter.Offset)

	var items []wallpaper
	err = withSQLiteRetry(func() error {
		items = make([]wallpaper, 0)
		rows, err := s.db.Query(query, queryArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var w wallpaper
			if err := rows.Scan(&w.ID, &w.OwnerID, &w.Filename, &w.Category, &w.Name, &w.Description, &w.Keywords, &w.Color, &w.Source, &w.CreatedAt); err != nil {
				return err
			}
			items = append(items, w)
		}
		return rows.Err()
	})
	return items, total, err
}

func (s *catalogStore) DeleteWallpaper(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM wallpapers WHERE id = ?`, id)
		return err
	})
}
