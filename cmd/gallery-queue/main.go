package main

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type appState struct {
	cfg       config
	queue     *uploadQueue
	catalog   Catalog
	publisher *publisher
	history   *taskHistory
	sweeper   *sweeper
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load .env", "error", err)
	}

	cfg := loadConfig()
	st, err := newAppState(cfg)
	if err != nil {
		logger.Error("failed to initialize app state", "error", err)
		os.Exit(1)
	}
	defer st.catalog.Close()
	if st.history != nil {
		defer st.history.Close()
	}

	st.queue.StartWorker()
	st.sweeper.Start()
	defer st.sweeper.Stop()
	defer st.queue.StopWorker()

	runAPI(st)
}

func loadConfig() config {
	return config{
		apiAddr:       envOrDefault("QUEUE_API_ADDR", ":8002"),
		stagingDir:    envOrDefault("STAGING_DIR", "/app/staging"),
		tempDir:       envOrDefault("TEMP_DIR", "/app/tmp"),
		mediaRoot:     envOrDefault("MEDIA_ROOT", "/app/wallpapers"),
		catalogDBPath: envOrDefault("CATALOG_DB_PATH", "/app/catalog.db"),

		geminiKeys:    splitCSV(os.Getenv("GEMINI_API_KEYS")),
		geminiBaseURL: envOrDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		geminiModel:   strings.TrimSpace(os.Getenv("GEMINI_MODEL")),
		vertexModel:   envOrDefault("VERTEX_MODEL", "imagen-3.0-generate-002"),

		rateLimit:       envSeconds("RATE_LIMIT_SECONDS", 4.0),
		rotateAfter:     envInt("ROTATE_AFTER", 4),
		backoffDefault:  envSeconds("BACKOFF_DEFAULT_SECONDS", 60),
		retryMaxElapsed: time.Duration(envInt("RETRY_MAX_ELAPSED_MIN", 15)) * time.Minute,

		redisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		redisPassword: os.Getenv("REDIS_PASSWORD"),
		redisDB:       envInt("REDIS_DB", 0),

		importToken:   strings.TrimSpace(os.Getenv("IMPORT_TOKEN")),
		sweepSchedule: envOrDefault("SWEEP_SCHEDULE", "*/30 * * * *"),
		sweepMaxAge:   time.Duration(envInt("SWEEP_MAX_AGE_MIN", 120)) * time.Minute,
	}
}

func newAppState(cfg config) (*appState, error) {
	for _, dir := range []string{cfg.stagingDir, cfg.tempDir, cfg.mediaRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	catalog, err := openCatalog(cfg.catalogDBPath)
	if err != nil {
		return nil, err
	}

	var history *taskHistory
	if cfg.redisAddr != "" {
		history, err = newTaskHistory(cfg.redisAddr, cfg.redisPassword, cfg.redisDB)
		if err != nil {
			logger.Warn("task history disabled, redis unreachable", "addr", cfg.redisAddr, "error", err)
			history = nil
		}
	}

	queue, err := newUploadQueue(newRecognizer(cfg), newGenerator(cfg), cfg.stagingDir, cfg.rateLimit)
	if err != nil {
		catalog.Close()
		return nil, err
	}
	if history != nil {
		queue.history = history
	}

	pub, err := newPublisher(queue, catalog, cfg.mediaRoot, cfg.tempDir)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	sw, err := newSweeper(cfg.sweepSchedule, cfg.sweepMaxAge, cfg.stagingDir, cfg.tempDir)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	return &appState{
		cfg:       cfg,
		queue:     queue,
		catalog:   catalog,
		publisher: pub,
		history:   history,
		sweeper:   sw,
	}, nil
}

func runAPI(st *appState) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", st.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/analyze", st.handleAnalyze)
	mux.HandleFunc("/api/generate", st.handleGenerate)
	mux.HandleFunc("/api/tasks/status", st.handleTaskStatus)
	mux.HandleFunc("/api/tasks", st.handleTasksForOwner)
	mux.HandleFunc("/api/tasks/history", st.handleTaskHistory)
	mux.HandleFunc("/api/publish", st.handlePublish)
	mux.HandleFunc("/api/import", st.handleImport)
	mux.HandleFunc("/api/wallpapers", st.handleWallpapers)

	logger.Info("gallery queue api listening", "addr", st.cfg.apiAddr)
	if err := http.ListenAndServe(st.cfg.apiAddr, loggingMiddleware(mux)); err != nil {
		logger.Error("api server stopped", "error", err)
		os.Exit(1)
	}
}
