package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"frameproof/internal/observability/logging"
	"frameproof/internal/transcoder"
)

type jobState string

const (
	jobQueued  jobState = "queued"
	jobRunning jobState = "running"
	jobReady   jobState = "ready"
	jobFailed  jobState = "failed"
)

type job struct {
	ID          string         `json:"id"`
	Request     transcoder.Job `json:"request"`
	State       jobState       `json:"state"`
	Playback    string         `json:"playback,omitempty"`
	OutputPath  string         `json:"outputPath"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// callbackSender delivers progress to the webhook named by the job.
type callbackSender interface {
	Deliver(ctx context.Context, url string, callback transcoder.Callback) error
}

// commandRunner executes an external tool and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

type serverConfig struct {
	Token          string
	OutputRoot     string
	PublicBase     string
	Workers        int
	QueueSize      int
	Callbacks      callbackSender
	Runner         commandRunner
	Logger         *slog.Logger
	ProcessTimeout time.Duration
}

type server struct {
	cfg    serverConfig
	logger *slog.Logger
	store  *metadataStore

	mu   sync.RWMutex
	jobs map[string]*job

	queue chan string
	wg    sync.WaitGroup
}

type jobResponse struct {
	JobID string `json:"jobId"`
}

func newServer(cfg serverConfig) (*server, error) {
	if cfg.Callbacks == nil {
		return nil, errors.New("callback sender is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Runner == nil {
		cfg.Runner = commandOutput
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 2 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	root, err := filepath.Abs(cfg.OutputRoot)
	if err != nil {
		return nil, err
	}
	cfg.OutputRoot = root
	store, err := newMetadataStore(filepath.Join(root, "jobs"))
	if err != nil {
		return nil, err
	}
	jobs, err := store.Load()
	if err != nil {
		return nil, err
	}
	s := &server{
		cfg:    cfg,
		logger: logging.WithComponent(cfg.Logger, "transcoder"),
		store:  store,
		jobs:   jobs,
		queue:  make(chan string, cfg.QueueSize),
	}
	return s, nil
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Post("/v1/jobs", s.handleSubmit)
	r.Get("/v1/jobs/{jobID}", s.handleJobByID)
	return r
}

// start launches the workers and requeues jobs interrupted by a restart.
func (s *server) start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.work(ctx)
		}()
	}
	s.mu.RLock()
	var pending []string
	for id, j := range s.jobs {
		if j.State == jobQueued || j.State == jobRunning {
			pending = append(pending, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range pending {
		select {
		case s.queue <- id:
		default:
			s.logger.Warn("queue full, job not resumed", "job_id", id)
		}
	}
}

// wait blocks until the workers exit, then releases the metadata lock.
func (s *server) wait() error {
	s.wg.Wait()
	return s.store.Close()
}

func (s *server) authorize(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.Token)) == 1
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queued": len(s.queue)})
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req transcoder.Job
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.AssetID) == "" || strings.TrimSpace(req.SourceURL) == "" {
		http.Error(w, "assetId and sourceUrl are required", http.StatusBadRequest)
		return
	}

	j := &job{
		ID:         newID("job"),
		Request:    req,
		State:      jobQueued,
		OutputPath: filepath.Join(s.cfg.OutputRoot, "hls", sanitizeName(req.AssetID)),
		CreatedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
	if err := s.store.SaveJob(j); err != nil {
		s.forget(j.ID)
		http.Error(w, "failed to persist job", http.StatusInternalServerError)
		return
	}

	select {
	case s.queue <- j.ID:
	default:
		s.forget(j.ID)
		http.Error(w, "transcoder busy", http.StatusServiceUnavailable)
		return
	}
	s.logger.Info("job accepted", "job_id", j.ID, "asset_id", req.AssetID, "attempt", req.Attempt)
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: j.ID})
}

func (s *server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.RLock()
	j, ok := s.jobs[chi.URLParam(r, "jobID")]
	var snapshot job
	if ok {
		snapshot = *j
	}
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *server) forget(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	if err := s.store.Delete(id); err != nil {
		s.logger.Warn("remove job metadata", "job_id", id, "error", err)
	}
}

func (s *server) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			s.process(ctx, id)
		}
	}
}

func (s *server) process(ctx context.Context, id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	j.State = jobRunning
	req := j.Request
	outputDir := j.OutputPath
	s.mu.Unlock()

	logger := s.logger.With("job_id", id, "asset_id", req.AssetID)
	s.notify(ctx, logger, req, transcoder.Callback{JobID: id, AssetID: req.AssetID, Status: transcoder.CallbackProcessing})

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessTimeout)
	defer cancel()
	playback, duration, err := s.transcode(runCtx, req.SourceURL, outputDir, sanitizeName(req.AssetID))
	if ctx.Err() != nil {
		// Shutting down; the job stays running on disk and resumes on start.
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	j.CompletedAt = &now
	if err != nil {
		j.State = jobFailed
		j.Error = err.Error()
	} else {
		j.State = jobReady
		j.Playback = playback
	}
	snapshot := *j
	s.mu.Unlock()
	if saveErr := s.store.SaveJob(&snapshot); saveErr != nil {
		logger.Warn("persist job", "error", saveErr)
	}

	if err != nil {
		logger.Warn("transcode failed", "error", err)
		s.notify(ctx, logger, req, transcoder.Callback{JobID: id, AssetID: req.AssetID, Status: transcoder.CallbackFailed, Error: err.Error()})
		return
	}
	logger.Info("transcode complete", "playback", playback)
	callback := transcoder.Callback{JobID: id, AssetID: req.AssetID, Status: transcoder.CallbackReady, PlaybackURL: playback}
	if duration > 0 {
		callback.DurationSeconds = &duration
	}
	s.notify(ctx, logger, req, callback)
}

func (s *server) notify(ctx context.Context, logger *slog.Logger, req transcoder.Job, callback transcoder.Callback) {
	if err := s.cfg.Callbacks.Deliver(ctx, req.CallbackURL, callback); err != nil {
		logger.Warn("callback delivery failed", "status", callback.Status, "error", err)
	}
}

// transcode packages source as a VOD HLS playlist and returns the playback
// locator and the measured duration in seconds.
func (s *server) transcode(ctx context.Context, source, outputDir, name string) (string, float64, error) {
	plan, err := buildTranscodePlan(source, outputDir)
	if err != nil {
		return "", 0, err
	}
	if _, err := s.cfg.Runner(ctx, "ffmpeg", plan.args...); err != nil {
		return "", 0, fmt.Errorf("ffmpeg: %w", err)
	}
	if _, err := os.Stat(plan.master); err != nil {
		return "", 0, fmt.Errorf("ffmpeg produced no playlist: %w", err)
	}
	var duration float64
	out, err := s.cfg.Runner(ctx, "ffprobe", "-v", "error", "-show_entries", "format=duration", "-of", "csv=p=0", source)
	if err == nil {
		duration, _ = strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	}
	return s.playbackURL(name), duration, nil
}

func (s *server) playbackURL(name string) string {
	rel := path.Join("hls", name, "index.m3u8")
	if s.cfg.PublicBase == "" {
		return rel
	}
	return strings.TrimRight(s.cfg.PublicBase, "/") + "/" + rel
}

type transcodePlan struct {
	args   []string
	master string
}

func buildTranscodePlan(input, outputDir string) (*transcodePlan, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	master := filepath.Join(outputDir, "index.m3u8")
	args := []string{
		"-y",
		"-i", input,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outputDir, "segment_%05d.ts"),
		master,
	}
	return &transcodePlan{args: args, master: master}, nil
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
