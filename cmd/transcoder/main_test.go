package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"frameproof/internal/transcoder"
)

type recordingSender struct {
	mu        sync.Mutex
	callbacks []transcoder.Callback
	urls      []string
}

func (r *recordingSender) Deliver(_ context.Context, url string, cb transcoder.Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
	r.urls = append(r.urls, url)
	return nil
}

func (r *recordingSender) last() (transcoder.Callback, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.callbacks) == 0 {
		return transcoder.Callback{}, 0
	}
	return r.callbacks[len(r.callbacks)-1], len(r.callbacks)
}

// fakeFFmpeg writes the master playlist ffmpeg would produce and reports a
// fixed media duration.
func fakeFFmpeg(fail bool) commandRunner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		switch name {
		case "ffmpeg":
			if fail {
				return nil, errors.New("exit status 1: invalid data found")
			}
			master := args[len(args)-1]
			return nil, os.WriteFile(master, []byte("#EXTM3U\n"), 0o644)
		case "ffprobe":
			return []byte("12.500000\n"), nil
		}
		return nil, errors.New("unexpected command " + name)
	}
}

func newTestServer(t *testing.T, runner commandRunner, sender callbackSender) (*server, *httptest.Server) {
	t.Helper()
	srv, err := newServer(serverConfig{
		Token:      "svc-token",
		OutputRoot: t.TempDir(),
		Workers:    1,
		Callbacks:  sender,
		Runner:     runner,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv.start(ctx)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		_ = srv.wait()
	})
	return srv, ts
}

func submit(t *testing.T, ts *httptest.Server, token string, job transcoder.Job) *http.Response {
	t.Helper()
	body, _ := json.Marshal(job)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return resp
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestJobReportsProcessingThenReady(t *testing.T) {
	sender := &recordingSender{}
	srv, ts := newTestServer(t, fakeFFmpeg(false), sender)

	resp := submit(t, ts, "svc-token", transcoder.Job{
		AssetID:     "asset-1",
		ChannelID:   "ch-1",
		SourceURL:   "file:///tmp/source.mov",
		CallbackURL: "http://api.internal/api/transcoder/callback",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var accepted jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil || accepted.JobID == "" {
		t.Fatalf("decode response: %v %+v", err, accepted)
	}

	waitFor(t, 2*time.Second, func() bool {
		cb, n := sender.last()
		return n == 2 && cb.Status == transcoder.CallbackReady
	})
	sender.mu.Lock()
	first, ready := sender.callbacks[0], sender.callbacks[1]
	url := sender.urls[1]
	sender.mu.Unlock()
	if first.Status != transcoder.CallbackProcessing || first.JobID != accepted.JobID {
		t.Fatalf("unexpected first callback %+v", first)
	}
	if ready.PlaybackURL != "hls/asset-1/index.m3u8" {
		t.Fatalf("unexpected playback %q", ready.PlaybackURL)
	}
	if ready.DurationSeconds == nil || *ready.DurationSeconds != 12.5 {
		t.Fatalf("unexpected duration %v", ready.DurationSeconds)
	}
	if url != "http://api.internal/api/transcoder/callback" {
		t.Fatalf("callback sent to %q", url)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/jobs/"+accepted.JobID, nil)
	req.Header.Set("Authorization", "Bearer svc-token")
	statusResp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	defer statusResp.Body.Close()
	var got job
	if err := json.NewDecoder(statusResp.Body).Decode(&got); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if got.State != jobReady || got.CompletedAt == nil {
		t.Fatalf("unexpected job state %+v", got)
	}
	if _, err := os.Stat(filepath.Join(srv.store.root, accepted.JobID+".json")); err != nil {
		t.Fatalf("job metadata not persisted: %v", err)
	}
}

func TestJobFailureReportsError(t *testing.T) {
	sender := &recordingSender{}
	_, ts := newTestServer(t, fakeFFmpeg(true), sender)

	resp := submit(t, ts, "svc-token", transcoder.Job{AssetID: "asset-2", SourceURL: "file:///tmp/broken.mov"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	waitFor(t, 2*time.Second, func() bool {
		cb, _ := sender.last()
		return cb.Status == transcoder.CallbackFailed
	})
	cb, _ := sender.last()
	if cb.AssetID != "asset-2" || cb.Error == "" {
		t.Fatalf("unexpected failure callback %+v", cb)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t, fakeFFmpeg(false), &recordingSender{})

	resp := submit(t, ts, "", transcoder.Job{AssetID: "a", SourceURL: "s"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = submit(t, ts, "svc-token", transcoder.Job{AssetID: "a"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without source, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/jobs/missing", nil)
	req.Header.Set("Authorization", "Bearer svc-token")
	missing, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestMetadataStoreIsExclusive(t *testing.T) {
	root := t.TempDir()
	store, err := newMetadataStore(root)
	if err != nil {
		t.Fatalf("newMetadataStore: %v", err)
	}
	defer store.Close()
	if _, err := newMetadataStore(root); err == nil {
		t.Fatal("expected second store on the same root to fail")
	}
}

func TestHTTPClientTalksToService(t *testing.T) {
	sender := &recordingSender{}
	_, ts := newTestServer(t, fakeFFmpeg(false), sender)

	client, err := transcoder.NewHTTPClient(transcoder.HTTPConfig{BaseURL: ts.URL, Token: "svc-token"})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	sub, err := client.Submit(context.Background(), transcoder.Job{AssetID: "asset-3", SourceURL: "file:///tmp/a.mov"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.JobID == "" {
		t.Fatal("expected job id")
	}
	waitFor(t, 2*time.Second, func() bool {
		cb, _ := sender.last()
		return cb.Status == transcoder.CallbackReady && cb.AssetID == "asset-3"
	})
}

func TestBuildTranscodePlan(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	plan, err := buildTranscodePlan("in.mov", dir)
	if err != nil {
		t.Fatalf("buildTranscodePlan: %v", err)
	}
	if plan.master != filepath.Join(dir, "index.m3u8") || plan.args[len(plan.args)-1] != plan.master {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if _, err := buildTranscodePlan("", dir); err == nil {
		t.Fatal("expected error without input")
	}
	if got := sanitizeName("a/b c"); got != "a-b-c" {
		t.Fatalf("sanitizeName = %q", got)
	}
}
