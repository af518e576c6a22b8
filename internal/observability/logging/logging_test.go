package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, record)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" DeBuG ": slog.LevelDebug,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	} {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "TEXT", Level: "warn"})
	logger.Info("dropped")
	logger.Warn("kept", "asset", "a-1")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record written at warn level: %q", out)
	}
	if !strings.Contains(out, "msg=kept") || !strings.Contains(out, "asset=a-1") {
		t.Fatalf("expected text output, got %q", out)
	}
}

func TestInitInstallsDefault(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	var buf bytes.Buffer
	if logger := Init(Config{Writer: &buf}); logger != slog.Default() {
		t.Fatal("Init did not replace the default logger")
	}
	slog.Info("ledger ready")
	if !strings.Contains(buf.String(), `"msg":"ledger ready"`) {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}
}

func TestDiscardIsDisabled(t *testing.T) {
	if Discard().Enabled(context.Background(), slog.LevelError) {
		t.Fatal("discard logger should not be enabled")
	}
}

func TestContextIdentifiersFlowIntoRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	parent := ContextWithRequestID(context.Background(), "req-1")
	child := ContextWithChannelID(parent, " ch-9 ")
	child = ContextWithConnectionID(child, "  ")

	logger.InfoContext(child, "comment added")
	logger.InfoContext(parent, "parent only")

	records := decodeLines(t, &buf)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0]["request_id"] != "req-1" || records[0]["channel_id"] != "ch-9" {
		t.Fatalf("child record missing identifiers: %v", records[0])
	}
	if _, ok := records[0]["connection_id"]; ok {
		t.Fatal("blank connection id must not be attached")
	}
	if _, ok := records[1]["channel_id"]; ok {
		t.Fatal("parent context observed the child's channel id")
	}
}

func TestWithContextDoesNotDuplicateKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(New(Config{Writer: &buf}), "presence")

	ctx := ContextWithChannelID(context.Background(), "ch-1")
	WithContext(ctx, logger).InfoContext(ctx, "joined")

	if n := strings.Count(buf.String(), `"channel_id"`); n != 1 {
		t.Fatalf("channel_id written %d times: %s", n, buf.String())
	}
	if !strings.Contains(buf.String(), `"component":"presence"`) {
		t.Fatalf("component missing: %s", buf.String())
	}
}

func TestContextLoggerRoundTrip(t *testing.T) {
	logger := Discard()
	ctx := ContextWithRequestID(context.Background(), "req-2")
	ctx = ContextWithLogger(ctx, logger)
	if LoggerFromContext(ctx) != logger {
		t.Fatal("stored logger not returned")
	}
	if id, ok := RequestIDFromContext(ctx); !ok || id != "req-2" {
		t.Fatalf("request id lost after storing logger: %q", id)
	}
	if LoggerFromContext(context.Background()) != nil {
		t.Fatal("expected nil logger for a bare context")
	}
}

func TestRequestLoggerRecordsRouteAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "debug"})

	router := chi.NewRouter()
	router.Use(RequestLogger(RequestLoggerConfig{Logger: logger, SkipPaths: []string{"/healthz"}}))
	router.Post("/api/channels/{channelID}/comments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"seq":1}`))
	})
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {})
	router.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	router.Get("/conflict", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/channels/c-1/comments", nil),
		httptest.NewRequest(http.MethodGet, "/healthz", nil),
		httptest.NewRequest(http.MethodGet, "/boom", nil),
		httptest.NewRequest(http.MethodGet, "/conflict", nil),
	} {
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	records := decodeLines(t, &buf)
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}
	created := records[0]
	if created["route"] != "/api/channels/{channelID}/comments" || created["status"] != float64(201) || created["bytes"] != float64(9) {
		t.Fatalf("unexpected comment record: %v", created)
	}
	for i, want := range []string{"INFO", "DEBUG", "ERROR", "WARN"} {
		if records[i]["level"] != want {
			t.Fatalf("record %d level = %v, want %s", i, records[i]["level"], want)
		}
	}
}
