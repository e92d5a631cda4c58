package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testDocument(t *testing.T) *ExportDocument {
	t.Helper()
	return BuildFull(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), []RecordType{TypeWeight}, map[RecordType][]Record{
		TypeWeight: {testRecord("w1", map[string]Value{"weight_kg": Float(80)})},
	}, "cur_1")
}

func TestDirectorySinkWritesDocumentFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDirectorySink(dir)
	if err != nil {
		t.Fatalf("new directory sink failed: %v", err)
	}

	doc := testDocument(t)
	if err := sink.Deliver(context.Background(), doc); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file, got %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "vitalexport_full_") || !strings.HasSuffix(name, ".json") {
		t.Fatalf("unexpected file name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read document failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("written document is not valid JSON: %v", err)
	}
	if decoded["export_type"] != "FULL" {
		t.Fatalf("unexpected export_type %v", decoded["export_type"])
	}
}

func TestHTTPSinkPostsDocument(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sink, err := NewHTTPSink(server.URL, "secret", server.Client())
	if err != nil {
		t.Fatalf("new http sink failed: %v", err)
	}
	if err := sink.Deliver(context.Background(), testDocument(t)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}
	if !strings.Contains(string(gotBody), `"export_type":"FULL"`) {
		t.Fatalf("unexpected body: %s", gotBody)
	}
}

func TestHTTPSinkRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := NewHTTPSink(server.URL, "", server.Client())
	if err != nil {
		t.Fatalf("new http sink failed: %v", err)
	}
	sink.baseDelay = time.Millisecond
	if err := sink.Deliver(context.Background(), testDocument(t)); err != nil {
		t.Fatalf("expected delivery to succeed after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestHTTPSinkStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	sink, err := NewHTTPSink(server.URL, "", server.Client())
	if err != nil {
		t.Fatalf("new http sink failed: %v", err)
	}
	sink.baseDelay = time.Millisecond
	if err := sink.Deliver(context.Background(), testDocument(t)); err == nil {
		t.Fatalf("expected delivery error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestBuildSinkFromDSN(t *testing.T) {
	sink, err := BuildSinkFromDSN("file://"+t.TempDir(), "")
	if err != nil {
		t.Fatalf("file DSN failed: %v", err)
	}
	if _, ok := sink.(*DirectorySink); !ok {
		t.Fatalf("expected directory sink, got %T", sink)
	}

	sink, err = BuildSinkFromDSN("https://consumer.example.com/exports", "tok")
	if err != nil {
		t.Fatalf("https DSN failed: %v", err)
	}
	if _, ok := sink.(*HTTPSink); !ok {
		t.Fatalf("expected http sink, got %T", sink)
	}

	sink, err = BuildSinkFromDSN("wss://consumer.example.com/exports", "")
	if err != nil {
		t.Fatalf("wss DSN failed: %v", err)
	}
	if _, ok := sink.(*WebsocketSink); !ok {
		t.Fatalf("expected websocket sink, got %T", sink)
	}

	if _, err := BuildSinkFromDSN("s3://bucket/exports", ""); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for s3, got %v", err)
	}
	if _, err := BuildSinkFromDSN("ftp://host", ""); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
