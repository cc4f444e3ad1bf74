package audit_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obcms/obcms-core/internal/audit"
)

// ---------------------------------------------------------------------------
// MultiShipper
// ---------------------------------------------------------------------------

func TestNewMultiShipper_EmptyAndDisabled(t *testing.T) {
	ms, err := audit.NewMultiShipper([]audit.ShipperConfig{
		{Enabled: false, Type: "webhook", Webhook: &audit.WebhookConfig{URL: "http://example.com"}},
	})
	if err != nil {
		t.Fatalf("NewMultiShipper error: %v", err)
	}
	if ms.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ms.Len())
	}
	if err := ms.Ship(context.Background(), &audit.LogEntry{Action: "test"}); err != nil {
		t.Errorf("Ship() on empty multi-shipper = %v", err)
	}
	if err := ms.Close(); err != nil {
		t.Errorf("Close() on empty multi-shipper = %v", err)
	}
}

func TestNewMultiShipper_InvalidConfigs(t *testing.T) {
	cases := map[string]audit.ShipperConfig{
		"unknown type":       {Enabled: true, Type: "syslog"},
		"webhook nil config": {Enabled: true, Type: "webhook"},
		"file nil config":    {Enabled: true, Type: "file"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := audit.NewMultiShipper([]audit.ShipperConfig{cfg}); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestMultiShipper_ContinuesAfterShipperError(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	var delivered atomic.Int32
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	ms, err := audit.NewMultiShipper([]audit.ShipperConfig{
		{Enabled: true, Type: "webhook", Webhook: &audit.WebhookConfig{URL: failing.URL, Timeout: time.Second}},
		{Enabled: true, Type: "webhook", Webhook: &audit.WebhookConfig{URL: healthy.URL, Timeout: time.Second}},
	})
	if err != nil {
		t.Fatalf("NewMultiShipper error: %v", err)
	}
	defer ms.Close()

	if err := ms.Ship(context.Background(), &audit.LogEntry{Action: "event.create"}); err == nil {
		t.Error("Ship() = nil, want error from the failing destination")
	}
	if delivered.Load() != 1 {
		t.Errorf("healthy destination received %d entries, want 1", delivered.Load())
	}
}

// ---------------------------------------------------------------------------
// WebhookShipper
// ---------------------------------------------------------------------------

func TestWebhookShipper_ShipEntry(t *testing.T) {
	var received bytes.Buffer
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		token = r.Header.Get("X-Auth-Token")
		received.ReadFrom(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&audit.WebhookConfig{
		URL:     srv.URL,
		Timeout: 5 * time.Second,
		Headers: map[string]string{"X-Auth-Token": "secret"},
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper error: %v", err)
	}
	defer ws.Close()

	entry := &audit.LogEntry{Action: audit.ActionScopeWidened, OrgCode: "OCM", ResourceType: "coordination_event"}
	if err := ws.Ship(context.Background(), entry); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}

	var decoded audit.LogEntry
	if err := json.Unmarshal(received.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if decoded.Action != entry.Action || decoded.OrgCode != "OCM" {
		t.Errorf("decoded = %+v", decoded)
	}
	if token != "secret" {
		t.Errorf("X-Auth-Token = %q, want secret", token)
	}
}

func TestWebhookShipper_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{URL: srv.URL, Timeout: time.Second})
	defer ws.Close()

	if err := ws.Ship(context.Background(), &audit.LogEntry{Action: "err"}); err == nil {
		t.Error("Ship() = nil, want error for 502 response")
	}
}

func TestWebhookShipper_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{URL: srv.URL, Timeout: time.Second})
	defer ws.Close()

	if err := ws.Ship(context.Background(), &audit.LogEntry{Action: "retry"}); err != nil {
		t.Fatalf("Ship() = %v, want delivery on the second attempt", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestWebhookShipper_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{URL: srv.URL, Timeout: time.Second})
	defer ws.Close()

	if err := ws.Ship(context.Background(), &audit.LogEntry{Action: "denied"}); err == nil {
		t.Error("Ship() = nil, want error for 401 response")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWebhookShipper_CloseTwice(t *testing.T) {
	ws, err := audit.NewWebhookShipper(&audit.WebhookConfig{URL: "http://localhost:0", BatchSize: 10})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	ws.Close()
}

func TestWebhookShipper_BatchFlushedOnSize(t *testing.T) {
	bodies := make(chan []byte, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		bodies <- buf.Bytes()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{
		URL: srv.URL, Timeout: 5 * time.Second, BatchSize: 2, FlushInterval: time.Hour,
	})
	defer ws.Close()

	ws.Ship(context.Background(), &audit.LogEntry{Action: "a"})
	ws.Ship(context.Background(), &audit.LogEntry{Action: "b"})

	select {
	case body := <-bodies:
		var batch []audit.LogEntry
		if err := json.Unmarshal(body, &batch); err != nil {
			t.Fatalf("batch body is not a JSON array: %v", err)
		}
		if len(batch) != 2 {
			t.Errorf("batch size = %d, want 2", len(batch))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
}

func TestWebhookShipper_BatchFlushedOnInterval(t *testing.T) {
	done := make(chan struct{}, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{
		URL: srv.URL, Timeout: 5 * time.Second, BatchSize: 100, FlushInterval: 50 * time.Millisecond,
	})
	defer ws.Close()

	ws.Ship(context.Background(), &audit.LogEntry{Action: "interval"})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Error("timed out waiting for interval flush")
	}
}

func TestWebhookShipper_BatchFlushedOnClose(t *testing.T) {
	done := make(chan struct{}, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		done <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{
		URL: srv.URL, Timeout: 5 * time.Second, BatchSize: 100, FlushInterval: time.Hour,
	})
	ws.Ship(context.Background(), &audit.LogEntry{Action: "flush-on-close"})
	ws.Close()

	select {
	case <-done:
	default:
		t.Error("Close returned before the queued entry was posted")
	}
}

// ---------------------------------------------------------------------------
// FileShipper
// ---------------------------------------------------------------------------

func TestFileShipper_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	fs, err := audit.NewFileShipper(&audit.FileConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileShipper error: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := fs.Ship(context.Background(), &audit.LogEntry{Action: "event.create", StatusCode: 201}); err != nil {
			t.Fatalf("Ship() error: %v", err)
		}
	}
	if err := fs.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	count := 0
	for scanner.Scan() {
		var decoded audit.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("line %d: %v", count, err)
		}
		count++
	}
	if count != 5 {
		t.Errorf("file has %d lines, want 5", count)
	}
}

func TestNewFileShipper_InvalidPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodir", "audit.log")
	if _, err := audit.NewFileShipper(&audit.FileConfig{Path: path}); err == nil {
		t.Error("expected error for path with nonexistent parent")
	}
}

func TestFileShipper_Rotate(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")
	if err := os.WriteFile(logPath, make([]byte, 1024*1024+1), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fs, err := audit.NewFileShipper(&audit.FileConfig{Path: logPath, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}
	defer fs.Close()

	if err := fs.Ship(context.Background(), &audit.LogEntry{Action: "after-rotate"}); err != nil {
		t.Fatalf("Ship: %v", err)
	}

	backup, err := os.Stat(logPath + ".1")
	if err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
	if backup.Size() != 1024*1024+1 {
		t.Errorf("backup size = %d", backup.Size())
	}
	live, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("Stat live file: %v", err)
	}
	if live.Size() >= 1024 {
		t.Errorf("live file should only hold the new entry, size = %d", live.Size())
	}
}
