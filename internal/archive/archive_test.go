package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pmx/economy-engine/internal/events"
)

type memWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (m *memWriter) Put(_ context.Context, path string, body io.Reader, _ string) error {
	if m.fail != nil {
		return m.fail
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[path] = data
	return nil
}

func ev(seq int64) events.Event {
	return events.Event{
		Seq:         seq,
		Type:        events.SettlementCompleted,
		PublishedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFlush_WritesJSONL(t *testing.T) {
	w := &memWriter{}
	a := New(w, "audit", 10, nil)

	for i := int64(1); i <= 3; i++ {
		if err := a.Deliver(context.Background(), ev(i)); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	path, err := a.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	want := "audit/2026/03/01/000000000001-000000000003.jsonl"
	if path != want {
		t.Errorf("expected path %s, got %s", want, path)
	}

	sc := bufio.NewScanner(bytes.NewReader(w.objects[path]))
	var seqs []int64
	for sc.Scan() {
		var e events.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		seqs = append(seqs, e.Seq)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Errorf("unexpected archived sequence: %v", seqs)
	}
	if a.Pending() != 0 {
		t.Errorf("expected empty buffer, got %d", a.Pending())
	}
}

func TestFlush_Empty(t *testing.T) {
	w := &memWriter{}
	a := New(w, "", 0, nil)
	path, err := a.Flush(context.Background())
	if err != nil || path != "" {
		t.Errorf("expected no-op flush, got %q %v", path, err)
	}
	if len(w.objects) != 0 {
		t.Error("nothing should be uploaded")
	}
}

func TestDeliver_FlushesFullBatch(t *testing.T) {
	w := &memWriter{}
	a := New(w, "events", 2, nil)

	_ = a.Deliver(context.Background(), ev(1))
	if len(w.objects) != 0 {
		t.Fatal("flushed too early")
	}
	_ = a.Deliver(context.Background(), ev(2))
	if len(w.objects) != 1 {
		t.Errorf("expected one object after a full batch, got %d", len(w.objects))
	}
}

func TestFlush_FailureKeepsEvents(t *testing.T) {
	w := &memWriter{fail: errors.New("bucket unreachable")}
	a := New(w, "events", 10, nil)
	_ = a.Deliver(context.Background(), ev(1))
	_ = a.Deliver(context.Background(), ev(2))

	if _, err := a.Flush(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
	if a.Pending() != 2 {
		t.Fatalf("expected 2 events kept, got %d", a.Pending())
	}

	w.fail = nil
	_ = a.Deliver(context.Background(), ev(3))
	path, err := a.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if path != "events/2026/03/01/000000000001-000000000003.jsonl" {
		t.Errorf("retried batch should keep order, got %s", path)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in     string
		ssl    bool
		expect string
	}{
		{"https://s3.example.com", false, "https://s3.example.com"},
		{"minio:9000", false, "http://minio:9000"},
		{"e2.example.com", true, "https://e2.example.com"},
	}
	for _, tt := range tests {
		if got := normaliseEndpoint(tt.in, tt.ssl); got != tt.expect {
			t.Errorf("normaliseEndpoint(%q, %v) = %s, want %s", tt.in, tt.ssl, got, tt.expect)
		}
	}
}
