// Package archive exports published domain events to object storage as
// JSONL files, one file per flushed batch, so committed economic activity
// can be audited after the Redis stream has been trimmed.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pmx/economy-engine/internal/events"
)

// BlobWriter stores one object.
type BlobWriter interface {
	Put(ctx context.Context, path string, body io.Reader, contentType string) error
}

// DefaultBatchSize is the number of buffered events that triggers a flush.
const DefaultBatchSize = 500

// Archiver is an events.Sink that buffers events and uploads them in
// batches. Deliver never blocks on the network unless the batch is full.
type Archiver struct {
	writer    BlobWriter
	prefix    string
	batchSize int
	logger    *slog.Logger

	mu  sync.Mutex
	buf []events.Event
}

// New creates an Archiver writing under prefix (e.g. "events").
func New(writer BlobWriter, prefix string, batchSize int, logger *slog.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if prefix == "" {
		prefix = "events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{writer: writer, prefix: prefix, batchSize: batchSize, logger: logger}
}

func (a *Archiver) Name() string { return "s3_archive" }

// Deliver buffers ev and flushes when the batch is full.
func (a *Archiver) Deliver(ctx context.Context, ev events.Event) error {
	a.mu.Lock()
	a.buf = append(a.buf, ev)
	full := len(a.buf) >= a.batchSize
	a.mu.Unlock()

	if full {
		_, err := a.Flush(ctx)
		return err
	}
	return nil
}

// Pending is the number of buffered events.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Flush uploads every buffered event and returns the object path. An empty
// buffer uploads nothing and returns "". On upload failure the events stay
// buffered for the next flush.
func (a *Archiver) Flush(ctx context.Context) (string, error) {
	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return "", nil
	}

	body, err := marshalJSONL(batch)
	if err != nil {
		a.requeue(batch)
		return "", fmt.Errorf("archive: marshal: %w", err)
	}

	path := objectPath(a.prefix, batch)
	if err := a.writer.Put(ctx, path, bytes.NewReader(body), "application/x-ndjson"); err != nil {
		a.requeue(batch)
		return "", fmt.Errorf("archive: upload %s: %w", path, err)
	}

	a.logger.Info("events archived", "path", path, "count", len(batch))
	return path, nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if _, err := a.Flush(context.WithoutCancel(ctx)); err != nil {
				a.logger.Error("final archive flush failed", "err", err)
			}
			return
		case <-ticker.C:
			if _, err := a.Flush(ctx); err != nil {
				a.logger.Warn("archive flush failed", "err", err)
			}
		}
	}
}

func (a *Archiver) requeue(batch []events.Event) {
	a.mu.Lock()
	a.buf = append(batch, a.buf...)
	a.mu.Unlock()
}

// objectPath is {prefix}/YYYY/MM/DD/{firstSeq}-{lastSeq}.jsonl, dated by the
// first event's publish day.
func objectPath(prefix string, batch []events.Event) string {
	first, last := batch[0], batch[len(batch)-1]
	day := first.PublishedAt.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%012d-%012d.jsonl",
		prefix, day.Year(), int(day.Month()), day.Day(), first.Seq, last.Seq)
}

func marshalJSONL(batch []events.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
