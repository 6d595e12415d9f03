// Package loki provides a zerolog writer that ships bitkeep logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Static labels added to every stream
	BatchSize     int               // Max entries before flush (default: 100)
	FlushInterval time.Duration     // Flush interval (default: 5s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
}

// Writer implements io.Writer over zerolog JSON lines. Lines are buffered
// and pushed in batches, one Loki stream per log level.
type Writer struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	labels    map[string]string
	buffer    []entry
	batchSize int

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	flushInterval time.Duration

	flushing     atomic.Bool
	flushTrigger chan struct{}
	flushErrors  atomic.Uint64
}

type entry struct {
	timestamp time.Time
	level     string
	line      string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a Loki writer. The "job" label defaults to "bitkeep".
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "bitkeep"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		url:           strings.TrimRight(cfg.URL, "/"),
		client:        &http.Client{Timeout: cfg.Timeout},
		labels:        labels,
		buffer:        make([]entry, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		ctx:           ctx,
		cancel:        cancel,
		flushInterval: cfg.FlushInterval,
		flushTrigger:  make(chan struct{}, 1),
	}
}

// Write buffers one log line. It never fails so that an unreachable Loki
// cannot break logging.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{timestamp: time.Now(), level: levelOf(line), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushTrigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// levelOf extracts zerolog's "level" field from a JSON line.
func levelOf(line string) string {
	var fields struct {
		Level string `json:"level"`
	}
	if json.Unmarshal([]byte(line), &fields) != nil || fields.Level == "" {
		return "info"
	}
	return fields.Level
}

// Start begins the background flush goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.Flush()
			case <-w.flushTrigger:
				w.Flush()
			}
		}
	}()
}

// Stop ends the background goroutine and pushes what is left.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
	w.Flush()
}

// Flush pushes the buffered entries. Concurrent calls are collapsed.
func (w *Writer) Flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	labels := make(map[string]string, len(w.labels))
	for k, v := range w.labels {
		labels[k] = v
	}
	w.mu.Unlock()

	body, err := encode(buildPush(labels, entries))
	if err != nil {
		w.reportError("encode payload: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(body))
	if err != nil {
		w.reportError("create request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := w.client.Do(req)
	if err != nil {
		w.reportError("send logs: %v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		w.reportError("server returned status %d", resp.StatusCode)
	}
}

// buildPush groups entries into one stream per level, levels sorted.
func buildPush(labels map[string]string, entries []entry) pushRequest {
	byLevel := make(map[string][][]string)
	for _, e := range entries {
		byLevel[e.level] = append(byLevel[e.level], []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line})
	}
	levels := make([]string, 0, len(byLevel))
	for level := range byLevel {
		levels = append(levels, level)
	}
	sort.Strings(levels)

	req := pushRequest{Streams: make([]stream, 0, len(levels))}
	for _, level := range levels {
		streamLabels := make(map[string]string, len(labels)+1)
		for k, v := range labels {
			streamLabels[k] = v
		}
		streamLabels["level"] = level
		req.Streams = append(req.Streams, stream{Stream: streamLabels, Values: byLevel[level]})
	}
	return req
}

func encode(req pushRequest) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(req); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// reportError writes the first few failures to stderr; logging them would loop.
func (w *Writer) reportError(format string, args ...any) {
	if w.flushErrors.Add(1) <= 3 {
		fmt.Fprintf(os.Stderr, "loki: "+format+"\n", args...)
	}
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}

// SetLabels adds or replaces static labels for future pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}
