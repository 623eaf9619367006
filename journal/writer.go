// Package journal records every world:update snapshot to hourly,
// zstd-compressed JSON-lines files for offline replay and auditing.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"realmsync/protocol"
	"realmsync/sim"
)

const hourLayout = "2006-01-02-15"

// Entry is one journal line.
type Entry struct {
	Type string `json:"type"`
	sim.WorldUpdate
}

// Writer appends entries to <dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst. Files are
// bucketed by the snapshot timestamp (UTC), so replays rotate the same way
// live runs did.
type Writer struct {
	dir    string
	prefix string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	lines   int64
}

// NewWriter does not touch the filesystem until the first Record.
func NewWriter(dir, prefix string) *Writer {
	if prefix == "" {
		prefix = "world"
	}
	return &Writer{dir: dir, prefix: prefix}
}

// Record implements sim.Recorder.
func (w *Writer) Record(update sim.WorldUpdate) error {
	b, err := json.Marshal(Entry{Type: protocol.TypeWorldUpdate, WorldUpdate: update})
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.UnixMilli(update.Timestamp).UTC().Format(hourLayout)
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.lines++
	return w.w.Flush()
}

// Lines is the number of entries written since the writer was created.
func (w *Writer) Lines() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

// Path returns the file an entry stamped at t would land in.
func (w *Writer) Path(t time.Time) string {
	return w.pathForHour(t.UTC().Format(hourLayout))
}

// Close flushes and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *Writer) closeLocked() error {
	var err error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err
}

func (w *Writer) pathForHour(hour string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}
