// Package golog reads and writes .golog terminal recordings.
//
// A log is a gzip stream of frames. Each frame is "<ms since epoch>:<payload>"
// followed by Separator. Frame 0 carries a JSON Metadata object and the rest
// carry raw terminal output. Logs may consist of several concatenated gzip
// members and may be truncated if the writer did not shut down cleanly.
package golog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/mordilloSan/go-logger/logger"
)

// Separator terminates every frame (U+F0F0F, private use).
const Separator = "\U000F0F0F"

// FormatVersion is written into new logs.
const FormatVersion = "1.0"

var (
	ErrBadLog = errors.New("malformed golog")
	ErrClosed = errors.New("golog writer closed")
)

// Metadata is frame 0 of every log.
type Metadata struct {
	User          string `json:"user"`
	StartDate     int64  `json:"start_date"`
	EndDate       int64  `json:"end_date,omitempty"`
	Frames        int    `json:"frames"`
	Version       string `json:"version"`
	ConnectString string `json:"connect_string,omitempty"`
	Rows          int    `json:"rows"`
	Cols          int    `json:"cols"`
	Command       string `json:"command,omitempty"`
}

// Frame is one chunk of recorded output.
type Frame struct {
	Time int64 // ms since epoch
	Data []byte
}

// Millis converts t to the frame timestamp unit.
func Millis(t time.Time) int64 { return t.UnixMilli() }

func encodeFrame(buf *bytes.Buffer, ms int64, payload []byte) {
	buf.WriteString(strconv.FormatInt(ms, 10))
	buf.WriteByte(':')
	buf.Write(payload)
	buf.WriteString(Separator)
}

// Writer appends frames to a log. The file is created on the first frame.
type Writer struct {
	mu     sync.Mutex
	path   string
	meta   Metadata
	f      *os.File
	gz     *gzip.Writer
	frames int
	last   int64
	closed bool
	buf    bytes.Buffer
}

// NewWriter prepares a log at path. Nothing touches the disk until WriteFrame.
func NewWriter(path string, meta Metadata) *Writer {
	if meta.Version == "" {
		meta.Version = FormatVersion
	}
	return &Writer{path: path, meta: meta}
}

// Path returns the log location.
func (w *Writer) Path() string { return w.path }

func (w *Writer) open(now int64) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	w.f = f
	w.gz = gzip.NewWriter(f)
	if w.meta.StartDate == 0 {
		w.meta.StartDate = now
	}
	meta, err := json.Marshal(w.meta)
	if err != nil {
		return err
	}
	w.buf.Reset()
	encodeFrame(&w.buf, w.meta.StartDate, meta)
	if _, err := w.gz.Write(w.buf.Bytes()); err != nil {
		return err
	}
	return w.gz.Flush()
}

// WriteFrame records p at time t and flushes it to disk.
func (w *Writer) WriteFrame(p []byte, t time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	ms := Millis(t)
	if w.f == nil {
		if err := w.open(ms); err != nil {
			return err
		}
	}
	w.buf.Reset()
	encodeFrame(&w.buf, ms, p)
	if _, err := w.gz.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := w.gz.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	w.frames++
	w.last = ms
	return nil
}

// Frames returns the number of output frames written so far.
func (w *Writer) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close finishes the stream and rewrites frame 0 with the end date and frame count.
func (w *Writer) Close(end time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.f == nil {
		return nil
	}
	err := w.gz.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("close log: %w", err)
	}
	meta := w.meta
	meta.EndDate = Millis(end)
	meta.Frames = w.frames
	return rewriteMetadata(w.path, meta)
}

// rewriteMetadata replaces frame 0 of the log at path.
func rewriteMetadata(path string, meta Metadata) error {
	_, frames, err := ReadFile(path)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".golog-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	gz := gzip.NewWriter(tmp)
	var buf bytes.Buffer
	mj, err := json.Marshal(meta)
	if err != nil {
		_ = tmp.Close()
		return err
	}
	encodeFrame(&buf, meta.StartDate, mj)
	for _, fr := range frames {
		encodeFrame(&buf, fr.Time, fr.Data)
		if buf.Len() > 64<<10 {
			if _, err := gz.Write(buf.Bytes()); err != nil {
				_ = tmp.Close()
				return err
			}
			buf.Reset()
		}
	}
	if _, err := gz.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		logger.Debugf("[GoLog] chmod %s: %v", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
