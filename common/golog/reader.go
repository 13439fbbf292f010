package golog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/mordilloSan/go-logger/logger"
)

// ReadFrames decodes a log stream. A truncated stream yields every frame
// that was completely written.
func ReadFrames(r io.Reader) (Metadata, []Frame, error) {
	var meta Metadata
	gz, err := gzip.NewReader(r)
	if err != nil {
		return meta, nil, fmt.Errorf("%w: %v", ErrBadLog, err)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return meta, nil, fmt.Errorf("%w: %v", ErrBadLog, err)
	}
	return parse(data)
}

// ReadFile is ReadFrames on a file.
func ReadFile(path string) (Metadata, []Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, nil, err
	}
	defer f.Close()
	return ReadFrames(f)
}

func parse(data []byte) (Metadata, []Frame, error) {
	var meta Metadata
	sep := []byte(Separator)
	pieces := bytes.Split(data, sep)
	// the tail after the last separator is an unfinished frame
	pieces = pieces[:len(pieces)-1]
	if len(pieces) == 0 {
		return meta, nil, fmt.Errorf("%w: no metadata frame", ErrBadLog)
	}
	_, head, ok := splitFrame(pieces[0])
	if !ok {
		return meta, nil, fmt.Errorf("%w: bad metadata frame", ErrBadLog)
	}
	if err := json.Unmarshal(head, &meta); err != nil {
		return meta, nil, fmt.Errorf("%w: metadata: %v", ErrBadLog, err)
	}
	frames := make([]Frame, 0, len(pieces)-1)
	for _, p := range pieces[1:] {
		ms, payload, ok := splitFrame(p)
		if !ok {
			continue
		}
		frames = append(frames, Frame{Time: ms, Data: payload})
	}
	return meta, frames, nil
}

func splitFrame(p []byte) (int64, []byte, bool) {
	i := bytes.IndexByte(p, ':')
	if i <= 0 {
		return 0, nil, false
	}
	ms, err := strconv.ParseInt(string(p[:i]), 10, 64)
	if err != nil {
		return 0, nil, false
	}
	return ms, p[i+1:], true
}

// Repair fixes the metadata of a log that was not closed cleanly.
func Repair(path string) (Metadata, error) {
	meta, frames, err := ReadFile(path)
	if err != nil {
		return meta, err
	}
	if meta.EndDate != 0 && meta.Frames == len(frames) {
		return meta, nil
	}
	meta.Frames = len(frames)
	meta.EndDate = meta.StartDate
	if n := len(frames); n > 0 {
		meta.EndDate = frames[n-1].Time
	}
	logger.Infof("[GoLog] repairing metadata of %s (%d frames)", path, meta.Frames)
	if err := rewriteMetadata(path, meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// LogInfo describes a log file found by List.
type LogInfo struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Metadata
}

// List returns the metadata of every .golog in dir, newest first, repairing
// logs left behind by an unclean shutdown.
func List(dir string) ([]LogInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []LogInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".golog") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		meta, err := Repair(path)
		if err != nil {
			logger.Warnf("[GoLog] skipping %s: %v", path, err)
			continue
		}
		out = append(out, LogInfo{Path: path, Name: e.Name(), Metadata: meta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate > out[j].StartDate })
	return out, nil
}
