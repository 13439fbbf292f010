package golog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftoff/GateOne-sub000/terminal"
)

var start = time.UnixMilli(1_700_000_000_000)

func writeLog(t *testing.T, path string, chunks ...string) *Writer {
	t.Helper()
	w := NewWriter(path, Metadata{User: "alice", Rows: 24, Cols: 80, Command: "/bin/sh"})
	for i, c := range chunks {
		require.NoError(t, w.WriteFrame([]byte(c), start.Add(time.Duration(i)*time.Second)))
	}
	return w
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alice", "1.golog")
	chunks := []string{"hello\r\n", "\x1b[1mbold\x1b[0m\r\n", "colon: in payload"}
	w := writeLog(t, path, chunks...)
	require.NoError(t, w.Close(start.Add(time.Minute)))

	meta, frames, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", meta.User)
	assert.Equal(t, start.UnixMilli(), meta.StartDate)
	assert.Equal(t, start.Add(time.Minute).UnixMilli(), meta.EndDate)
	assert.Equal(t, 3, meta.Frames)
	assert.Equal(t, FormatVersion, meta.Version)
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, chunks[i], string(f.Data))
		assert.Equal(t, start.Add(time.Duration(i)*time.Second).UnixMilli(), f.Time)
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriterWithoutOutputCreatesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.golog")
	w := NewWriter(path, Metadata{})
	require.NoError(t, w.Close(time.Now()))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, w.WriteFrame([]byte("x"), time.Now()), ErrClosed)
}

func TestRepairUncleanLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.golog")
	w := writeLog(t, path, "one", "two", "three")
	t.Cleanup(func() { _ = w.f.Close() })

	// no Close: the gzip trailer and final metadata are missing
	meta, frames, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, frames, 3)
	assert.Zero(t, meta.EndDate)

	meta, err = Repair(path)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.Frames)
	assert.Equal(t, start.Add(2*time.Second).UnixMilli(), meta.EndDate)

	again, frames, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, meta, again)
	assert.Equal(t, "three", string(frames[2].Data))
}

func TestParseDropsUnfinishedFrame(t *testing.T) {
	var buf bytes.Buffer
	encodeFrame(&buf, 1, []byte(`{"user":"bob","rows":5,"cols":10}`))
	encodeFrame(&buf, 2, []byte("done"))
	encodeFrame(&buf, 3, []byte("also done"))
	buf.WriteString("4:partial")

	meta, frames, err := parse(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "bob", meta.User)
	require.Len(t, frames, 2)
	assert.Equal(t, "also done", string(frames[1].Data))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, _, err := parse([]byte("not a log"))
	assert.ErrorIs(t, err, ErrBadLog)

	_, _, err = parse([]byte("1:{bad json" + Separator))
	assert.ErrorIs(t, err, ErrBadLog)

	_, _, err = ReadFrames(bytes.NewReader([]byte("plain text")))
	assert.ErrorIs(t, err, ErrBadLog)
}

func TestRenderMatchesLiveTerminal(t *testing.T) {
	chunks := []string{"$ ls\r\n", "\x1b[31mred\x1b[0m file\r\n", "\x1b]0;title\x07$ "}
	path := filepath.Join(t.TempDir(), "play.golog")
	w := writeLog(t, path, chunks...)
	require.NoError(t, w.Close(start.Add(time.Minute)))

	meta, frames, err := ReadFile(path)
	require.NoError(t, err)
	snaps := Render(meta, frames)
	require.Len(t, snaps, len(chunks))

	live := terminal.New(24, 80, terminal.WithoutMagic())
	for i, c := range chunks {
		live.Write([]byte(c))
		assert.Equal(t, live.ScreenHTML(), snaps[i].Screen, "frame %d", i)
		assert.Equal(t, frames[i].Time, snaps[i].Time)
	}
}

func TestListRepairsAndSorts(t *testing.T) {
	dir := t.TempDir()
	older := NewWriter(filepath.Join(dir, "a.golog"), Metadata{StartDate: 1000})
	require.NoError(t, older.WriteFrame([]byte("x"), time.UnixMilli(1500)))
	require.NoError(t, older.Close(time.UnixMilli(2000)))

	newer := NewWriter(filepath.Join(dir, "b.golog"), Metadata{StartDate: 5000})
	require.NoError(t, newer.WriteFrame([]byte("y"), time.UnixMilli(5500)))
	t.Cleanup(func() { _ = newer.f.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.golog"), []byte("junk"), 0o600))

	logs, err := List(dir)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "b.golog", logs[0].Name)
	assert.Equal(t, int64(5500), logs[0].EndDate)
	assert.Equal(t, 1, logs[0].Frames)
	assert.Equal(t, "a.golog", logs[1].Name)
}

func TestStripEscapes(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"a\r\nb", "a\nb"},
		{"\x1b[1;31mred\x1b[0m", "red"},
		{"\x1b]0;title\x07after", "after"},
		{"\x1b]8;;http://x\x1b\\link\x1b]8;;\x1b\\", "link"},
		{"\x1b(0qq\x1b(B", "qq"},
		{"tab\there\x07", "tab\there"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(StripEscapes([]byte(tt.in))), "%q", tt.in)
	}
}

func TestFlattenAcrossFrames(t *testing.T) {
	frames := []Frame{
		{Time: 1, Data: []byte("one\x1b[3")},
		{Time: 2, Data: []byte("1mtwo\r")},
		{Time: 3, Data: []byte("\n")},
	}
	var buf bytes.Buffer
	require.NoError(t, Flatten(frames, &buf))
	assert.Equal(t, "onetwo\n", buf.String())
}
