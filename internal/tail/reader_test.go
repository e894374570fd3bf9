package tail

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func collect(t *testing.T, r *Reader) ([]RawLine, PollStats) {
	t.Helper()
	var lines []RawLine
	stats, err := r.Poll(context.Background(), func(l RawLine) error {
		lines = append(lines, l)
		return nil
	})
	require.NoError(t, err)
	return lines, stats
}

func texts(lines []RawLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l.Data)
	}
	return out
}

func TestReaderDeliversCompleteLinesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.1.json")
	appendFile(t, path, "one\ntwo\n")

	r := NewReader(path, ReaderConfig{})
	lines, stats := collect(t, r)
	assert.Equal(t, []string{"one", "two"}, texts(lines))
	assert.Equal(t, int64(0), lines[0].Offset)
	assert.Equal(t, int64(4), lines[1].Offset)
	assert.Equal(t, path, lines[0].Source)
	assert.Equal(t, 2, stats.Lines)
	assert.Equal(t, int64(8), r.Offset())

	lines, _ = collect(t, r)
	assert.Empty(t, lines, "no new bytes means no lines")

	appendFile(t, path, "three\n")
	lines, _ = collect(t, r)
	assert.Equal(t, []string{"three"}, texts(lines))
	assert.Equal(t, int64(8), lines[0].Offset)
}

func TestReaderBuffersUnterminatedFragment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.1.json")
	appendFile(t, path, `{"Type":"Storage`)

	r := NewReader(path, ReaderConfig{})
	lines, _ := collect(t, r)
	assert.Empty(t, lines)
	assert.Equal(t, len(`{"Type":"Storage`), r.Buffered())
	assert.Equal(t, r.Size(), r.Offset(), "fragment bytes count as read")

	appendFile(t, path, `Metrics"}`+"\n"+`{"Type":"x`)
	lines, _ = collect(t, r)
	require.Len(t, lines, 1)
	assert.Equal(t, `{"Type":"StorageMetrics"}`, string(lines[0].Data))
	assert.Equal(t, int64(0), lines[0].Offset)
	assert.Equal(t, len(`{"Type":"x`), r.Buffered())
}

func TestReaderTruncationResetsOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.1.json")
	appendFile(t, path, "aaaaaaaaaa\nbbbbbbbbbb\n")

	r := NewReader(path, ReaderConfig{})
	lines, _ := collect(t, r)
	require.Len(t, lines, 2)

	require.NoError(t, os.Truncate(path, 0))
	appendFile(t, path, "c\n")

	lines, stats := collect(t, r)
	assert.True(t, stats.Truncated)
	assert.False(t, stats.Rotated)
	assert.Equal(t, []string{"c"}, texts(lines))
	assert.Equal(t, int64(0), lines[0].Offset)
	assert.Equal(t, int64(2), r.Offset())
}

func TestReaderTruncationDropsPendingFragment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.1.json")
	appendFile(t, path, "complete\npartial")

	r := NewReader(path, ReaderConfig{})
	_, _ = collect(t, r)
	require.NotZero(t, r.Buffered())

	require.NoError(t, os.Truncate(path, 0))
	appendFile(t, path, "fresh\n")

	lines, stats := collect(t, r)
	assert.True(t, stats.Truncated)
	assert.Equal(t, []string{"fresh"}, texts(lines))
}

func TestReaderRotationResetsOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.1.json")
	appendFile(t, path, "old-1\nold-2\n")

	r := NewReader(path, ReaderConfig{})
	_, _ = collect(t, r)

	require.NoError(t, os.Rename(path, filepath.Join(dir, "trace.1.json.1")))
	appendFile(t, path, "new-1\nnew-2\nnew-3\n")

	lines, stats := collect(t, r)
	assert.True(t, stats.Rotated)
	assert.Equal(t, []string{"new-1", "new-2", "new-3"}, texts(lines))
}

func TestReaderMissingFileIsTransient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.1.json")
	r := NewReader(path, ReaderConfig{})

	_, err := r.Poll(context.Background(), func(RawLine) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))

	appendFile(t, path, "hello\n")
	lines, _ := collect(t, r)
	assert.Equal(t, []string{"hello"}, texts(lines))
}

func TestReaderDeletedAndRecreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.1.json")
	appendFile(t, path, "first\n")

	r := NewReader(path, ReaderConfig{})
	_, _ = collect(t, r)

	require.NoError(t, os.Remove(path))
	_, err := r.Poll(context.Background(), func(RawLine) error { return nil })
	assert.True(t, errors.Is(err, ErrUnavailable))

	appendFile(t, path, "second\n")
	lines, _ := collect(t, r)
	assert.Equal(t, []string{"second"}, texts(lines))
}

func TestReaderSkipsBlankLinesAndCarriageReturns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.1.json")
	appendFile(t, path, "a\r\n\n   \nb\n")

	r := NewReader(path, ReaderConfig{})
	lines, _ := collect(t, r)
	assert.Equal(t, []string{"a", "b"}, texts(lines))
}

func TestReaderDropsOversizedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.1.json")
	r := NewReader(path, ReaderConfig{MaxLineBytes: 8})

	appendFile(t, path, "ok\n"+strings.Repeat("x", 20))
	lines, stats := collect(t, r)
	assert.Equal(t, []string{"ok"}, texts(lines))
	assert.Equal(t, 1, stats.Dropped)

	// The rest of the oversized line is discarded, the next line survives.
	appendFile(t, path, strings.Repeat("y", 5)+"\nafter\n"+strings.Repeat("z", 12)+"\nlast\n")
	lines, stats = collect(t, r)
	assert.Equal(t, []string{"after", "last"}, texts(lines))
	assert.Equal(t, 1, stats.Dropped)
}

func TestReaderStartAtEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.1.json")
	appendFile(t, path, "history\nmid-li")

	r := NewReader(path, ReaderConfig{StartAtEnd: true})
	lines, _ := collect(t, r)
	assert.Empty(t, lines)

	appendFile(t, path, "ne\nlive\n")
	lines, _ = collect(t, r)
	assert.Equal(t, []string{"live"}, texts(lines), "the partial line present at start is skipped")
}

func TestReaderCallbackErrorStopsAfterLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.1.json")
	appendFile(t, path, "1\n2\n3\n")

	r := NewReader(path, ReaderConfig{})
	stop := errors.New("stop")
	var got []string
	_, err := r.Poll(context.Background(), func(l RawLine) error {
		got = append(got, string(l.Data))
		return stop
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"1"}, got)

	lines, _ := collect(t, r)
	assert.Equal(t, []string{"2", "3"}, texts(lines), "undelivered lines survive to the next poll")
}

func TestReaderCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.1.json")
	appendFile(t, path, "1\n2\n")

	r := NewReader(path, ReaderConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Poll(ctx, func(RawLine) error {
		t.Fatal("no line should be delivered after cancellation")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	lines, _ := collect(t, r)
	assert.Equal(t, []string{"1", "2"}, texts(lines))
}

func TestReaderMaxBytesPerPoll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.1.json")
	appendFile(t, path, "aaaa\nbbbb\ncccc\n")

	r := NewReader(path, ReaderConfig{MaxBytesPerPoll: 7})
	lines, stats := collect(t, r)
	assert.Equal(t, []string{"aaaa"}, texts(lines))
	assert.Equal(t, int64(7), stats.BytesRead)

	lines, _ = collect(t, r)
	assert.Equal(t, []string{"bbbb"}, texts(lines))
	lines, _ = collect(t, r)
	assert.Equal(t, []string{"cccc"}, texts(lines))
}
