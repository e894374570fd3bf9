// Package tail reads append-only log files incrementally.
//
// A Reader tracks one file by path. Every Poll re-opens the file, compares
// its identity and size with the previous observation, and delivers the
// complete newline-terminated lines appended since. Replacing the file
// (rotation) or shrinking it (truncation) resets the read offset to zero.
// A trailing fragment without a newline is held back until the rest of the
// line arrives.
package tail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnavailable wraps transient failures to open, stat or read the file.
// The next Poll retries. A file that is missing once it has been read is
// treated as replaced: its successor is read from offset zero.
var ErrUnavailable = errors.New("log source unavailable")

const (
	// DefaultMaxLineBytes bounds the buffered fragment for a single line.
	DefaultMaxLineBytes = 1 << 20

	// DefaultMaxBytesPerPoll bounds how much new data one Poll reads.
	DefaultMaxBytesPerPoll = 8 << 20

	readChunkSize = 64 << 10
)

// RawLine is one complete line read from a source. Data excludes the
// line terminator and is owned by the receiver.
type RawLine struct {
	Source string
	Offset int64
	Data   []byte
}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// MaxLineBytes is the longest line kept; longer lines are discarded
	// up to their terminating newline. Default: 1 MiB.
	MaxLineBytes int

	// MaxBytesPerPoll caps the bytes read from the file by one Poll.
	// Default: 8 MiB.
	MaxBytesPerPoll int64

	// StartAtEnd skips whatever the file contains at the first successful
	// Poll. Later rotations still start from offset zero.
	StartAtEnd bool
}

// PollStats describes what one Poll observed.
type PollStats struct {
	Lines     int
	BytesRead int64
	Rotated   bool
	Truncated bool
	Dropped   int
}

// Reader incrementally reads lines from a single file. A Reader is not safe
// for concurrent use; it is owned by exactly one goroutine.
type Reader struct {
	path string
	cfg  ReaderConfig

	info   os.FileInfo // identity of the file last read
	size   int64       // size at the last observation
	offset int64       // bytes read from the file so far

	// buf holds bytes already read from the file but not yet delivered.
	// It starts at file position offset-len(buf).
	buf        []byte
	discarding bool
	started    bool
	vanished   bool
}

// NewReader creates a Reader for path. No I/O happens until Poll.
func NewReader(path string, cfg ReaderConfig) *Reader {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if cfg.MaxBytesPerPoll <= 0 {
		cfg.MaxBytesPerPoll = DefaultMaxBytesPerPoll
	}
	return &Reader{path: path, cfg: cfg}
}

// Path returns the file path this reader follows.
func (r *Reader) Path() string {
	return r.path
}

// Offset returns the number of bytes consumed from the current file.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Size returns the file size seen by the last successful Poll.
func (r *Reader) Size() int64 {
	return r.size
}

// Buffered returns the number of bytes read but not yet delivered.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

// Poll reads whatever was appended since the previous call and hands each
// complete line to fn, in file order. A line passed to fn counts as
// consumed even when fn returns an error; Poll then stops and returns that
// error, leaving the remaining lines buffered for the next call. Poll also
// stops between lines when ctx is done.
func (r *Reader) Poll(ctx context.Context, fn func(RawLine) error) (PollStats, error) {
	var stats PollStats

	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && r.info != nil {
			// Whatever appears under this path next is a new file.
			r.info = nil
			r.vanished = true
			r.reset()
		}
		return stats, fmt.Errorf("%w: open %s: %v", ErrUnavailable, r.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return stats, fmt.Errorf("%w: stat %s: %v", ErrUnavailable, r.path, err)
	}

	switch {
	case r.vanished:
		stats.Rotated = true
		r.vanished = false
	case r.info != nil && !os.SameFile(r.info, info):
		stats.Rotated = true
		r.reset()
	case info.Size() < r.size:
		stats.Truncated = true
		r.reset()
	}
	r.info = info
	r.size = info.Size()

	if !r.started {
		r.started = true
		if r.cfg.StartAtEnd && r.size > 0 {
			r.skipToEnd(f)
		}
	}

	n, err := r.fill(f)
	stats.BytesRead = n
	if err != nil {
		return stats, fmt.Errorf("%w: read %s: %v", ErrUnavailable, r.path, err)
	}

	return stats, r.deliver(ctx, fn, &stats)
}

func (r *Reader) reset() {
	r.offset = 0
	r.size = 0
	r.buf = nil
	r.discarding = false
}

// skipToEnd positions the reader at the current end of file. If the file
// does not end with a newline the partial last line is discarded when its
// remainder arrives.
func (r *Reader) skipToEnd(f *os.File) {
	r.offset = r.size
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, r.size-1); err == nil && last[0] != '\n' {
		r.discarding = true
	}
}

// fill appends bytes in [offset, size) to buf, bounded by MaxBytesPerPoll.
// Reading stops at the observed size so offset never passes it.
func (r *Reader) fill(f *os.File) (int64, error) {
	want := r.size - r.offset
	if want <= 0 {
		return 0, nil
	}
	if want > r.cfg.MaxBytesPerPoll {
		want = r.cfg.MaxBytesPerPoll
	}

	var total int64
	chunk := make([]byte, readChunkSize)
	for total < want {
		n := int64(len(chunk))
		if rem := want - total; rem < n {
			n = rem
		}
		got, err := f.ReadAt(chunk[:n], r.offset)
		if got > 0 {
			r.buf = append(r.buf, chunk[:got]...)
			r.offset += int64(got)
			total += int64(got)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *Reader) deliver(ctx context.Context, fn func(RawLine) error, stats *PollStats) error {
	defer r.compact()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		idx := bytes.IndexByte(r.buf, '\n')
		if idx < 0 {
			if r.discarding {
				r.buf = r.buf[:0]
			} else if len(r.buf) > r.cfg.MaxLineBytes {
				stats.Dropped++
				r.discarding = true
				r.buf = r.buf[:0]
			}
			return nil
		}

		start := r.offset - int64(len(r.buf))
		line := r.buf[:idx]
		r.buf = r.buf[idx+1:]

		if r.discarding {
			r.discarding = false
			continue
		}
		if len(line) > r.cfg.MaxLineBytes {
			stats.Dropped++
			continue
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		stats.Lines++
		data := make([]byte, len(line))
		copy(data, line)
		if err := fn(RawLine{Source: r.path, Offset: start, Data: data}); err != nil {
			return err
		}
	}
}

// compact releases the already-delivered prefix of buf.
func (r *Reader) compact() {
	if len(r.buf) == 0 {
		r.buf = nil
		return
	}
	if cap(r.buf) > 2*len(r.buf) {
		r.buf = append([]byte(nil), r.buf...)
	}
}
