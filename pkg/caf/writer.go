package caf

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caflabs/packd/internal/logger"
)

// DefaultCopyTimeout bounds a single AppendStream copy.
const DefaultCopyTimeout = 5 * time.Minute

// Writer streams members into a new CAF container.
//
// A Writer is append-only and single-use: members are added with
// AppendBuffer or AppendStream, then Finalize writes the index and footer
// and closes the file. Writers are not safe for concurrent use.
type Writer struct {
	path        string
	file        *os.File
	w           *bufio.Writer
	pos         int64
	index       map[string]MemberRange
	maxSize     int64
	copyTimeout time.Duration
	finalized   bool
	broken      error
}

// WriterOption customizes a Writer.
type WriterOption func(*Writer)

// WithCopyTimeout overrides the per-stream copy deadline used by
// AppendStream when the caller's context carries no deadline of its own.
func WithCopyTimeout(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.copyTimeout = d
		}
	}
}

// NewWriter creates a writer for a new container at path.
//
// If path is empty a unique file is created under the system temp
// directory. maxSizeGB is the hard budget for the payload region and must
// not exceed MaxSizeGB (32, for format compatibility).
func NewWriter(path string, maxSizeGB float64, opts ...WriterOption) (*Writer, error) {
	if maxSizeGB <= 0 || maxSizeGB > MaxSizeGB {
		return nil, fmt.Errorf("container budget %.2f GB out of range (0, %d]", maxSizeGB, MaxSizeGB)
	}

	if path == "" {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("caf_%d_%d.caf", time.Now().UnixNano(), os.Getpid()))
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create container file: %w", err)
	}

	w := &Writer{
		path:        path,
		file:        file,
		w:           bufio.NewWriter(file),
		index:       make(map[string]MemberRange),
		maxSize:     int64(maxSizeGB * 1024 * 1024 * 1024),
		copyTimeout: DefaultCopyTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the container file path.
func (w *Writer) Path() string {
	return w.path
}

// Size returns the current payload region length in bytes.
func (w *Writer) Size() int64 {
	return w.pos
}

// MaxSize returns the payload budget in bytes.
func (w *Writer) MaxSize() int64 {
	return w.maxSize
}

// MemberCount returns the number of members appended so far.
func (w *Writer) MemberCount() int {
	return len(w.index)
}

// checkAppend validates the common preconditions shared by all appends.
func (w *Writer) checkAppend(memberPath string, length int64) (bool, error) {
	if w.finalized {
		return false, ErrUseAfterFinalize
	}
	if w.broken != nil {
		return false, fmt.Errorf("%w: %w", ErrWriterBroken, w.broken)
	}
	if memberPath == "" {
		return false, fmt.Errorf("member path must not be empty")
	}
	if length == 0 {
		return false, fmt.Errorf("member %q: %w", memberPath, ErrEmptyMember)
	}
	if _, exists := w.index[memberPath]; exists {
		return false, fmt.Errorf("member %q: %w", memberPath, ErrDuplicateMember)
	}
	if w.pos+length > w.maxSize {
		return false, nil
	}
	return true, nil
}

// AppendBuffer appends an in-memory member.
//
// Returns (false, nil) without touching writer state when the member would
// exceed the budget. Returns (true, nil) when the member was written and
// indexed.
func (w *Writer) AppendBuffer(memberPath string, data []byte) (bool, error) {
	ok, err := w.checkAppend(memberPath, int64(len(data)))
	if !ok {
		return false, err
	}

	n, err := w.w.Write(data)
	if err != nil {
		w.broken = err
		return false, fmt.Errorf("failed to write member %q: %w", memberPath, err)
	}
	if n != len(data) {
		w.broken = io.ErrShortWrite
		return false, fmt.Errorf("short write for member %q: wrote %d of %d bytes", memberPath, n, len(data))
	}

	w.index[memberPath] = MemberRange{StartByte: w.pos, EndByte: w.pos + int64(len(data))}
	w.pos += int64(len(data))
	return true, nil
}

// AppendStream copies exactly declaredLength bytes from r into the
// container and indexes them under memberPath.
//
// The copy is bounded by the context deadline, or by the writer's copy
// timeout when the context has none. Returns (false, nil) without touching
// writer state when the member would exceed the budget.
//
// On any failure the payload region is left partially written and the
// writer refuses further appends; the caller must discard the whole
// container.
func (w *Writer) AppendStream(ctx context.Context, memberPath string, r io.Reader, declaredLength int64) (bool, error) {
	ok, err := w.checkAppend(memberPath, declaredLength)
	if !ok {
		return false, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.copyTimeout)
		defer cancel()
	}

	start := time.Now()

	// Read one byte past the declared length so an over-long stream is
	// detected without draining it completely.
	written, err := io.Copy(w.w, &contextReader{ctx: ctx, r: io.LimitReader(r, declaredLength+1)})
	if err != nil {
		w.broken = err
		if ctx.Err() != nil {
			return false, fmt.Errorf("copy deadline exceeded for member %q after %d bytes: %w", memberPath, written, ctx.Err())
		}
		return false, fmt.Errorf("failed to copy member %q: %w", memberPath, err)
	}
	if written != declaredLength {
		w.broken = ErrSizeMismatch
		return false, fmt.Errorf("member %q: wrote %d bytes, declared %d: %w", memberPath, written, declaredLength, ErrSizeMismatch)
	}

	logger.Debug("member streamed into container",
		"member", memberPath,
		"bytes", declaredLength,
		"offset", w.pos,
		"duration", time.Since(start).String(),
	)

	w.index[memberPath] = MemberRange{StartByte: w.pos, EndByte: w.pos + declaredLength}
	w.pos += declaredLength
	return true, nil
}

// AppendFile appends a file from the local filesystem.
func (w *Writer) AppendFile(memberPath, sourcePath string) (bool, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return false, fmt.Errorf("failed to read source file: %w", err)
	}
	return w.AppendBuffer(memberPath, data)
}

// Finalize writes the index region and footer, flushes and closes the
// container, and returns its path. The writer is terminal afterwards.
func (w *Writer) Finalize() (string, error) {
	if w.finalized {
		return "", ErrUseAfterFinalize
	}
	if w.broken != nil {
		return "", fmt.Errorf("%w: %w", ErrWriterBroken, w.broken)
	}

	index := Index{
		FormatVersion: FormatVersion,
		Files:         w.index,
	}

	indexJSON, err := json.Marshal(index)
	if err != nil {
		return "", fmt.Errorf("failed to marshal index: %w", err)
	}

	if _, err := w.w.Write(indexJSON); err != nil {
		return "", fmt.Errorf("failed to write index: %w", err)
	}

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(footer, uint32(len(indexJSON)))
	if _, err := w.w.Write(footer); err != nil {
		return "", fmt.Errorf("failed to write footer: %w", err)
	}

	if err := w.w.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush container: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return "", fmt.Errorf("failed to close container: %w", err)
	}

	w.finalized = true
	w.w = nil
	w.file = nil

	logger.Debug("container finalized",
		"path", w.path,
		"members", len(w.index),
		"payload_bytes", w.pos,
		"index_bytes", len(indexJSON),
	)

	return w.path, nil
}

// Cleanup flushes and closes a non-finalized writer, aborting it. The
// residual file is invalid and should be deleted by the caller. Safe to
// call multiple times and after Finalize.
func (w *Writer) Cleanup() error {
	var err error
	if w.w != nil {
		err = w.w.Flush()
		w.w = nil
	}
	if w.file != nil {
		if closeErr := w.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		w.file = nil
	}
	w.index = make(map[string]MemberRange)
	return err
}

// contextReader fails the wrapped reader once the context is done, which
// bounds io.Copy without goroutine handoff.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
