package caf

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestWriter(t *testing.T, maxSizeGB float64) *Writer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.caf")
	w, err := NewWriter(path, maxSizeGB)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Cleanup() })
	return w
}

func TestNewWriter_BudgetValidation(t *testing.T) {
	tests := []struct {
		name      string
		maxSizeGB float64
		wantErr   bool
	}{
		{"zero", 0, true},
		{"negative", -1, true},
		{"over hard cap", 33, true},
		{"hard cap", 32, false},
		{"fractional", 0.001, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "budget.caf")
			w, err := NewWriter(path, tt.maxSizeGB)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			_ = w.Cleanup()
		})
	}
}

func TestAppendBuffer_IndexedAtCorrectOffsets(t *testing.T) {
	w := newTestWriter(t, 1)

	first := []byte("first file contents")
	second := []byte("second")

	ok, err := w.AppendBuffer("task1/a.txt", first)
	if err != nil || !ok {
		t.Fatalf("append first: ok=%v err=%v", ok, err)
	}
	ok, err = w.AppendBuffer("task1/b.txt", second)
	if err != nil || !ok {
		t.Fatalf("append second: ok=%v err=%v", ok, err)
	}

	if got := w.Size(); got != int64(len(first)+len(second)) {
		t.Errorf("Size() = %d, want %d", got, len(first)+len(second))
	}
	if got := w.MemberCount(); got != 2 {
		t.Errorf("MemberCount() = %d, want 2", got)
	}

	path, err := w.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	r := NewReader(path)
	if err := r.LoadIndex(); err != nil {
		t.Fatalf("LoadIndex failed: %v", err)
	}

	rng, err := r.Metadata("task1/b.txt")
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	wantStart := int64(len(first))
	wantEnd := int64(len(first) + len(second))
	if rng.StartByte != wantStart || rng.EndByte != wantEnd {
		t.Errorf("range = [%d, %d), want [%d, %d)", rng.StartByte, rng.EndByte, wantStart, wantEnd)
	}
}

func TestAppendBuffer_EmptyMemberRejected(t *testing.T) {
	w := newTestWriter(t, 1)

	ok, err := w.AppendBuffer("task1/empty.txt", nil)
	if ok {
		t.Fatal("empty member must not be appended")
	}
	if !errors.Is(err, ErrEmptyMember) {
		t.Errorf("err = %v, want ErrEmptyMember", err)
	}

	// The writer stays usable after the rejection.
	ok, err = w.AppendBuffer("task1/ok.txt", []byte("x"))
	if err != nil || !ok {
		t.Fatalf("writer unusable after empty-member rejection: ok=%v err=%v", ok, err)
	}
}

func TestAppendBuffer_DuplicateMemberRejected(t *testing.T) {
	w := newTestWriter(t, 1)

	if ok, err := w.AppendBuffer("task1/a.txt", []byte("one")); err != nil || !ok {
		t.Fatalf("first append: ok=%v err=%v", ok, err)
	}

	ok, err := w.AppendBuffer("task1/a.txt", []byte("two"))
	if ok {
		t.Fatal("duplicate member must not be appended")
	}
	if !errors.Is(err, ErrDuplicateMember) {
		t.Errorf("err = %v, want ErrDuplicateMember", err)
	}

	// Payload untouched by the rejected append.
	if got := w.Size(); got != 3 {
		t.Errorf("Size() = %d, want 3", got)
	}
}

func TestAppendStream_BudgetBoundary(t *testing.T) {
	// ~1 KB budget expressed in GB.
	budgetBytes := int64(1024)
	w := newTestWriter(t, float64(budgetBytes)/(1024*1024*1024))
	if w.MaxSize() != budgetBytes {
		t.Fatalf("MaxSize() = %d, want %d", w.MaxSize(), budgetBytes)
	}

	ctx := context.Background()

	// Fill to one byte under budget.
	data := bytes.Repeat([]byte("x"), int(budgetBytes-1))
	ok, err := w.AppendStream(ctx, "m1", bytes.NewReader(data), int64(len(data)))
	if err != nil || !ok {
		t.Fatalf("append under budget: ok=%v err=%v", ok, err)
	}

	// Exactly filling the budget is allowed.
	ok, err = w.AppendStream(ctx, "m2", strings.NewReader("y"), 1)
	if err != nil || !ok {
		t.Fatalf("append at exact budget: ok=%v err=%v", ok, err)
	}

	// One byte over is refused without error and without state change.
	sizeBefore := w.Size()
	ok, err = w.AppendStream(ctx, "m3", strings.NewReader("z"), 1)
	if err != nil {
		t.Fatalf("over-budget append returned error: %v", err)
	}
	if ok {
		t.Fatal("over-budget append must return false")
	}
	if w.Size() != sizeBefore {
		t.Errorf("Size changed on refused append: %d -> %d", sizeBefore, w.Size())
	}
	if w.MemberCount() != 2 {
		t.Errorf("MemberCount() = %d, want 2", w.MemberCount())
	}

	// The refused writer still finalizes cleanly.
	if _, err := w.Finalize(); err != nil {
		t.Fatalf("Finalize after refusal failed: %v", err)
	}
}

func TestAppendStream_SizeMismatchBreaksWriter(t *testing.T) {
	w := newTestWriter(t, 1)
	ctx := context.Background()

	// Stream is shorter than declared.
	ok, err := w.AppendStream(ctx, "short", strings.NewReader("abc"), 10)
	if ok {
		t.Fatal("short stream must not succeed")
	}
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("err = %v, want ErrSizeMismatch", err)
	}

	// The payload region is now poisoned: everything fails.
	if _, err := w.AppendBuffer("next", []byte("x")); !errors.Is(err, ErrWriterBroken) {
		t.Errorf("append after break: err = %v, want ErrWriterBroken", err)
	}
	if _, err := w.Finalize(); !errors.Is(err, ErrWriterBroken) {
		t.Errorf("finalize after break: err = %v, want ErrWriterBroken", err)
	}
}

func TestAppendStream_OverlongStreamDetected(t *testing.T) {
	w := newTestWriter(t, 1)

	ok, err := w.AppendStream(context.Background(), "long", strings.NewReader("abcdef"), 3)
	if ok {
		t.Fatal("over-long stream must not succeed")
	}
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("err = %v, want ErrSizeMismatch", err)
	}
}

func TestAppendStream_ContextCancellation(t *testing.T) {
	w := newTestWriter(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := w.AppendStream(ctx, "member", strings.NewReader("data"), 4)
	if ok {
		t.Fatal("append with cancelled context must not succeed")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestFinalize_Layout(t *testing.T) {
	w := newTestWriter(t, 1)

	payload := []byte("hello world")
	if ok, err := w.AppendBuffer("t/greeting.txt", payload); err != nil || !ok {
		t.Fatalf("append: ok=%v err=%v", ok, err)
	}

	path, err := w.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read container: %v", err)
	}

	// Footer is the last 4 bytes, little-endian index length.
	if len(raw) < 4 {
		t.Fatalf("container too small: %d bytes", len(raw))
	}
	indexLen := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	indexStart := len(raw) - 4 - int(indexLen)
	if indexStart != len(payload) {
		t.Errorf("index starts at %d, want %d", indexStart, len(payload))
	}

	var idx Index
	if err := json.Unmarshal(raw[indexStart:len(raw)-4], &idx); err != nil {
		t.Fatalf("index is not valid JSON: %v", err)
	}
	if idx.FormatVersion != FormatVersion {
		t.Errorf("format_version = %q, want %q", idx.FormatVersion, FormatVersion)
	}
	rng, ok := idx.Files["t/greeting.txt"]
	if !ok {
		t.Fatal("member missing from index")
	}
	if rng.StartByte != 0 || rng.EndByte != int64(len(payload)) {
		t.Errorf("range = [%d, %d), want [0, %d)", rng.StartByte, rng.EndByte, len(payload))
	}

	// Payload region is the raw member bytes.
	if !bytes.Equal(raw[:len(payload)], payload) {
		t.Error("payload region does not match appended bytes")
	}
}

func TestFinalize_Twice(t *testing.T) {
	w := newTestWriter(t, 1)
	if ok, err := w.AppendBuffer("a", []byte("x")); err != nil || !ok {
		t.Fatalf("append: ok=%v err=%v", ok, err)
	}

	if _, err := w.Finalize(); err != nil {
		t.Fatalf("first Finalize failed: %v", err)
	}
	if _, err := w.Finalize(); !errors.Is(err, ErrUseAfterFinalize) {
		t.Errorf("second Finalize err = %v, want ErrUseAfterFinalize", err)
	}
	if _, err := w.AppendBuffer("b", []byte("y")); !errors.Is(err, ErrUseAfterFinalize) {
		t.Errorf("append after Finalize err = %v, want ErrUseAfterFinalize", err)
	}
}

func TestWriter_EmptyPathUsesTempDir(t *testing.T) {
	w, err := NewWriter("", 1)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer func() {
		_ = w.Cleanup()
		_ = os.Remove(w.Path())
	}()

	if !strings.HasPrefix(w.Path(), os.TempDir()) {
		t.Errorf("path %q not under temp dir", w.Path())
	}
}

func TestWithCopyTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.caf")
	w, err := NewWriter(path, 1, WithCopyTimeout(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer func() { _ = w.Cleanup() }()

	// A reader that never delivers data trips the copy deadline.
	ok, err := w.AppendStream(context.Background(), "stuck", neverReader{}, 100)
	if ok {
		t.Fatal("stuck stream must not succeed")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

// neverReader blocks until the context wrapper aborts the copy.
type neverReader struct{}

func (neverReader) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}
