package caf

import "errors"

var (
	// ErrDuplicateMember is returned when a member path is appended twice.
	ErrDuplicateMember = errors.New("member already present in container")

	// ErrEmptyMember is returned when a member would have zero bytes.
	// Empty members are rejected because start_byte == end_byte violates
	// the index invariant.
	ErrEmptyMember = errors.New("member has no bytes")

	// ErrSizeMismatch is returned when a source stream yields fewer or more
	// bytes than its declared length.
	ErrSizeMismatch = errors.New("stream length does not match declared length")

	// ErrUseAfterFinalize is returned when a writer is used after Finalize.
	ErrUseAfterFinalize = errors.New("writer already finalized")

	// ErrWriterBroken is returned on any operation after a failed append.
	// A partially written payload region cannot be reused; the caller must
	// discard the whole container.
	ErrWriterBroken = errors.New("writer poisoned by earlier failed append")

	// ErrIndexNotLoaded is returned when a reader operation is attempted
	// before LoadIndex.
	ErrIndexNotLoaded = errors.New("index not loaded, call LoadIndex first")

	// ErrUnsupportedVersion is returned when the container declares a format
	// version this implementation does not understand.
	ErrUnsupportedVersion = errors.New("unsupported container format version")

	// ErrMemberNotFound is returned when a member path is not in the index.
	ErrMemberNotFound = errors.New("member not found in container")

	// ErrCorruptContainer is returned when the container structure fails
	// validation (truncated footer, index out of bounds, invalid ranges).
	ErrCorruptContainer = errors.New("corrupt container")
)
