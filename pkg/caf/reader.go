package caf

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Reader provides random access into a finalized CAF container.
//
// LoadIndex must be called before any other operation. After LoadIndex the
// reader is safe for concurrent use: every extraction opens its own file
// handle and reads positionally.
type Reader struct {
	path       string
	index      *Index
	fileSize   int64
	payloadEnd int64
}

// NewReader creates a reader for the container at path. The file is not
// touched until LoadIndex.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Path returns the container file path.
func (r *Reader) Path() string {
	return r.path
}

// LoadIndex reads and validates the footer and index region and caches the
// parsed index.
func (r *Reader) LoadIndex() error {
	info, err := os.Stat(r.path)
	if err != nil {
		return fmt.Errorf("failed to stat container: %w", err)
	}
	r.fileSize = info.Size()

	if r.fileSize < footerSize {
		return fmt.Errorf("container is %d bytes, smaller than the footer: %w", r.fileSize, ErrCorruptContainer)
	}

	file, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open container: %w", err)
	}
	defer func() { _ = file.Close() }()

	footer := make([]byte, footerSize)
	if _, err := file.ReadAt(footer, r.fileSize-footerSize); err != nil {
		return fmt.Errorf("failed to read footer: %w", err)
	}

	indexSize := int64(binary.LittleEndian.Uint32(footer))
	if indexSize+footerSize > r.fileSize {
		return fmt.Errorf("index size %d exceeds file size %d: %w", indexSize, r.fileSize, ErrCorruptContainer)
	}

	indexStart := r.fileSize - footerSize - indexSize
	indexBuf := make([]byte, indexSize)
	if _, err := file.ReadAt(indexBuf, indexStart); err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	var index Index
	if err := json.Unmarshal(indexBuf, &index); err != nil {
		return fmt.Errorf("failed to parse index: %w: %w", ErrCorruptContainer, err)
	}

	if index.FormatVersion != FormatVersion {
		return fmt.Errorf("container declares version %q: %w", index.FormatVersion, ErrUnsupportedVersion)
	}

	for member, rng := range index.Files {
		if rng.StartByte < 0 || rng.StartByte >= rng.EndByte || rng.EndByte > indexStart {
			return fmt.Errorf("member %q has invalid range [%d, %d): %w", member, rng.StartByte, rng.EndByte, ErrCorruptContainer)
		}
	}

	r.index = &index
	r.payloadEnd = indexStart
	return nil
}

// List returns all member paths, in unspecified order.
func (r *Reader) List() ([]string, error) {
	if r.index == nil {
		return nil, ErrIndexNotLoaded
	}
	members := make([]string, 0, len(r.index.Files))
	for member := range r.index.Files {
		members = append(members, member)
	}
	return members, nil
}

// Has reports whether the container holds the given member.
func (r *Reader) Has(memberPath string) (bool, error) {
	if r.index == nil {
		return false, ErrIndexNotLoaded
	}
	_, ok := r.index.Files[memberPath]
	return ok, nil
}

// Metadata returns the byte range of the given member.
func (r *Reader) Metadata(memberPath string) (MemberRange, error) {
	if r.index == nil {
		return MemberRange{}, ErrIndexNotLoaded
	}
	rng, ok := r.index.Files[memberPath]
	if !ok {
		return MemberRange{}, fmt.Errorf("member %q: %w", memberPath, ErrMemberNotFound)
	}
	return rng, nil
}

// FormatVersion returns the container's declared format version.
func (r *Reader) FormatVersion() (string, error) {
	if r.index == nil {
		return "", ErrIndexNotLoaded
	}
	return r.index.FormatVersion, nil
}

// Extract returns the member's bytes via a single positional read.
func (r *Reader) Extract(memberPath string) ([]byte, error) {
	rng, err := r.Metadata(memberPath)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	defer func() { _ = file.Close() }()

	buf := make([]byte, rng.Size())
	if _, err := file.ReadAt(buf, rng.StartByte); err != nil {
		return nil, fmt.Errorf("failed to read member %q: %w", memberPath, err)
	}
	return buf, nil
}

// ExtractTo extracts a member to a file on disk, creating parent
// directories as needed.
func (r *Reader) ExtractTo(memberPath, outputPath string) error {
	data, err := r.Extract(memberPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return os.WriteFile(outputPath, data, 0o644)
}

// ExtractAll extracts every member into dir, treating member paths as
// slash-separated relative paths.
func (r *Reader) ExtractAll(dir string) error {
	if r.index == nil {
		return ErrIndexNotLoaded
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	for member := range r.index.Files {
		outputPath := filepath.Join(dir, filepath.FromSlash(member))
		if err := r.ExtractTo(member, outputPath); err != nil {
			return fmt.Errorf("failed to extract member %q: %w", member, err)
		}
	}
	return nil
}

// ValidateFile opens the container at path, loads its index and requires a
// non-empty member set. It is the validation step retrieval runs on every
// downloaded container.
func ValidateFile(path string) error {
	r := NewReader(path)
	if err := r.LoadIndex(); err != nil {
		return err
	}
	members, err := r.List()
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return fmt.Errorf("container has no members: %w", ErrCorruptContainer)
	}
	return nil
}
