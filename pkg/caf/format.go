// Package caf implements the Chunk Archive Format (CAF), a random-access
// container that concatenates many files into a single chunk.
//
// A CAF file has three regions, in order:
//
//  1. Payload: raw member bytes in insertion order, no separators.
//  2. Index: UTF-8 JSON mapping member paths to byte ranges.
//  3. Footer: the index length as a 4-byte little-endian uint32.
//
// The footer-last layout lets a writer stream the payload without knowing
// the member set up front, and lets a reader locate the index with two
// positional reads.
package caf

// FormatVersion is the container format version written and accepted by
// this implementation.
const FormatVersion = "1.0"

// footerSize is the fixed size of the trailing length field.
const footerSize = 4

// MaxSizeGB is the hard ceiling on the configurable container budget.
const MaxSizeGB = 32

// MemberRange locates one member inside the payload region.
// StartByte is inclusive, EndByte exclusive.
type MemberRange struct {
	StartByte int64 `json:"start_byte"`
	EndByte   int64 `json:"end_byte"`
}

// Size returns the member's byte length.
func (r MemberRange) Size() int64 {
	return r.EndByte - r.StartByte
}

// Index is the JSON structure stored in the index region.
type Index struct {
	FormatVersion string                 `json:"format_version"`
	Files         map[string]MemberRange `json:"files"`
}
