package caf

import (
	"fmt"
	"os"
	"sort"
)

// MemberInfo describes one member for reporting purposes.
type MemberInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ArchiveStats summarizes a container for the inspection CLI.
type ArchiveStats struct {
	TotalMembers  int          `json:"total_members"`
	TotalSize     int64        `json:"total_size"`
	FormatVersion string       `json:"format_version"`
	Members       []MemberInfo `json:"members"`
}

// Stat loads the container at path and returns its statistics. Members are
// sorted by path for stable output.
func Stat(path string) (*ArchiveStats, error) {
	r := NewReader(path)
	if err := r.LoadIndex(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat container: %w", err)
	}

	members := make([]MemberInfo, 0, len(r.index.Files))
	for member, rng := range r.index.Files {
		members = append(members, MemberInfo{Path: member, Size: rng.Size()})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Path < members[j].Path })

	return &ArchiveStats{
		TotalMembers:  len(members),
		TotalSize:     info.Size(),
		FormatVersion: r.index.FormatVersion,
		Members:       members,
	}, nil
}
