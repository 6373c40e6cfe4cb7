package wal

import "fmt"

// LSN identifies a byte inside the logical stream of one segment: the segment's
// ordinal plus a byte position into that segment's logical stream (not a raw file
// offset, see pageIndex/pageOffset in reader.go).
type LSN struct {
	Segment  uint64
	Position uint64
}

// Compare orders two LSNs lexicographically, segment first.
func (l LSN) Compare(other LSN) int {
	switch {
	case l.Segment < other.Segment:
		return -1
	case l.Segment > other.Segment:
		return 1
	case l.Position < other.Position:
		return -1
	case l.Position > other.Position:
		return 1
	default:
		return 0
	}
}

// Less reports whether l sorts strictly before other.
func (l LSN) Less(other LSN) bool {
	return l.Compare(other) < 0
}

func (l LSN) String() string {
	return fmt.Sprintf("%d/%d", l.Segment, l.Position)
}
