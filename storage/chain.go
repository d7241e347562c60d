package storage

// walkChain reads the full segment chain starting at first (which may
// be absentLocation, meaning an empty chain).
func walkChain(file RandomAccessFile, first int64) ([]*segment, error) {
	var segs []*segment
	loc := first
	seen := make(map[int64]bool)
	for loc != absentLocation {
		if seen[loc] {
			return nil, ErrBadFormat
		}
		seen[loc] = true

		seg, err := loadSegment(file, loc)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
		loc = seg.NextLocation
	}
	return segs, nil
}

// totalDataSize sums the data-area size of every segment in the chain.
func totalDataSize(segs []*segment) int64 {
	var total int64
	for _, s := range segs {
		total += s.dataAreaSize()
	}
	return total
}

// firstLocationOf returns the head of the chain, or absentLocation if
// it is empty.
func firstLocationOf(segs []*segment) int64 {
	if len(segs) == 0 {
		return absentLocation
	}
	return segs[0].Location
}

// locate finds the segment and the offset within that segment's data
// area corresponding to byte position pos in the logical stream
// represented by segs. Returns ok=false if pos is at or past the end
// of the chain's total data capacity.
func locate(segs []*segment, pos int64) (index int, offsetInSeg int64, ok bool) {
	remaining := pos
	for i, s := range segs {
		size := s.dataAreaSize()
		if remaining < size {
			return i, remaining, true
		}
		remaining -= size
	}
	return 0, 0, false
}
