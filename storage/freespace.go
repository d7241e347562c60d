package storage

import "sort"

// freeSpaceManager owns the free-space stream (C3): a system stream
// whose data area is unused by design and whose segment chain simply
// enumerates unused space, sorted by Location (§3 invariant 5).
type freeSpaceManager struct {
	storage *Storage
	s       *StorageStream
}

func newFreeSpaceManager(storage *Storage, stream *StorageStream) *freeSpaceManager {
	return &freeSpaceManager{storage: storage, s: stream}
}

// deallocate removes amount data-area bytes from the head of the free
// chain (§4.2), splitting the boundary segment front-first
// (splitAtEnd=false). If free space is exhausted, the master file is
// extended at the tail and the request is retried.
func (f *freeSpaceManager) deallocate(amount int64) ([]*segment, error) {
	if amount <= 0 {
		return nil, nil
	}
	blockSize := f.s.storage.header.BlockSize

	work := append([]*segment(nil), f.s.segs...)
	var result []*segment
	need := amount
	idx := 0
	for need > 0 && idx < len(work) {
		head := work[idx]
		removed, keep, tookWhole := head.split(need, false, blockSize)
		result = append(result, removed)
		need -= removed.dataAreaSize()
		if tookWhole {
			idx++
		} else {
			work[idx] = keep
		}
	}

	if need > 0 {
		if err := f.storage.growFileForFreeSpace(need); err != nil {
			return nil, err
		}
		return f.deallocate(amount)
	}

	f.s.segs = work[idx:]
	if err := f.s.rebuildChain(); err != nil {
		return nil, err
	}
	return result, f.s.persistMetadata()
}

// addSegments merge-inserts new free segments in Location order, then
// coalesces adjacent ones via rebuildChain (§4.2).
func (f *freeSpaceManager) addSegments(segs []*segment) error {
	if len(segs) == 0 {
		return nil
	}
	merged := append([]*segment(nil), f.s.segs...)
	merged = append(merged, segs...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Location < merged[j].Location })
	f.s.segs = merged
	if err := f.s.rebuildChain(); err != nil {
		return err
	}
	return f.s.persistMetadata()
}
