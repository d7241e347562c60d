package storage

import (
	"io"

	"github.com/google/uuid"
)

// streamKind distinguishes the two system-owned streams from ordinary
// application streams; only the kind changes where a chain mutation's
// metadata gets persisted to (§4.2-§4.4).
type streamKind int

const (
	kindUser streamKind = iota
	kindFreeSpace
	kindStreamTable
)

// StorageStream is a cursor-bearing random-access view over a chain of
// segments belonging to one logical stream (§4.4). It satisfies
// io.ReadWriteSeeker and io.Closer.
type StorageStream struct {
	storage *Storage
	id      uuid.UUID
	kind    streamKind

	tag               uint32
	segs              []*segment
	length            int64
	initializedLength int64
	position          int64
	closed            bool
}

var _ io.ReadWriteSeeker = (*StorageStream)(nil)
var _ io.Closer = (*StorageStream)(nil)

// Id returns the stream's identifier.
func (s *StorageStream) Id() uuid.UUID { return s.id }

// Tag returns the caller-reserved tag stored alongside this stream.
func (s *StorageStream) Tag() uint32 { return s.tag }

// Length returns the stream's current logical length.
func (s *StorageStream) Length() int64 { return s.length }

// InitializedLength returns the prefix of the stream that has
// actually been written; bytes beyond it read as zero.
func (s *StorageStream) InitializedLength() int64 { return s.initializedLength }

// Position returns the current cursor position.
func (s *StorageStream) Position() int64 { return s.position }

func (s *StorageStream) firstSegmentLocation() int64 { return firstLocationOf(s.segs) }

// Read implements io.Reader, per §4.4.
func (s *StorageStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	if s.position >= s.length {
		return 0, io.EOF
	}

	n := int64(len(p))
	if remain := s.length - s.position; n > remain {
		n = remain
	}
	if n <= 0 {
		return 0, io.EOF
	}

	realEnd := s.initializedLength
	if realEnd > s.position+n {
		realEnd = s.position + n
	}
	if realEnd < s.position {
		realEnd = s.position
	}
	realLen := realEnd - s.position

	if realLen > 0 {
		if err := s.readDataAt(s.position, p[:realLen]); err != nil {
			return 0, err
		}
	}
	for i := realLen; i < n; i++ {
		p[i] = 0
	}

	s.position += n
	return int(n), nil
}

// Write implements io.Writer, per §4.4: growth, zero-fill of the gap
// between InitializedLength and the cursor, then the copy, all inside
// an implicit transaction.
func (s *StorageStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	count := int64(len(p))

	err := s.storage.runTransaction(func() error {
		if s.position+count > s.length {
			if err := s.setLengthLocked(s.position + count); err != nil {
				return err
			}
		}
		if s.position > s.initializedLength {
			if err := s.zeroFillRange(s.initializedLength, s.position-s.initializedLength); err != nil {
				return err
			}
		}
		if count > 0 {
			if err := s.writeDataAt(s.position, p); err != nil {
				return err
			}
		}
		if s.position+count > s.initializedLength {
			s.initializedLength = s.position + count
		}
		return s.persistMetadata()
	})
	if err != nil {
		return 0, err
	}

	s.position += count
	return len(p), nil
}

// Seek implements io.Seeker. Per spec.md §9's open question, SeekEnd
// is computed as Length-offset, not Length+offset: this deviates from
// POSIX lseek but is the behavior the specification pins down.
func (s *StorageStream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.position + offset
	case io.SeekEnd:
		newPos = s.length - offset
	default:
		return 0, ErrOutOfBounds
	}
	if newPos < 0 {
		return 0, ErrOutOfBounds
	}
	s.position = newPos
	return newPos, nil
}

// SetLength implements §4.4's SetLength, inside an implicit
// transaction.
func (s *StorageStream) SetLength(value int64) error {
	if s.closed {
		return ErrStreamClosed
	}
	if value < 0 {
		return ErrOutOfBounds
	}
	return s.storage.runTransaction(func() error {
		if err := s.setLengthLocked(value); err != nil {
			return err
		}
		return s.persistMetadata()
	})
}

// setLengthLocked performs the resize without opening its own
// transaction; callers must already be inside one.
func (s *StorageStream) setLengthLocked(value int64) error {
	switch {
	case value == 0:
		if len(s.segs) > 0 {
			if err := s.storage.releaseToFreeSpace(s.segs); err != nil {
				return err
			}
		}
		s.segs = nil
		s.length = 0
		s.initializedLength = 0
		return s.rebuildChain()

	case value > s.length:
		need := value - s.length
		newSegs, err := s.storage.allocateFreeSpace(need)
		if err != nil {
			return err
		}
		s.segs = append(s.segs, newSegs...)
		s.length = value
		return s.rebuildChain()

	default: // 0 < value < length
		shrinkBy := s.length - value
		taken, remaining, err := s.deallocateTail(shrinkBy)
		if err != nil {
			return err
		}
		s.segs = remaining
		if err := s.storage.releaseToFreeSpace(taken); err != nil {
			return err
		}
		s.length = value
		if s.initializedLength > value {
			s.initializedLength = value
		}
		return s.rebuildChain()
	}
}

// deallocateTail removes shrinkBy data-area bytes from the tail of
// s.segs, splitting the boundary segment via splitAtEnd=true (§4.2).
// It returns the removed segments (to be handed back to free space)
// and the segments that remain part of this stream.
func (s *StorageStream) deallocateTail(shrinkBy int64) (taken, remaining []*segment, err error) {
	blockSize := s.storage.header.BlockSize
	segs := append([]*segment(nil), s.segs...)

	for shrinkBy > 0 && len(segs) > 0 {
		last := segs[len(segs)-1]
		removed, keep, tookWhole := last.split(shrinkBy, true, blockSize)
		if tookWhole {
			if last.dataAreaSize() > shrinkBy {
				// Taking the whole segment would cut into data below
				// the new length; leave it in place as slack.
				break
			}
			taken = append(taken, removed)
			segs = segs[:len(segs)-1]
			shrinkBy -= last.dataAreaSize()
			continue
		}
		taken = append(taken, removed)
		segs[len(segs)-1] = keep
		// The removed tail was all data area of last, header included.
		shrinkBy -= removed.Size
	}
	return taken, segs, nil
}

// Close implements §4.4's Close: persist dirty state, mark closed,
// and notify the coordinator so it can drop the registration.
func (s *StorageStream) Close() error {
	if s.closed {
		return ErrStreamClosed
	}
	err := s.closeAndPersist()
	s.storage.streamChangedClosing(s.id)
	return err
}

// closeAndPersist does everything Close does except deregister from
// the coordinator. Storage.Close calls this directly while already
// holding the registry lock, since streamChangedClosing would
// otherwise try to re-acquire it.
func (s *StorageStream) closeAndPersist() error {
	err := s.storage.runTransaction(func() error {
		return s.persistMetadata()
	})
	s.closed = true
	return err
}

// rebuildChain is the post-mutation fix-up of §4.5: merge adjacent
// segments, relink the rest, and persist.
func (s *StorageStream) rebuildChain() error {
	i := 0
	for i < len(s.segs)-1 {
		cur, next := s.segs[i], s.segs[i+1]
		if cur.dataAreaEnd() == next.Location {
			cur.Size += next.Size
			s.segs = append(s.segs[:i+1], s.segs[i+2:]...)
			continue
		}
		cur.NextLocation = next.Location
		i++
	}
	if len(s.segs) > 0 {
		s.segs[len(s.segs)-1].NextLocation = absentLocation
	}
	for _, seg := range s.segs {
		if err := s.storage.persistSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// persistMetadata writes this stream's record back to wherever it
// lives: the master header for the two system streams, or the stream
// table for an ordinary stream.
func (s *StorageStream) persistMetadata() error {
	switch s.kind {
	case kindFreeSpace:
		s.storage.header.FreeSpaceFirstSeg = s.firstSegmentLocation()
		return s.storage.persistHeader()
	case kindStreamTable:
		s.storage.header.StreamTableFirstSeg = s.firstSegmentLocation()
		s.storage.header.StreamTableLength = s.length
		return s.storage.persistHeader()
	default:
		return s.storage.streamTableMgr.update(&streamRecord{
			ID:                   s.id,
			Tag:                  s.tag,
			FirstSegmentPosition: s.firstSegmentLocation(),
			Length:               s.length,
			InitializedLength:    s.initializedLength,
		})
	}
}

// zeroFillRange writes length zero bytes starting at start, in
// bounded chunks (§4.4).
func (s *StorageStream) zeroFillRange(start, length int64) error {
	const chunkSize = 64 * 1024
	zeros := make([]byte, chunkSize)
	remaining := length
	pos := start
	for remaining > 0 {
		n := remaining
		if n > chunkSize {
			n = chunkSize
		}
		if err := s.writeDataAt(pos, zeros[:n]); err != nil {
			return err
		}
		pos += n
		remaining -= n
	}
	return nil
}

// readDataAt reads len(buf) bytes from the stream's data area
// starting at logical position start, independent of the cursor.
func (s *StorageStream) readDataAt(start int64, buf []byte) error {
	segIndex, offsetInSeg, ok := locate(s.segs, start)
	if !ok {
		if len(buf) == 0 {
			return nil
		}
		return ErrOutOfBounds
	}

	remaining := buf
	for len(remaining) > 0 {
		if segIndex >= len(s.segs) {
			return ErrOutOfBounds
		}
		seg := s.segs[segIndex]
		avail := seg.dataAreaSize() - offsetInSeg
		n := int64(len(remaining))
		if n > avail {
			n = avail
		}
		if err := s.storage.readMasterAt(seg.dataAreaStart()+offsetInSeg, remaining[:n]); err != nil {
			return err
		}
		remaining = remaining[n:]
		segIndex++
		offsetInSeg = 0
	}
	return nil
}

// writeDataAt writes data into the stream's data area starting at
// logical position start, independent of the cursor. The caller must
// ensure the stream has already been grown to cover [start,
// start+len(data)).
func (s *StorageStream) writeDataAt(start int64, data []byte) error {
	segIndex, offsetInSeg, ok := locate(s.segs, start)
	if !ok {
		if len(data) == 0 {
			return nil
		}
		return ErrOutOfBounds
	}

	remaining := data
	for len(remaining) > 0 {
		if segIndex >= len(s.segs) {
			return ErrOutOfBounds
		}
		seg := s.segs[segIndex]
		avail := seg.dataAreaSize() - offsetInSeg
		n := int64(len(remaining))
		if n > avail {
			n = avail
		}
		if err := s.storage.writeMasterAt(seg.dataAreaStart()+offsetInSeg, remaining[:n]); err != nil {
			return err
		}
		remaining = remaining[n:]
		segIndex++
		offsetInSeg = 0
	}
	return nil
}
