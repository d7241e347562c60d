package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// structureSize is the fixed on-disk size of a segment header: an
// 8-byte size, an 8-byte next-location (absentLocation if none), and a
// 4-byte checksum. The segment's Location is never stored in the
// header itself — it is implied by where the header was read from —
// but it is still folded into the checksum, so validating a segment
// requires knowing where you found it.
const structureSize = 20

// segment is a contiguous, block-aligned byte range in the master
// file: [Location, Location+Size). Its data area is
// [Location+structureSize, Location+Size).
type segment struct {
	Location     int64
	Size         int64
	NextLocation int64 // absentLocation if this is the tail of its chain
}

func (s *segment) dataAreaStart() int64 { return s.Location + structureSize }
func (s *segment) dataAreaEnd() int64   { return s.Location + s.Size }
func (s *segment) dataAreaSize() int64  { return s.Size - structureSize }
func (s *segment) hasNext() bool        { return s.NextLocation != absentLocation }

func (s *segment) checksum() uint32 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.Location))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.Size))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(s.NextLocation))
	return crc32.ChecksumIEEE(buf[:])
}

// headerBytes encodes exactly the header bytes for s, checksum
// included, ready to be written at s.Location.
func (s *segment) headerBytes() []byte {
	var buf [structureSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.Size))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.NextLocation))
	binary.LittleEndian.PutUint32(buf[16:20], s.checksum())
	return buf[:]
}

// persist writes exactly the header for s directly to file, bypassing
// the journal. Used only at bootstrap, before any transaction has
// begun; everywhere else, segment header writes go
// through Storage.persistSegment so they get a before-image.
func (s *segment) persist(file RandomAccessFile) error {
	if _, err := file.WriteAt(s.headerBytes(), s.Location); err != nil {
		return ioErr("segment persist", err)
	}
	return nil
}

// loadSegment reads and validates the segment header at location.
func loadSegment(file RandomAccessFile, location int64) (*segment, error) {
	var buf [structureSize]byte
	if _, err := file.ReadAt(buf[:], location); err != nil {
		return nil, ioErr("segment load", err)
	}
	s := &segment{
		Location:     location,
		Size:         int64(binary.LittleEndian.Uint64(buf[0:8])),
		NextLocation: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}
	wantChecksum := binary.LittleEndian.Uint32(buf[16:20])
	if s.checksum() != wantChecksum {
		return nil, fmt.Errorf("%w: at location %d", ErrChecksumMismatch, location)
	}
	return s, nil
}

// split partitions s into a "removed" segment of data-area capacity at
// least (or at most, depending on side) amountToRemove bytes and a
// "remaining" segment holding the rest, per §4.1:
//
//   raw := splitAtEnd ? amountToRemove-structureSize : amountToRemove+structureSize
//   newSize := floor(raw, blockSize)
//   if !splitAtEnd && raw is not block-aligned { newSize += blockSize }
//
// newSize is always the size (including header) of the removed
// segment. The front of s always keeps s.Location; the back always
// gets a fresh location at s.Location+frontSize. Which of front/back
// is "removed" depends on splitAtEnd: splitAtEnd removes the tail
// (used when a stream shrinks and returns trailing space to free
// space); !splitAtEnd removes the front (used when free space is
// handed out to a growing stream).
//
// If the remaining segment would be smaller than one block, or the
// removed segment rounds down to zero bytes, the split is refused and
// tookWhole is true: removed is then a copy of s whole.
func (s *segment) split(amountToRemove int64, splitAtEnd bool, blockSize uint32) (removed, remaining *segment, tookWhole bool) {
	bs := int64(blockSize)

	var raw int64
	if splitAtEnd {
		raw = amountToRemove - structureSize
	} else {
		raw = amountToRemove + structureSize
	}
	if raw < 0 {
		raw = 0
	}

	newSize := (raw / bs) * bs
	if !splitAtEnd && raw%bs != 0 {
		newSize += bs
	}

	if s.Size-newSize < bs || newSize <= 0 {
		return &segment{Location: s.Location, Size: s.Size, NextLocation: s.NextLocation}, nil, true
	}

	var frontSize int64
	if splitAtEnd {
		frontSize = s.Size - newSize
	} else {
		frontSize = newSize
	}
	backSize := s.Size - frontSize

	front := &segment{Location: s.Location, Size: frontSize, NextLocation: absentLocation}
	back := &segment{Location: s.Location + frontSize, Size: backSize, NextLocation: absentLocation}

	if splitAtEnd {
		return back, front, false
	}
	return front, back, false
}
