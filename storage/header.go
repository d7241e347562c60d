package storage

import (
	"encoding/binary"
	"fmt"
)

const (
	// headerMagic identifies a valid master file. 4 bytes.
	headerMagic = "ADST"

	// headerVersion is the on-disk structure version this package
	// reads and writes.
	headerVersion uint16 = 1

	// headerSize is the encoded size of the fixed fields in
	// masterHeader, before padding out to a full block.
	headerSize = 4 + 2 + 4 + 8 + 8 + 8 + 8

	// DefaultBlockSize is used by Open when the caller does not
	// specify one.
	DefaultBlockSize uint32 = 512

	// MinBlockSize is the smallest block size the engine accepts.
	MinBlockSize uint32 = 512

	// absentLocation is the sentinel value for "no segment here".
	absentLocation int64 = -1
)

// masterHeader is the fixed-offset-zero header of a master file.
type masterHeader struct {
	BlockSize           uint32
	StreamTableFirstSeg int64 // absentLocation if the table has no segments yet
	FreeSpaceFirstSeg   int64 // absentLocation if free space is empty
	FileLength          int64

	// StreamTableLength is the stream table's logical used length, in
	// bytes. It cannot be derived from the table's segment chain alone
	// (that only gives capacity, which is rounded up to whole blocks),
	// so unlike every other stream's length it has to be carried here.
	StreamTableLength int64
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

func validateBlockSize(blockSize uint32) error {
	if blockSize < MinBlockSize || !isPowerOfTwo(blockSize) {
		return fmt.Errorf("%w: block size %d must be a power of two >= %d", ErrBadFormat, blockSize, MinBlockSize)
	}
	return nil
}

// encode serializes the header into a block-size-aligned buffer.
func (h *masterHeader) encode(blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	copy(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint16(buf[4:6], headerVersion)
	binary.LittleEndian.PutUint32(buf[6:10], h.BlockSize)
	binary.LittleEndian.PutUint64(buf[10:18], uint64(h.StreamTableFirstSeg))
	binary.LittleEndian.PutUint64(buf[18:26], uint64(h.FreeSpaceFirstSeg))
	binary.LittleEndian.PutUint64(buf[26:34], uint64(h.FileLength))
	binary.LittleEndian.PutUint64(buf[34:42], uint64(h.StreamTableLength))
	return buf
}

// decodeHeader parses a header from a buffer of at least headerSize
// bytes; bytes past headerSize are ignored.
func decodeHeader(buf []byte) (*masterHeader, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: header buffer too short", ErrBadFormat)
	}
	if string(buf[0:4]) != headerMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadFormat)
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != headerVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadFormat, version)
	}
	h := &masterHeader{
		BlockSize:           binary.LittleEndian.Uint32(buf[6:10]),
		StreamTableFirstSeg: int64(binary.LittleEndian.Uint64(buf[10:18])),
		FreeSpaceFirstSeg:   int64(binary.LittleEndian.Uint64(buf[18:26])),
		FileLength:          int64(binary.LittleEndian.Uint64(buf[26:34])),
		StreamTableLength:   int64(binary.LittleEndian.Uint64(buf[34:42])),
	}
	if err := validateBlockSize(h.BlockSize); err != nil {
		return nil, err
	}
	return h, nil
}
