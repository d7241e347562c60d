package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// streamRecordSize is the on-disk size of one stream-metadata record:
// a 16-byte id, a 4-byte tag, an 8-byte first-segment position
// (absentLocation if none), an 8-byte length, and an 8-byte
// initialized length.
const streamRecordSize = 16 + 4 + 8 + 8 + 8

// streamRecord is one entry of the stream table (§3).
type streamRecord struct {
	ID                   uuid.UUID
	Tag                  uint32
	FirstSegmentPosition int64
	Length               int64
	InitializedLength    int64
}

func (r *streamRecord) encode() []byte {
	buf := make([]byte, streamRecordSize)
	copy(buf[0:16], r.ID[:])
	binary.LittleEndian.PutUint32(buf[16:20], r.Tag)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(r.FirstSegmentPosition))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(r.Length))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(r.InitializedLength))
	return buf
}

func decodeStreamRecord(buf []byte) (*streamRecord, error) {
	if len(buf) < streamRecordSize {
		return nil, fmt.Errorf("%w: truncated stream record", ErrBadFormat)
	}
	r := &streamRecord{
		Tag:                  binary.LittleEndian.Uint32(buf[16:20]),
		FirstSegmentPosition: int64(binary.LittleEndian.Uint64(buf[20:28])),
		Length:               int64(binary.LittleEndian.Uint64(buf[28:36])),
		InitializedLength:    int64(binary.LittleEndian.Uint64(buf[36:44])),
	}
	copy(r.ID[:], buf[0:16])
	return r, nil
}

// streamTableManager owns the stream-table's StorageStream (C4) and
// the in-memory index of its records, keyed by StreamId. The table's
// Length is its real, persisted used-byte count (masterHeader.StreamTableLength),
// just like any other stream's Length; append/remove grow and shrink
// it by one record at a time.
type streamTableManager struct {
	stream  *StorageStream
	index   map[uuid.UUID]int // StreamId -> record offset index
	records []*streamRecord
}

func newStreamTableManager(stream *StorageStream) (*streamTableManager, error) {
	m := &streamTableManager{stream: stream, index: make(map[uuid.UUID]int)}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// reload re-reads every record from the table's current chain. Used
// at bootstrap and after a transaction rollback.
func (m *streamTableManager) reload() error {
	count := m.stream.length / streamRecordSize
	m.records = make([]*streamRecord, 0, count)
	m.index = make(map[uuid.UUID]int, count)

	buf := make([]byte, streamRecordSize)
	for i := int64(0); i < count; i++ {
		if err := m.stream.readDataAt(i*streamRecordSize, buf); err != nil {
			return err
		}
		rec, err := decodeStreamRecord(buf)
		if err != nil {
			return err
		}
		m.index[rec.ID] = len(m.records)
		m.records = append(m.records, rec)
	}
	return nil
}

func (m *streamTableManager) get(id uuid.UUID) (*streamRecord, bool) {
	idx, ok := m.index[id]
	if !ok {
		return nil, false
	}
	return m.records[idx], true
}

func (m *streamTableManager) has(id uuid.UUID) bool {
	_, ok := m.index[id]
	return ok
}

// append adds a new row with no segments and zero length (§3
// Lifecycle), growing the table stream's own storage by one record.
func (m *streamTableManager) append(rec *streamRecord) error {
	offset := m.stream.length
	if err := m.stream.setLengthLocked(offset + streamRecordSize); err != nil {
		return err
	}
	if err := m.stream.writeDataAt(offset, rec.encode()); err != nil {
		return err
	}
	m.index[rec.ID] = len(m.records)
	m.records = append(m.records, rec)
	return m.stream.persistMetadata()
}

// update rewrites an existing row in place.
func (m *streamTableManager) update(rec *streamRecord) error {
	idx, ok := m.index[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchStream, rec.ID)
	}
	m.records[idx] = rec
	return m.stream.writeDataAt(int64(idx)*streamRecordSize, rec.encode())
}

// remove drops a row by swapping the last row into its slot and
// shrinking the table by one record (§3 Lifecycle: DeleteStream).
func (m *streamTableManager) remove(id uuid.UUID) error {
	idx, ok := m.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchStream, id)
	}
	last := len(m.records) - 1
	if idx != last {
		moved := m.records[last]
		m.records[idx] = moved
		m.index[moved.ID] = idx
		if err := m.stream.writeDataAt(int64(idx)*streamRecordSize, moved.encode()); err != nil {
			return err
		}
	}
	m.records = m.records[:last]
	delete(m.index, id)
	if err := m.stream.setLengthLocked(int64(last) * streamRecordSize); err != nil {
		return err
	}
	return m.stream.persistMetadata()
}
