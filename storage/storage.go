// Package storage implements a segmented transactional storage
// engine: a single-file container that multiplexes many independently
// addressable byte streams into one backing file, with crash-consistent
// mutation semantics and in-place reuse of freed space.
package storage

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ReservedStreamTableID and ReservedEmptySpaceID are the two reserved
// stream identifiers named in §3. Neither ever appears as a row in the
// stream table; they exist so logging and diagnostics have a stable id
// to refer to the system streams by.
var (
	ReservedStreamTableID = uuid.UUID{}
	ReservedEmptySpaceID  = uuid.UUID{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}
)

// Storage is the top-level coordinator (C6): it opens the master
// file, owns the free-space and stream-table system streams, brokers
// create/open/delete, and runs transactions.
type Storage struct {
	mu sync.Mutex

	path string
	file RandomAccessFile

	header masterHeader
	journal *journal

	freeSpaceStream *StorageStream
	freeSpace       *freeSpaceManager

	streamTableStream *StorageStream
	streamTableMgr    *streamTableManager

	registry map[uuid.UUID]*StorageStream

	logger *zap.Logger
	closed bool
}

// Open opens (or creates) the master file at path. blockSize is only
// consulted when creating a new file; pass 0 to use DefaultBlockSize.
func Open(path string, blockSize uint32) (*Storage, error) {
	return OpenWithLogger(path, blockSize, nil)
}

// OpenWithLogger is Open with an explicit logger; a nil logger falls
// back to zap.NewNop(), matching the teacher's nil-safe logger field
// pattern (module.go's Handler.logger, populated from ctx.Logger()).
func OpenWithLogger(path string, blockSize uint32, logger *zap.Logger) (*Storage, error) {
	file, err := openOSFile(path)
	if err != nil {
		return nil, ioErr("open master file", err)
	}
	return open(file, path, path+".journal", blockSize, logger)
}

// OpenRandomAccessFile opens a Storage over an already-constructed
// RandomAccessFile (e.g. an in-memory one for tests). journalPath must
// still name a real file, since the journal is always bbolt-backed.
func OpenRandomAccessFile(file RandomAccessFile, journalPath string, blockSize uint32) (*Storage, error) {
	return open(file, "", journalPath, blockSize, nil)
}

func open(file RandomAccessFile, path, journalPath string, blockSize uint32, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	size, err := file.Size()
	if err != nil {
		return nil, ioErr("stat master file", err)
	}

	j, err := openJournal(journalPath)
	if err != nil {
		return nil, err
	}

	st := &Storage{
		path:     path,
		file:     file,
		journal:  j,
		registry: make(map[uuid.UUID]*StorageStream),
		logger:   logger,
	}

	if size == 0 {
		if err := st.bootstrap(blockSize); err != nil {
			j.close()
			return nil, err
		}
	} else {
		if err := st.loadExisting(); err != nil {
			j.close()
			return nil, err
		}
	}

	return st, nil
}

// bootstrap initializes a brand-new master file: header, an empty
// stream-table stream (one block allocated at the tail), and an empty
// free-space stream (§4.6).
func (st *Storage) bootstrap(blockSize uint32) error {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if err := validateBlockSize(blockSize); err != nil {
		return err
	}

	st.header = masterHeader{
		BlockSize:           blockSize,
		StreamTableFirstSeg: absentLocation,
		FreeSpaceFirstSeg:   absentLocation,
		FileLength:          int64(blockSize),
		StreamTableLength:   0,
	}
	if err := st.file.Truncate(int64(blockSize)); err != nil {
		return ioErr("truncate new master file", err)
	}
	if _, err := st.file.WriteAt(st.header.encode(blockSize), 0); err != nil {
		return ioErr("write initial header", err)
	}

	st.freeSpaceStream = &StorageStream{storage: st, kind: kindFreeSpace}
	st.freeSpace = newFreeSpaceManager(st, st.freeSpaceStream)

	st.streamTableStream = &StorageStream{storage: st, kind: kindStreamTable}

	// Allocate the stream table's first block directly at the file's
	// tail; free space is still empty, so it cannot service this
	// request the normal way.
	tailSeg := &segment{Location: st.header.FileLength, Size: int64(blockSize), NextLocation: absentLocation}
	newLen := st.header.FileLength + int64(blockSize)
	if err := st.file.Truncate(newLen); err != nil {
		return ioErr("grow for stream table", err)
	}
	if err := tailSeg.persist(st.file); err != nil {
		return err
	}
	st.header.FileLength = newLen
	st.streamTableStream.segs = []*segment{tailSeg}
	st.streamTableStream.length = 0
	st.header.StreamTableFirstSeg = tailSeg.Location
	st.header.StreamTableLength = 0

	if _, err := st.file.WriteAt(st.header.encode(blockSize), 0); err != nil {
		return ioErr("write header after bootstrap", err)
	}
	if err := st.file.Sync(); err != nil {
		return ioErr("sync after bootstrap", err)
	}

	mgr, err := newStreamTableManager(st.streamTableStream)
	if err != nil {
		return err
	}
	st.streamTableMgr = mgr

	st.logger.Debug("bootstrapped new master file", zap.Uint32("block_size", blockSize))
	return nil
}

// loadExisting validates the header and loads both system streams
// from an already-populated master file (§4.6).
func (st *Storage) loadExisting() error {
	var buf [headerSize]byte
	if _, err := st.file.ReadAt(buf[:], 0); err != nil {
		return ioErr("read header", err)
	}
	h, err := decodeHeader(buf[:])
	if err != nil {
		return err
	}
	st.header = *h

	freeSegs, err := walkChain(st.file, h.FreeSpaceFirstSeg)
	if err != nil {
		return err
	}
	st.freeSpaceStream = &StorageStream{storage: st, kind: kindFreeSpace, segs: freeSegs, length: totalDataSize(freeSegs)}
	st.freeSpace = newFreeSpaceManager(st, st.freeSpaceStream)

	tableSegs, err := walkChain(st.file, h.StreamTableFirstSeg)
	if err != nil {
		return err
	}
	st.streamTableStream = &StorageStream{storage: st, kind: kindStreamTable, segs: tableSegs, length: h.StreamTableLength}

	mgr, err := newStreamTableManager(st.streamTableStream)
	if err != nil {
		return err
	}
	st.streamTableMgr = mgr

	st.logger.Debug("opened existing master file", zap.Uint32("block_size", h.BlockSize), zap.Int64("file_length", h.FileLength))
	return nil
}

// StreamInfo is a read-only summary of one stream-table row, returned
// by ListStreams.
type StreamInfo struct {
	ID     uuid.UUID
	Tag    uint32
	Length int64
}

// ListStreams returns a snapshot of every stream currently in the
// stream table, in table order.
func (st *Storage) ListStreams() []StreamInfo {
	st.mu.Lock()
	defer st.mu.Unlock()

	infos := make([]StreamInfo, 0, len(st.streamTableMgr.records))
	for _, rec := range st.streamTableMgr.records {
		infos = append(infos, StreamInfo{ID: rec.ID, Tag: rec.Tag, Length: rec.Length})
	}
	return infos
}

// CreateStream allocates a new, empty stream under the given
// application-chosen id and tag (§4.6). Fails with ErrDuplicateStream
// if id already exists.
func (st *Storage) CreateStream(id uuid.UUID, tag uint32) (*StorageStream, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil, ErrStreamClosed
	}
	if id == ReservedStreamTableID || id == ReservedEmptySpaceID {
		return nil, fmt.Errorf("%w: %s is reserved", ErrDuplicateStream, id)
	}
	if st.streamTableMgr.has(id) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateStream, id)
	}

	stream := &StorageStream{storage: st, id: id, kind: kindUser, tag: tag}

	err := st.runTransaction(func() error {
		return st.streamTableMgr.append(&streamRecord{
			ID:                   id,
			Tag:                  tag,
			FirstSegmentPosition: absentLocation,
			Length:               0,
			InitializedLength:    0,
		})
	})
	if err != nil {
		return nil, err
	}

	st.registry[id] = stream
	st.logger.Debug("created stream", zap.String("stream_id", id.String()), zap.Uint32("tag", tag))
	return stream, nil
}

// OpenStream loads and returns the stream identified by id (§4.6).
// Fails with ErrNoSuchStream if it does not exist.
func (st *Storage) OpenStream(id uuid.UUID) (*StorageStream, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil, ErrStreamClosed
	}
	if existing, ok := st.registry[id]; ok {
		return existing, nil
	}

	rec, ok := st.streamTableMgr.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchStream, id)
	}

	segs, err := walkChain(st.file, rec.FirstSegmentPosition)
	if err != nil {
		return nil, err
	}

	stream := &StorageStream{
		storage:           st,
		id:                id,
		kind:              kindUser,
		tag:               rec.Tag,
		segs:              segs,
		length:            rec.Length,
		initializedLength: rec.InitializedLength,
	}
	st.registry[id] = stream
	return stream, nil
}

// DeleteStream returns all of id's segments to free space and removes
// its row from the stream table (§4.6).
func (st *Storage) DeleteStream(id uuid.UUID) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return ErrStreamClosed
	}

	var segs []*segment
	if open, ok := st.registry[id]; ok {
		segs = open.segs
	} else {
		rec, ok := st.streamTableMgr.get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchStream, id)
		}
		var err error
		segs, err = walkChain(st.file, rec.FirstSegmentPosition)
		if err != nil {
			return err
		}
	}

	return st.runTransaction(func() error {
		if len(segs) > 0 {
			if err := st.freeSpace.addSegments(segs); err != nil {
				return err
			}
		}
		if err := st.streamTableMgr.remove(id); err != nil {
			return err
		}
		if open, ok := st.registry[id]; ok {
			open.closed = true
			delete(st.registry, id)
		}
		return nil
	})
}

// streamChangedClosing deregisters a stream whose Close method has
// just run (Design Notes §9).
func (st *Storage) streamChangedClosing(id uuid.UUID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.registry, id)
}

// Close persists and releases the master file: every registered open
// stream is closed first (Design Notes §9), then the master file and
// journal are closed.
func (st *Storage) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return ErrStreamClosed
	}

	var errs error
	for id, stream := range st.registry {
		if err := stream.closeAndPersist(); err != nil {
			errs = multierr.Append(errs, err)
		}
		delete(st.registry, id)
	}

	if err := st.file.Sync(); err != nil {
		errs = multierr.Append(errs, ioErr("sync on close", err))
	}
	if err := st.file.Close(); err != nil {
		errs = multierr.Append(errs, ioErr("close master file", err))
	}
	if err := st.journal.close(); err != nil {
		errs = multierr.Append(errs, err)
	}

	st.closed = true
	return errs
}

// readMasterAt reads directly from the master file; reads are never
// journaled (§7: "Reads surface errors without side-effect").
func (st *Storage) readMasterAt(offset int64, buf []byte) error {
	_, err := st.file.ReadAt(buf, offset)
	if err != nil {
		return ioErr("read master file", err)
	}
	return nil
}

// writeMasterAt captures a before-image (if a transaction is active)
// and then writes data to the master file, per §4.7 and §5's
// happens-before ordering: the journal write completes before the
// target write begins.
func (st *Storage) writeMasterAt(offset int64, data []byte) error {
	if st.journal.active() {
		before := make([]byte, len(data))
		// A short read (including io.EOF with n==0) just means this
		// region didn't exist yet, e.g. freshly grown space; the
		// before-image is correspondingly short or empty.
		n, _ := st.file.ReadAt(before, offset)
		if err := st.journal.record(offset, before[:n]); err != nil {
			return err
		}
	}
	if _, err := st.file.WriteAt(data, offset); err != nil {
		return ioErr("write master file", err)
	}
	return nil
}

// persistHeader writes the master header, journaled like any other
// master-file mutation.
func (st *Storage) persistHeader() error {
	return st.writeMasterAt(0, st.header.encode(st.header.BlockSize))
}

// growFileForFreeSpace extends the master file at its tail by enough
// blocks to cover need data-area bytes plus one segment header, and
// adds the new tail segment to free space (§4.2).
func (st *Storage) growFileForFreeSpace(need int64) error {
	bs := int64(st.header.BlockSize)
	raw := need + structureSize
	grow := ((raw + bs - 1) / bs) * bs

	oldLen := st.header.FileLength
	newLen := oldLen + grow
	if err := st.file.Truncate(newLen); err != nil {
		return ioErr("grow master file", err)
	}

	seg := &segment{Location: oldLen, Size: grow, NextLocation: absentLocation}

	st.header.FileLength = newLen
	if err := st.persistHeader(); err != nil {
		return err
	}

	st.logger.Debug("grew master file", zap.Int64("by_bytes", grow), zap.Int64("new_length", newLen))
	return st.freeSpace.addSegments([]*segment{seg})
}

// persistSegment writes a segment header through the journaled write
// path.
func (st *Storage) persistSegment(seg *segment) error {
	return st.writeMasterAt(seg.Location, seg.headerBytes())
}

// allocateFreeSpace requests data-area bytes from free space,
// growing the master file if necessary.
func (st *Storage) allocateFreeSpace(amount int64) ([]*segment, error) {
	return st.freeSpace.deallocate(amount)
}

// releaseToFreeSpace returns segments to free space.
func (st *Storage) releaseToFreeSpace(segs []*segment) error {
	return st.freeSpace.addSegments(segs)
}

// runTransaction wraps fn in an implicit transaction: it begins one
// (nesting if one is already open), commits on success, and rolls
// back and reloads in-memory state on failure.
func (st *Storage) runTransaction(fn func() error) error {
	st.StartTransaction()
	if err := fn(); err != nil {
		if rerr := st.RollbackTransaction(); rerr != nil {
			return multierr.Append(err, rerr)
		}
		return err
	}
	return st.CommitTransaction()
}

// StartTransaction begins a transaction, or increments the nesting
// counter if one is already open (§4.7: nested transactions flatten).
func (st *Storage) StartTransaction() {
	st.journal.begin(st.header.FileLength)
}

// CommitTransaction ends one level of nesting; only the outermost
// commit truncates the journal (§4.7).
func (st *Storage) CommitTransaction() error {
	if err := st.journal.commit(); err != nil {
		return err
	}
	return nil
}

// RollbackTransaction replays the journal, tail to head, restoring
// the master file to its pre-transaction state, then reloads affected
// stream metadata and segment chains (§4.7's ReloadSegmentsOnRollback).
func (st *Storage) RollbackTransaction() error {
	if err := st.journal.rollback(st.file); err != nil {
		return err
	}
	return st.reloadAfterRollback()
}

// reloadAfterRollback re-reads the header and both system streams,
// then every currently-registered open stream, from disk.
func (st *Storage) reloadAfterRollback() error {
	var buf [headerSize]byte
	if _, err := st.file.ReadAt(buf[:], 0); err != nil {
		return ioErr("reload header", err)
	}
	h, err := decodeHeader(buf[:])
	if err != nil {
		return err
	}
	st.header = *h

	freeSegs, err := walkChain(st.file, h.FreeSpaceFirstSeg)
	if err != nil {
		return err
	}
	st.freeSpaceStream.segs = freeSegs
	st.freeSpaceStream.length = totalDataSize(freeSegs)

	tableSegs, err := walkChain(st.file, h.StreamTableFirstSeg)
	if err != nil {
		return err
	}
	st.streamTableStream.segs = tableSegs
	st.streamTableStream.length = h.StreamTableLength
	if err := st.streamTableMgr.reload(); err != nil {
		return err
	}

	for id, stream := range st.registry {
		rec, ok := st.streamTableMgr.get(id)
		if !ok {
			// The stream was created by the rolled-back transaction
			// and no longer exists; drop its registration.
			delete(st.registry, id)
			stream.closed = true
			continue
		}
		segs, err := walkChain(st.file, rec.FirstSegmentPosition)
		if err != nil {
			return err
		}
		stream.segs = segs
		stream.length = rec.Length
		stream.initializedLength = rec.InitializedLength
	}
	return nil
}
