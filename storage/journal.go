package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

// journalBucket is the single bucket the journal ever uses; its
// contents are truncated (bucket dropped and recreated) on every
// commit.
var journalBucket = []byte("before-images")

// journal is the transaction journal (§4.7), backed by a bbolt side
// database rather than a hand-rolled side file — grounded on
// store/bbolt.go's bucket-per-concern, db.Update-closure style,
// repurposed here to store before-images instead of stream metadata.
type journal struct {
	db   *bbolt.DB
	path string

	depth        int   // nesting depth; only the outermost commit truncates, any rollback aborts all levels
	seq          uint64
	beginLength  int64 // master file length when the outermost transaction started
}

func openJournal(path string) (*journal, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, ioErr("open journal", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, ioErr("init journal bucket", err)
	}
	return &journal{db: db, path: path}, nil
}

func (j *journal) close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// begin increments the nesting depth. The caller supplies the master
// file's current length so that an eventual rollback can truncate the
// file back to its pre-transaction size.
func (j *journal) begin(currentFileLength int64) {
	if j.depth == 0 {
		j.beginLength = currentFileLength
		j.seq = 0
	}
	j.depth++
}

// active reports whether a transaction is currently open.
func (j *journal) active() bool { return j.depth > 0 }

// record appends a before-image for the region about to be
// overwritten at location. It must be called before the corresponding
// write to the master file, per §5's happens-before ordering
// guarantee.
func (j *journal) record(location int64, original []byte) error {
	if j.depth == 0 {
		return nil
	}
	seq := j.seq
	j.seq++

	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)

	val := make([]byte, 8+len(original))
	binary.LittleEndian.PutUint64(val[0:8], uint64(location))
	copy(val[8:], original)

	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(journalBucket)
		return b.Put(key[:], val)
	})
}

// commit ends one level of nesting. Only the outermost commit
// truncates the log.
func (j *journal) commit() error {
	if j.depth == 0 {
		return ErrNoTransaction
	}
	j.depth--
	if j.depth > 0 {
		return nil
	}
	return j.truncate()
}

func (j *journal) truncate() error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(journalBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(journalBucket)
		return err
	})
}

// rollback replays every recorded before-image, tail to head, against
// file, then truncates file back to the length recorded at the start
// of the transaction. Any Rollback call aborts the whole (possibly
// nested) transaction, per §4.7.
func (j *journal) rollback(file RandomAccessFile) error {
	if j.depth == 0 {
		return ErrNoTransaction
	}

	type entry struct {
		seq      uint64
		location int64
		original []byte
	}
	var entries []entry

	err := j.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(journalBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 8 {
				return fmt.Errorf("%w: truncated journal entry", ErrTransactionConflict)
			}
			loc := int64(binary.LittleEndian.Uint64(v[0:8]))
			orig := make([]byte, len(v)-8)
			copy(orig, v[8:])
			entries = append(entries, entry{
				seq:      binary.BigEndian.Uint64(k),
				location: loc,
				original: orig,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if len(e.original) > 0 {
			if _, err := file.WriteAt(e.original, e.location); err != nil {
				return ioErr("rollback replay", err)
			}
		}
	}

	if err := file.Truncate(j.beginLength); err != nil {
		return ioErr("rollback truncate", err)
	}
	if err := file.Sync(); err != nil {
		return ioErr("rollback sync", err)
	}

	j.depth = 0
	return j.truncate()
}
