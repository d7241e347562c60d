package storage

import (
	"io"
	"os"
	"sync"
)

// RandomAccessFile is the engine's file abstraction. Production code
// always gets an osFile; tests can inject a memFile to exercise the
// property tests in-memory, without touching the filesystem.
type RandomAccessFile interface {
	io.ReaderAt
	io.WriterAt

	// Truncate changes the size of the file, growing it with zero
	// bytes if size is larger than the current size.
	Truncate(size int64) error

	// Size returns the current size of the file.
	Size() (int64, error)

	// Sync flushes any buffered data to stable storage.
	Sync() error

	// Close releases the underlying resource.
	Close() error
}

// osFile adapts *os.File to RandomAccessFile.
type osFile struct {
	f *os.File
}

// openOSFile opens (creating if necessary) path for random access.
func openOSFile(path string) (*osFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error)  { return o.f.ReadAt(p, off) }
func (o *osFile) WriteAt(p []byte, off int64) (int, error) { return o.f.WriteAt(p, off) }
func (o *osFile) Truncate(size int64) error                { return o.f.Truncate(size) }
func (o *osFile) Sync() error                              { return o.f.Sync() }
func (o *osFile) Close() error                              { return o.f.Close() }

func (o *osFile) Size() (int64, error) {
	info, err := o.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// memFile is a RandomAccessFile backed by a growable in-memory buffer,
// grounded on store/memory_store.go's in-memory stand-in for the file
// store. It exists purely so the property tests in storage/*_test.go
// can run fast and without a real filesystem.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func newMemFile() *memFile {
	return &memFile{}
}

// NewMemFile returns a RandomAccessFile backed by an in-memory
// buffer, for callers (typically tests) that want a Storage without
// touching the filesystem for the master file.
func NewMemFile() RandomAccessFile {
	return newMemFile()
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 {
		return 0, os.ErrInvalid
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:end], p)
	return len(p), nil
}

func (m *memFile) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size <= int64(len(m.data)) {
		m.data = m.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.data)
	m.data = grown
	return nil
}

func (m *memFile) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}

func (m *memFile) Sync() error { return nil }
func (m *memFile) Close() error { return nil }
