package discovery

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bangush/addinstore/storage"
)

// scanNamespace roots the deterministic stream ids this package mints:
// re-scanning the same tree always derives the same id for the same
// relative path, so a re-scan updates streams in place instead of
// duplicating them.
var scanNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Manifest describes one file discovered and persisted by Scan.
type Manifest struct {
	RelPath  string
	StreamID uuid.UUID
	Size     int64
}

// Scanner walks a directory tree and persists matching files into a
// storage.Storage as streams (C11).
type Scanner struct {
	Storage *storage.Storage
	Logger  *zap.Logger
}

// NewScanner constructs a Scanner; a nil logger falls back to a no-op
// logger.
func NewScanner(st *storage.Storage, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{Storage: st, Logger: logger}
}

// Scan walks root, keeping any regular file whose root-relative,
// slash-separated path matches one of patterns, and persists each
// match as a stream tagged with the index of the pattern that matched
// it.
func (sc *Scanner) Scan(ctx context.Context, root string, patterns []string) ([]Manifest, error) {
	var manifests []Manifest

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		tag, matched := matchAny(patterns, rel)
		if !matched {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		id := uuid.NewSHA1(scanNamespace, []byte(rel))
		if err := sc.persist(id, uint32(tag), data); err != nil {
			return err
		}

		sc.Logger.Debug("discovered manifest",
			zap.String("rel_path", rel),
			zap.String("stream_id", id.String()),
			zap.Int("size", len(data)),
		)
		manifests = append(manifests, Manifest{RelPath: rel, StreamID: id, Size: int64(len(data))})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return manifests, nil
}

func matchAny(patterns []string, path string) (index int, ok bool) {
	for i, p := range patterns {
		if GlobMatch(p, path) {
			return i, true
		}
	}
	return 0, false
}

// persist writes data into the stream named id, creating it if it
// doesn't exist yet or truncating and rewriting it if it does, then
// closes the stream.
func (sc *Scanner) persist(id uuid.UUID, tag uint32, data []byte) error {
	stream, err := sc.Storage.OpenStream(id)
	switch {
	case errors.Is(err, storage.ErrNoSuchStream):
		stream, err = sc.Storage.CreateStream(id, tag)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := stream.SetLength(0); err != nil {
			return err
		}
	}

	if _, err := stream.Seek(0, 0); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := stream.Write(data); err != nil {
			return err
		}
	}
	return stream.Close()
}
