package storage

import (
	"errors"
	"testing"
)

func TestSegmentChecksumRoundTrip(t *testing.T) {
	file := newMemFile()
	if err := file.Truncate(4096); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	seg := &segment{Location: 512, Size: 512, NextLocation: 1024}
	if err := seg.persist(file); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	loaded, err := loadSegment(file, 512)
	if err != nil {
		t.Fatalf("loadSegment failed: %v", err)
	}
	if loaded.Size != seg.Size || loaded.NextLocation != seg.NextLocation {
		t.Fatalf("loaded %+v, want %+v", loaded, seg)
	}
}

func TestSegmentChecksumMismatch(t *testing.T) {
	file := newMemFile()
	if err := file.Truncate(4096); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	seg := &segment{Location: 0, Size: 512, NextLocation: absentLocation}
	if err := seg.persist(file); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	corrupt := []byte{0xFF}
	if _, err := file.WriteAt(corrupt, 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	if _, err := loadSegment(file, 0); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("loadSegment = %v, want ErrChecksumMismatch", err)
	}
}

func TestSegmentSplitRefusesBelowOneBlock(t *testing.T) {
	seg := &segment{Location: 0, Size: 512, NextLocation: absentLocation}

	removed, remaining, tookWhole := seg.split(8, false, 512)
	if !tookWhole {
		t.Fatalf("expected split to refuse and take the whole segment")
	}
	if remaining != nil {
		t.Fatalf("expected no remaining segment, got %+v", remaining)
	}
	if removed.Size != 512 {
		t.Fatalf("removed.Size = %d, want 512", removed.Size)
	}
}

func TestSegmentSplitProducesAlignedPieces(t *testing.T) {
	seg := &segment{Location: 0, Size: 2048, NextLocation: absentLocation}

	removed, remaining, tookWhole := seg.split(500, false, 512)
	if tookWhole {
		t.Fatalf("did not expect split refusal")
	}
	if removed.Size%512 != 0 || remaining.Size%512 != 0 {
		t.Fatalf("split produced unaligned sizes: removed=%d remaining=%d", removed.Size, remaining.Size)
	}
	if removed.Size+remaining.Size != seg.Size {
		t.Fatalf("split pieces %d + %d != original %d", removed.Size, remaining.Size, seg.Size)
	}
}

func TestWalkChainDetectsCycle(t *testing.T) {
	file := newMemFile()
	if err := file.Truncate(4096); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	a := &segment{Location: 0, Size: 512, NextLocation: 512}
	b := &segment{Location: 512, Size: 512, NextLocation: 0}
	if err := a.persist(file); err != nil {
		t.Fatalf("persist a failed: %v", err)
	}
	if err := b.persist(file); err != nil {
		t.Fatalf("persist b failed: %v", err)
	}

	if _, err := walkChain(file, 0); err != ErrBadFormat {
		t.Fatalf("walkChain = %v, want ErrBadFormat", err)
	}
}
