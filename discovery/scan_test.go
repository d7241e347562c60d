package discovery

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bangush/addinstore/storage"
)

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"manifest.json", "manifest.json", true},
		{"*/manifest.json", "addin/manifest.json", true},
		{"*/manifest.json", "a/b/manifest.json", false},
		{"**/manifest.json", "a/b/manifest.json", true},
		{"**/manifest.json", "manifest.json", true},
		{"addins/**", "addins/a/b/manifest.json", true},
		{"addins/**", "other/manifest.json", false},
	}
	for _, tt := range tests {
		if got := GlobMatch(tt.pattern, tt.path); got != tt.want {
			t.Errorf("GlobMatch(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestScanPersistsMatchingFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "addin-a"), 0755); err != nil {
		t.Fatal(err)
	}
	manifestPath := filepath.Join(root, "addin-a", "manifest.json")
	if err := os.WriteFile(manifestPath, []byte(`{"name":"a"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "addin-a", "ignore.txt"), []byte("skip"), 0644); err != nil {
		t.Fatal(err)
	}

	journalPath := filepath.Join(t.TempDir(), "scan.journal")
	memFile := storage.NewMemFile()
	st, err := storage.OpenRandomAccessFile(memFile, journalPath, 512)
	if err != nil {
		t.Fatalf("OpenRandomAccessFile failed: %v", err)
	}
	defer st.Close()

	sc := NewScanner(st, nil)
	manifests, err := sc.Scan(context.Background(), root, []string{"**/manifest.json"})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(manifests) != 1 {
		t.Fatalf("expected 1 manifest, got %d", len(manifests))
	}

	stream, err := st.OpenStream(manifests[0].StreamID)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != `{"name":"a"}` {
		t.Fatalf("stream contents = %q, want %q", got, `{"name":"a"}`)
	}
}

func TestScanIsIdempotentOnRepeat(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "manifest.json"), []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	journalPath := filepath.Join(t.TempDir(), "scan.journal")
	memFile := storage.NewMemFile()
	st, err := storage.OpenRandomAccessFile(memFile, journalPath, 512)
	if err != nil {
		t.Fatalf("OpenRandomAccessFile failed: %v", err)
	}
	defer st.Close()

	sc := NewScanner(st, nil)
	first, err := sc.Scan(context.Background(), root, []string{"*"})
	if err != nil {
		t.Fatalf("first Scan failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "manifest.json"), []byte("v2-longer"), 0644); err != nil {
		t.Fatal(err)
	}
	second, err := sc.Scan(context.Background(), root, []string{"*"})
	if err != nil {
		t.Fatalf("second Scan failed: %v", err)
	}

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected exactly one manifest each scan, got %d and %d", len(first), len(second))
	}
	if first[0].StreamID != second[0].StreamID {
		t.Fatalf("expected re-scan to reuse the same stream id, got %s and %s", first[0].StreamID, second[0].StreamID)
	}

	if len(st.ListStreams()) != 1 {
		t.Fatalf("expected exactly one stream in the table, got %d", len(st.ListStreams()))
	}

	stream, err := st.OpenStream(second[0].StreamID)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "v2-longer" {
		t.Fatalf("stream contents = %q, want %q", got, "v2-longer")
	}
}
