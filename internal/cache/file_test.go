package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// TestFileBackend_PersistsAcrossReopen verifies entries written by one backend instance
// are visible to a new instance opened on the same path.
func TestFileBackend_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.json")

	first, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	entry := Entry{Key: "k1", Origin: models.Location{City: "Berlin"}, Payload: []models.StationReading{{StationName: "Mitte"}}}
	if err := first.Save(ctx, entry); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	second, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("NewFileBackend() reopen error = %v", err)
	}
	got, ok, err := second.Load(ctx, "k1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok {
		t.Fatal("Load() ok = false after reopen, want true")
	}
	if got.Payload[0].StationName != "Mitte" {
		t.Errorf("Load() payload = %+v, want station Mitte", got.Payload)
	}
}

// TestFileBackend_CorruptFile verifies a corrupt document is reported rather than silently discarded.
func TestFileBackend_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := NewFileBackend(path); err == nil {
		t.Fatal("NewFileBackend() error = nil, want parse error")
	}
}

// TestFileBackend_NoTempFilesLeft verifies atomic replace cleans up after itself.
func TestFileBackend_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(filepath.Join(dir, "cache.json"))
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := b.Save(context.Background(), Entry{Key: "k"}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	files, _ := os.ReadDir(dir)
	if len(files) != 1 {
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, f.Name())
		}
		t.Errorf("dir contents = %v, want only cache.json", names)
	}
}
