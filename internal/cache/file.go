package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend is a MemoryBackend persisted to a single JSON document after every mutation.
// Writes go to a temporary file that is renamed over the target, so readers never see a torn file.
type FileBackend struct {
	*MemoryBackend
	path string

	// mu orders mutation and persistence so a later snapshot is never overwritten by an earlier one.
	mu sync.Mutex
}

// NewFileBackend loads path if it exists and returns a backend persisting to it.
func NewFileBackend(path string) (*FileBackend, error) {
	f := &FileBackend{MemoryBackend: NewMemoryBackend(), path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	if len(data) == 0 {
		return f, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse cache file %s: %w", path, err)
	}
	raw := make(map[string][]byte, len(doc))
	for k, v := range doc {
		raw[k] = []byte(v)
	}
	f.restore(raw)
	return f, nil
}

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) Save(ctx context.Context, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.MemoryBackend.Save(ctx, entry); err != nil {
		return err
	}
	return f.persist()
}

func (f *FileBackend) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.MemoryBackend.Delete(ctx, key); err != nil {
		return err
	}
	return f.persist()
}

func (f *FileBackend) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.MemoryBackend.Clear(ctx); err != nil {
		return err
	}
	return f.persist()
}

func (f *FileBackend) Ping(ctx context.Context) error {
	_, err := os.Stat(filepath.Dir(f.path))
	return err
}

func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persist()
}

func (f *FileBackend) persist() error {
	doc := make(map[string]json.RawMessage)
	for k, v := range f.snapshot() {
		doc[k] = json.RawMessage(v)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}
