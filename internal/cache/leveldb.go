package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const levelEntryPrefix = "e:"

// LevelDBBackend stores entries in an embedded LevelDB database under the "e:" key prefix.
type LevelDBBackend struct {
	db *leveldb.DB
}

// NewLevelDBBackend opens (or creates) the database at path.
func NewLevelDBBackend(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBBackend{db: db}, nil
}

func (l *LevelDBBackend) Name() string { return "leveldb" }

func (l *LevelDBBackend) Load(ctx context.Context, key string) (Entry, bool, error) {
	if ctx.Err() != nil {
		return Entry{}, false, ctx.Err()
	}
	b, err := l.db.Get([]byte(levelEntryPrefix+key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (l *LevelDBBackend) Save(ctx context.Context, entry Entry) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	b, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return l.db.Put([]byte(levelEntryPrefix+entry.Key), b, nil)
}

func (l *LevelDBBackend) Delete(ctx context.Context, key string) error {
	return l.db.Delete([]byte(levelEntryPrefix+key), nil)
}

func (l *LevelDBBackend) Scan(ctx context.Context, fn func(Entry) error) error {
	it := l.db.NewIterator(util.BytesPrefix([]byte(levelEntryPrefix)), nil)
	defer it.Release()

	for it.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e, err := decodeEntry(it.Value())
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return it.Error()
}

// Clear deletes every entry in one batch.
func (l *LevelDBBackend) Clear(ctx context.Context) error {
	it := l.db.NewIterator(util.BytesPrefix([]byte(levelEntryPrefix)), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}

func (l *LevelDBBackend) Stats(ctx context.Context) (Stats, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(levelEntryPrefix)), nil)
	defer it.Release()

	var st Stats
	for it.Next() {
		st.ItemCount++
		st.SizeBytes += int64(len(it.Value()))
	}
	return st, it.Error()
}

func (l *LevelDBBackend) Ping(ctx context.Context) error {
	_, err := l.db.GetProperty("leveldb.stats")
	return err
}

func (l *LevelDBBackend) Close() error {
	return l.db.Close()
}
