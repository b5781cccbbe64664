package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/tinyhelm/pkg/storage"
)

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = 48 MB default)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// One small record per quantity. Memtable gets a third of the budget,
	// block cache half of that, index cache a quarter.
	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = (cfg.MaxMemoryMB << 20) / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// Write upserts checkpoints in one transaction
func (s *Storage) Write(ctx context.Context, checkpoints []storage.Checkpoint) error {
	return run(ctx, "write", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			for i, c := range checkpoints {
				if i%100 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				value, err := json.Marshal(c)
				if err != nil {
					return fmt.Errorf("failed to encode checkpoint: %w", err)
				}
				if err := txn.Set(makeKey(c.Handle, c.Quantity), value); err != nil {
					return fmt.Errorf("failed to write checkpoint: %w", err)
				}
			}
			return nil
		})
	})
}

// Query returns matching checkpoints ordered by handle, then quantity
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]storage.Checkpoint, error) {
	var results []storage.Checkpoint

	err := run(ctx, "query", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return scan(ctx, txn, prefixes(req.Handles), true, func(item *badger.Item) error {
				c, err := decode(item)
				if err != nil {
					return err
				}
				if req.Matches(c) {
					results = append(results, c)
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Handle != results[j].Handle {
			return results[i].Handle < results[j].Handle
		}
		return results[i].Quantity < results[j].Quantity
	})
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// Delete removes the checkpoints selected by opts. A handle-only delete
// walks just that device's key prefix.
func (s *Storage) Delete(ctx context.Context, opts storage.DeleteOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	var handles []string
	if opts.Handle != "" {
		handles = []string{opts.Handle}
	}
	needValues := !opts.Before.IsZero()

	return run(ctx, "delete", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			var keysToDelete [][]byte
			err := scan(ctx, txn, prefixes(handles), needValues, func(item *badger.Item) error {
				if needValues {
					c, err := decode(item)
					if err != nil {
						return err
					}
					if !opts.Matches(c) {
						return nil
					}
				}
				keysToDelete = append(keysToDelete, item.KeyCopy(nil))
				return nil
			})
			if err != nil {
				return err
			}

			for _, key := range keysToDelete {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection, reclaiming space from
// overwritten checkpoints. Returns badger.ErrNoRewrite when nothing was
// worth collecting.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	err := run(ctx, "stats", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			devices := make(map[uint64]struct{})
			return scan(ctx, txn, nil, true, func(item *badger.Item) error {
				c, err := decode(item)
				if err != nil {
					return err
				}
				stats.TotalCheckpoints++
				devices[binary.BigEndian.Uint64(item.Key()[0:8])] = struct{}{}
				stats.TotalDevices = uint64(len(devices))

				if stats.Oldest.IsZero() || c.Timestamp.Before(stats.Oldest) {
					stats.Oldest = c.Timestamp
				}
				if c.Timestamp.After(stats.Newest) {
					stats.Newest = c.Timestamp
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// run executes op in its own goroutine so a cancelled context returns
// promptly even if badger is stalled on compaction.
func run(ctx context.Context, name string, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- op()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", name, ctx.Err())
	}
}

// scan visits every key under each prefix, or every key when prefixes is nil.
func scan(ctx context.Context, txn *badger.Txn, prefixes [][]byte, values bool, fn func(*badger.Item) error) error {
	if prefixes == nil {
		prefixes = [][]byte{nil}
	}

	iterOpts := badger.DefaultIteratorOptions
	iterOpts.PrefetchValues = values
	iterOpts.PrefetchSize = 100

	var n int
	for _, prefix := range prefixes {
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		for it.Rewind(); it.Valid(); it.Next() {
			n++
			if n%1000 == 0 {
				if err := ctx.Err(); err != nil {
					it.Close()
					return err
				}
			}
			if err := fn(it.Item()); err != nil {
				it.Close()
				return err
			}
		}
		it.Close()
	}
	return nil
}

// makeKey builds a fixed-width key: [handle_hash (8 bytes)][quantity_hash (8 bytes)]
func makeKey(handle, quantity string) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], xxhash.Sum64String(handle))
	binary.BigEndian.PutUint64(key[8:16], xxhash.Sum64String(quantity))
	return key
}

func handlePrefix(handle string) []byte {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, xxhash.Sum64String(handle))
	return prefix
}

func prefixes(handles []string) [][]byte {
	if len(handles) == 0 {
		return nil
	}
	out := make([][]byte, len(handles))
	for i, h := range handles {
		out[i] = handlePrefix(h)
	}
	return out
}

func decode(item *badger.Item) (storage.Checkpoint, error) {
	var c storage.Checkpoint
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &c)
	})
	if err != nil {
		return c, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return c, nil
}
