package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nicktill/tinyhelm/pkg/storage"
)

type key struct {
	handle   string
	quantity string
}

// Storage keeps checkpoints in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	checkpoints map[key]storage.Checkpoint
	mu          sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		checkpoints: make(map[key]storage.Checkpoint),
	}
}

// Write upserts checkpoints
func (s *Storage) Write(ctx context.Context, checkpoints []storage.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range checkpoints {
		s.checkpoints[key{c.Handle, c.Quantity}] = c
	}
	return nil
}

// Query returns matching checkpoints ordered by handle, then quantity
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]storage.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	results := make([]storage.Checkpoint, 0, len(s.checkpoints))
	for _, c := range s.checkpoints {
		if req.Matches(c) {
			results = append(results, c)
		}
	}
	s.mu.RUnlock()

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

// Delete removes the checkpoints selected by opts
func (s *Storage) Delete(ctx context.Context, opts storage.DeleteOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, c := range s.checkpoints {
		if opts.Matches(c) {
			delete(s.checkpoints, k)
		}
	}
	return nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalCheckpoints: uint64(len(s.checkpoints)),
	}

	devices := make(map[string]struct{})
	for _, c := range s.checkpoints {
		devices[c.Handle] = struct{}{}
		if stats.Oldest.IsZero() || c.Timestamp.Before(stats.Oldest) {
			stats.Oldest = c.Timestamp
		}
		if c.Timestamp.After(stats.Newest) {
			stats.Newest = c.Timestamp
		}
	}
	stats.TotalDevices = uint64(len(devices))

	// Rough size estimate (each checkpoint ~100 bytes)
	stats.SizeBytes = uint64(len(s.checkpoints)) * 100

	return stats, nil
}
