package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnboundedDelete is returned by Delete when neither a handle nor a cutoff
// is given.
var ErrUnboundedDelete = errors.New("delete needs a handle or a cutoff")

// Checkpoint is the last known value of one quantity of one device.
type Checkpoint struct {
	Handle    string    `json:"handle"`
	Kind      string    `json:"kind"`
	Quantity  string    `json:"quantity"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Storage keeps one checkpoint per (handle, quantity). Writing a checkpoint
// replaces the previous one; no history is kept.
// Implementations: memory (testing), badger (production)
type Storage interface {
	// Write upserts checkpoints
	Write(ctx context.Context, checkpoints []Checkpoint) error

	// Query returns the checkpoints matching req
	Query(ctx context.Context, req QueryRequest) ([]Checkpoint, error)

	// Delete removes the checkpoints matching opts
	Delete(ctx context.Context, opts DeleteOptions) error

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// QueryRequest specifies which checkpoints to return. Empty filters match
// everything.
type QueryRequest struct {
	Handles    []string
	Quantities []string

	// Only checkpoints stamped at or after Since (optional)
	Since time.Time

	// Limit number of results (0 = no limit)
	Limit int
}

// DeleteOptions selects checkpoints to remove. Both filters must match when
// both are set.
type DeleteOptions struct {
	// Handle removes every checkpoint of one device
	Handle string

	// Before removes checkpoints stamped before this time
	Before time.Time
}

// Stats provides storage health and usage info
type Stats struct {
	TotalCheckpoints uint64    `json:"total_checkpoints"`
	TotalDevices     uint64    `json:"total_devices"`
	SizeBytes        uint64    `json:"size_bytes"`
	Oldest           time.Time `json:"oldest"`
	Newest           time.Time `json:"newest"`
}

// Matches reports whether c passes the filters of req.
func (req QueryRequest) Matches(c Checkpoint) bool {
	if !req.Since.IsZero() && c.Timestamp.Before(req.Since) {
		return false
	}
	if len(req.Handles) > 0 && !contains(req.Handles, c.Handle) {
		return false
	}
	if len(req.Quantities) > 0 && !contains(req.Quantities, c.Quantity) {
		return false
	}
	return true
}

// Validate rejects options that would delete everything.
func (opts DeleteOptions) Validate() error {
	if opts.Handle == "" && opts.Before.IsZero() {
		return ErrUnboundedDelete
	}
	return nil
}

// Matches reports whether c is selected for deletion.
func (opts DeleteOptions) Matches(c Checkpoint) bool {
	if opts.Handle != "" && c.Handle != opts.Handle {
		return false
	}
	if !opts.Before.IsZero() && !c.Timestamp.Before(opts.Before) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
