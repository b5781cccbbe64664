/*
Package storage persists the last known reading of every mounted quantity so
an operator can see what the instruments said before a restart.

# Storage Interface

Two backends implement Storage:
  - memory: map-backed, for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent checkpoints

	type Storage interface {
	    Write(ctx context.Context, checkpoints []Checkpoint) error
	    Query(ctx context.Context, req QueryRequest) ([]Checkpoint, error)
	    Delete(ctx context.Context, opts DeleteOptions) error
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

# Checkpoints, not history

A checkpoint is keyed by (handle, quantity). Writing the same pair again
overwrites it, so the store never grows beyond the number of mounted
quantities. Sample history lives only in memory inside the averaging
strategies.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	err = store.Write(ctx, []storage.Checkpoint{
	    {Handle: h, Kind: "gps", Quantity: "latitude", Value: 50.1, Timestamp: time.Now()},
	})

	// Everything one device reported
	cps, err := store.Query(ctx, storage.QueryRequest{Handles: []string{h}})

	// Forget a removed device
	err = store.Delete(ctx, storage.DeleteOptions{Handle: h})

	// Drop checkpoints nobody refreshed for a day
	err = store.Delete(ctx, storage.DeleteOptions{Before: time.Now().Add(-24 * time.Hour)})

Delete with empty options returns ErrUnboundedDelete.
*/
package storage
