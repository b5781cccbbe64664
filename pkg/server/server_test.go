package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyhelm/pkg/config"
	"github.com/nicktill/tinyhelm/pkg/storage"
	"github.com/nicktill/tinyhelm/pkg/storage/badger"
	"github.com/nicktill/tinyhelm/pkg/storage/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage = config.StorageMemory
	cfg.Devices = []config.DeviceConfig{
		{Kind: "compass"},
		{Kind: "engine", Commands: []string{"start", "rpm 1200"}},
	}
	return cfg
}

func TestBuild_MountsConfiguredDevices(t *testing.T) {
	app, err := Build(memoryConfig(), discard(), "test")
	require.NoError(t, err)
	defer app.Store.Close()

	require.NoError(t, app.MountDevices(context.Background()))
	assert.Equal(t, 2, app.Panel.Len())
	assert.Equal(t, 2, app.Scheduler.Len())

	app.Scheduler.Tick(context.Background())

	for _, info := range app.Panel.List() {
		if info.Kind != "engine" {
			continue
		}
		running, err := app.Panel.ReadLatest(info.Handle, "running")
		require.NoError(t, err)
		assert.Equal(t, 1.0, running.Value)
	}
	assert.True(t, app.Monitor.IsHealthy())
}

func TestBuild_MountFailure(t *testing.T) {
	cfg := memoryConfig()
	cfg.Devices = append(cfg.Devices, config.DeviceConfig{Kind: "sonar"})

	app, err := Build(cfg, discard(), "test")
	require.NoError(t, err)
	defer app.Store.Close()

	err = app.MountDevices(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sonar")
}

func TestBuild_InvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Average.Strategy = "median"
	_, err := Build(cfg, discard(), "test")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg = memoryConfig()
	cfg.Storage = "postgres"
	_, err = Build(cfg, discard(), "test")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRouter_ServesAPI(t *testing.T) {
	app, err := Build(memoryConfig(), discard(), "test")
	require.NoError(t, err)
	defer app.Store.Close()

	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	for _, path := range []string{"/v1/kinds", "/v1/devices", "/v1/health", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestInitializeStorage_Badger(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir() + "/nested"

	store, err := InitializeStorage(cfg, discard())
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.(*badger.Storage)
	assert.True(t, ok)
}

func TestWriteAndPruneCheckpoints(t *testing.T) {
	app, err := Build(memoryConfig(), discard(), "test")
	require.NoError(t, err)
	defer app.Store.Close()
	ctx := context.Background()

	n, err := WriteCheckpoints(ctx, app.Panel, app.Store)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing to write before any device is mounted")

	require.NoError(t, app.MountDevices(ctx))
	app.Scheduler.Tick(ctx)

	n, err = WriteCheckpoints(ctx, app.Panel, app.Store)
	require.NoError(t, err)
	// compass: heading; engine: running, rpm, direction
	assert.Equal(t, 4, n)

	cps, err := app.Store.Query(ctx, storage.QueryRequest{Quantities: []string{"heading"}})
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "compass", cps[0].Kind)

	require.NoError(t, app.Store.Write(ctx, []storage.Checkpoint{
		{Handle: "old-run", Kind: "gps", Quantity: "latitude", Value: 1, Timestamp: time.Now().Add(-48 * time.Hour)},
	}))
	require.NoError(t, PruneCheckpoints(ctx, app.Store, time.Now().Add(-config.StaleCheckpointAge)))

	cps, err = app.Store.Query(ctx, storage.QueryRequest{})
	require.NoError(t, err)
	assert.Len(t, cps, 4)
	for _, cp := range cps {
		assert.NotEqual(t, "old-run", cp.Handle)
	}
}

func TestRunCheckpoints_FinalWriteOnCancel(t *testing.T) {
	app, err := Build(memoryConfig(), discard(), "test")
	require.NoError(t, err)
	defer app.Store.Close()
	require.NoError(t, app.MountDevices(context.Background()))
	app.Scheduler.Tick(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunCheckpoints(ctx, app.Panel, app.Store, time.Hour, discard())
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunCheckpoints did not stop")
	}

	stats, err := app.Store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.TotalCheckpoints)
}

func TestRunBadgerGC_SkipsOtherBackends(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunBadgerGC(context.Background(), memory.New(), time.Millisecond, discard())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunBadgerGC should return immediately for memory storage")
	}
}

func TestErrorBackoff(t *testing.T) {
	var b errorBackoff
	now := time.Unix(0, 0)

	log, wait := b.fail(now)
	assert.True(t, log)
	assert.Equal(t, time.Second, wait)

	log, wait = b.fail(now.Add(500 * time.Millisecond))
	assert.False(t, log)
	assert.Equal(t, 2*time.Second, wait)

	log, _ = b.fail(now.Add(5 * time.Second))
	assert.True(t, log)

	for i := 0; i < 20; i++ {
		_, wait = b.fail(now)
	}
	assert.Equal(t, 256*time.Second, wait)

	assert.Equal(t, 23, b.reset())
	log, _ = b.fail(now)
	assert.True(t, log)
}
