package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyhelm/pkg/api"
	"github.com/nicktill/tinyhelm/pkg/average"
	"github.com/nicktill/tinyhelm/pkg/clock"
	"github.com/nicktill/tinyhelm/pkg/device"
	"github.com/nicktill/tinyhelm/pkg/device/simulated"
	"github.com/nicktill/tinyhelm/pkg/panel"
	"github.com/nicktill/tinyhelm/pkg/scheduler"
)

type hub struct {
	url   string
	clock *clock.Fake
	sched *scheduler.Scheduler
	panel *panel.Panel
}

func newHub(t *testing.T) *hub {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sched, err := scheduler.New(scheduler.Hz(1), scheduler.WithClock(fc), scheduler.WithLogger(logger))
	require.NoError(t, err)
	p := panel.New(sched,
		panel.WithLogger(logger),
		panel.WithClock(fc),
		panel.WithStateOptions(device.WithDefaultAverage(average.WindowFactory(time.Minute, average.WithClock(fc)))),
	)

	router := mux.NewRouter()
	api.SetupRoutes(router, api.NewHandler(api.Options{
		Panel:    p,
		Registry: simulated.Registry{},
		Logger:   logger,
	}), api.RouteOptions{Logger: logger})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &hub{url: srv.URL, clock: fc, sched: sched, panel: p}
}

func (h *hub) tick(n int) {
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Second)
		h.sched.Tick(context.Background())
	}
}

func (h *hub) helmctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", h.url}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHelmctl_AddReadRemove(t *testing.T) {
	h := newHub(t)

	out, err := h.helmctl(t, "add", "engine", "--cmd", "start", "--cmd", "rpm 1200")
	require.NoError(t, err)
	handle := strings.TrimSpace(out)
	require.NotEmpty(t, handle)

	out, err = h.helmctl(t, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "HANDLE")
	assert.Contains(t, out, handle)
	assert.Contains(t, out, "running,rpm,direction")

	h.tick(2)

	out, err = h.helmctl(t, "read", handle, "running")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "running\t1\t"), out)

	out, err = h.helmctl(t, "read", handle)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "\n"))

	out, err = h.helmctl(t, "average", handle, "running", "PT5S")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	out, err = h.helmctl(t, "send", handle, "rpm", "1500")
	require.NoError(t, err)
	assert.Equal(t, "sent \"rpm 1500\"\n", out)

	_, err = h.helmctl(t, "remove", handle)
	require.NoError(t, err)
	assert.Zero(t, h.panel.Len())
}

func TestHelmctl_Errors(t *testing.T) {
	h := newHub(t)

	_, err := h.helmctl(t, "add", "sonar")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Contains(t, apiErr.Message, "sonar")

	_, err = h.helmctl(t, "read", "no-such-handle", "heading")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)

	out, err := h.helmctl(t, "add", "autopilot")
	require.NoError(t, err)
	_, err = h.helmctl(t, "send", strings.TrimSpace(out), "disengage")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 422, apiErr.Status)

	_, err = h.helmctl(t, "average", "x", "y")
	assert.Error(t, err, "missing window argument")
}

func TestHelmctl_KindsAndJSON(t *testing.T) {
	h := newHub(t)

	out, err := h.helmctl(t, "kinds")
	require.NoError(t, err)
	assert.Equal(t, strings.Join(simulated.Kinds(), "\n")+"\n", out)

	_, err = h.helmctl(t, "add", "compass")
	require.NoError(t, err)

	out, err = h.helmctl(t, "--json", "devices")
	require.NoError(t, err)
	assert.Contains(t, out, `"kind": "compass"`)
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base, want string
		wantErr    bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/v1/ws", false},
		{"https://boat.local/", "wss://boat.local/v1/ws", false},
		{"ftp://boat.local", "", true},
	}
	for _, tt := range tests {
		got, err := streamURL(tt.base)
		if tt.wantErr {
			assert.Error(t, err, tt.base)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestDevicePath(t *testing.T) {
	assert.Equal(t, "/v1/devices/abc/quantities/wind%20speed", devicePath("abc", "quantities", "wind speed"))
}
