// Package api exposes the panel over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyhelm/pkg/average"
	"github.com/nicktill/tinyhelm/pkg/config"
	"github.com/nicktill/tinyhelm/pkg/device"
	"github.com/nicktill/tinyhelm/pkg/httpx"
	"github.com/nicktill/tinyhelm/pkg/panel"
	"github.com/nicktill/tinyhelm/pkg/server/monitor"
	"github.com/nicktill/tinyhelm/pkg/storage"
)

// ErrUnknownKind is returned when a client asks for a device kind the
// registry cannot build.
var ErrUnknownKind = errors.New("unknown device kind")

// Registry resolves device kinds to factories.
type Registry interface {
	Kinds() []string
	Factory(kind string) (device.Factory, error)
}

// Handler serves the /v1 API.
type Handler struct {
	panel    *panel.Panel
	registry Registry
	store    storage.Storage
	monitor  *monitor.PollMonitor
	logger   *slog.Logger
	version  string
	started  time.Time
}

// Options wires a Handler. Store and Monitor are optional.
type Options struct {
	Panel    *panel.Panel
	Registry Registry
	Store    storage.Storage
	Monitor  *monitor.PollMonitor
	Logger   *slog.Logger
	Version  string
}

// NewHandler creates a handler over the given panel.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		panel:    opts.Panel,
		registry: opts.Registry,
		store:    opts.Store,
		monitor:  opts.Monitor,
		logger:   logger,
		version:  opts.Version,
		started:  time.Now(),
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, panel.ErrUnknownHandle),
		errors.Is(err, device.ErrUnknownQuantity):
		return http.StatusNotFound
	case errors.Is(err, average.ErrEmptyWindow),
		errors.Is(err, device.ErrNoReading):
		return http.StatusConflict
	case errors.Is(err, device.ErrInvalidCommand):
		return http.StatusUnprocessableEntity
	case errors.Is(err, average.ErrNegativeDuration),
		errors.Is(err, ErrUnknownKind),
		errors.Is(err, device.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	httpx.RespondError(w, status, err)
}

func handleOf(r *http.Request) panel.Handle {
	return panel.Handle(mux.Vars(r)["handle"])
}

// ListResponse is the body of GET /v1/devices.
type ListResponse struct {
	Devices []panel.Info `json:"devices"`
}

// HandleListDevices lists mounted devices.
func (h *Handler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, ListResponse{Devices: h.panel.List()})
}

// AddRequest is the body of POST /v1/devices.
type AddRequest struct {
	Kind string `json:"kind"`

	// Commands sent right after mounting (optional)
	Commands []string `json:"commands,omitempty"`
}

// HandleAddDevice mounts a new device of the requested kind.
func (h *Handler) HandleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req AddRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Kind == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "kind is required")
		return
	}

	info, err := Mount(r.Context(), h.panel, h.registry, req.Kind, req.Commands, h.logger)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/devices/"+info.Handle.String())
	httpx.RespondJSON(w, http.StatusCreated, info)
}

// Mount builds a device of kind, mounts it on p and sends it the initial
// commands. If a command is rejected the device is removed again; a failed
// removal is logged on logger.
func Mount(ctx context.Context, p *panel.Panel, reg Registry, kind string, commands []string, logger *slog.Logger) (panel.Info, error) {
	factory, err := reg.Factory(kind)
	if err != nil {
		return panel.Info{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	handle, err := p.AddDevice(ctx, factory)
	if err != nil {
		return panel.Info{}, err
	}
	for _, cmd := range commands {
		if err := p.SendCommand(ctx, handle, device.Text(cmd)); err != nil {
			if rmErr := p.RemoveDevice(handle); rmErr != nil && logger != nil {
				logger.Warn("Failed to remove device after rejected command", "handle", handle, "error", rmErr)
			}
			return panel.Info{}, fmt.Errorf("initial command %q: %w", cmd, err)
		}
	}
	return p.Info(handle)
}

// DeviceDetail is the body of GET /v1/devices/{handle}.
type DeviceDetail struct {
	panel.Info
	Readings []device.Reading `json:"readings"`
	Samples  map[string]uint64 `json:"samples"`
}

// HandleGetDevice describes one device and its latest readings.
func (h *Handler) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	handle := handleOf(r)

	info, err := h.panel.Info(handle)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	readings, err := h.panel.Readings(handle)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	detail := DeviceDetail{Info: info, Readings: readings, Samples: make(map[string]uint64, len(info.Quantities))}
	for _, q := range info.Quantities {
		if n, err := h.panel.Count(handle, q); err == nil {
			detail.Samples[q] = n
		}
	}
	httpx.RespondJSON(w, http.StatusOK, detail)
}

// HandleRemoveDevice unmounts a device and forgets its checkpoints.
func (h *Handler) HandleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	handle := handleOf(r)

	if err := h.panel.RemoveDevice(handle); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.monitor != nil {
		h.monitor.Forget(handle.String())
	}
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), config.StorageTimeout)
		defer cancel()
		if err := h.store.Delete(ctx, storage.DeleteOptions{Handle: handle.String()}); err != nil {
			h.logger.Warn("Failed to delete checkpoints", "handle", handle, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleReadQuantity returns the latest reading of one quantity.
func (h *Handler) HandleReadQuantity(w http.ResponseWriter, r *http.Request) {
	reading, err := h.panel.ReadLatest(handleOf(r), mux.Vars(r)["name"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, reading)
}

// AverageResponse is the body of GET .../average.
type AverageResponse struct {
	Quantity string  `json:"quantity"`
	Window   string  `json:"window"`
	Average  float64 `json:"average"`
}

// HandleReadAverage returns the moving average of one quantity over the
// window given as ?window=2s or ?window=PT2S.
func (h *Handler) HandleReadAverage(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "window parameter is required")
		return
	}
	window, err := config.ParseDuration(raw)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	name := mux.Vars(r)["name"]
	mean, err := h.panel.ReadAverage(handleOf(r), name, window)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, AverageResponse{Quantity: name, Window: window.String(), Average: mean})
}

// CommandRequest is the body of POST .../commands.
type CommandRequest struct {
	Command string `json:"command"`
}

// HandleSendCommand forwards a command to a device.
func (h *Handler) HandleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.panel.SendCommand(r.Context(), handleOf(r), device.Text(req.Command)); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "command": req.Command})
}

// HandleKinds lists the device kinds that can be mounted.
func (h *Handler) HandleKinds(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string][]string{"kinds": h.registry.Kinds()})
}

// HandleCheckpoints returns persisted last-known readings, optionally
// filtered by ?handle= and ?quantity= (both repeatable).
func (h *Handler) HandleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		httpx.RespondErrorString(w, http.StatusNotImplemented, "checkpoint storage is disabled")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.StorageTimeout)
	defer cancel()

	q := r.URL.Query()
	cps, err := h.store.Query(ctx, storage.QueryRequest{
		Handles:    q["handle"],
		Quantities: q["quantity"],
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if cps == nil {
		cps = []storage.Checkpoint{}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string             `json:"status"`
	Version string             `json:"version"`
	Uptime  string             `json:"uptime"`
	Devices int                `json:"devices"`
	Polling monitor.PollStatus `json:"polling"`
	Storage *storage.Stats     `json:"storage,omitempty"`
}

// HandleHealth reports whether every device is polling successfully.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Devices: h.panel.Len(),
	}
	status := http.StatusOK

	if h.monitor != nil {
		resp.Polling = h.monitor.Status()
		if !resp.Polling.Healthy {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), config.StorageTimeout)
		defer cancel()
		if stats, err := h.store.Stats(ctx); err == nil {
			resp.Storage = stats
		} else {
			h.logger.Warn("Storage stats unavailable", "error", err)
		}
	}

	httpx.RespondJSON(w, status, resp)
}
