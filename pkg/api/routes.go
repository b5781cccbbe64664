package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// RouteOptions configures SetupRoutes.
type RouteOptions struct {
	// Port the server listens on, for the CORS allow-list
	Port string

	// Stream serves GET /v1/ws (optional)
	Stream http.Handler

	Logger *slog.Logger
}

// SetupRoutes registers every route on router.
func SetupRoutes(router *mux.Router, h *Handler, opts RouteOptions) {
	logger := opts.Logger
	if logger == nil {
		logger = h.logger
	}

	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(opts.Port))

	api := router.PathPrefix("/v1").Subrouter()

	// Devices
	api.HandleFunc("/devices", h.HandleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices", h.HandleAddDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices/{handle}", h.HandleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{handle}", h.HandleRemoveDevice).Methods(http.MethodDelete)
	api.HandleFunc("/devices/{handle}/commands", h.HandleSendCommand).Methods(http.MethodPost)

	// Readings
	api.HandleFunc("/devices/{handle}/quantities/{name}", h.HandleReadQuantity).Methods(http.MethodGet)
	api.HandleFunc("/devices/{handle}/quantities/{name}/average", h.HandleReadAverage).Methods(http.MethodGet)
	api.HandleFunc("/checkpoints", h.HandleCheckpoints).Methods(http.MethodGet)

	// Metadata and health
	api.HandleFunc("/kinds", h.HandleKinds).Methods(http.MethodGet)
	api.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)

	if opts.Stream != nil {
		api.Handle("/ws", opts.Stream).Methods(http.MethodGet)
	}

	// Prometheus scrape endpoint
	router.HandleFunc("/metrics", h.HandlePrometheusMetrics).Methods(http.MethodGet)
}
