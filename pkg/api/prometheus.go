package api

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// HandlePrometheusMetrics exports the latest readings and polling counters in
// Prometheus text format so Grafana or Prometheus can scrape the hub.
//
// Format: https://prometheus.io/docs/instrumenting/exposition_formats/
func (h *Handler) HandlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeFamily(w, "tinyhelm_devices", "gauge", "Number of mounted devices")
	fmt.Fprintf(w, "tinyhelm_devices %d\n\n", h.panel.Len())

	readings := h.panel.Snapshot()
	if len(readings) > 0 {
		writeFamily(w, "tinyhelm_reading", "gauge", "Latest reading of a device quantity")
		for _, tr := range readings {
			fmt.Fprintf(w, "tinyhelm_reading%s %v %d\n",
				formatPrometheusLabels(map[string]string{
					"handle":   tr.Handle.String(),
					"kind":     tr.Kind,
					"quantity": tr.Quantity,
				}),
				tr.Value,
				tr.Timestamp.UnixMilli(),
			)
		}
		fmt.Fprintln(w)
	}

	if h.monitor == nil {
		return
	}
	devices := h.monitor.Status().Devices
	if len(devices) == 0 {
		return
	}

	counters := []struct {
		name, help string
		value      func(i int) uint64
	}{
		{"tinyhelm_polls_total", "Polls attempted per device", func(i int) uint64 { return devices[i].Polls }},
		{"tinyhelm_poll_failures_total", "Failed polls per device", func(i int) uint64 { return devices[i].Failures }},
		{"tinyhelm_poll_overruns_total", "Ticks skipped because the previous poll was still running", func(i int) uint64 { return devices[i].Overruns }},
	}
	for _, c := range counters {
		writeFamily(w, c.name, "counter", c.help)
		for i, d := range devices {
			fmt.Fprintf(w, "%s%s %d\n", c.name, formatPrometheusLabels(map[string]string{"handle": d.ID}), c.value(i))
		}
		fmt.Fprintln(w)
	}
}

func writeFamily(w io.Writer, name, typ, help string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
}

// formatPrometheusLabels formats labels in Prometheus format: {key="value",key2="value2"}
func formatPrometheusLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, escapePrometheusValue(labels[k])))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// escapePrometheusValue escapes backslash, double-quote and line feed in
// label values.
func escapePrometheusValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
