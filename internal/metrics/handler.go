package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the JSON snapshot.
func (c *Collector) Handler(strategy string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := c.Snapshot(strategy)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// PrometheusHandler serves the Prometheus exposition format.
func (c *Collector) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(c.prometheus.Registry, promhttp.HandlerOpts{})
}
