package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupMetricsServer creates an HTTP server exposing the metrics of reg.
func setupMetricsServer(config *Config, reg prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()

	// Use default path if not specified
	path := config.MetricsPath
	if path == "" {
		path = defaultMetricsPath
	}

	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{ //nolint:exhaustruct
		Addr:              config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
