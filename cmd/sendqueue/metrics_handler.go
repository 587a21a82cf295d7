package main

import (
	"encoding/json"
	"net/http"

	"sendqueue/internal/logfields"
	"sendqueue/internal/metrics"
	"sendqueue/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const metricsNamespace = "sendqueue"

// handleMetrics returns current application metrics
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestInfo := tracing.GetRequestInfo(r.Context())

		allMetrics := metrics.GetAllMetrics()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		if err := encoder.Encode(allMetrics); err != nil {
			s.logger.WithFields(logrus.Fields{
				logfields.RequestID: requestInfo.RequestID,
				logfields.TraceID:   requestInfo.TraceID,
			}).WithError(err).Error("Failed to encode metrics response")
			return
		}

		s.logger.WithFields(logrus.Fields{
			logfields.RequestID: requestInfo.RequestID,
			logfields.Path:      "/metrics",
		}).Debug("Metrics endpoint served successfully")
	}
}

// prometheusHandler exposes the in-process registry plus Go runtime and
// process collectors in the Prometheus text format.
func (s *Server) prometheusHandler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.NewCollector(metrics.GetRegistry(), metricsNamespace),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog:      logrusPromLogger{s.logger},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// logrusPromLogger adapts logrus to promhttp's error logger.
type logrusPromLogger struct {
	logger *logrus.Logger
}

func (l logrusPromLogger) Println(v ...interface{}) {
	l.logger.WithField(logfields.Component, "prometheus").Error(v...)
}
