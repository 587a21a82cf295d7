package middleware

import (
	"net/http"
	"strings"

	"sendqueue/internal/logfields"
	"sendqueue/internal/privacy"
	"sendqueue/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// DetailedLoggingConfig controls the debug request dump. Bodies are never
// logged since they carry message content.
type DetailedLoggingConfig struct {
	LogRequestHeaders  bool
	LogResponseHeaders bool
	SensitiveHeaders   []string
	SkipEndpoints      []string
}

func DefaultDetailedLoggingConfig() DetailedLoggingConfig {
	return DetailedLoggingConfig{
		LogRequestHeaders:  true,
		LogResponseHeaders: false,
		SensitiveHeaders: []string{
			"authorization", "x-api-key", "cookie", "set-cookie", "x-auth-token",
		},
		SkipEndpoints: []string{
			"/metrics", "/health",
		},
	}
}

// DetailedLoggingMiddleware dumps request and response headers at debug
// level. It must run inside ObservabilityMiddleware to pick up the request id.
func DetailedLoggingMiddleware(logger *logrus.Logger, config DetailedLoggingConfig) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !logger.IsLevelEnabled(logrus.DebugLevel) || skipEndpoint(r.URL.Path, config.SkipEndpoints) {
				next.ServeHTTP(w, r)
				return
			}

			requestInfo := tracing.GetRequestInfo(r.Context())

			fields := logrus.Fields{
				logfields.RequestID: requestInfo.RequestID,
				logfields.TraceID:   requestInfo.TraceID,
				logfields.Method:    r.Method,
				logfields.URL:       privacy.MaskURL(r.URL.String()),
				"content_length":    r.ContentLength,
				"protocol":          r.Proto,
			}
			if config.LogRequestHeaders {
				fields["request_headers"] = maskHeaders(r.Header, config.SensitiveHeaders)
			}
			logger.WithFields(fields).Debug("Detailed request logging")

			next.ServeHTTP(w, r)

			if config.LogResponseHeaders {
				logger.WithFields(logrus.Fields{
					logfields.RequestID: requestInfo.RequestID,
					"response_headers":  maskHeaders(w.Header(), config.SensitiveHeaders),
				}).Debug("Detailed response logging")
			}
		})
	}
}

func skipEndpoint(path string, skip []string) bool {
	for _, s := range skip {
		if strings.HasPrefix(path, s) {
			return true
		}
	}
	return false
}

func maskHeaders(header http.Header, sensitive []string) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		if isSensitiveHeader(name, sensitive) {
			out[name] = "***MASKED***"
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func isSensitiveHeader(headerName string, sensitiveHeaders []string) bool {
	for _, sensitive := range sensitiveHeaders {
		if strings.EqualFold(sensitive, headerName) {
			return true
		}
	}
	return false
}
