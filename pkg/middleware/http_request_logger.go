package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type HTTPRequestLogger struct {
	logger         *logrus.Logger
	debug          bool
	errStatusFloor int
}

// NewHTTPRequestLogger logs every request when debug is on, and any request
// whose status reaches errStatusFloor regardless.
func NewHTTPRequestLogger(logger *logrus.Logger, debug bool, errStatusFloor int) *HTTPRequestLogger {
	return &HTTPRequestLogger{
		logger:         logger,
		debug:          debug,
		errStatusFloor: errStatusFloor,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(statusCode int) {
	rec.statusCode = statusCode
	rec.ResponseWriter.WriteHeader(statusCode)
}

func (l *HTTPRequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rec, r)

		if !l.debug && rec.statusCode < l.errStatusFloor {
			return
		}

		l.logger.WithContext(r.Context()).WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"statusCode": rec.statusCode,
			"elapsed":    time.Since(start).String(),
		}).Info()
	})
}
