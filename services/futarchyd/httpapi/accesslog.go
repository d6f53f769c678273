package httpapi

import (
	"io"
	"log"
	"net/http"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewAccessLogWriter returns a rotating file writer for the status API's
// access log, rotating at maxSizeMB with up to maxBackups kept.
func NewAccessLogWriter(path string, maxSizeMB, maxBackups int) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     14,
		Compress:   true,
	}
}

// AccessLog wraps next, writing one line per request to out: method, path,
// status, and latency. Errors writing the log line are ignored; the API
// itself must never fail because its access log couldn't be written.
func AccessLog(out io.Writer) func(http.Handler) http.Handler {
	logger := log.New(out, "", log.LstdFlags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Printf("%s %s %d %s", r.Method, r.URL.Path, sw.status, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
