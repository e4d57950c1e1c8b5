// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"
)

// MaxBodyBytes caps inbound webhook bodies. Larger requests are answered
// with 413 and never reach the relay.
const MaxBodyBytes = 64 * 1024

// Chain wraps the relay handler with the listener-side concerns: access
// logging and request ids, the POST-only guard, the body size limit and,
// when compress is set, gzip response compression.
func Chain(name string, relay http.Handler, compress bool, logger zerolog.Logger) http.Handler {
	h := limitBody(MaxBodyBytes, relay)
	h = requirePost(h)
	if compress {
		h = gzhttp.GzipHandler(h)
	}
	return accessLog(name, logger, h)
}

// requirePost answers every non-POST request with 405.
func requirePost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody reads the whole body up front so oversized requests are refused
// before next runs. next sees the buffered body.
func limitBody(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("read request body failed")
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// accessLog attaches a request-scoped logger and id to the context and logs
// one line per request once the response is written.
func accessLog(name string, logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := requestIDFrom(r)

		event := logger.With().
			Str("listener", name).
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Logger()

		ctx := withRequestID(event.WithContext(r.Context()), requestID)
		rw := &statusWriter{ResponseWriter: w}

		next.ServeHTTP(rw, r.WithContext(ctx))

		status := rw.status
		if status == 0 {
			status = http.StatusOK
		}
		entry := event.Info()
		if status >= http.StatusInternalServerError {
			entry = event.Error()
		} else if status >= http.StatusBadRequest {
			entry = event.Warn()
		}
		entry.
			Int("status", status).
			Int64("bytes", rw.bytes).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

// statusWriter remembers the status code and body size written through it.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Flush forwards to the wrapped writer when it supports flushing.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
