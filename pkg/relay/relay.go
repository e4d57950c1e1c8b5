// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http/httpguts"

	"github.com/go-core-stack/webhook-relay/pkg/config"
)

// Fixed headers sent ahead of the inbound ones on every dispatch call.
const (
	headerAccept       = "Accept"
	headerAPIVersion   = "X-GitHub-Api-Version"
	acceptDispatch     = "application/vnd.github+json"
	dispatchAPIVersion = "2022-11-28"
)

// Recorder receives per-request outcomes. metrics.Recorder satisfies it.
type Recorder interface {
	Outcome(outcome string)
	UpstreamResponse(code int, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Outcome(string)                      {}
func (nopRecorder) UpstreamResponse(int, time.Duration) {}

// Option customises a Handler.
type Option func(*Handler)

// WithClient replaces the outbound client built from the configuration.
func WithClient(client Doer) Option {
	return func(h *Handler) {
		h.client = client
	}
}

// WithLogger sets the logger used when a request context carries none.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger.With().Str("component", "relay").Logger()
	}
}

// WithRecorder reports outcomes to rec.
func WithRecorder(rec Recorder) Option {
	return func(h *Handler) {
		h.recorder = rec
	}
}

// Handler relays webhook deliveries to the dispatch API. It holds no
// per-request state and is safe for concurrent use.
type Handler struct {
	// origin is the upstream scheme://host[/prefix] without a trailing slash.
	origin string
	// client performs the single outbound call per request.
	client Doer
	// recorder receives outcome counts and upstream latencies.
	recorder Recorder
	// logger is used when the request context carries no logger.
	logger zerolog.Logger
	// encode serialises the dispatch envelope.
	encode func(DispatchEnvelope) ([]byte, error)
}

// New constructs a Handler for cfg.Upstream. Unless WithClient is given, the
// outbound client comes from NewClient(cfg).
func New(cfg config.Config, opts ...Option) (*Handler, error) {
	if cfg.Upstream == nil || !cfg.Upstream.IsAbs() {
		return nil, errors.New("relay: upstream must be an absolute URL")
	}

	h := &Handler{
		origin:   strings.TrimSuffix(cfg.Upstream.String(), "/"),
		recorder: nopRecorder{},
		logger:   zerolog.Nop(),
		encode:   encodeEnvelope,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.client == nil {
		h.client = NewClient(cfg)
	}

	return h, nil
}

// Handle relays one webhook and returns the response for the caller. It
// never fails: relay errors are rendered as plain-text 400/500 responses and
// upstream responses, error statuses included, are returned as received.
// Handle does not bound or cancel the outbound call beyond what ctx and the
// client impose.
func (h *Handler) Handle(ctx context.Context, in InboundRequest) *http.Response {
	logger := h.loggerFor(ctx)
	logger.Debug().Str("path", in.Path).Msg("got POST request")

	env, err := newEnvelope(in.eventType(), in.Body)
	if err != nil {
		return h.fail(logger, OutcomeInvalidBody, err)
	}
	logger.Debug().Str("event_type", env.EventType).Msg("decoded request body")

	payload, err := h.encode(env)
	if err != nil {
		return h.fail(logger, OutcomeEncodeError, &Error{
			Status:  http.StatusInternalServerError,
			Message: msgReserialize,
			Err:     err,
		})
	}
	logger.Debug().Int("bytes", len(payload)).Msg("serialized dispatch envelope")

	req, err := h.newUpstreamRequest(ctx, in.Path, in.Header, payload)
	if err != nil {
		return h.fail(logger, OutcomeRequestError, &Error{
			Status:  http.StatusInternalServerError,
			Message: err.Error(),
			Err:     err,
		})
	}
	logger.Info().Str("upstream", req.URL.Redacted()).Msg("created request for upstream")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return h.fail(logger, OutcomeUpstreamError, &Error{
			Status:  http.StatusInternalServerError,
			Message: msgUpstreamFailure,
			Err:     err,
		})
	}
	elapsed := time.Since(start)

	h.recorder.UpstreamResponse(resp.StatusCode, elapsed)
	h.recorder.Outcome(OutcomeRelayed)
	logger.Info().
		Int("status", resp.StatusCode).
		Dur("duration", elapsed).
		Msg("got response from upstream")

	return resp
}

// ServeHTTP adapts Handle to net/http. The body is expected to be size
// bounded by the caller. Inbound cancellation is not propagated to the
// outbound call.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerFor(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warn().Err(err).Msg("read request body failed")
		writeResponse(w, errInvalidBody.Response(), logger)
		return
	}

	resp := h.Handle(context.WithoutCancel(r.Context()), FromRequest(r, body))
	writeResponse(w, resp, logger)
}

// newUpstreamRequest builds the dispatch POST. The fixed headers come first
// and every inbound value is appended, so a name present in both keeps both
// values. Header names and values are checked here so that an unsendable
// request is reported as a construction failure.
func (h *Handler) newUpstreamRequest(ctx context.Context, path string, inbound http.Header, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.origin+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	req.Header.Add(headerAccept, acceptDispatch)
	req.Header.Add(headerAPIVersion, dispatchAPIVersion)

	for name, values := range inbound {
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("invalid HTTP header name %q", name)
		}
		for _, value := range values {
			if !httpguts.ValidHeaderFieldValue(value) {
				return nil, fmt.Errorf("invalid HTTP header value for header %q", name)
			}
			req.Header.Add(name, value)
		}
	}

	return req, nil
}

func (h *Handler) fail(logger zerolog.Logger, outcome string, err error) *http.Response {
	h.recorder.Outcome(outcome)

	var relayErr *Error
	if !errors.As(err, &relayErr) {
		relayErr = &Error{Status: http.StatusInternalServerError, Message: http.StatusText(http.StatusInternalServerError), Err: err}
	}

	event := logger.Warn()
	if relayErr.Status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(relayErr.Err).
		Int("status", relayErr.Status).
		Str("outcome", outcome).
		Msg(relayErr.Message)

	return relayErr.Response()
}

func (h *Handler) loggerFor(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l.With().Str("component", "relay").Logger()
	}
	return h.logger
}

// writeResponse mirrors resp onto w: status, every header value and the body
// bytes, and closes resp.Body.
func writeResponse(w http.ResponseWriter, resp *http.Response, logger zerolog.Logger) {
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error().
				Err(closeErr).
				Msg("close upstream response body failed")
		}
	}()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Error().
			Err(err).
			Msg("stream response failed")
	}
}

// copyHeaders appends all headers from src into dst.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
