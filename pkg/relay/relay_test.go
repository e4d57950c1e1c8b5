// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/webhook-relay/pkg/config"
)

const testUpstream = "https://upstream.example.com"

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// captured is what the upstream stand-in saw for one call.
type captured struct {
	method string
	url    string
	header http.Header
	body   []byte
}

// recordingUpstream answers every call with 204 and remembers the request.
type recordingUpstream struct {
	mu    sync.Mutex
	calls []captured
}

func (u *recordingUpstream) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	u.calls = append(u.calls, captured{
		method: req.Method,
		url:    req.URL.String(),
		header: req.Header.Clone(),
		body:   body,
	})
	u.mu.Unlock()

	return &http.Response{
		StatusCode: http.StatusNoContent,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func (u *recordingUpstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

func (u *recordingUpstream) last(t *testing.T) captured {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.calls, "expected an upstream call")
	return u.calls[len(u.calls)-1]
}

type countingRecorder struct {
	mu        sync.Mutex
	outcomes  map[string]int
	responses map[int]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: map[string]int{}, responses: map[int]int{}}
}

func (r *countingRecorder) Outcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) UpstreamResponse(code int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[code]++
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	upstream, err := url.Parse(testUpstream)
	require.NoError(t, err)
	return config.Config{ListenPort: 8080, Upstream: upstream}
}

func newTestHandler(t *testing.T, client Doer, opts ...Option) *Handler {
	t.Helper()
	h, err := New(testConfig(t), append([]Option{WithClient(client)}, opts...)...)
	require.NoError(t, err)
	return h
}

func strPtr(s string) *string {
	return &s
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHandleWrapsBodyInEnvelope(t *testing.T) {
	tests := []struct {
		name      string
		eventType *string
		body      string
		wantEvent string
	}{
		{name: "header present", eventType: strPtr("push"), body: `{"ref":"refs/heads/main","commits":[1,2]}`, wantEvent: "push"},
		{name: "header absent", eventType: nil, body: `{"zen":"Keep it logically awesome."}`, wantEvent: DefaultEventType},
		{name: "header empty", eventType: strPtr(""), body: `[1,"two",null]`, wantEvent: ""},
		{name: "scalar body", eventType: strPtr("ping"), body: `42`, wantEvent: "ping"},
		{name: "html characters", eventType: nil, body: `{"title":"<fix> & & more"}`, wantEvent: DefaultEventType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := &recordingUpstream{}
			h := newTestHandler(t, &http.Client{Transport: upstream})

			resp := h.Handle(context.Background(), InboundRequest{
				Path:      "/repos/octo/widgets/dispatches",
				EventType: tt.eventType,
				Header:    http.Header{},
				Body:      []byte(tt.body),
			})
			readBody(t, resp)

			require.Equal(t, http.StatusNoContent, resp.StatusCode)
			require.Equal(t, 1, upstream.count())

			call := upstream.last(t)
			assert.Equal(t, http.MethodPost, call.method)

			var got struct {
				EventType     *string         `json:"event_type"`
				ClientPayload json.RawMessage `json:"client_payload"`
			}
			require.NoError(t, json.Unmarshal(call.body, &got))
			require.NotNil(t, got.EventType)
			assert.Equal(t, tt.wantEvent, *got.EventType)
			assert.JSONEq(t, tt.body, string(got.ClientPayload))
		})
	}
}

func TestHandleKeepsPayloadBytes(t *testing.T) {
	upstream := &recordingUpstream{}
	h := newTestHandler(t, &http.Client{Transport: upstream})

	body := `{"b": 1, "a": 12345678901234567890, "html": "<a href=\"x\">&</a>"}`
	resp := h.Handle(context.Background(), InboundRequest{
		Path: "/repos/octo/widgets/dispatches",
		Body: []byte(body),
	})
	readBody(t, resp)

	want := `{"event_type":"workflow_dispatch","client_payload":{"b":1,"a":12345678901234567890,"html":"<a href=\"x\">&</a>"}}`
	assert.Equal(t, want, string(upstream.last(t).body))
}

func TestHandleRejectsInvalidBody(t *testing.T) {
	bodies := map[string]string{
		"empty":          "",
		"truncated":      `{"ref":"refs/heads/ma`,
		"plain text":     "payload=%7B%7D",
		"two documents":  `{"a":1} {"b":2}`,
		"unclosed array": "[1,2",
		"trailing comma": `{"a":1,}`,
		"invalid utf-8":  "{\"a\":\"\xff\xfe\"}",
		"bare bad byte":  "\"\xc3\x28\"",
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			var calls int32
			rec := newCountingRecorder()
			h := newTestHandler(t, doerFunc(func(*http.Request) (*http.Response, error) {
				atomic.AddInt32(&calls, 1)
				return nil, errors.New("upstream must not be called")
			}), WithRecorder(rec))

			resp := h.Handle(context.Background(), InboundRequest{
				Path:      "/repos/octo/widgets/dispatches",
				EventType: strPtr("push"),
				Header:    http.Header{"Content-Type": {"application/json"}},
				Body:      []byte(body),
			})

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "Invalid body", readBody(t, resp))
			assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
			assert.Zero(t, atomic.LoadInt32(&calls))
			assert.Equal(t, 1, rec.outcomes[OutcomeInvalidBody])
		})
	}
}

func TestHandleForwardsHeaders(t *testing.T) {
	upstream := &recordingUpstream{}
	h := newTestHandler(t, &http.Client{Transport: upstream})

	inbound := http.Header{
		"Accept":              {"*/*"},
		"X-Github-Event":      {"push"},
		"X-Github-Delivery":   {"72d3162e-cc78-11e3-81ab-4c9367dc0958"},
		"X-Hub-Signature-256": {"sha256=deadbeef"},
		"Authorization":       {"Bearer ghp_example"},
		"X-Multi":             {"one", "two"},
		"User-Agent":          {"GitHub-Hookshot/044aadd"},
	}

	resp := h.Handle(context.Background(), InboundRequest{
		Path:      "/repos/octo/widgets/dispatches",
		EventType: strPtr("push"),
		Header:    inbound,
		Body:      []byte(`{}`),
	})
	readBody(t, resp)

	got := upstream.last(t).header

	assert.Equal(t, []string{"application/vnd.github+json", "*/*"}, got.Values("Accept"))
	assert.Equal(t, []string{"2022-11-28"}, got.Values("X-GitHub-Api-Version"))
	for name, values := range inbound {
		if name == "Accept" {
			continue
		}
		assert.Equal(t, values, got.Values(name), "header %s", name)
	}
}

func TestHandleAlwaysSendsFixedHeaders(t *testing.T) {
	upstream := &recordingUpstream{}
	h := newTestHandler(t, &http.Client{Transport: upstream})

	resp := h.Handle(context.Background(), InboundRequest{
		Path: "/repos/octo/widgets/dispatches",
		Body: []byte(`{}`),
	})
	readBody(t, resp)

	got := upstream.last(t).header
	assert.Equal(t, "application/vnd.github+json", got.Get("Accept"))
	assert.Equal(t, "2022-11-28", got.Get("X-GitHub-Api-Version"))
}

func TestHandlePassesPathVerbatim(t *testing.T) {
	paths := []string{
		"/repos/octo/widgets/dispatches",
		"/repos/octo/widgets/../../orgs/dispatches",
		"/repos/octo/widgets/dispatches?source=hook&x=%2F",
		"",
	}

	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			upstream := &recordingUpstream{}
			h := newTestHandler(t, &http.Client{Transport: upstream})

			resp := h.Handle(context.Background(), InboundRequest{Path: path, Body: []byte(`{}`)})
			readBody(t, resp)

			assert.Equal(t, testUpstream+path, upstream.last(t).url)
		})
	}
}

func TestHandleTrimsOriginSlash(t *testing.T) {
	upstream := &recordingUpstream{}
	cfg := testConfig(t)
	cfg.Upstream, _ = url.Parse("https://ghe.example.com/api/v3/")

	h, err := New(cfg, WithClient(&http.Client{Transport: upstream}))
	require.NoError(t, err)

	resp := h.Handle(context.Background(), InboundRequest{Path: "/repos/o/r/dispatches", Body: []byte(`{}`)})
	readBody(t, resp)

	assert.Equal(t, "https://ghe.example.com/api/v3/repos/o/r/dispatches", upstream.last(t).url)
}

func TestHandleReturnsUpstreamResponseUnchanged(t *testing.T) {
	canned := &http.Response{
		StatusCode: http.StatusCreated,
		Header:     http.Header{"X-Test": {"1"}},
		Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
	}
	rec := newCountingRecorder()
	h := newTestHandler(t, doerFunc(func(*http.Request) (*http.Response, error) {
		return canned, nil
	}), WithRecorder(rec))

	resp := h.Handle(context.Background(), InboundRequest{Path: "/x", Body: []byte(`{}`)})

	assert.Same(t, canned, resp)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, http.Header{"X-Test": {"1"}}, resp.Header)
	assert.Equal(t, `{"ok":true}`, readBody(t, resp))
	assert.Equal(t, 1, rec.outcomes[OutcomeRelayed])
	assert.Equal(t, 1, rec.responses[http.StatusCreated])
}

func TestHandlePassesUpstreamErrors(t *testing.T) {
	h := newTestHandler(t, &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusUnprocessableEntity,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"message":"Validation Failed"}`)),
			Request:    req,
		}, nil
	})})

	resp := h.Handle(context.Background(), InboundRequest{Path: "/x", Body: []byte(`{}`)})

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, `{"message":"Validation Failed"}`, readBody(t, resp))
}

func TestHandleUpstreamFailure(t *testing.T) {
	rec := newCountingRecorder()
	h := newTestHandler(t, &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp 203.0.113.7:443: connect: connection refused")
	})}, WithRecorder(rec))

	resp := h.Handle(context.Background(), InboundRequest{Path: "/x", Body: []byte(`{"a":1}`)})

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Failed to send request to upstream", readBody(t, resp))
	assert.Equal(t, 1, rec.outcomes[OutcomeUpstreamError])
	assert.Empty(t, rec.responses)
}

func TestHandleRejectsUnsendableHeaders(t *testing.T) {
	tests := []struct {
		name    string
		header  http.Header
		wantMsg string
	}{
		{
			name:    "value with newline",
			header:  http.Header{"X-Injected": {"ok\r\nX-Evil: 1"}},
			wantMsg: `invalid HTTP header value for header "X-Injected"`,
		},
		{
			name:    "name with space",
			header:  http.Header{"Bad Name": {"v"}},
			wantMsg: `invalid HTTP header name "Bad Name"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := &recordingUpstream{}
			rec := newCountingRecorder()
			h := newTestHandler(t, &http.Client{Transport: upstream}, WithRecorder(rec))

			resp := h.Handle(context.Background(), InboundRequest{Path: "/x", Header: tt.header, Body: []byte(`{}`)})

			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			assert.Equal(t, tt.wantMsg, readBody(t, resp))
			assert.Zero(t, upstream.count())
			assert.Equal(t, 1, rec.outcomes[OutcomeRequestError])
		})
	}
}

func TestHandleRejectsUnparseablePath(t *testing.T) {
	upstream := &recordingUpstream{}
	h := newTestHandler(t, &http.Client{Transport: upstream})

	resp := h.Handle(context.Background(), InboundRequest{Path: "/repos/%zz", Body: []byte(`{}`)})

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "invalid URL escape")
	assert.Zero(t, upstream.count())
}

func TestHandleEncodeFailure(t *testing.T) {
	upstream := &recordingUpstream{}
	rec := newCountingRecorder()
	h := newTestHandler(t, &http.Client{Transport: upstream}, WithRecorder(rec))
	h.encode = func(DispatchEnvelope) ([]byte, error) {
		return nil, errors.New("encoder exploded")
	}

	resp := h.Handle(context.Background(), InboundRequest{Path: "/x", Body: []byte(`{}`)})

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Unable to re-serialize body", readBody(t, resp))
	assert.Zero(t, upstream.count())
	assert.Equal(t, 1, rec.outcomes[OutcomeEncodeError])
}

func TestHandleIsRepeatable(t *testing.T) {
	h := newTestHandler(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"X-Echo-Path": {req.URL.Path}},
			Body:       io.NopCloser(strings.NewReader(string(body))),
		}, nil
	}))

	in := InboundRequest{
		Path:      "/repos/octo/widgets/dispatches",
		EventType: strPtr("release"),
		Header:    http.Header{"X-Github-Event": {"release"}},
		Body:      []byte(`{"action":"published"}`),
	}

	first := h.Handle(context.Background(), in)
	second := h.Handle(context.Background(), in)

	assert.Equal(t, first.StatusCode, second.StatusCode)
	assert.Equal(t, first.Header, second.Header)
	assert.Equal(t, readBody(t, first), readBody(t, second))
}

func TestHandleConcurrentRequests(t *testing.T) {
	upstream := &recordingUpstream{}
	h := newTestHandler(t, &http.Client{Transport: upstream})

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.Handle(context.Background(), InboundRequest{Path: "/x", Body: []byte(`{"n":1}`)})
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, upstream.count())
}

func TestServeHTTPMirrorsUpstream(t *testing.T) {
	var sawCanceled atomic.Bool
	h := newTestHandler(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		sawCanceled.Store(req.Context().Err() != nil)
		return &http.Response{
			StatusCode: http.StatusCreated,
			Header:     http.Header{"X-Test": {"1"}, "Set-Cookie": {"a=1", "b=2"}},
			Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
		}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/repos/octo/widgets/dispatches", strings.NewReader(`{"ref":"main"}`)).WithContext(ctx)
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Test"))
	assert.Equal(t, []string{"a=1", "b=2"}, rec.Header().Values("Set-Cookie"))
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.False(t, sawCanceled.Load(), "inbound cancellation must not reach the upstream call")
}

func TestServeHTTPInvalidBody(t *testing.T) {
	h := newTestHandler(t, doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("upstream must not be called")
	}))

	req := httptest.NewRequest(http.MethodPost, "/repos/octo/widgets/dispatches", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid body", rec.Body.String())
}

func TestNewRequiresAbsoluteUpstream(t *testing.T) {
	_, err := New(config.Config{})
	require.Error(t, err)

	relative, err := url.Parse("/api")
	require.NoError(t, err)
	_, err = New(config.Config{Upstream: relative})
	require.Error(t, err)
}

func TestNewBuildsDefaultClient(t *testing.T) {
	cfg := testConfig(t)
	cfg.UpstreamTimeout = 5 * time.Second

	h, err := New(cfg)
	require.NoError(t, err)

	client, ok := h.client.(*http.Client)
	require.True(t, ok, "expected *http.Client, got %T", h.client)
	assert.Equal(t, 5*time.Second, client.Timeout)
	assert.NotNil(t, client.CheckRedirect)
}
