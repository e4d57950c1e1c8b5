// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// HeaderDelivery is the per-delivery GUID sent by GitHub webhooks.
	HeaderDelivery = "X-GitHub-Delivery"
	// HeaderRequestID is the generic request correlation header.
	HeaderRequestID = "X-Request-ID"
)

type contextKey string

const requestIDKey = contextKey("request-id")

// requestIDFrom picks the id used to correlate log lines for r. Inbound
// headers are only read, never changed, since all of them are relayed.
func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get(HeaderDelivery); id != "" {
		return id
	}
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored on ctx, or "" if none.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
