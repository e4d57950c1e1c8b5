// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package relay

import "net/http"

// InboundRequest is everything the relay needs from one webhook delivery.
type InboundRequest struct {
	// Path is the raw request-URI (path and query) appended to the upstream origin.
	Path string
	// EventType is nil when the event header is absent. A present but empty
	// header yields a pointer to "".
	EventType *string
	// Header holds every inbound header; all of them are forwarded.
	Header http.Header
	// Body is the raw request body.
	Body []byte
}

// FromRequest captures r and its already-read body as an InboundRequest.
func FromRequest(r *http.Request, body []byte) InboundRequest {
	path := r.RequestURI
	if path == "" {
		path = r.URL.RequestURI()
	}

	var eventType *string
	if values, ok := r.Header[http.CanonicalHeaderKey(HeaderEvent)]; ok && len(values) > 0 {
		value := values[0]
		eventType = &value
	}

	return InboundRequest{
		Path:      path,
		EventType: eventType,
		Header:    r.Header.Clone(),
		Body:      body,
	}
}

func (in InboundRequest) eventType() string {
	if in.EventType == nil {
		return DefaultEventType
	}
	return *in.EventType
}
