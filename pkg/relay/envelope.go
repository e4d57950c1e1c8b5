// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"unicode/utf8"
)

const (
	// DefaultEventType is used when the inbound request has no event header.
	DefaultEventType = "workflow_dispatch"

	// HeaderEvent names the inbound header that selects the event type.
	HeaderEvent = "X-Github-Event"
)

// DispatchEnvelope is the body shape the dispatch API expects.
type DispatchEnvelope struct {
	EventType     string          `json:"event_type"`
	ClientPayload json.RawMessage `json:"client_payload"`
}

// errInvalidBody is returned by newEnvelope when the body is not exactly one
// UTF-8 encoded JSON document.
var errInvalidBody = &Error{Status: http.StatusBadRequest, Message: msgInvalidBody}

func newEnvelope(eventType string, body []byte) (DispatchEnvelope, error) {
	if !utf8.Valid(body) || !json.Valid(body) {
		return DispatchEnvelope{}, errInvalidBody
	}
	return DispatchEnvelope{
		EventType:     eventType,
		ClientPayload: json.RawMessage(body),
	}, nil
}

// encodeEnvelope serialises env without HTML escaping so payload strings
// reach the upstream as the sender wrote them.
func encodeEnvelope(env DispatchEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
