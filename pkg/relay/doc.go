// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package relay turns inbound webhook deliveries into repository dispatch
// calls. Each request body is wrapped as the client_payload of a dispatch
// envelope whose event_type comes from the X-Github-Event header, POSTed to
// the configured upstream under the inbound path, and the upstream response
// is handed back to the caller untouched.
package relay
