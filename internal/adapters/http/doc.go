// Package http provides HTTP implementations of the beamsync ports: the
// remote key-value store client, the document bus transport, and the
// facility API client used for proposal lookup and access checks.
//
// All adapters take a [ports.HTTPClient] so tests can inject a fake and
// callers can bound per-request timeouts on the underlying *http.Client.
package http
