// Package server exposes the gateway core over HTTP.
//
// Every POST is an RPC call: the request path names the endpoint and the
// Content-Type (or a /graphql or /rpc path suffix) selects the wire format.
// Responses are written back in the caller's format, errors included.
// GET /healthz and GET /readyz serve health probes.
package server
