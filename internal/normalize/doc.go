// Package normalize converts incoming RPC payloads into canonical JSON-RPC 2.0
// requests.
//
// Four wire formats are recognized: JSON-RPC passthrough, streamable RPC
// objects ({"method", "params"|"arguments"}), GraphQL query text or bodies,
// and a compact binary frame carrying a protobuf body. Query selections are
// flattened depth-first into a field list with fragments inlined; resolved
// fragments are cached across requests.
package normalize
