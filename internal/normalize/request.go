package normalize

import (
	"encoding/json"
	"mime"
	"strings"
)

// JSONRPCVersion is the only protocol version accepted and emitted.
const JSONRPCVersion = "2.0"

// DefaultMethod names a query with no operation name.
const DefaultMethod = "graphql_query"

// Protocol identifies the wire format a request arrived in.
type Protocol string

// Supported protocols.
const (
	ProtocolJSONRPC    Protocol = "jsonrpc"
	ProtocolStreamable Protocol = "streamable"
	ProtocolGraphQL    Protocol = "graphql"
	ProtocolBinary     Protocol = "binary"
)

// FormatHint narrows detection when the transport already says what the payload is.
type FormatHint int

// Format hints.
const (
	HintNone FormatHint = iota
	// HintJSONRPC requires a JSON request object.
	HintJSONRPC
	// HintGraphQL treats a non-binary payload as raw query text.
	HintGraphQL
	// HintBinary requires a binary frame.
	HintBinary
)

// Content types that select a hint.
const (
	ContentTypeGraphQL = "application/graphql"
	ContentTypeBinary  = "application/x-admitgw-rpc"
	ContentTypeJSONRPC = "application/json-rpc"
)

// HintFor derives a hint from a request content type and path. The content
// type takes precedence.
func HintFor(contentType, path string) FormatHint {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case ContentTypeGraphQL:
			return HintGraphQL
		case ContentTypeBinary:
			return HintBinary
		case ContentTypeJSONRPC:
			return HintJSONRPC
		}
	}

	switch {
	case strings.HasSuffix(path, "/graphql"):
		return HintGraphQL
	case strings.HasSuffix(path, "/rpc"):
		return HintJSONRPC
	default:
		return HintNone
	}
}

// Origin remembers how a request arrived so the response can be encoded back.
type Origin struct {
	Protocol      Protocol
	OperationName string
}

// NormalizedRequest is a request in canonical JSON-RPC form.
type NormalizedRequest struct {
	// ID is a string, a json.Number or nil.
	ID     any
	Method string
	Params map[string]any

	// Positional holds array params of a passthrough request. Params is nil then.
	Positional []any

	// Fields is the flattened selection for query requests and the field list of binary ones.
	Fields []string
	Origin Origin
}

type envelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      any    `json:"id"`
}

// JSONRPC renders the canonical envelope.
func (r *NormalizedRequest) JSONRPC() ([]byte, error) {
	env := envelope{JSONRPC: JSONRPCVersion, Method: r.Method, ID: r.ID}
	switch {
	case r.Positional != nil:
		env.Params = r.Positional
	case r.Params != nil:
		env.Params = r.Params
	}
	return json.Marshal(env)
}
