package ratelimit

import "strconv"

// Scope says what a key limits.
type Scope string

// Key scopes.
const (
	ScopeEndpoint Scope = "endpoint"
	ScopePeer     Scope = "peer"
)

// Key identifies one limiter state.
type Key struct {
	Scope    Scope
	Endpoint string
	Peer     string
}

// NewKey returns a peer-scoped key when peer is set, else an endpoint-scoped key.
func NewKey(endpoint, peer string) Key {
	if peer != "" {
		return Key{Scope: ScopePeer, Endpoint: endpoint, Peer: peer}
	}
	return Key{Scope: ScopeEndpoint, Endpoint: endpoint}
}

// String renders the key as used in store keys. The endpoint of a peer key is
// length-prefixed so that distinct (endpoint, peer) pairs never render alike.
func (k Key) String() string {
	if k.Scope == ScopePeer {
		return string(k.Scope) + ":" + strconv.Itoa(len(k.Endpoint)) + ":" + k.Endpoint + ":" + k.Peer
	}
	return string(k.Scope) + ":" + k.Endpoint
}
