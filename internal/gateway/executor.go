package gateway

import (
	"context"
	"encoding/json"

	"github.com/vyrodovalexey/admitgw/internal/normalize"
)

// Executor answers a normalized request with a JSON-RPC response.
type Executor interface {
	Execute(ctx context.Context, req *normalize.NormalizedRequest) ([]byte, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req *normalize.NormalizedRequest) ([]byte, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req *normalize.NormalizedRequest) ([]byte, error) {
	return f(ctx, req)
}

// EchoExecutor answers every request with its own method, params and fields.
type EchoExecutor struct{}

type echoResult struct {
	Method     string         `json:"method"`
	Params     map[string]any `json:"params,omitempty"`
	Positional []any          `json:"positional,omitempty"`
	Fields     []string       `json:"fields,omitempty"`
}

// Execute implements Executor.
func (EchoExecutor) Execute(_ context.Context, req *normalize.NormalizedRequest) ([]byte, error) {
	result, err := json.Marshal(echoResult{
		Method:     req.Method,
		Params:     req.Params,
		Positional: req.Positional,
		Fields:     req.Fields,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalize.Response{
		JSONRPC: normalize.JSONRPCVersion,
		Result:  result,
		ID:      req.ID,
	})
}

var (
	_ Executor = EchoExecutor{}
	_ Executor = ExecutorFunc(nil)
	_ Executor = (*UpstreamExecutor)(nil)
)
