package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/admitgw/internal/observability"
)

// Normalizer converts JSON-RPC, streamable RPC, GraphQL and binary RPC
// payloads into one canonical JSON-RPC request. It is safe for concurrent use.
type Normalizer struct {
	cache    *FragmentCache
	maxDepth int
	newID    func() string
	logger   observability.Logger
	metrics  *Metrics
	tracer   trace.Tracer
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(n *Normalizer) {
		n.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) Option {
	return func(n *Normalizer) {
		n.metrics = metrics
	}
}

// WithMaxDepth bounds selection nesting.
func WithMaxDepth(depth int) Option {
	return func(n *Normalizer) {
		if depth > 0 {
			n.maxDepth = depth
		}
	}
}

// WithFragmentCache shares a fragment cache, e.g. across reloads.
func WithFragmentCache(cache *FragmentCache) Option {
	return func(n *Normalizer) {
		if cache != nil {
			n.cache = cache
		}
	}
}

// WithIDGenerator replaces the generator of ids for requests that carry none.
func WithIDGenerator(newID func() string) Option {
	return func(n *Normalizer) {
		n.newID = newID
	}
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		maxDepth: DefaultMaxDepth,
		newID:    uuid.NewString,
		logger:   observability.NopLogger(),
		tracer:   otel.Tracer("admitgw/normalize"),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.cache == nil {
		n.cache = NewFragmentCache(DefaultFragmentCacheSize)
	}
	return n
}

// Stats returns fragment cache accounting.
func (n *Normalizer) Stats() CacheStats {
	return n.cache.Stats()
}

// Cache returns the fragment cache.
func (n *Normalizer) Cache() *FragmentCache {
	return n.cache
}

// Normalize detects the format of payload and converts it. A binary frame
// magic always selects binary decoding; otherwise hint narrows detection.
func (n *Normalizer) Normalize(ctx context.Context, payload []byte, hint FormatHint) (*NormalizedRequest, error) {
	ctx, span := n.tracer.Start(ctx, "normalize.Normalize",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("payload.size", len(payload))),
	)
	defer span.End()

	start := time.Now()
	req, protocol, err := n.normalize(payload, hint)
	n.metrics.recordNormalization(protocol, outcome(err), time.Since(start))
	span.SetAttributes(attribute.String("protocol", string(protocol)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.logger.WithContext(ctx).Debug("normalization failed",
			observability.String("protocol", string(protocol)),
			observability.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(attribute.String("rpc.method", req.Method))
	return req, nil
}

func (n *Normalizer) normalize(payload []byte, hint FormatHint) (*NormalizedRequest, Protocol, error) {
	if looksBinary(payload) || hint == HintBinary {
		if !looksBinary(payload) {
			return nil, ProtocolBinary, framingError(0, "missing frame magic")
		}
		req, err := n.fromBinary(payload)
		return req, ProtocolBinary, err
	}

	if hint != HintGraphQL {
		trimmed := bytes.TrimSpace(payload)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			var obj map[string]json.RawMessage
			err := json.Unmarshal(trimmed, &obj)
			if err == nil {
				return n.fromJSON(obj)
			}
			if hint == HintJSONRPC {
				return nil, ProtocolJSONRPC, fmt.Errorf("%w: %w", ErrInvalidJSONRPC, err)
			}
		} else if hint == HintJSONRPC {
			return nil, ProtocolJSONRPC, invalidJSONRPC("payload is not a JSON object")
		}
	}

	req, err := n.fromQuery(queryRequest{Query: string(payload)}, nil)
	return req, ProtocolGraphQL, err
}

func (n *Normalizer) fromBinary(payload []byte) (*NormalizedRequest, error) {
	msg, err := DecodeBinary(payload)
	if err != nil {
		return nil, err
	}
	if msg.Method == "" {
		return nil, framingError(len(payload), "frame has no method")
	}

	params := make(map[string]any, len(msg.Params)+3)
	for k, v := range msg.Params {
		params[k] = v
	}
	fields := msg.Fields
	if fields == nil {
		fields = []string{}
	}
	// Binary frames carry a flat field list, so nothing is resolved.
	params["fields"] = fields
	params["resolvedFragments"] = false
	params["fragmentCount"] = 0

	var id any = msg.RequestID
	if msg.RequestID == "" {
		id = n.newID()
	}
	return &NormalizedRequest{
		ID:     id,
		Method: msg.Method,
		Params: params,
		Fields: msg.Fields,
		Origin: Origin{Protocol: ProtocolBinary},
	}, nil
}

func (n *Normalizer) fromJSON(obj map[string]json.RawMessage) (*NormalizedRequest, Protocol, error) {
	if rawVersion, ok := obj["jsonrpc"]; ok {
		req, err := n.fromJSONRPC(rawVersion, obj)
		return req, ProtocolJSONRPC, err
	}

	if rawMethod, ok := obj["method"]; ok {
		_, hasParams := obj["params"]
		_, hasArgs := obj["arguments"]
		if hasParams || hasArgs {
			req, err := n.fromStreamable(rawMethod, obj)
			return req, ProtocolStreamable, err
		}
	}

	if rawQuery, ok := obj["query"]; ok {
		req, err := n.fromQueryBody(rawQuery, obj)
		return req, ProtocolGraphQL, err
	}

	return nil, ProtocolJSONRPC, invalidJSONRPC("unrecognized request object")
}

func (n *Normalizer) fromJSONRPC(rawVersion json.RawMessage, obj map[string]json.RawMessage) (*NormalizedRequest, error) {
	var version string
	if err := json.Unmarshal(rawVersion, &version); err != nil || version != JSONRPCVersion {
		return nil, invalidJSONRPC(`jsonrpc must be "2.0"`)
	}

	rawMethod, ok := obj["method"]
	if !ok {
		return nil, invalidJSONRPC("missing method")
	}
	method, err := decodeMethod(rawMethod)
	if err != nil {
		return nil, err
	}

	var id any
	if rawID, ok := obj["id"]; ok {
		if id, err = decodeID(rawID); err != nil {
			return nil, err
		}
	}

	req := &NormalizedRequest{
		ID:     id,
		Method: method,
		Origin: Origin{Protocol: ProtocolJSONRPC},
	}
	if rawParams, ok := obj["params"]; ok {
		if req.Params, req.Positional, err = decodeParams(rawParams, "params"); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (n *Normalizer) fromStreamable(rawMethod json.RawMessage, obj map[string]json.RawMessage) (*NormalizedRequest, error) {
	method, err := decodeMethod(rawMethod)
	if err != nil {
		return nil, err
	}

	id, err := n.optionalID(obj)
	if err != nil {
		return nil, err
	}

	name, raw := "params", obj["params"]
	if raw == nil {
		name, raw = "arguments", obj["arguments"]
	}
	params, positional, err := decodeParams(raw, name)
	if err != nil {
		return nil, err
	}

	return &NormalizedRequest{
		ID:         id,
		Method:     method,
		Params:     params,
		Positional: positional,
		Origin:     Origin{Protocol: ProtocolStreamable},
	}, nil
}

// optionalID decodes obj["id"], generating one when it is absent or null.
func (n *Normalizer) optionalID(obj map[string]json.RawMessage) (any, error) {
	rawID, ok := obj["id"]
	if !ok {
		return n.newID(), nil
	}
	id, err := decodeID(rawID)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return n.newID(), nil
	}
	return id, nil
}

type queryRequest struct {
	Query         string
	Variables     map[string]any
	OperationName string
}

func (n *Normalizer) fromQueryBody(rawQuery json.RawMessage, obj map[string]json.RawMessage) (*NormalizedRequest, error) {
	var q queryRequest
	if err := json.Unmarshal(rawQuery, &q.Query); err != nil {
		return nil, invalidJSONRPC("query must be a string")
	}
	if raw, ok := obj["variables"]; ok {
		if err := decodeJSON(raw, &q.Variables); err != nil {
			return nil, invalidJSONRPC("variables must be an object")
		}
	}
	if raw, ok := obj["operationName"]; ok {
		var name *string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, invalidJSONRPC("operationName must be a string")
		}
		if name != nil {
			q.OperationName = *name
		}
	}

	var id any
	if raw, ok := obj["id"]; ok {
		var err error
		if id, err = decodeID(raw); err != nil {
			return nil, err
		}
	}
	return n.fromQuery(q, id)
}

func (n *Normalizer) fromQuery(q queryRequest, id any) (*NormalizedRequest, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: q.Query})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuerySyntax, err)
	}

	op, err := selectOperation(doc, q.OperationName)
	if err != nil {
		return nil, err
	}

	registry, err := newFragmentRegistry(doc.Fragments)
	if err != nil {
		return nil, err
	}

	r := &resolver{
		registry: registry,
		cache:    n.cache,
		metrics:  n.metrics,
		maxDepth: n.maxDepth,
	}
	fields, _, err := r.selectionSet(op.SelectionSet, 1)
	if err != nil {
		return nil, err
	}

	method := q.OperationName
	if method == "" {
		method = op.Name
	}
	if method == "" {
		method = DefaultMethod
	}

	variables := q.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	var operationName any
	if q.OperationName != "" {
		operationName = q.OperationName
	} else if op.Name != "" {
		operationName = op.Name
	}

	if id == nil {
		id = n.newID()
	}

	return &NormalizedRequest{
		ID:     id,
		Method: method,
		Params: map[string]any{
			"fields":            fields,
			"resolvedFragments": true,
			"fragmentCount":     registry.len(),
			"query":             q.Query,
			"variables":         variables,
			"operationName":     operationName,
			"operationType":     string(op.Operation),
		},
		Fields: fields,
		Origin: Origin{Protocol: ProtocolGraphQL, OperationName: op.Name},
	}, nil
}

func selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, error) {
	if name != "" {
		op := doc.Operations.ForName(name)
		if op == nil {
			return nil, unsupported("no operation named %q", name)
		}
		return op, nil
	}
	if len(doc.Operations) == 0 {
		return nil, unsupported("document has no operation")
	}
	return doc.Operations[0], nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidBinaryFraming):
		return "invalid_framing"
	case errors.Is(err, ErrCircularFragmentDependency):
		return "fragment_cycle"
	case errors.Is(err, ErrFragmentNotFound):
		return "fragment_not_found"
	case errors.Is(err, ErrDuplicateFragmentRegistration):
		return "duplicate_fragment"
	case errors.Is(err, ErrUnsupportedQueryConstruct):
		return "unsupported"
	case errors.Is(err, ErrQuerySyntax):
		return "syntax_error"
	default:
		return "invalid_request"
	}
}
