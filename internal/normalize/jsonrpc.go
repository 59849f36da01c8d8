package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is a JSON-RPC response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      any             `json:"id"`
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id any, code int, message string) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	}
}

// ErrorCode maps a normalization error to its JSON-RPC code.
func ErrorCode(err error) int {
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &syntaxErr),
		errors.Is(err, ErrQuerySyntax),
		errors.Is(err, ErrInvalidBinaryFraming):
		return CodeParseError
	case errors.Is(err, ErrInvalidJSONRPC):
		return CodeInvalidRequest
	case errors.Is(err, ErrCircularFragmentDependency),
		errors.Is(err, ErrFragmentNotFound),
		errors.Is(err, ErrDuplicateFragmentRegistration),
		errors.Is(err, ErrUnsupportedQueryConstruct):
		return CodeInvalidParams
	default:
		return CodeInternalError
	}
}

// ErrorResponse converts err into a JSON-RPC error response for id.
func ErrorResponse(id any, err error) *Response {
	resp := NewErrorResponse(id, ErrorCode(err), err.Error())

	var (
		cycle    *CycleError
		notFound *FragmentNotFoundError
		dup      *DuplicateFragmentError
		framing  *FramingError
	)
	switch {
	case errors.As(err, &cycle):
		resp.Error.Data = map[string]any{"cycle": cycle.Cycle}
	case errors.As(err, &notFound):
		resp.Error.Data = map[string]any{"fragment": notFound.Name}
	case errors.As(err, &dup):
		resp.Error.Data = map[string]any{"fragment": dup.Name}
	case errors.As(err, &framing):
		resp.Error.Data = map[string]any{"offset": framing.Offset}
	}
	return resp
}

// decodeJSON decodes raw keeping numbers as json.Number.
func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// decodeID accepts a string, a number or null.
func decodeID(raw json.RawMessage) (any, error) {
	var id any
	if err := decodeJSON(raw, &id); err != nil {
		return nil, invalidJSONRPC("undecodable id")
	}
	switch id.(type) {
	case nil, string, json.Number:
		return id, nil
	default:
		return nil, invalidJSONRPC("id must be a string, a number or null")
	}
}

func decodeMethod(raw json.RawMessage) (string, error) {
	var method string
	if err := json.Unmarshal(raw, &method); err != nil {
		return "", invalidJSONRPC("method must be a string")
	}
	if method == "" {
		return "", invalidJSONRPC("method must not be empty")
	}
	return method, nil
}

// decodeParams accepts an object, an array or null.
func decodeParams(raw json.RawMessage, name string) (map[string]any, []any, error) {
	var params any
	if err := decodeJSON(raw, &params); err != nil {
		return nil, nil, invalidJSONRPC("undecodable " + name)
	}
	switch p := params.(type) {
	case nil:
		return nil, nil, nil
	case map[string]any:
		return p, nil, nil
	case []any:
		return nil, p, nil
	default:
		return nil, nil, invalidJSONRPC(name + " must be an object or an array")
	}
}

// EncodeResponse re-encodes a JSON-RPC response for the protocol the request
// arrived in.
func EncodeResponse(origin Origin, response []byte) ([]byte, error) {
	switch origin.Protocol {
	case ProtocolGraphQL:
		return encodeGraphQLResponse(response)
	case ProtocolBinary:
		return encodeBinaryResponse(response)
	default:
		return response, nil
	}
}

type graphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func encodeGraphQLResponse(response []byte) ([]byte, error) {
	var resp Response
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.Error != nil {
		ext := map[string]any{"code": resp.Error.Code}
		if resp.Error.Data != nil {
			ext["data"] = resp.Error.Data
		}
		return json.Marshal(map[string]any{
			"errors": []graphQLError{{Message: resp.Error.Message, Extensions: ext}},
		})
	}

	data := resp.Result
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(map[string]json.RawMessage{"data": data})
}

func encodeBinaryResponse(response []byte) ([]byte, error) {
	var resp struct {
		Result any       `json:"result"`
		Error  *RPCError `json:"error"`
		ID     any       `json:"id"`
	}
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	msg := &BinaryMessage{RequestID: idString(resp.ID)}
	if resp.Error != nil {
		code := resp.Error.Code
		if code < 0 {
			code = -code
		}
		msg.Status = uint32(code)
		msg.Params = map[string]any{
			"code":    float64(resp.Error.Code),
			"message": resp.Error.Message,
		}
		return EncodeBinary(msg)
	}

	switch result := resp.Result.(type) {
	case nil:
	case map[string]any:
		msg.Params = result
	default:
		msg.Params = map[string]any{"result": result}
	}
	return EncodeBinary(msg)
}

func idString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
