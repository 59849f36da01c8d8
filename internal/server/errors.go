package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/admitgw/internal/gateway"
	"github.com/vyrodovalexey/admitgw/internal/middleware"
	"github.com/vyrodovalexey/admitgw/internal/normalize"
)

// JSON-RPC error codes for failures outside normalization. They sit in the
// implementation-defined server error range.
const (
	CodeAdmissionDenied = -32000
	CodeUntrusted       = -32001
	CodeUpstream        = -32002
	CodeBodyTooLarge    = -32003
)

// httpStatus maps a pipeline error to an HTTP status.
func httpStatus(err error) int {
	switch gateway.StageOf(err) {
	case gateway.StageTrust:
		return http.StatusForbidden
	case gateway.StageAdmission:
		return http.StatusTooManyRequests
	case gateway.StageNormalize:
		return http.StatusBadRequest
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// errorCode maps a pipeline error to a JSON-RPC error code.
func errorCode(err error) int {
	switch gateway.StageOf(err) {
	case gateway.StageTrust:
		return CodeUntrusted
	case gateway.StageAdmission:
		return CodeAdmissionDenied
	case gateway.StageNormalize:
		return normalize.ErrorCode(err)
	}
	if errors.Is(err, middleware.ErrBodyTooLarge) {
		return CodeBodyTooLarge
	}
	return CodeUpstream
}

// errorBody encodes err in the caller's wire format. Normalization errors
// keep their structured data.
func errorBody(origin normalize.Origin, id any, err error) ([]byte, error) {
	var resp *normalize.Response
	if gateway.StageOf(err) == gateway.StageNormalize {
		resp = normalize.ErrorResponse(id, err)
	} else {
		resp = normalize.NewErrorResponse(id, errorCode(err), publicMessage(err))
	}

	raw, mErr := json.Marshal(resp)
	if mErr != nil {
		return nil, mErr
	}
	return normalize.EncodeResponse(origin, raw)
}

// publicMessage hides executor internals from callers.
func publicMessage(err error) string {
	switch gateway.StageOf(err) {
	case gateway.StageTrust:
		return "peer certificate rejected"
	case gateway.StageAdmission:
		return gateway.ErrAdmissionDenied.Error()
	}
	if errors.Is(err, middleware.ErrBodyTooLarge) {
		return middleware.ErrBodyTooLarge.Error()
	}
	return "upstream call failed"
}

// originFor guesses the caller's protocol when normalization never ran.
func originFor(hint normalize.FormatHint) normalize.Origin {
	switch hint {
	case normalize.HintGraphQL:
		return normalize.Origin{Protocol: normalize.ProtocolGraphQL}
	case normalize.HintBinary:
		return normalize.Origin{Protocol: normalize.ProtocolBinary}
	default:
		return normalize.Origin{Protocol: normalize.ProtocolJSONRPC}
	}
}
