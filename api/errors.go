package api

import (
	"errors"
	"net/http"

	"github.com/projecteru2/vmadm/types"
)

// errorCode pairs a sentinel with its HTTP status and wire code. The client
// maps codes back to sentinels, so errors.Is works on both sides.
type errorCode struct {
	err    error
	status int
	code   string
}

var errorCodes = []errorCode{
	{types.ErrNotFound, http.StatusNotFound, "not_found"},
	{types.ErrInvalidSpec, http.StatusBadRequest, "invalid_spec"},
	{types.ErrDuplicateUUID, http.StatusConflict, "duplicate_uuid"},
	{types.ErrPortUnavailable, http.StatusConflict, "port_unavailable"},
	{types.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{types.ErrPortRangeExhausted, http.StatusServiceUnavailable, "port_range_exhausted"},
	{types.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
	{types.ErrHypervisorLaunchFailed, http.StatusInternalServerError, "hypervisor_launch_failed"},
	{types.ErrProtocolMismatch, http.StatusBadGateway, "protocol_mismatch"},
}

const codeInternal = "internal"

// ErrorBody is the JSON document returned with every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Op    string `json:"op,omitempty"`
	UUID  string `json:"uuid,omitempty"`
}

func classify(err error) (int, ErrorBody) {
	body := ErrorBody{Error: err.Error(), Code: codeInternal}
	var oe *types.OpError
	if errors.As(err, &oe) {
		body.Op, body.UUID = oe.Op, oe.UUID
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			body.Code = ec.code
			return ec.status, body
		}
	}
	return http.StatusInternalServerError, body
}

// sentinel returns the error a wire code stands for, nil if unknown.
func sentinel(code string) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}
