// Package apperr centralizes the wire-stable error taxonomy (spec.md §7)
// and the {ok:false, error, code, requestId} response envelope used across
// the HTTP surface.
package apperr

import (
	"encoding/json"
	"net/http"
)

// Code is one of the wire-stable error code strings from spec.md §7.
type Code string

const (
	CodeInvalidMovePayload   Code = "invalid_move_payload"
	CodeInvalidMoveSchema    Code = "invalid_move_schema"
	CodeInvalidFinishPayload Code = "invalid_finish_payload"
	CodeInvalidMatchID       Code = "invalid_match_id"
	CodeInvalidRunnerID      Code = "invalid_runner_id"

	CodeUnauthorized        Code = "unauthorized"
	CodeForbidden           Code = "forbidden"
	CodeAgentNotVerified    Code = "agent_not_verified"
	CodeAgentDisabled       Code = "agent_disabled"
	CodeRunnerAgentNotBound Code = "runner_agent_not_bound"

	CodeMatchNotInitialized Code = "match_not_initialized"
	CodeVersionMismatch     Code = "version_mismatch"
	CodeNotYourTurn         Code = "not_your_turn"
	CodeMatchEnded          Code = "match_ended"
	CodeAlreadyMatched      Code = "already_matched"

	CodeIllegalMove   Code = "illegal_move"
	CodeInvalidMove   Code = "invalid_move"
	CodeTurnTimeout   Code = "turn_timeout"

	CodeRateLimited        Code = "rate_limited"
	CodeServiceUnavailable Code = "service_unavailable"
	CodeInternalError      Code = "internal_error"
	CodeNotFound           Code = "not_found"
)

// Error is an application error carrying its HTTP status and wire code.
type Error struct {
	HTTPStatus int
	Code       Code
	Message    string
}

func (e *Error) Error() string { return e.Message }

func New(status int, code Code, message string) *Error {
	return &Error{HTTPStatus: status, Code: code, Message: message}
}

var statusByCode = map[Code]int{
	CodeInvalidMovePayload:   http.StatusBadRequest,
	CodeInvalidMoveSchema:    http.StatusBadRequest,
	CodeInvalidFinishPayload: http.StatusBadRequest,
	CodeInvalidMatchID:       http.StatusBadRequest,
	CodeInvalidRunnerID:      http.StatusBadRequest,
	CodeUnauthorized:         http.StatusUnauthorized,
	CodeForbidden:            http.StatusForbidden,
	CodeAgentNotVerified:     http.StatusForbidden,
	CodeAgentDisabled:        http.StatusForbidden,
	CodeRunnerAgentNotBound:  http.StatusForbidden,
	CodeMatchNotInitialized:  http.StatusConflict,
	CodeVersionMismatch:      http.StatusConflict,
	CodeNotYourTurn:          http.StatusConflict,
	CodeMatchEnded:           http.StatusConflict,
	CodeAlreadyMatched:       http.StatusConflict,
	CodeIllegalMove:          http.StatusBadRequest,
	CodeInvalidMove:          http.StatusBadRequest,
	CodeTurnTimeout:          http.StatusOK,
	CodeRateLimited:          http.StatusTooManyRequests,
	CodeServiceUnavailable:   http.StatusServiceUnavailable,
	CodeInternalError:        http.StatusInternalServerError,
	CodeNotFound:             http.StatusNotFound,
}

// Wrap builds an *Error from a code, looking up its conventional HTTP status.
func Wrap(code Code, message string) *Error {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{HTTPStatus: status, Code: code, Message: message}
}

// Envelope is the {ok:false, ...} response body.
type Envelope struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	Code      Code   `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Write sends the error envelope with the error's HTTP status, setting
// x-request-id on the response.
func Write(w http.ResponseWriter, requestID string, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-request-id", requestID)
	w.WriteHeader(err.HTTPStatus)
	json.NewEncoder(w).Encode(Envelope{
		OK:        false,
		Error:     err.Message,
		Code:      err.Code,
		RequestID: requestID,
	})
}

// WriteJSON sends payload as JSON with the given status and sets the request
// id header. The payload is encoded as given; callers that want the
// {ok:true, ...} shape add the ok field themselves.
func WriteJSON(w http.ResponseWriter, requestID string, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-request-id", requestID)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
