// Package dispatch implements the request-dispatch pipeline: routing,
// breaker admission, replica selection, the outbound call and the relay of
// its result.
package dispatch

import (
	"errors"
	"net/http"
	"net/url"
)

// Sentinel errors classifying expected dispatch failures.
var (
	// ErrNoReplicas indicates the target service has no healthy replicas.
	ErrNoReplicas = errors.New("no available replicas")

	// ErrUpstream indicates the outbound call failed at the transport
	// level or its response body could not be read.
	ErrUpstream = errors.New("upstream failed")
)

// Request is one dispatchable request. The request id is unique per inbound
// request; headers are a case-insensitive multi-valued map.
type Request struct {
	RequestID string
	Method    string
	Path      string
	Headers   http.Header
	Body      []byte
	Query     url.Values
}

// NewRequest creates a dispatch request with normalized fields.
func NewRequest(requestID, method, path string, headers http.Header, body []byte, query url.Values) *Request {
	if headers == nil {
		headers = make(http.Header)
	}
	if query == nil {
		query = make(url.Values)
	}
	return &Request{
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   headers,
		Body:      body,
		Query:     query,
	}
}

// Result is the outcome of one dispatch. A received upstream response is a
// successful dispatch regardless of its status code; Err is set only when
// no response could be relayed.
type Result struct {
	Success        bool
	Message        string
	Body           []byte
	TargetEndpoint string
	ProcessingTime int64
	StatusCode     int
	Headers        http.Header
	Err            error
}

// successResult builds the result for a relayed upstream response.
func successResult(body []byte, endpoint string, durationMillis int64, statusCode int, headers http.Header) *Result {
	return &Result{
		Success:        true,
		Message:        string(body),
		Body:           body,
		TargetEndpoint: endpoint,
		ProcessingTime: durationMillis,
		StatusCode:     statusCode,
		Headers:        headers,
	}
}

// failureResult builds the result for a dispatch that produced no upstream
// response.
func failureResult(err error, durationMillis int64) *Result {
	return &Result{
		Success:        false,
		Message:        err.Error(),
		ProcessingTime: durationMillis,
		StatusCode:     http.StatusInternalServerError,
		Err:            err,
	}
}
