// Package metadata implements the tagged-variant parser family
// supplemented from original_source/ (SPEC_FULL §5): a chunk's payload
// can be interpreted as an http-request, an http-response, or left
// unknown, discriminated by a "type" field the way the teacher's
// pkg/model.Transaction family is discriminated by TransactionType.
package metadata

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// Kind discriminates the Metadata variant.
type Kind string

const (
	KindHTTPRequest  Kind = "http-request"
	KindHTTPResponse Kind = "http-response"
	KindUnknown      Kind = "unknown"
)

// Metadata is the tagged union attached to a merged payload entry: at
// most one of Request/Response is populated, selected by Type.
type Metadata struct {
	Type     Kind          `json:"type"`
	Request  *HTTPRequest  `json:"request,omitempty"`
	Response *HTTPResponse `json:"response,omitempty"`
}

// HTTPRequest is the parsed subset of an HTTP/1.x request line + headers
// relevant to triage: method, request target, and headers.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Proto   string            `json:"proto"`
	Headers map[string]string `json:"headers"`
}

// HTTPResponse is the parsed HTTP/1.x status line, headers, and body.
// Status is the full status line text (e.g. "200 OK"), not just the
// numeric code, matching what an analyst reading a transcript expects to
// see.
type HTTPResponse struct {
	Status  string            `json:"status"`
	Proto   string            `json:"proto"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Parse interprets client-side data as an HTTP request and server-side
// data as an HTTP response, falling back to KindUnknown when that side's
// parser rejects it. It never returns an error: an
// unrecognized payload is a valid, expected outcome for arbitrary TCP
// traffic, not a failure.
func Parse(fromClient bool, data []byte) Metadata {
	if fromClient {
		if req, ok := parseRequest(data); ok {
			return Metadata{Type: KindHTTPRequest, Request: req}
		}
		return Metadata{Type: KindUnknown}
	}
	if resp, ok := parseResponse(data); ok {
		return Metadata{Type: KindHTTPResponse, Response: resp}
	}
	return Metadata{Type: KindUnknown}
}

func parseRequest(data []byte) (*HTTPRequest, bool) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, false
	}
	headers := flattenHeaders(req.Header)
	// net/http moves the Host header out of req.Header into req.Host.
	if req.Host != "" {
		headers["Host"] = req.Host
	}
	return &HTTPRequest{
		Method:  req.Method,
		URL:     req.URL.RequestURI(),
		Proto:   req.Proto,
		Headers: headers,
	}, true
}

func parseResponse(data []byte) (*HTTPResponse, bool) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return nil, false
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return &HTTPResponse{
		Status:  resp.Status,
		Proto:   resp.Proto,
		Headers: flattenHeaders(resp.Header),
		Body:    string(body),
	}, true
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
