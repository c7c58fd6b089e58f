// Package protocol defines the wire frames exchanged between the
// gateway and the agent over the websocket tunnel, together with the
// body codec (base64 + optional zlib) and the hop-by-hop header
// filter applied on both sides.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators carried in the "type" field of every
// text message on the tunnel.
const (
	TypeProxyRequest  = "proxy_request"
	TypeProxyResponse = "proxy_response"
)

// HeaderPair is a single (name, value) header entry. Headers travel
// as ordered pairs rather than a map so that repeated names survive
// the round trip.
type HeaderPair [2]string

// Name returns the header name.
func (p HeaderPair) Name() string { return p[0] }

// Value returns the header value.
func (p HeaderPair) Value() string { return p[1] }

// Frame is one of the two tunnel message kinds. Exactly one of the
// concrete types *Request or *Response implements it.
type Frame interface {
	frameType() string
}

// Request is a gateway→agent envelope carrying one public HTTP
// request.
type Request struct {
	ID           uint64       `json:"id"`
	Method       string       `json:"method"`
	URI          string       `json:"uri"`
	Headers      []HeaderPair `json:"headers"`
	BodyB64      string       `json:"body_b64"`
	IsCompressed bool         `json:"is_compressed"`
}

func (*Request) frameType() string { return TypeProxyRequest }

// Response is an agent→gateway envelope carrying the upstream's
// answer for the request with the same ID.
type Response struct {
	ID           uint64       `json:"id"`
	Status       int          `json:"status"`
	Headers      []HeaderPair `json:"headers"`
	BodyB64      string       `json:"body_b64"`
	IsCompressed bool         `json:"is_compressed"`
}

func (*Response) frameType() string { return TypeProxyResponse }

type requestFrame struct {
	Type string `json:"type"`
	*Request
}

type responseFrame struct {
	Type string `json:"type"`
	*Response
}

// Encode serialises a frame as an internally tagged JSON object: the
// "type" discriminator sits next to the envelope fields.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case *Request:
		return json.Marshal(requestFrame{Type: TypeProxyRequest, Request: v})
	case *Response:
		return json.Marshal(responseFrame{Type: TypeProxyResponse, Response: v})
	default:
		return nil, fmt.Errorf("protocol: unknown frame %T", f)
	}
}

// Decode parses a text message into the frame named by its "type"
// field. An absent is_compressed decodes as false, which keeps old
// peers that never set the field interoperable.
func Decode(data []byte) (Frame, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("protocol: decode tag: %w", err)
	}
	switch tag.Type {
	case TypeProxyRequest:
		req := new(Request)
		if err := json.Unmarshal(data, req); err != nil {
			return nil, fmt.Errorf("protocol: decode request: %w", err)
		}
		return req, nil
	case TypeProxyResponse:
		resp := new(Response)
		if err := json.Unmarshal(data, resp); err != nil {
			return nil, fmt.Errorf("protocol: decode response: %w", err)
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("protocol: unknown frame type %q", tag.Type)
	}
}
