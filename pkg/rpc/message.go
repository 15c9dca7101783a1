// Package rpc provides the wire message types and protocol definitions for
// the client channel: request/response correlation frames and unsolicited
// event frames, all JSON-encoded with camelCase field names.
package rpc

import (
	"encoding/json"
	"errors"
)

// FrameKind discriminates the three frame shapes on the wire.
type FrameKind int

const (
	FrameRequest FrameKind = iota
	FrameResponse
	FrameEvent
	FrameUnknown
)

// ChangeType qualifies entity-change events.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeUpdate ChangeType = "update"
	ChangeRemove ChangeType = "remove"
)

// Request is a client->server RPC request frame.
type Request struct {
	Request string          `json:"request"`
	ID      uint64          `json:"id"`
	Args    json.RawMessage `json:"args,omitempty"`
	DryRun  bool            `json:"dryRun,omitempty"`
}

// Response is a server->client RPC response frame. Result=false carries
// human-readable failure reasons in Messages.
type Response struct {
	Response string          `json:"response"`
	ID       uint64          `json:"id"`
	Result   bool            `json:"result"`
	Messages []string        `json:"messages,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Event is a server->client unsolicited notification frame.
type Event struct {
	Event      string          `json:"event"`
	ParentID   string          `json:"parentId,omitempty"`
	ChangeType ChangeType      `json:"changeType,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ErrMalformedFrame is returned when a frame carries none of the three
// discriminator fields or is not a JSON object.
var ErrMalformedFrame = errors.New("malformed frame")

// frameProbe is used to sniff the discriminator without a full decode.
type frameProbe struct {
	Request  *string `json:"request"`
	Response *string `json:"response"`
	Event    *string `json:"event"`
	ID       *uint64 `json:"id"`
}

// Kind inspects raw frame bytes and reports which frame shape they carry.
// The returned id is valid for request and response frames when present.
func Kind(data []byte) (FrameKind, uint64) {
	var p frameProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return FrameUnknown, 0
	}
	var id uint64
	if p.ID != nil {
		id = *p.ID
	}
	switch {
	case p.Request != nil:
		return FrameRequest, id
	case p.Response != nil:
		return FrameResponse, id
	case p.Event != nil:
		return FrameEvent, id
	}
	return FrameUnknown, id
}

// DecodeRequest parses a request frame.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.Request == "" {
		return nil, ErrMalformedFrame
	}
	return &req, nil
}

// ParseArgs parses the request args into the given struct.
func (r *Request) ParseArgs(v interface{}) error {
	if r.Args == nil {
		return nil
	}
	return json.Unmarshal(r.Args, v)
}

// NewResponse creates a successful response with the given data payload.
func NewResponse(req *Request, data interface{}) (*Response, error) {
	resp := &Response{
		Response: req.Request,
		ID:       req.ID,
		Result:   true,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		resp.Data = raw
	}
	return resp, nil
}

// NewFailure creates a failed response carrying the given reasons.
func NewFailure(name string, id uint64, messages ...string) *Response {
	return &Response{
		Response: name,
		ID:       id,
		Result:   false,
		Messages: messages,
	}
}

// NewEvent creates an event frame with the given payload.
func NewEvent(name string, data interface{}) (*Event, error) {
	evt := &Event{Event: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		evt.Data = raw
	}
	return evt, nil
}

// NewChangeEvent creates an entity-change event frame.
func NewChangeEvent(name string, change ChangeType, data interface{}) (*Event, error) {
	evt, err := NewEvent(name, data)
	if err != nil {
		return nil, err
	}
	evt.ChangeType = change
	return evt, nil
}

// ParseData parses the event payload into the given struct.
func (e *Event) ParseData(v interface{}) error {
	if e.Data == nil {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
