// Package wire implements the length-prefixed CBOR framing shared by the log
// server (IL) and TACS clients.
//
// Each frame is a 4-byte big-endian length followed by a CBOR-encoded Frame.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FrameType identifies the purpose of a frame.
type FrameType uint8

const (
	FrameHello    FrameType = 1
	FrameLog      FrameType = 2
	FrameRequest  FrameType = 3
	FrameResponse FrameType = 4
	FrameError    FrameType = 5
	FrameBye      FrameType = 6
)

func (ft FrameType) String() string {
	switch ft {
	case FrameHello:
		return "HELLO"
	case FrameLog:
		return "LOG"
	case FrameRequest:
		return "REQ"
	case FrameResponse:
		return "RES"
	case FrameError:
		return "ERR"
	case FrameBye:
		return "BYE"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(ft))
	}
}

// Frame is the unit exchanged on the wire.
// Meta carries small header fields; Payload is opaque to the framing layer.
type Frame struct {
	Type    FrameType      `cbor:"t"`
	ID      string         `cbor:"id,omitempty"`
	Method  string         `cbor:"m,omitempty"`
	Meta    map[string]any `cbor:"meta,omitempty"`
	Payload []byte         `cbor:"p,omitempty"`
}

// MetaString returns a string meta field, or "" when absent or not a string.
func (f *Frame) MetaString(key string) string {
	if f.Meta == nil {
		return ""
	}
	s, _ := f.Meta[key].(string)
	return s
}

// MetaInt returns an integer meta field. CBOR decodes unsigned integers as
// uint64 and negative ones as int64; both are accepted.
func (f *Frame) MetaInt(key string) (int64, bool) {
	if f.Meta == nil {
		return 0, false
	}
	switch n := f.Meta[key].(type) {
	case uint64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

// NewHello opens a stream. Both IL and TACS expect it first.
func NewHello(meta map[string]any) *Frame {
	return &Frame{Type: FrameHello, Meta: meta}
}

// NewRequest builds a request frame carrying a CBOR-encoded body.
func NewRequest(id, method string, meta map[string]any, payload []byte) *Frame {
	return &Frame{Type: FrameRequest, ID: id, Method: method, Meta: meta, Payload: payload}
}

// NewResponse answers the request with the same id.
func NewResponse(id string, payload []byte) *Frame {
	return &Frame{Type: FrameResponse, ID: id, Payload: payload}
}

// NewError answers the request with the same id with a failure.
func NewError(id, code, message string) *Frame {
	return &Frame{Type: FrameError, ID: id, Meta: map[string]any{"code": code, "message": message}}
}

// ErrorCode returns the code of an ERR frame.
func (f *Frame) ErrorCode() string {
	return f.MetaString("code")
}

// ErrorMessage returns the message of an ERR frame.
func (f *Frame) ErrorMessage() string {
	return f.MetaString("message")
}

// EncodeFrame serializes a frame body, without the length prefix.
func EncodeFrame(f *Frame) ([]byte, error) {
	return cbor.Marshal(f)
}

// DecodeFrame parses a frame body.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == 0 {
		return nil, fmt.Errorf("decode frame: missing frame type")
	}
	return &f, nil
}
