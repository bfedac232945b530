package http2

import (
	"errors"
	"fmt"
)

// ErrorCode is a HTTP/2 error code as defined by RFC 7540 Section 7.
type ErrorCode uint32

const (
	NoError            ErrorCode = 0x0
	ProtocolError      ErrorCode = 0x1
	InternalError      ErrorCode = 0x2
	FlowControlError   ErrorCode = 0x3
	SettingsTimeout    ErrorCode = 0x4
	StreamClosedError  ErrorCode = 0x5
	FrameSizeError     ErrorCode = 0x6
	RefusedStreamError      ErrorCode = 0x7
	Cancel             ErrorCode = 0x8
	CompressionError   ErrorCode = 0x9
	ConnectError       ErrorCode = 0xa
	EnhanceYourCalm    ErrorCode = 0xb
	InadequateSecurity ErrorCode = 0xc
	HTTP11Required     ErrorCode = 0xd
)

// StreamCanceled is the code serverConn uses to reset a stream whose
// request outlived the connection's maximum request time, or an idle
// stream implicitly closed by a higher stream id; it has no distinct
// wire representation from Cancel.
const StreamCanceled = Cancel

var errorCodeStrings = [...]string{
	NoError:            "NO_ERROR",
	ProtocolError:      "PROTOCOL_ERROR",
	InternalError:      "INTERNAL_ERROR",
	FlowControlError:   "FLOW_CONTROL_ERROR",
	SettingsTimeout:    "SETTINGS_TIMEOUT",
	StreamClosedError:  "STREAM_CLOSED",
	FrameSizeError:     "FRAME_SIZE_ERROR",
	RefusedStreamError:      "REFUSED_STREAM",
	Cancel:             "CANCEL",
	CompressionError:   "COMPRESSION_ERROR",
	ConnectError:       "CONNECT_ERROR",
	EnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	InadequateSecurity: "INADEQUATE_SECURITY",
	HTTP11Required:     "HTTP_1_1_REQUIRED",
}

// String returns the RFC 7540 §11.4 registry name for the code, or a
// numeric fallback for unknown/extension codes.
func (e ErrorCode) String() string {
	if int(e) < len(errorCodeStrings) && errorCodeStrings[e] != "" {
		return errorCodeStrings[e]
	}
	return fmt.Sprintf("UNKNOWN_ERROR(0x%x)", uint32(e))
}

var (
	ErrUnknownFrameType = errors.New("h2: unknown frame type")
	ErrUnexpectedSize   = errors.New("h2: not enough bytes to decode header field")
)

// Error is the error taxonomy used throughout the module. frameType
// says which frame carries it back to the peer: FrameGoAway tears
// down the whole connection, FrameResetStream only the one stream.
// Errors that never cross the wire (malformed local state, pool
// misuse) use plain stdlib errors instead.
//
// Error is used as a value, not a pointer, so that
// errors.As(err, &streamErr) works against errors returned by value
// from NewGoAwayError/NewResetStreamError.
type Error struct {
	frameType FrameType
	code      ErrorCode
	message   string
}

func (e Error) Error() string {
	switch e.frameType {
	case FrameResetStream:
		return fmt.Sprintf("rst_stream: %s: %s", e.code, e.message)
	case FrameGoAway:
		return fmt.Sprintf("goaway: %s: %s", e.code, e.message)
	default:
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
}

// Code returns the HTTP/2 error code to report to the peer.
func (e Error) Code() ErrorCode {
	return e.code
}

// Is lets errors.Is match two Error values by code alone, so callers
// can write errors.Is(err, NewError(Cancel, ""))-style checks.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// NewError builds a bare error for the given code with no frame type
// attached yet; used by frame types (e.g. RstStream.Error) that only
// know the code.
func NewError(code ErrorCode, msg string) Error {
	return Error{code: code, message: msg}
}

// NewGoAwayError builds an error that must be reported with GOAWAY and
// terminates the whole connection.
func NewGoAwayError(code ErrorCode, msg string) Error {
	return Error{frameType: FrameGoAway, code: code, message: msg}
}

// NewResetStreamError builds an error that must be reported with
// RST_STREAM and only terminates the one stream.
func NewResetStreamError(code ErrorCode, msg string) Error {
	return Error{frameType: FrameResetStream, code: code, message: msg}
}

// IsGoAwayError reports whether err (if it is an Error) must be
// handled by tearing down the whole connection.
func IsGoAwayError(err error) bool {
	var e Error
	return errors.As(err, &e) && e.frameType == FrameGoAway
}

// IsResetStreamError reports whether err (if it is an Error) only
// affects a single stream.
func IsResetStreamError(err error) bool {
	var e Error
	return errors.As(err, &e) && e.frameType == FrameResetStream
}
