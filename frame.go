package http2

import (
	"errors"
	"sync"
)

// FrameType identifies the wire type of a frame's payload.
//
// https://tools.ietf.org/html/rfc7540#section-11.2
type FrameType uint8

func (ft FrameType) String() string {
	switch ft {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FramePriority:
		return "PRIORITY"
	case FrameResetStream:
		return "RST_STREAM"
	case FrameSettings:
		return "SETTINGS"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FramePing:
		return "PING"
	case FrameGoAway:
		return "GOAWAY"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameContinuation:
		return "CONTINUATION"
	}

	return "UNKNOWN"
}

// FrameFlags is the bitset of flags carried in a frame header. Flag
// constants are declared in frameHeader.go; the same bit (0x1) means
// FlagAck on SETTINGS/PING and FlagEndStream on DATA/HEADERS — callers
// must interpret it relative to the frame type, never through a shared
// accessor.
type FrameFlags uint8

// Has reports whether f has all the bits set in x.
func (f FrameFlags) Has(x FrameFlags) bool {
	return f&x == x
}

// Add returns f with the bits in x set.
func (f FrameFlags) Add(x FrameFlags) FrameFlags {
	return f | x
}

var (
	ErrMissingBytes   = errors.New("h2: missing bytes to complete frame")
	ErrPayloadExceeds = errors.New("h2: payload size exceeds negotiated max frame size")
)

// Frame is the payload of a HTTP/2 frame: everything after the 9-byte
// FrameHeader. Every concrete frame type (Data, Headers, Priority, ...)
// implements this.
//
// Frame instances come from a sync.Pool via AcquireFrame/ReleaseFrame
// and MUST NOT be shared across goroutines.
type Frame interface {
	Type() FrameType
	Reset()
	Deserialize(fr *FrameHeader) error
	Serialize(fr *FrameHeader)
}

var (
	dataPool         = sync.Pool{New: func() interface{} { return &Data{} }}
	headersPool      = sync.Pool{New: func() interface{} { return &Headers{} }}
	priorityPool     = sync.Pool{New: func() interface{} { return &Priority{} }}
	rstStreamPool    = sync.Pool{New: func() interface{} { return &RstStream{} }}
	settingsPool     = sync.Pool{New: func() interface{} { return &Settings{} }}
	pushPromisePool  = sync.Pool{New: func() interface{} { return &PushPromise{} }}
	pingPool         = sync.Pool{New: func() interface{} { return &Ping{} }}
	goAwayPool       = sync.Pool{New: func() interface{} { return &GoAway{} }}
	windowUpdatePool = sync.Pool{New: func() interface{} { return &WindowUpdate{} }}
	continuationPool = sync.Pool{New: func() interface{} { return &Continuation{} }}
)

// AcquireFrame returns a zeroed Frame body of the given type from its
// pool. Pair with ReleaseFrame.
func AcquireFrame(kind FrameType) Frame {
	var fr Frame

	switch kind {
	case FrameData:
		fr = dataPool.Get().(*Data)
	case FrameHeaders:
		fr = headersPool.Get().(*Headers)
	case FramePriority:
		fr = priorityPool.Get().(*Priority)
	case FrameResetStream:
		fr = rstStreamPool.Get().(*RstStream)
	case FrameSettings:
		fr = settingsPool.Get().(*Settings)
	case FramePushPromise:
		fr = pushPromisePool.Get().(*PushPromise)
	case FramePing:
		fr = pingPool.Get().(*Ping)
	case FrameGoAway:
		fr = goAwayPool.Get().(*GoAway)
	case FrameWindowUpdate:
		fr = windowUpdatePool.Get().(*WindowUpdate)
	case FrameContinuation:
		fr = continuationPool.Get().(*Continuation)
	default:
		return nil
	}

	fr.Reset()
	return fr
}

// ReleaseFrame resets fr and returns it to its pool. Passing nil is a
// no-op, so callers can defer ReleaseFrame(fh.Body()) unconditionally.
func ReleaseFrame(fr Frame) {
	if fr == nil {
		return
	}

	fr.Reset()

	switch v := fr.(type) {
	case *Data:
		dataPool.Put(v)
	case *Headers:
		headersPool.Put(v)
	case *Priority:
		priorityPool.Put(v)
	case *RstStream:
		rstStreamPool.Put(v)
	case *Settings:
		settingsPool.Put(v)
	case *PushPromise:
		pushPromisePool.Put(v)
	case *Ping:
		pingPool.Put(v)
	case *GoAway:
		goAwayPool.Put(v)
	case *WindowUpdate:
		windowUpdatePool.Put(v)
	case *Continuation:
		continuationPool.Put(v)
	}
}
