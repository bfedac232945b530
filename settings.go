package http2

import "go.h2core.dev/h2/http2utils"

const FrameSettings FrameType = 0x4

// Settings identifiers, as registered by RFC 7540 §11.3.
const (
	HeaderTableSize      uint16 = 0x1
	EnablePush           uint16 = 0x2
	MaxConcurrentStreams uint16 = 0x3
	InitialWindowSize    uint16 = 0x4
	MaxFrameSize         uint16 = 0x5
	MaxHeaderListSize    uint16 = 0x6
)

const (
	defaultHeaderTableSize   uint32 = 4096
	defaultConcurrentStreams uint32 = 100
	defaultWindowSize        uint32 = 1<<16 - 1
	defaultMaxFrameSize      uint32 = 1 << 14
	defaultMaxHeaderListSize uint32 = 16384

	maxWindowSize = 1<<31 - 1
	maxFrameSize  = 1<<24 - 1
)

var _ Frame = &Settings{}

// Settings is the SETTINGS frame, used by both endpoints to announce
// and acknowledge connection-wide configuration parameters.
//
// https://tools.ietf.org/html/rfc7540#section-6.5
type Settings struct {
	ack bool

	headerTableSize   uint32
	push              bool
	maxStreams        uint32
	windowSize        uint32
	frameSize         uint32
	maxHeaderListSize uint32
}

func (st *Settings) Type() FrameType {
	return FrameSettings
}

// Reset restores st to the RFC 7540 §6.5.2 default values.
func (st *Settings) Reset() {
	st.ack = false
	st.headerTableSize = defaultHeaderTableSize
	st.push = true
	st.maxStreams = defaultConcurrentStreams
	st.windowSize = defaultWindowSize
	st.frameSize = defaultMaxFrameSize
	st.maxHeaderListSize = defaultMaxHeaderListSize
}

// CopyTo copies st fields to other.
func (st *Settings) CopyTo(other *Settings) {
	other.ack = st.ack
	other.headerTableSize = st.headerTableSize
	other.push = st.push
	other.maxStreams = st.maxStreams
	other.windowSize = st.windowSize
	other.frameSize = st.frameSize
	other.maxHeaderListSize = st.maxHeaderListSize
}

func (st *Settings) IsAck() bool {
	return st.ack
}

func (st *Settings) SetAck(ack bool) {
	st.ack = ack
}

func (st *Settings) HeaderTableSize() uint32 {
	return st.headerTableSize
}

func (st *Settings) SetHeaderTableSize(size uint32) {
	st.headerTableSize = size
}

func (st *Settings) Push() bool {
	return st.push
}

func (st *Settings) SetPush(push bool) {
	st.push = push
}

func (st *Settings) MaxConcurrentStreams() uint32 {
	return st.maxStreams
}

func (st *Settings) SetMaxConcurrentStreams(n uint32) {
	st.maxStreams = n
}

// MaxWindowSize returns the initial flow-control window size this
// endpoint advertises for new streams.
func (st *Settings) MaxWindowSize() uint32 {
	return st.windowSize
}

func (st *Settings) SetMaxWindowSize(size uint32) {
	if size > maxWindowSize {
		size = maxWindowSize
	}
	st.windowSize = size
}

func (st *Settings) FrameSize() uint32 {
	return st.frameSize
}

func (st *Settings) SetFrameSize(size uint32) {
	st.frameSize = size
}

func (st *Settings) MaxHeaderListSize() uint32 {
	return st.maxHeaderListSize
}

func (st *Settings) SetMaxHeaderListSize(size uint32) {
	st.maxHeaderListSize = size
}

func (st *Settings) Deserialize(fr *FrameHeader) error {
	st.ack = fr.Flags().Has(FlagAck)

	payload := fr.payload
	if st.ack && len(payload) > 0 {
		return NewGoAwayError(FrameSizeError, "settings ack with a payload")
	}
	if len(payload)%6 != 0 {
		return NewGoAwayError(FrameSizeError, "settings payload not a multiple of 6")
	}

	for len(payload) > 0 {
		id := uint16(payload[0])<<8 | uint16(payload[1])
		value := http2utils.BytesToUint32(payload[2:6])

		switch id {
		case HeaderTableSize:
			st.headerTableSize = value
		case EnablePush:
			if value > 1 {
				return NewGoAwayError(ProtocolError, "enable push must be 0 or 1")
			}
			st.push = value == 1
		case MaxConcurrentStreams:
			st.maxStreams = value
		case InitialWindowSize:
			if value > maxWindowSize {
				return NewGoAwayError(FlowControlError, "initial window size too big")
			}
			st.windowSize = value
		case MaxFrameSize:
			if value < defaultMaxFrameSize || value > maxFrameSize {
				return NewGoAwayError(ProtocolError, "invalid max frame size")
			}
			st.frameSize = value
		case MaxHeaderListSize:
			st.maxHeaderListSize = value
		}

		payload = payload[6:]
	}

	return nil
}

func (st *Settings) Serialize(fr *FrameHeader) {
	fr.payload = fr.payload[:0]

	if st.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
		return
	}

	st.appendSetting(fr, HeaderTableSize, st.headerTableSize)
	st.appendPushSetting(fr)
	st.appendSetting(fr, MaxConcurrentStreams, st.maxStreams)
	st.appendSetting(fr, InitialWindowSize, st.windowSize)
	st.appendSetting(fr, MaxFrameSize, st.frameSize)

	if st.maxHeaderListSize > 0 {
		st.appendSetting(fr, MaxHeaderListSize, st.maxHeaderListSize)
	}
}

func (st *Settings) appendSetting(fr *FrameHeader, id uint16, value uint32) {
	fr.payload = append(fr.payload, byte(id>>8), byte(id))
	fr.payload = http2utils.AppendUint32Bytes(fr.payload, value)
}

func (st *Settings) appendPushSetting(fr *FrameHeader) {
	v := uint32(0)
	if st.push {
		v = 1
	}
	st.appendSetting(fr, EnablePush, v)
}
