package http2

import (
	"go.h2core.dev/h2/http2utils"
)

const FramePushPromise FrameType = 0x5

var (
	_ Frame            = &PushPromise{}
	_ FrameWithHeaders = &PushPromise{}
)

// PushPromise https://tools.ietf.org/html/rfc7540#section-6.6
type PushPromise struct {
	pad    bool
	ended  bool
	stream uint32
	header []byte // header block fragment
}

func (pp *PushPromise) Type() FrameType {
	return FramePushPromise
}

func (pp *PushPromise) Reset() {
	pp.pad = false
	pp.ended = false
	pp.stream = 0
	pp.header = pp.header[:0]
}

func (pp *PushPromise) SetHeader(h []byte) {
	pp.header = append(pp.header[:0], h...)
}

// Headers returns the (possibly partial) header block fragment.
func (pp *PushPromise) Headers() []byte {
	return pp.header
}

// Stream returns the promised stream id.
func (pp *PushPromise) Stream() uint32 {
	return pp.stream
}

// SetStream sets the promised stream id.
func (pp *PushPromise) SetStream(stream uint32) {
	pp.stream = stream
}

// EndHeaders reports whether this frame terminates the header block.
func (pp *PushPromise) EndHeaders() bool {
	return pp.ended
}

// SetEndHeaders sets whether this frame terminates the header block.
func (pp *PushPromise) SetEndHeaders(value bool) {
	pp.ended = value
}

// Padding reports whether the frame will be/was padded.
func (pp *PushPromise) Padding() bool {
	return pp.pad
}

// SetPadding sets whether the frame should be padded on send.
func (pp *PushPromise) SetPadding(value bool) {
	pp.pad = value
}

func (pp *PushPromise) Write(b []byte) (int, error) {
	n := len(b)
	pp.header = append(pp.header, b...)
	return n, nil
}

func (pp *PushPromise) Deserialize(fr *FrameHeader) error {
	payload := fr.payload

	if fr.Flags().Has(FlagPadded) {
		var err error
		payload, err = http2utils.CutPadding(payload, fr.Len())
		if err != nil {
			return NewGoAwayError(ProtocolError, err.Error())
		}
	}

	if len(fr.payload) < 4 {
		return ErrMissingBytes
	}

	pp.stream = http2utils.BytesToUint32(payload) & (1<<31 - 1)
	pp.header = append(pp.header, payload[4:]...)
	pp.ended = fr.Flags().Has(FlagEndHeaders)

	return nil
}

func (pp *PushPromise) Serialize(fr *FrameHeader) {
	if pp.ended {
		fr.SetFlags(
			fr.Flags().Add(FlagEndHeaders))
	}

	fr.payload = fr.payload[:0]
	fr.payload = http2utils.AppendUint32Bytes(fr.payload, pp.stream&(1<<31-1))
	fr.payload = append(fr.payload, pp.header...)

	if pp.pad {
		fr.SetFlags(
			fr.Flags().Add(FlagPadded))
		fr.payload = http2utils.AddPadding(fr.payload)
	}
}
