package http2

import (
	"go.h2core.dev/h2/http2utils"
)

const FramePriority FrameType = 0x2

var _ Frame = &Priority{}

// defaultWeight is the wire weight (0-255, meaning priority 1-256) assigned
// to a stream that was never explicitly prioritized.
const defaultWeight byte = 15

// Priority represents the Priority frame.
//
// https://tools.ietf.org/html/rfc7540#section-6.3
type Priority struct {
	stream    uint32
	weight    byte
	exclusive bool
}

// Exclusive reports whether the stream should become the sole child of its
// new parent, taking over any children the parent already had.
func (pry *Priority) Exclusive() bool {
	return pry.exclusive
}

// SetExclusive sets the exclusive flag on the Priority frame.
func (pry *Priority) SetExclusive(exclusive bool) {
	pry.exclusive = exclusive
}

func (pry *Priority) Type() FrameType {
	return FramePriority
}

// Reset resets priority fields.
func (pry *Priority) Reset() {
	pry.stream = 0
	pry.weight = 0
	pry.exclusive = false
}

func (pry *Priority) CopyTo(p *Priority) {
	p.stream = pry.stream
	p.weight = pry.weight
	p.exclusive = pry.exclusive
}

// Stream returns the Priority frame stream.
func (pry *Priority) Stream() uint32 {
	return pry.stream
}

// SetStream sets the Priority frame stream.
func (pry *Priority) SetStream(stream uint32) {
	pry.stream = stream & (1<<31 - 1)
}

// Weight returns the Priority frame weight.
func (pry *Priority) Weight() byte {
	return pry.weight
}

// SetWeight sets the Priority frame weight.
func (pry *Priority) SetWeight(w byte) {
	pry.weight = w
}

func (pry *Priority) Deserialize(fr *FrameHeader) (err error) {
	if len(fr.payload) != 5 {
		err = NewGoAwayError(FrameSizeError, "priority payload must be 5 bytes")
	} else {
		raw := http2utils.BytesToUint32(fr.payload)
		pry.exclusive = raw&(1<<31) != 0
		pry.stream = raw & (1<<31 - 1)
		pry.weight = fr.payload[4]
	}

	return
}

func (pry *Priority) Serialize(fr *FrameHeader) {
	raw := pry.stream
	if pry.exclusive {
		raw |= 1 << 31
	}

	fr.payload = http2utils.AppendUint32Bytes(fr.payload[:0], raw)
	fr.payload = append(fr.payload, pry.weight)
}
