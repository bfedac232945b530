package http2

import (
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// StreamState represents the state a Stream is currently in, following the
// state machine described in RFC7540 section 5.1.
type StreamState int8

const (
	StreamStateIdle StreamState = iota
	StreamStateReserved
	StreamStateOpen
	StreamStateHalfClosed
	StreamStateClosed
)

func (ss StreamState) String() string {
	switch ss {
	case StreamStateIdle:
		return "Idle"
	case StreamStateReserved:
		return "Reserved"
	case StreamStateOpen:
		return "Open"
	case StreamStateHalfClosed:
		return "HalfClosed"
	case StreamStateClosed:
		return "Closed"
	}

	return "IDK"
}

// Stream holds all the state a server connection needs to track for a
// single HTTP/2 stream: flow-control window, header reassembly buffer,
// priority-tree placement and the fasthttp request/response pair being
// built from it.
type Stream struct {
	id uint32

	// sendWindow is the stream's send window as seen by the server, i.e.
	// how many bytes of DATA the server may still write on this stream. A
	// response body writer suspends on it (via awaitSendWindow) whenever
	// it runs dry, and wakes once a WINDOW_UPDATE for this stream arrives.
	sendWindow *flowWindow

	state StreamState

	// origType is the frame type that originated the stream: either
	// FrameHeaders or FramePushPromise.
	origType FrameType

	ctx *fasthttp.RequestCtx

	headersFinished     bool
	previousHeaderBytes []byte
	headerBlockNum      int
	scheme              []byte

	// headerListSize accumulates the uncompressed size of the header list
	// being decoded for the current header block (RFC7541 §4.1: name len +
	// value len + 32 per field), reset at the start of each block. Guards
	// against a peer inflating it past the configured maximum via a long
	// run of CONTINUATION frames.
	headerListSize uint32

	// fieldsProcessed counts the fields decoded so far from the current
	// header block, across however many HEADERS/CONTINUATION frames it's
	// split over. A dynamic table size update is only legal while it is
	// still zero (RFC7541 §4.2).
	fieldsProcessed int

	// methodSeen tracks whether a :method pseudo-header has already been
	// decoded for this stream's request header block, across however many
	// HEADERS/CONTINUATION frames it's split over. pathSeen and
	// schemeSeen guard :path and :scheme the same way, isConnect records
	// a CONNECT method (which waives the non-empty :path check),
	// and regularSeen flips once the first non-pseudo field arrives so a
	// late pseudo-header can be rejected.
	methodSeen  bool
	pathSeen    bool
	schemeSeen  bool
	isConnect   bool
	regularSeen bool

	startedAt time.Time

	bodyReceived int64

	// priority tree placement, see priorityTree.
	parent    uint32
	weight    byte
	exclusive bool
}

var streamPool = sync.Pool{
	New: func() interface{} {
		return &Stream{}
	},
}

// AcquireStream returns a Stream reset to represent a freshly created
// stream with the given id and initial send window.
func AcquireStream(id uint32, win int32) *Stream {
	s := streamPool.Get().(*Stream)
	s.Reset()
	s.id = id
	if s.sendWindow == nil {
		s.sendWindow = newFlowWindow(win)
	} else {
		s.sendWindow.set(int64(win))
	}
	s.weight = defaultWeight
	return s
}

// NewStream is kept as an alias of AcquireStream for callers that create
// streams outside of the pooled connection-serving path.
func NewStream(id uint32, win int32) *Stream {
	return AcquireStream(id, win)
}

// Reset clears the stream so it can be reused from the pool.
func (s *Stream) Reset() {
	s.id = 0
	s.state = StreamStateIdle
	s.origType = 0
	s.ctx = nil
	s.headersFinished = false
	s.previousHeaderBytes = s.previousHeaderBytes[:0]
	s.headerBlockNum = 0
	s.scheme = s.scheme[:0]
	s.methodSeen = false
	s.pathSeen = false
	s.schemeSeen = false
	s.isConnect = false
	s.regularSeen = false
	s.fieldsProcessed = 0
	s.headerListSize = 0
	s.startedAt = time.Time{}
	s.bodyReceived = 0
	s.parent = 0
	s.weight = 0
	s.exclusive = false
}

func (s *Stream) ID() uint32 {
	return s.id
}

func (s *Stream) SetID(id uint32) {
	s.id = id
}

func (s *Stream) State() StreamState {
	return s.state
}

func (s *Stream) SetState(state StreamState) {
	s.state = state
}

// Window returns the stream's current send window.
func (s *Stream) Window() int64 {
	return s.sendWindow.get()
}

// SetWindow overwrites the stream's send window, e.g. when it's first
// created from the negotiated initial window size.
func (s *Stream) SetWindow(win int64) {
	s.sendWindow.set(win)
}

// IncrWindow applies a WINDOW_UPDATE increment, returning FlowControlError
// if it would push the window past the 2^31-1 limit.
func (s *Stream) IncrWindow(win int64) error {
	return s.sendWindow.add(win)
}

// Data returns the fasthttp request context backing this stream.
func (s *Stream) Data() *fasthttp.RequestCtx {
	return s.ctx
}

// SetData attaches a fasthttp request context to the stream.
func (s *Stream) SetData(ctx *fasthttp.RequestCtx) {
	s.ctx = ctx
}

// Parent returns the stream id this stream currently depends on.
func (s *Stream) Parent() uint32 {
	return s.parent
}

// SetParent reparents the stream, as requested by a PRIORITY frame or the
// priority fields of a HEADERS frame.
func (s *Stream) SetParent(parent uint32) {
	s.parent = parent
}

// Weight returns the stream's relative priority weight (1-256, stored as
// the wire value 0-255).
func (s *Stream) Weight() byte {
	return s.weight
}

func (s *Stream) SetWeight(w byte) {
	s.weight = w
}

// Exclusive reports whether the last reparenting of this stream was
// exclusive, i.e. it should have taken over its parent's other children.
func (s *Stream) Exclusive() bool {
	return s.exclusive
}

func (s *Stream) SetExclusive(e bool) {
	s.exclusive = e
}

// checkContentLength verifies the bytes received as DATA against the
// content-length the request declared, if any. It must only be called
// once all DATA for the stream has arrived (END_STREAM).
func (s *Stream) checkContentLength() error {
	if s.ctx == nil {
		return nil
	}

	cl := s.ctx.Request.Header.ContentLength()
	if cl <= 0 {
		return nil
	}

	if int64(cl) != s.bodyReceived {
		return NewGoAwayError(ProtocolError, "content-length mismatch")
	}

	return nil
}
