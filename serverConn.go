package http2

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

type connState int32

const (
	connStateOpen connState = iota
	connStateClosed
)

// maxPendingHeaderBytes bounds the raw, not-yet-decodable header-block
// bytes a stream may accumulate across HEADERS/CONTINUATION frames
// before END_HEADERS arrives.
const maxPendingHeaderBytes = 1 << 20

type serverConn struct {
	c net.Conn
	h fasthttp.RequestHandler

	br *bufio.Reader
	bw *bufio.Writer

	enc HPACK
	dec HPACK

	// last valid ID used as a reference for new IDs
	lastID uint32

	// clientWindow is the connection-level send window: how many bytes of
	// DATA the server may still write across all streams combined before
	// it must suspend waiting for a WINDOW_UPDATE on stream 0.
	clientWindow *flowWindow

	// our values
	maxWindow     int32
	currentWindow int32

	writer chan *FrameHeader
	reader chan *FrameHeader

	// streamDone receives a stream once its response body has finished
	// writing (or failed) on its own goroutine, so handleStreams can
	// retire it without racing the body writer's flow-control suspension
	// against the stream-registry mutations that only it may perform.
	streamDone chan *Stream

	// shutdown is closed once handleStreams stops looping, so body-write
	// goroutines parked waiting on a send window or on streamDone don't
	// block forever past the connection's lifetime.
	shutdown chan struct{}

	// windowDelta carries an INITIAL_WINDOW_SIZE change from the read
	// loop to handleStreams, the only goroutine allowed to walk the
	// stream registry, which applies it to every open stream's send
	// window.
	windowDelta chan int64

	state connState
	// closeRef stores the last stream that was valid before sending a GOAWAY.
	// Thus, the number stored in closeRef is used to complete all the requests that were sent before
	// to gracefully close the connection with a GOAWAY.
	closeRef uint32

	// maxRequestTime is the max time of a request over one single stream
	maxRequestTime time.Duration
	pingInterval   time.Duration
	// maxIdleTime is the max time a client can be connected without sending any REQUEST.
	// As highlighted, PING/PONG frames are completely excluded.
	//
	// Therefore, a client that didn't send a request for more than `maxIdleTime` will see it's connection closed.
	maxIdleTime time.Duration

	st      Settings
	clientS Settings

	// pingTimer
	pingTimer       *time.Timer
	maxRequestTimer *time.Timer
	maxIdleTimer    *time.Timer

	closer chan struct{}

	debug  bool
	logger fasthttp.Logger

	// strms is only ever touched from the handleStreams goroutine, which
	// owns the HPACK tables and the rest of the per-connection stream
	// state synchronously.
	strms Streams
}

func (sc *serverConn) closeIdleConn() {
	sc.writeGoAway(0, NoError, "connection has been idle for a long time")
	if sc.debug {
		sc.logger.Printf("Connection is idle. Closing\n")
	}
	close(sc.closer)
}

func (sc *serverConn) Handshake() error {
	return Handshake(false, sc.bw, &sc.st, sc.maxWindow)
}

func (sc *serverConn) Serve() error {
	sc.closer = make(chan struct{}, 1)
	sc.maxRequestTimer = time.NewTimer(0)
	sc.clientWindow = newFlowWindow(int32(sc.clientS.MaxWindowSize()))
	sc.streamDone = make(chan *Stream)
	sc.shutdown = make(chan struct{})
	sc.windowDelta = make(chan int64, 4)

	if sc.maxIdleTime > 0 {
		sc.maxIdleTimer = time.AfterFunc(sc.maxIdleTime, sc.closeIdleConn)
	}

	if sc.pingInterval > 0 {
		sc.pingTimer = time.AfterFunc(sc.pingInterval, sc.sendPingAndSchedule)
	}

	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("Serve panicked: %s:\n%s\n", err, debug.Stack())
		}
	}()

	go func() {
		// defer closing the connection in the writeLoop in case the writeLoop panics
		defer func() {
			_ = sc.c.Close()
		}()

		sc.writeLoop()
	}()

	go func() {
		sc.handleStreams()
		// Fix #55: The pingTimer fired while we were closing the connection.
		if sc.pingTimer != nil {
			sc.pingTimer.Stop()
		}
		// close the writer here to ensure that no pending requests
		// are writing to a closed channel
		close(sc.writer)
	}()

	defer func() {
		// close the reader here so we can stop handling stream updates
		close(sc.reader)
	}()

	var err error

	// unset any deadline
	if err = sc.c.SetWriteDeadline(time.Time{}); err == nil {
		err = sc.c.SetReadDeadline(time.Time{})
	}
	if err != nil {
		return err
	}

	err = sc.readLoop()
	if errors.Is(err, io.EOF) {
		err = nil
	}

	sc.close()

	return err
}

func (sc *serverConn) close() {
	if sc.pingTimer != nil {
		sc.pingTimer.Stop()
	}

	if sc.maxIdleTimer != nil {
		sc.maxIdleTimer.Stop()
	}

	sc.maxRequestTimer.Stop()
}

func (sc *serverConn) handlePing(ping *Ping) {
	fr := AcquireFrameHeader()
	ping.SetAck(true)
	fr.SetBody(ping)

	sc.writer <- fr
}

func (sc *serverConn) writePing() {
	fr := AcquireFrameHeader()

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetCurrentTime()

	fr.SetBody(ping)

	sc.writer <- fr
}

func (sc *serverConn) checkFrameWithStream(fr *FrameHeader) error {
	if fr.Stream()&1 == 0 {
		return NewGoAwayError(ProtocolError, "invalid stream id")
	}

	switch fr.Type() {
	case FramePing:
		return NewGoAwayError(ProtocolError, "ping is carrying a stream id")
	case FramePushPromise:
		return NewGoAwayError(ProtocolError, "clients can't send push_promise frames")
	}

	return nil
}

func (sc *serverConn) readLoop() (err error) {
	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("readLoop panicked: %s\n%s\n", err, debug.Stack())
		}
	}()

	var fr *FrameHeader

	for err == nil {
		fr, err = ReadFrameFromWithSize(sc.br, sc.clientS.frameSize)
		if err != nil {
			if errors.Is(err, ErrUnknownFrameType) {
				sc.writeGoAway(0, ProtocolError, "unknown frame type")
				err = nil
				continue
			}

			if errors.Is(err, ErrPayloadExceeds) {
				sc.writeGoAway(0, FrameSizeError, "frame payload exceeds the negotiated maximum")
				break
			}

			var frameErr Error
			if errors.As(err, &frameErr) && frameErr.frameType == FrameGoAway {
				sc.writeGoAway(0, frameErr.Code(), frameErr.Error())
				break
			}

			break
		}

		if fr.Stream() != 0 {
			err := sc.checkFrameWithStream(fr)
			if err != nil {
				sc.writeError(nil, err)
			} else {
				sc.reader <- fr
			}

			continue
		}

		// handle 'anonymous' frames (frames without stream_id)
		switch fr.Type() {
		case FrameSettings:
			st := fr.Body().(*Settings)
			if !st.IsAck() { // if it has ack, just ignore
				prev := sc.clientS.MaxWindowSize()
				sc.handleSettings(st)

				if delta := int64(sc.clientS.MaxWindowSize()) - int64(prev); delta != 0 {
					select {
					case sc.windowDelta <- delta:
					case <-sc.shutdown:
					}
				}
			}
		case FrameWindowUpdate:
			win := int64(fr.Body().(*WindowUpdate).Increment())
			if win == 0 {
				sc.writeGoAway(0, ProtocolError, "window increment of 0")
				// return
				continue
			}

			if err := sc.clientWindow.add(win); err != nil {
				sc.writeGoAway(0, FlowControlError, "window is above limits")
			}
		case FramePing:
			ping := fr.Body().(*Ping)
			if !ping.IsAck() {
				sc.handlePing(ping)
			}
		case FrameGoAway:
			ga := fr.Body().(*GoAway)
			if ga.Code() == NoError {
				err = io.EOF
			} else {
				err = fmt.Errorf("goaway: %s: %s", ga.Code(), ga.Data())
			}
		default:
			sc.writeGoAway(0, ProtocolError, "invalid frame")
		}

		ReleaseFrameHeader(fr)
	}

	return
}

// handleStreams handles everything related to the streams
// and the HPACK table is accessed synchronously.
func (sc *serverConn) handleStreams() {
	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("handleStreams panicked: %s\n%s\n", err, debug.Stack())
		}
	}()
	defer close(sc.shutdown)

	var reqTimerArmed bool
	var openStreams int

	closedStrms := make(map[uint32]struct{})

	closeStream := func(strm *Stream) {
		if strm.origType == FrameHeaders {
			openStreams--
		}

		strmID := strm.ID()

		closedStrms[strm.ID()] = struct{}{}
		sc.strms.Del(strm.ID())

		ctxPool.Put(strm.ctx)
		streamPool.Put(strm)

		if sc.debug {
			sc.logger.Printf("Stream destroyed %d. Open streams: %d\n", strmID, openStreams)
		}
	}

loop:
	for {
		select {
		case <-sc.closer:
			break loop
		case <-sc.maxRequestTimer.C:
			reqTimerArmed = false

			deleteUntil := 0
			for _, strm := range sc.strms {
				// the request is due if the startedAt time + maxRequestTime is in the past
				isDue := time.Now().After(
					strm.startedAt.Add(sc.maxRequestTime))
				if !isDue {
					break
				}

				deleteUntil++
			}

			for deleteUntil > 0 {
				strm := sc.strms[0]

				if sc.debug {
					sc.logger.Printf("Stream timed out: %d\n", strm.ID())
				}
				sc.writeReset(strm.ID(), StreamCanceled)

				// set the state to closed in case it comes back to life later
				strm.SetState(StreamStateClosed)
				closeStream(strm)

				deleteUntil--
			}

			if len(sc.strms) != 0 && sc.maxRequestTime > 0 {
				// the first in the stream list might have started with a PushPromise
				strm := sc.strms.GetFirstOf(FrameHeaders)
				if strm != nil {
					reqTimerArmed = true
					// try to arm the timer
					when := strm.startedAt.Add(sc.maxRequestTime).Sub(time.Now())
					// if the time is negative or zero it triggers imm
					sc.maxRequestTimer.Reset(when)

					if sc.debug {
						sc.logger.Printf("Next request will timeout in %f seconds\n", when.Seconds())
					}
				}
			}
		case fr, ok := <-sc.reader:
			if !ok {
				return
			}

			isClosing := atomic.LoadInt32((*int32)(&sc.state)) == int32(connStateClosed)

			var strm *Stream
			if fr.Stream() <= sc.lastID {
				strm = sc.strms.Search(fr.Stream())
			}

			if strm == nil {
				// if the stream doesn't exist, create it

				if fr.Type() == FrameResetStream {
					// only send go away on idle stream not on an already-closed stream
					if _, ok := closedStrms[fr.Stream()]; !ok {
						sc.writeGoAway(fr.Stream(), ProtocolError, "RST_STREAM on idle stream")
					}

					continue
				}

				if _, ok := closedStrms[fr.Stream()]; ok {
					if fr.Type() != FramePriority {
						sc.writeGoAway(fr.Stream(), StreamClosedError, "frame on closed stream")
					}

					continue
				}

				// if the client has more open streams than the maximum allowed OR
				//   the connection is closing, then refuse the stream
				if openStreams >= int(sc.st.maxStreams) || isClosing {
					if sc.debug {
						if isClosing {
							sc.logger.Printf("Closing the connection. Rejecting stream %d\n", fr.Stream())
						} else {
							sc.logger.Printf("Max open streams reached: %d >= %d\n",
								openStreams, sc.st.maxStreams)
						}
					}

					sc.writeReset(fr.Stream(), RefusedStreamError)

					continue
				}

				if fr.Stream() < sc.lastID {
					sc.writeGoAway(fr.Stream(), ProtocolError, "stream ID is lower than the latest")
					continue
				}

				strm = NewStream(fr.Stream(), int32(sc.clientS.MaxWindowSize()))
				sc.strms = append(sc.strms, strm)

				// RFC(5.1.1):
				//
				// The identifier of a newly established stream MUST be numerically
				// greater than all streams that the initiating endpoint has opened
				// or reserved. This governs streams that are opened using a
				// HEADERS frame and streams that are reserved using PUSH_PROMISE.
				if fr.Type() == FrameHeaders {
					openStreams++
					atomic.StoreUint32(&sc.lastID, fr.Stream())
				}

				sc.createStream(sc.c, fr.Type(), strm)

				if sc.debug {
					sc.logger.Printf("Stream %d created. Open streams: %d\n", strm.ID(), openStreams)
				}

				if !reqTimerArmed && sc.maxRequestTime > 0 {
					reqTimerArmed = true
					sc.maxRequestTimer.Reset(sc.maxRequestTime)

					if sc.debug {
						sc.logger.Printf("Next request will timeout in %f seconds\n", sc.maxRequestTime.Seconds())
					}
				}
			}

			// if we have more than one stream (this one newly created) check if the previous finished sending the headers
			if fr.Type() == FrameHeaders {
				nstrm := sc.strms.getPrevious(FrameHeaders)
				if nstrm != nil && !nstrm.headersFinished {
					sc.writeError(nstrm, NewGoAwayError(ProtocolError, "previous stream headers not ended"))
					continue
				}

				for len(sc.strms) != 0 {
					nstrm := sc.strms[0]
					// RFC(5.1.1):
					//
					// The first use of a new stream identifier implicitly
					// closes all streams in the "idle" state that might
					// have been initiated by that peer with a lower-valued stream identifier
					if nstrm.ID() < strm.ID() &&
						nstrm.State() == StreamStateIdle &&
						nstrm.origType == FrameHeaders {

						nstrm.SetState(StreamStateClosed)
						closeStream(nstrm)

						if sc.debug {
							sc.logger.Printf("Cancelling stream in idle state: %d\n", nstrm.ID())
						}

						sc.writeReset(nstrm.ID(), StreamCanceled)

						continue
					}

					break
				}

				if sc.maxIdleTimer != nil {
					sc.maxIdleTimer.Reset(sc.maxIdleTime)
				}
			}

			if err := sc.handleFrame(strm, fr); err != nil {
				sc.writeError(strm, err)
				strm.SetState(StreamStateClosed)
			}

			handleState(fr, strm)

			switch strm.State() {
			case StreamStateHalfClosed:
				if sc.handleEndRequest(strm) {
					// the response body is being written on its own
					// goroutine; it reports back on sc.streamDone once
					// it's done instead of closing synchronously here.
					break
				}
				// we fallthrough because once we send the response
				// the stream is already consumed and thus finished
				fallthrough
			case StreamStateClosed:
				closeStream(strm)
			}

			if isClosing {
				ref := atomic.LoadUint32(&sc.closeRef)
				// if there's no reference, then just close the connection
				if ref == 0 {
					break
				}

				// if we have a ref, then check that all streams previous to that ref are closed
				for _, strm := range sc.strms {
					// if the stream is here, then it's not closed yet
					if strm.origType == FrameHeaders && strm.ID() <= ref {
						continue loop
					}
				}

				break loop
			}
		case delta := <-sc.windowDelta:
			// RFC(6.9.2): a SETTINGS_INITIAL_WINDOW_SIZE change adjusts
			// every open stream's send window by the delta; going
			// negative is legal, overflowing 2^31-1 is not.
			for _, strm := range sc.strms {
				if err := strm.sendWindow.add(delta); err != nil {
					sc.writeGoAway(0, FlowControlError, "initial window size delta overflows a stream window")
					break loop
				}
			}
		case strm := <-sc.streamDone:
			closeStream(strm)

			if atomic.LoadInt32((*int32)(&sc.state)) == int32(connStateClosed) {
				ref := atomic.LoadUint32(&sc.closeRef)
				if ref == 0 {
					break
				}

				for _, strm := range sc.strms {
					if strm.origType == FrameHeaders && strm.ID() <= ref {
						continue loop
					}
				}

				break loop
			}
		}
	}
}

// updateWindow sends a WINDOW_UPDATE of size on streamID (0 for the
// connection), replenishing what was just consumed from a receive window.
func (sc *serverConn) updateWindow(streamID uint32, size int) {
	fr := AcquireFrameHeader()
	fr.SetStream(streamID)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(size)

	fr.SetBody(wu)

	sc.writer <- fr
}

func (sc *serverConn) writeReset(strm uint32, code ErrorCode) {
	r := AcquireFrame(FrameResetStream).(*RstStream)

	fr := AcquireFrameHeader()
	fr.SetStream(strm)
	fr.SetBody(r)

	r.SetCode(code)

	sc.writer <- fr

	if sc.debug {
		sc.logger.Printf(
			"%s: Reset(stream=%d, code=%s)\n",
			sc.c.RemoteAddr(), strm, code,
		)
	}
}

func (sc *serverConn) writeGoAway(strm uint32, code ErrorCode, message string) {
	// callers that only know "the connection" pass 0 and the GOAWAY
	// reports the highest stream id this connection processed; a nonzero
	// strm is reported as given.
	if strm == 0 {
		strm = atomic.LoadUint32(&sc.lastID)
	}

	ga := AcquireFrame(FrameGoAway).(*GoAway)

	fr := AcquireFrameHeader()

	ga.SetStream(strm)
	ga.SetCode(code)
	ga.SetData([]byte(message))

	fr.SetBody(ga)

	sc.writer <- fr

	if strm != 0 {
		atomic.StoreUint32(&sc.closeRef, atomic.LoadUint32(&sc.lastID))
	}

	atomic.StoreInt32((*int32)(&sc.state), int32(connStateClosed))

	if sc.debug {
		sc.logger.Printf(
			"%s: GoAway(stream=%d, code=%s): %s\n",
			sc.c.RemoteAddr(), strm, code, message,
		)
	}
}

func (sc *serverConn) writeError(strm *Stream, err error) {
	streamErr := Error{}
	if !errors.As(err, &streamErr) {
		sc.writeReset(strm.ID(), InternalError)
		strm.SetState(StreamStateClosed)
		return
	}

	switch streamErr.frameType {
	case FrameGoAway:
		if strm == nil {
			sc.writeGoAway(0, streamErr.Code(), streamErr.Error())
		} else {
			sc.writeGoAway(strm.ID(), streamErr.Code(), streamErr.Error())
		}
	case FrameResetStream:
		sc.writeReset(strm.ID(), streamErr.Code())
	}

	if strm != nil {
		strm.SetState(StreamStateClosed)
	}
}

func handleState(fr *FrameHeader, strm *Stream) {
	if fr.Type() == FrameResetStream {
		strm.SetState(StreamStateClosed)
	}

	switch strm.State() {
	case StreamStateIdle:
		if fr.Type() == FrameHeaders {
			strm.SetState(StreamStateOpen)
			if fr.Flags().Has(FlagEndStream) {
				strm.SetState(StreamStateHalfClosed)
			}
		}
		// PUSH_PROMISE is server-initiated only; a server never transitions
		// a stream to reserved(remote) from an inbound frame.
	case StreamStateReserved:
		// reserved(local): only RST_STREAM (handled above) closes it before
		// the server sends its own HEADERS to move it to half_closed(remote).
	case StreamStateOpen:
		if fr.Flags().Has(FlagEndStream) {
			strm.SetState(StreamStateHalfClosed)
		} else if fr.Type() == FrameResetStream {
			strm.SetState(StreamStateClosed)
		}
	case StreamStateHalfClosed:
		// a stream can only go from HalfClosed to Closed if the client
		// sends a ResetStream frame.
		if fr.Type() == FrameResetStream {
			strm.SetState(StreamStateClosed)
		}
	case StreamStateClosed:
	}
}

var logger = log.New(os.Stdout, "[HTTP/2] ", log.LstdFlags)

var ctxPool = sync.Pool{
	New: func() interface{} {
		return &fasthttp.RequestCtx{}
	},
}

func (sc *serverConn) createStream(c net.Conn, frameType FrameType, strm *Stream) {
	ctx := ctxPool.Get().(*fasthttp.RequestCtx)
	ctx.Request.Reset()
	ctx.Response.Reset()

	ctx.Init2(c, sc.logger, false)

	strm.origType = frameType
	strm.startedAt = time.Now()
	strm.SetData(ctx)
}

func (sc *serverConn) handleFrame(strm *Stream, fr *FrameHeader) error {
	err := sc.verifyState(strm, fr)
	if err != nil {
		return err
	}

	switch fr.Type() {
	case FrameHeaders, FrameContinuation:
		if strm.State() >= StreamStateHalfClosed {
			return NewGoAwayError(ProtocolError, "received headers on a finished stream")
		}

		err = sc.handleHeaderFrame(strm, fr)
		if err != nil {
			return err
		}

		if fr.Flags().Has(FlagEndHeaders) {
			// headers are only finished if there's no previousHeaderBytes
			strm.headersFinished = len(strm.previousHeaderBytes) == 0
			if !strm.headersFinished {
				return NewGoAwayError(ProtocolError, "END_HEADERS received on an incomplete stream")
			}

			// calling req.URI() triggers a URL parsing, so because of that we need to delay the URL parsing.
			strm.ctx.Request.URI().SetSchemeBytes(strm.scheme)
		}

		if headerFrame, ok := fr.Body().(*Headers); ok && fr.Flags().Has(FlagPriority) {
			reparentStream(sc.strms, strm, headerFrame.Stream(), headerFrame.Weight(), headerFrame.Exclusive())
		}

		if fr.Flags().Has(FlagEndStream) {
			if err := strm.checkContentLength(); err != nil {
				return err
			}
		}
	case FrameData:
		if !strm.headersFinished {
			return NewGoAwayError(ProtocolError, "stream didn't end the headers")
		}

		if strm.State() >= StreamStateHalfClosed {
			return NewGoAwayError(StreamClosedError, "stream closed")
		}

		sc.currentWindow -= int32(fr.Len())
		currentWin := sc.currentWindow

		data := fr.Body().(*Data).Data()
		strm.ctx.Request.AppendBody(data)
		strm.bodyReceived += int64(len(data))

		if len(data) != 0 {
			// the request body is buffered whole as it arrives, so the
			// stream's receive window is replenished immediately.
			sc.updateWindow(fr.Stream(), fr.Len())
		}

		if currentWin < sc.maxWindow/2 {
			nValue := sc.maxWindow - currentWin
			sc.currentWindow = sc.maxWindow
			sc.updateWindow(0, int(nValue))
		}

		if fr.Flags().Has(FlagEndStream) {
			if err := strm.checkContentLength(); err != nil {
				return err
			}
		}
	case FrameResetStream:
		if strm.State() == StreamStateIdle {
			return NewGoAwayError(ProtocolError, "RST_STREAM on idle stream")
		}
	case FramePriority:
		if strm.State() != StreamStateIdle && !strm.headersFinished {
			return NewGoAwayError(ProtocolError, "frame priority on an open stream")
		}

		priorityFrame, ok := fr.Body().(*Priority)
		if ok && priorityFrame.Stream() == strm.ID() {
			return NewGoAwayError(ProtocolError, "stream that depends on itself")
		}

		if ok {
			reparentStream(sc.strms, strm, priorityFrame.Stream(), priorityFrame.Weight(), priorityFrame.Exclusive())
		}
	case FrameWindowUpdate:
		if strm.State() == StreamStateIdle {
			return NewGoAwayError(ProtocolError, "window update on idle stream")
		}

		win := int64(fr.Body().(*WindowUpdate).Increment())
		if win == 0 {
			return NewGoAwayError(ProtocolError, "window increment of 0")
		}

		if err := strm.IncrWindow(win); err != nil {
			return NewResetStreamError(FlowControlError, "window is above limits")
		}
	default:
		return NewGoAwayError(ProtocolError, "invalid frame")
	}

	return err
}

func (sc *serverConn) handleHeaderFrame(strm *Stream, fr *FrameHeader) error {
	// A second HEADERS block on a stream that already finished its first one
	// is a trailer block: it must carry END_STREAM and no pseudo-headers.
	trailers := strm.headersFinished
	if trailers {
		if _, ok := fr.Body().(*Headers); ok && !fr.Flags().Has(FlagEndStream) {
			return NewGoAwayError(ProtocolError, "trailers without END_STREAM")
		}
		if !fr.Flags().Has(FlagEndStream|FlagEndHeaders) {
			return NewGoAwayError(ProtocolError, "stream not open")
		}
	}

	if headerFrame, ok := fr.Body().(*Headers); ok {
		if headerFrame.Stream() == strm.ID() {
			return NewGoAwayError(ProtocolError, "stream that depends on itself")
		}

		// a HEADERS frame always opens a new header block (the main
		// block or, later, trailers); CONTINUATION never does.
		strm.headerListSize = 0
		strm.fieldsProcessed = 0
	}

	b := append(strm.previousHeaderBytes, fr.Body().(FrameWithHeaders).Headers()...)

	// A run of CONTINUATION frames that never carries END_HEADERS would
	// otherwise let a peer grow this buffer without bound (the
	// "CONTINUATION flood" class of attack). Bail out before even
	// attempting to decode it.
	if len(b) > maxPendingHeaderBytes {
		return NewGoAwayError(EnhanceYourCalm, "header block exceeds maximum pending size")
	}

	hf := AcquireHeaderField()
	req := &strm.ctx.Request

	var err error

	strm.previousHeaderBytes = strm.previousHeaderBytes[:0]

	for len(b) > 0 {
		pb := b

		b, err = sc.dec.nextField(hf, strm.fieldsProcessed, b)
		if err != nil {
			if errors.Is(err, ErrUnexpectedSize) && len(pb) > 0 {
				err = nil
				strm.previousHeaderBytes = append(strm.previousHeaderBytes, pb...)
			} else {
				err = NewGoAwayError(CompressionError, err.Error())
			}

			break
		}

		strm.fieldsProcessed++

		k, v := hf.KeyBytes(), hf.ValueBytes()

		strm.headerListSize += uint32(hf.Size())
		if max := sc.st.maxHeaderListSize; max > 0 && strm.headerListSize > max {
			return NewResetStreamError(EnhanceYourCalm, "header list size exceeds configured maximum")
		}

		if hf.HasUpperName() {
			return NewResetStreamError(ProtocolError, "uppercase header field name")
		}

		// RFC(8.1.2.1): pseudo-headers precede every regular field.
		if hf.IsPseudo() {
			if strm.regularSeen {
				return NewResetStreamError(ProtocolError, "pseudo-header after a regular header field")
			}
		} else {
			strm.regularSeen = true
		}

		if !hf.IsPseudo() &&
			!bytes.Equal(k, StringUserAgent) &&
			!bytes.Equal(k, StringContentType) {

			if bytes.Equal(k, StringConnection) {
				return NewGoAwayError(ProtocolError, "connection header field is forbidden")
			}
			if bytes.Equal(k, StringTE) && !bytes.Equal(v, StringTrailers) {
				return NewGoAwayError(ProtocolError, "te header field must be trailers")
			}

			req.Header.AddBytesKV(k, v)
			continue
		}

		if hf.IsPseudo() {
			if trailers {
				return NewGoAwayError(ProtocolError, "pseudo-header in trailers")
			}
			k = k[1:]
		}

		switch k[0] {
		case 'm': // method
			if strm.methodSeen {
				return NewGoAwayError(ProtocolError, "duplicate method pseudo-header")
			}
			req.Header.SetMethodBytes(v)
			strm.methodSeen = true
			strm.isConnect = bytes.Equal(v, StringCONNECT)
		case 'p': // path
			if strm.pathSeen {
				return NewResetStreamError(ProtocolError, "duplicate path pseudo-header")
			}
			strm.pathSeen = true

			// CONNECT requests carry no :path; anything else needs a
			// non-empty one.
			if len(v) == 0 && !strm.isConnect {
				return NewResetStreamError(ProtocolError, "empty path pseudo-header")
			}

			req.Header.SetRequestURIBytes(v)
		case 's': // scheme
			if !bytes.Equal(k, StringScheme[1:]) {
				return NewGoAwayError(ProtocolError, "invalid pseudoheader")
			}
			if strm.schemeSeen {
				return NewResetStreamError(ProtocolError, "duplicate scheme pseudo-header")
			}
			strm.schemeSeen = true

			strm.scheme = append(strm.scheme[:0], v...)
		case 'a': // authority
			req.Header.SetHostBytes(v)
			req.Header.AddBytesV("Host", v)
		case 'u': // user-agent
			req.Header.SetUserAgentBytes(v)
		case 'c': // content-type
			req.Header.SetContentTypeBytes(v)
		default:
			return NewGoAwayError(ProtocolError, fmt.Sprintf("unknown header field %s", k))
		}
	}

	strm.headerBlockNum++

	return err
}

func (sc *serverConn) verifyState(strm *Stream, fr *FrameHeader) error {
	switch strm.State() {
	case StreamStateIdle:
		if fr.Type() != FrameHeaders && fr.Type() != FramePriority {
			return NewGoAwayError(ProtocolError, "wrong frame on idle stream")
		}
	case StreamStateHalfClosed:
		if fr.Type() != FrameWindowUpdate && fr.Type() != FramePriority && fr.Type() != FrameResetStream {
			return NewGoAwayError(StreamClosedError, "wrong frame on half-closed stream")
		}
	default:
	}

	return nil
}

// handleEndRequest dispatches the finished request to the handler and
// writes the response headers. It reports whether the response body write
// was handed off to its own goroutine (true) — in which case the caller
// must wait for strm to come back on sc.streamDone instead of retiring it
// immediately — or whether the stream is already fully written (false).
func (sc *serverConn) handleEndRequest(strm *Stream) bool {
	ctx := strm.ctx
	ctx.Request.Header.SetProtocolBytes(StringHTTP2)

	sc.h(ctx)

	hasBody := ctx.Response.IsBodyStream() || len(ctx.Response.Body()) > 0

	fr := AcquireFrameHeader()
	fr.SetStream(strm.ID())

	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetEndHeaders(true)
	h.SetEndStream(!hasBody)

	fr.SetBody(h)

	fasthttpResponseHeaders(h, &sc.enc, &ctx.Response)

	sc.writer <- fr

	if !hasBody {
		return false
	}

	go sc.writeResponseBody(strm)

	return true
}

// writeResponseBody writes a response body that may need to suspend
// waiting for flow-control window, so it must not run on the handleStreams
// goroutine (which also applies the WINDOW_UPDATEs that would wake it).
func (sc *serverConn) writeResponseBody(strm *Stream) {
	ctx := strm.ctx

	if ctx.Response.IsBodyStream() {
		streamWriter := acquireStreamWrite()
		streamWriter.strm = strm
		streamWriter.writer = sc.writer
		streamWriter.conn = sc.clientWindow
		streamWriter.cancel = sc.shutdown
		streamWriter.size = int64(ctx.Response.Header.ContentLength())
		_ = ctx.Response.BodyWriteTo(streamWriter)
		releaseStreamWrite(streamWriter)
	} else {
		sc.writeData(strm, ctx.Response.Body())
	}

	select {
	case sc.streamDone <- strm:
	case <-sc.shutdown:
	}
}

var (
	copyBufPool = sync.Pool{
		New: func() interface{} {
			return make([]byte, 1<<14) // max frame size 16384
		},
	}
	streamWritePool = sync.Pool{
		New: func() interface{} {
			return &streamWrite{}
		},
	}
)

type streamWrite struct {
	size    int64
	written int64
	strm    *Stream
	writer  chan<- *FrameHeader

	// conn and cancel let Write/ReadFrom suspend for flow-control window
	// the same way sc.writeData does; both are only set by writeResponseBody
	// before BodyWriteTo runs, on the body-write goroutine.
	conn   *flowWindow
	cancel <-chan struct{}
}

func acquireStreamWrite() *streamWrite {
	v := streamWritePool.Get()
	if v == nil {
		return &streamWrite{}
	}
	return v.(*streamWrite)
}

func releaseStreamWrite(streamWrite *streamWrite) {
	streamWrite.Reset()
	streamWritePool.Put(streamWrite)
}

func (s *streamWrite) Reset() {
	s.size = 0
	s.written = 0
	s.strm = nil
	s.writer = nil
	s.conn = nil
	s.cancel = nil
}

func (s *streamWrite) Write(body []byte) (n int, err error) {
	if (s.size <= 0 && s.written > 0) || (s.size > 0 && s.written >= s.size) {
		return 0, errors.New("writer closed")
	}

	total := len(body)
	s.written += int64(total)
	end := s.size < 0 || s.written >= s.size

	for i := 0; i < total; {
		remaining := total - i
		chunk := remaining
		if chunk > defaultMaxLen {
			chunk = defaultMaxLen
		}

		chunk, err = awaitSendWindow(s.conn, s.strm.sendWindow, chunk, s.cancel)
		if err != nil {
			return i, err
		}

		fr := AcquireFrameHeader()
		fr.SetStream(s.strm.ID())

		data := AcquireFrame(FrameData).(*Data)
		data.SetEndStream(end && i+chunk == total)
		data.SetPadding(false)
		data.SetData(body[i : i+chunk])

		fr.SetBody(data)

		s.conn.consume(int64(chunk))
		s.strm.sendWindow.consume(int64(chunk))

		s.writer <- fr

		i += chunk
	}

	return total, nil
}

func (s *streamWrite) ReadFrom(r io.Reader) (num int64, err error) {
	buf := copyBufPool.Get().([]byte)

	if s.size < 0 {
		lrSize := limitedReaderSize(r)
		if lrSize >= 0 {
			s.size = lrSize
		}
	}

	var n int
	for {
		n, err = r.Read(buf[0:])
		if n <= 0 && err == nil {
			err = errors.New("BUG: io.Reader returned 0, nil")
		}

		if err != nil {
			break
		}

		written := 0
		for written < n {
			chunk := n - written
			chunk, werr := awaitSendWindow(s.conn, s.strm.sendWindow, chunk, s.cancel)
			if werr != nil {
				err = werr
				break
			}

			fr := AcquireFrameHeader()
			fr.SetStream(s.strm.ID())

			data := AcquireFrame(FrameData).(*Data)
			data.SetEndStream(s.size >= 0 && num+int64(written+chunk) >= s.size)
			data.SetPadding(false)
			data.SetData(buf[written : written+chunk])
			fr.SetBody(data)

			s.conn.consume(int64(chunk))
			s.strm.sendWindow.consume(int64(chunk))

			s.writer <- fr

			written += chunk
		}

		num += int64(written)
		if err != nil {
			break
		}
		if s.size >= 0 && num >= s.size {
			break
		}
	}

	copyBufPool.Put(buf)
	if errors.Is(err, io.EOF) {
		return num, nil
	}

	return num, err
}

func (sc *serverConn) writeData(strm *Stream, body []byte) {
	total := len(body)

	for i := 0; i < total; {
		remaining := total - i
		chunk := remaining
		if chunk > defaultMaxLen {
			chunk = defaultMaxLen
		}

		chunk, err := awaitSendWindow(sc.clientWindow, strm.sendWindow, chunk, sc.shutdown)
		if err != nil {
			return
		}

		fr := AcquireFrameHeader()
		fr.SetStream(strm.ID())

		data := AcquireFrame(FrameData).(*Data)
		data.SetEndStream(i+chunk == total)
		data.SetPadding(false)
		data.SetData(body[i : i+chunk])

		fr.SetBody(data)

		sc.clientWindow.consume(int64(chunk))
		strm.sendWindow.consume(int64(chunk))

		sc.writer <- fr

		i += chunk
	}
}

func (sc *serverConn) sendPingAndSchedule() {
	sc.writePing()

	sc.pingTimer.Reset(sc.pingInterval)
}

func (sc *serverConn) writeLoop() {
	buffered := 0

	for fr := range sc.writer {
		_, err := fr.WriteTo(sc.bw)
		if err == nil && (len(sc.writer) == 0 || buffered > 10) {
			err = sc.bw.Flush()
			buffered = 0
		} else if err == nil {
			buffered++
		}

		ReleaseFrameHeader(fr)

		if err != nil {
			sc.logger.Printf("ERROR: writeLoop: %s\n", err)
			// closing sc.c here (via the caller's deferred Close) unblocks
			// the reader, which tears the rest of the connection down.
			return
		}
	}
}

func (sc *serverConn) handleSettings(st *Settings) {
	st.CopyTo(&sc.clientS)
	sc.enc.SetMaxTableSize(int(sc.clientS.HeaderTableSize()))

	fr := AcquireFrameHeader()

	stRes := AcquireFrame(FrameSettings).(*Settings)
	stRes.SetAck(true)

	fr.SetBody(stRes)

	sc.writer <- fr
}

func fasthttpResponseHeaders(dst *Headers, hp *HPACK, res *fasthttp.Response) {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	hf.SetKeyBytes(StringStatus)
	hf.SetValue(
		strconv.FormatInt(
			int64(res.Header.StatusCode()), 10,
		),
	)

	dst.AppendHeaderField(hp, hf, true)

	if !res.IsBodyStream() {
		res.Header.SetContentLength(len(res.Body()))
	}
	// Remove the Connection field
	res.Header.Del("Connection")
	// Remove the Transfer-Encoding field
	res.Header.Del("Transfer-Encoding")

	res.Header.VisitAll(func(k, v []byte) {
		hf.SetBytes(ToLower(k), v)
		hf.sensible = sensitiveHeaders[string(hf.KeyBytes())]
		dst.AppendHeaderField(hp, hf, false)
	})
}

func limitedReaderSize(r io.Reader) int64 {
	lr, ok := r.(*io.LimitedReader)
	if !ok {
		return -1
	}
	return lr.N
}
