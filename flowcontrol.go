package http2

import (
	"sync"
	"sync/atomic"
)

// flowWindow is a signed flow-control counter with a broadcast wake-up for
// writers suspended waiting for it to grow. It is shared by the
// connection-scope and stream-scope send accounting described by the flow
// controller: https://tools.ietf.org/html/rfc7540#section-6.9.
//
// conn.go and serverConn.go each hold one send-side flowWindow per
// connection plus one per open stream, replacing the driver's former bare
// send counters (serverWindow, clientWindow, strm.window) with a single
// CAS-based counter that also lets a DATA writer suspend until the window
// grows, per spec.md 4.3's backpressure requirement. The receive-side
// currentWindow/maxWindow counters remain plain int32 fields.
type flowWindow struct {
	v int64

	mu   sync.Mutex
	wake chan struct{}
}

func newFlowWindow(initial int32) *flowWindow {
	return &flowWindow{v: int64(initial), wake: make(chan struct{})}
}

// get returns the current window value.
func (w *flowWindow) get() int64 {
	return atomic.LoadInt64(&w.v)
}

// set overwrites the window, e.g. when a SETTINGS exchange establishes the
// starting value, and wakes anyone already waiting on it.
func (w *flowWindow) set(n int64) {
	atomic.StoreInt64(&w.v, n)
	w.broadcast()
}

// consume decrements the window by n, the size of an outbound DATA payload
// (padding included) that awaitSendWindow already cleared the caller to
// send.
func (w *flowWindow) consume(n int64) {
	atomic.AddInt64(&w.v, -n)
}

// add applies a WINDOW_UPDATE increment or an INITIAL_WINDOW_SIZE delta. It
// returns FlowControlError if the result would overflow 2^31-1, per RFC
// 7540 6.9.1/6.9.2. The window is allowed to go negative (a SETTINGS-induced
// shrink) but never above the max. A successful call wakes every writer
// parked in awaitSendWindow.
func (w *flowWindow) add(delta int64) error {
	for {
		old := atomic.LoadInt64(&w.v)
		next := old + delta
		if next > maxWindowSize {
			return NewError(FlowControlError, "window update overflow")
		}
		if atomic.CompareAndSwapInt64(&w.v, old, next) {
			break
		}
	}
	w.broadcast()
	return nil
}

// broadcast wakes every writer currently parked in awaitSendWindow.
func (w *flowWindow) broadcast() {
	w.mu.Lock()
	close(w.wake)
	w.wake = make(chan struct{})
	w.mu.Unlock()
}

// wakeup returns the channel that closes the next time the window changes.
// Callers must grab it before re-checking get(), so a concurrent add()/
// set() racing the check is never missed (the classic condvar protocol,
// built on a channel instead of sync.Cond to match this module's other
// suspension points).
func (w *flowWindow) wakeup() <-chan struct{} {
	w.mu.Lock()
	ch := w.wake
	w.mu.Unlock()
	return ch
}

// awaitSendWindow blocks until at least one byte is available in both conn
// and strm, or cancel fires. It returns how many of the first max bytes the
// caller may send right now; the caller must consume exactly that many
// bytes from both windows before writing them, per spec.md 4.3's "outbound
// DATA never exceeds the minimum of stream send window, connection send
// window, and MAX_FRAME_SIZE".
func awaitSendWindow(conn, strm *flowWindow, max int, cancel <-chan struct{}) (int, error) {
	for {
		connCh := conn.wakeup()
		strmCh := strm.wakeup()

		avail := conn.get()
		if sw := strm.get(); sw < avail {
			avail = sw
		}

		if avail > 0 {
			if int64(max) < avail {
				return max, nil
			}
			return int(avail), nil
		}

		select {
		case <-connCh:
		case <-strmCh:
		case <-cancel:
			return 0, NewError(Cancel, "write canceled waiting for flow-control window")
		}
	}
}
