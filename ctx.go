package http2

import (
	"net"
	"sync"

	"github.com/valyala/fasthttp"
)

// Ctx carries a single request/response exchange through a Conn or
// serverConn. On the client side it is queued via Conn.Write and the
// caller waits on Err. On the server side the Request/Response pair
// is reused across the stream's lifetime the same way fasthttp reuses
// its own RequestCtx.
type Ctx struct {
	c        net.Conn
	streamID uint32
	hp       *HPACK

	Request  fasthttp.Request
	Response fasthttp.Response

	// sendWindow is this request's stream-level send window, as granted by
	// the server's WINDOW_UPDATE frames. writeRequest suspends on it (along
	// with the connection-level window) while writing the request body.
	sendWindow *flowWindow

	// Err receives the outcome of a client request. It is closed by
	// the Conn once the exchange is done.
	Err chan error
}

func (ctx *Ctx) SetHPACK(hp *HPACK) {
	ctx.hp = hp
}

func (ctx *Ctx) SetStream(sid uint32) {
	ctx.streamID = sid
}

func (ctx *Ctx) reset() {
	ctx.streamID = 0
	ctx.hp = nil
	ctx.Request.Reset()
	ctx.Response.Reset()
}

var ctxPoolClient = sync.Pool{
	New: func() interface{} {
		return &Ctx{Err: make(chan error, 1), sendWindow: newFlowWindow(0)}
	},
}

// AcquireCtx returns an empty Ctx ready to be populated and queued
// through Conn.Write.
func AcquireCtx() *Ctx {
	return ctxPoolClient.Get().(*Ctx)
}

// ReleaseCtx releases ctx back to the pool. The caller must not use
// ctx after calling this, and must make sure Err has already been
// drained (it is recreated here to avoid stale sends from a lingering
// goroutine).
func ReleaseCtx(ctx *Ctx) {
	ctx.reset()
	ctx.Err = make(chan error, 1)
	ctxPoolClient.Put(ctx)
}
