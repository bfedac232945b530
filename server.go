package http2

import (
	"bufio"
	"errors"
	"net"
	"time"

	"github.com/valyala/fasthttp"
)

// ServerConfig holds the knobs ConfigureServer/Server.ServeConn applies to
// every connection served.
type ServerConfig struct {
	// MaxRequestTime bounds how long a single stream's request may stay
	// unanswered before it is cancelled with a RST_STREAM. Zero uses the
	// fasthttp.Server's ReadTimeout; if that is zero too, there is no
	// limit.
	MaxRequestTime time.Duration
	// MaxIdleTime closes the connection with a GOAWAY if no new request
	// arrives within this long. Zero disables the limit.
	MaxIdleTime time.Duration
	// PingInterval is how often the server pings an otherwise quiet
	// connection to keep RTT estimates fresh and detect dead peers. Zero
	// uses DefaultPingInterval.
	PingInterval time.Duration
	// MaxConcurrentStreams caps how many streams a single connection may
	// have open at once; additional streams are refused.
	MaxConcurrentStreams uint32
	// MaxWindowSize is the flow-control window the server advertises to
	// clients: it is sent as SETTINGS_INITIAL_WINDOW_SIZE for every
	// stream and also sizes the connection-level receive window.
	MaxWindowSize int32
	// MaxHeaderListSize bounds the uncompressed size (RFC7541 §4.1
	// accounting) of a single request's header list. A block exceeding
	// it is rejected with RST_STREAM(ENHANCE_YOUR_CALM). Zero uses
	// defaultMaxHeaderListSize.
	MaxHeaderListSize uint32

	Debug  bool
	Logger fasthttp.Logger
}

func (cnf *ServerConfig) defaults() {
	if cnf.MaxConcurrentStreams == 0 {
		cnf.MaxConcurrentStreams = defaultConcurrentStreams
	}

	if cnf.MaxWindowSize <= 0 {
		cnf.MaxWindowSize = 1 << 22
	}

	if cnf.MaxHeaderListSize == 0 {
		cnf.MaxHeaderListSize = defaultMaxHeaderListSize
	}

	if cnf.PingInterval <= 0 {
		cnf.PingInterval = DefaultPingInterval
	}

	if cnf.Logger == nil {
		cnf.Logger = logger
	}
}

// Server serves HTTP/2 connections to a fasthttp request handler.
type Server struct {
	s   *fasthttp.Server
	cnf ServerConfig
}

// ConfigureServer wires an HTTP/2 Server on top of an existing
// fasthttp.Server, reusing its Handler. Connections negotiated to "h2"
// via ALPN are handed to ServeConn; everything else stays on the
// fasthttp HTTP/1.1 path.
func ConfigureServer(s *fasthttp.Server, cnf ServerConfig) *Server {
	cnf.defaults()

	s2 := &Server{s: s, cnf: cnf}

	s.NextProto(H2TLSProto, s2.ServeConn)

	return s2
}

var errBadPreface = errors.New("wrong preface")

// ServeConn runs the HTTP/2 server loop over an already-accepted
// connection: it reads the client preface, performs the handshake and then
// drives the connection until it closes.
func (s *Server) ServeConn(c net.Conn) error {
	defer func() { _ = c.Close() }()

	br := bufio.NewReader(c)
	if !ReadPreface(br) {
		return errBadPreface
	}

	sc := newServerConn(c, br, s)

	if err := sc.Handshake(); err != nil {
		return err
	}

	return sc.Serve()
}

// newServerConn builds a serverConn ready to run Handshake/Serve, applying
// the Server's ServerConfig and fasthttp.Server.Handler.
func newServerConn(c net.Conn, br *bufio.Reader, s *Server) *serverConn {
	sc := &serverConn{
		c:      c,
		h:      s.s.Handler,
		br:     br,
		bw:     bufio.NewWriterSize(c, 1<<14*10),
		writer: make(chan *FrameHeader, 128),
		reader: make(chan *FrameHeader, 128),

		maxWindow:      s.cnf.MaxWindowSize,
		currentWindow:  s.cnf.MaxWindowSize,
		maxRequestTime: s.cnf.MaxRequestTime,
		maxIdleTime:    s.cnf.MaxIdleTime,
		pingInterval:   s.cnf.PingInterval,

		debug:  s.cnf.Debug,
		logger: s.cnf.Logger,
	}

	if sc.logger == nil {
		sc.logger = logger
	}

	// an unset MaxRequestTime falls back to the fasthttp server's own
	// request deadline, so a ReadTimeout keeps meaning the same thing it
	// does over HTTP/1.1.
	if sc.maxRequestTime <= 0 {
		sc.maxRequestTime = s.s.ReadTimeout
	}

	// enc/dec are value fields: their zero value has tableSize == 0, not
	// the RFC default, so they must be explicitly reset.
	sc.enc.Reset()
	sc.dec.Reset()

	sc.st.Reset()
	sc.st.SetMaxWindowSize(uint32(sc.maxWindow))
	sc.st.SetMaxConcurrentStreams(s.cnf.MaxConcurrentStreams)
	sc.st.SetMaxHeaderListSize(s.cnf.MaxHeaderListSize)
	sc.st.SetPush(false)

	sc.clientS.Reset()

	return sc
}
