package http2

import (
	"bytes"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

// makeHeadersPairs is like makeHeaders but takes an ordered list of pairs
// instead of a map, so a test can put the same header name on the wire
// more than once.
func makeHeadersPairs(id uint32, enc *HPACK, endHeaders, endStream bool, pairs [][2]string) *FrameHeader {
	fr := AcquireFrameHeader()

	fr.SetStream(id)

	h := AcquireFrame(FrameHeaders).(*Headers)
	fr.SetBody(h)

	hf := AcquireHeaderField()

	for _, p := range pairs {
		hf.Set(p[0], p[1])
		enc.AppendHeaderField(h, hf, p[0][0] == ':')
	}

	h.SetPadding(false)
	h.SetEndStream(endStream)
	h.SetEndHeaders(endHeaders)

	return fr
}

// TestPrefaceSettingsExchange covers the handshake: client preface +
// SETTINGS, server SETTINGS + ACK, connection left operational with no
// streams open.
func TestPrefaceSettingsExchange(t *testing.T) {
	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {},
		},
		cnf: ServerConfig{Debug: false},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	if got := c.serverS.MaxConcurrentStreams(); got != defaultConcurrentStreams {
		t.Fatalf("expected server to advertise %d concurrent streams, got %d", defaultConcurrentStreams, got)
	}

	if got := atomic.LoadInt32(&c.openStreams); got != 0 {
		t.Fatalf("expected no streams open right after the handshake, got %d", got)
	}
}

// TestSimpleGetRequest covers a GET with no body: the handler's response
// headers and body arrive as exactly HEADERS(END_HEADERS) then
// DATA(END_STREAM).
func TestSimpleGetRequest(t *testing.T) {
	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				io.WriteString(ctx, "hello")
			},
			ReadTimeout: time.Second * 30,
		},
		cnf: ServerConfig{Debug: false},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	h := makeHeaders(1, c.enc, true, true, map[string]string{
		string(StringMethod):    "GET",
		string(StringScheme):    "https",
		string(StringAuthority): "example",
		string(StringPath):      "/",
	})
	c.writeFrame(h)

	fr, err := c.readNext()
	if err != nil {
		t.Fatal(err)
	}
	if fr.Type() != FrameHeaders {
		t.Fatalf("expected headers frame, got %s", fr.Type())
	}
	if !fr.Flags().Has(FlagEndHeaders) {
		t.Fatal("expected END_HEADERS on response headers")
	}

	var res fasthttp.Response
	if err := c.readHeader(fr.Body().(*Headers).Headers(), &res); err != nil {
		t.Fatal(err)
	}
	if res.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode())
	}

	fr, err = c.readNext()
	if err != nil {
		t.Fatal(err)
	}
	if fr.Type() != FrameData {
		t.Fatalf("expected data frame, got %s", fr.Type())
	}
	if !fr.Flags().Has(FlagEndStream) {
		t.Fatal("expected END_STREAM on response data")
	}

	if got := string(fr.Body().(*Data).Data()); got != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", got)
	}
}

// TestFlowControlledBodyUpload covers §4.3's core invariant: a request
// body bigger than the negotiated window suspends mid-write and resumes
// once the server's WINDOW_UPDATE (sent as it consumes the body) arrives.
func TestFlowControlledBodyUpload(t *testing.T) {
	body := make([]byte, 2048)
	for i := range body {
		body[i] = byte('a' + i%26)
	}

	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				ctx.Write(ctx.PostBody())
			},
			ReadTimeout: time.Second * 30,
		},
		cnf: ServerConfig{
			Debug:         false,
			MaxWindowSize: 1024,
		},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	if got := c.serverStreamWindow; got != 1024 {
		t.Fatalf("expected negotiated initial window of 1024, got %d", got)
	}

	// this scenario goes through the Write/Ctx machinery, so the
	// background loops getConn leaves off must run.
	go c.writeLoop()
	go c.readLoop()

	req := &fasthttp.Request{}
	req.Header.SetMethod("POST")
	req.SetRequestURI("https://localhost/upload")
	req.SetBody(body)
	req.Header.SetContentLength(len(body))

	ctx := AcquireCtx()
	defer ReleaseCtx(ctx)
	req.CopyTo(&ctx.Request)

	c.Write(ctx)

	select {
	case err := <-ctx.Err:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed: the window-exhausted write never resumed")
	}

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}

	if !bytes.Equal(ctx.Response.Body(), body) {
		t.Fatal("echoed body does not match the uploaded body")
	}
}

// TestHPACKDynamicIndexingAcrossRequests covers decoding two consecutive
// requests whose :path is identical, the second referencing the entry
// the first inserted into the dynamic table.
func TestHPACKDynamicIndexingAcrossRequests(t *testing.T) {
	longPath := "/" + strings.Repeat("a", 200)

	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				ctx.Write(ctx.Path())
			},
			ReadTimeout: time.Second * 30,
		},
		cnf: ServerConfig{Debug: false},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	mk := func(id uint32) *FrameHeader {
		return makeHeaders(id, c.enc, true, true, map[string]string{
			string(StringMethod):    "GET",
			string(StringScheme):    "https",
			string(StringAuthority): "example",
			string(StringPath):      longPath,
		})
	}

	expectEcho := func(id uint32) {
		t.Helper()

		fr, err := c.readNext()
		if err != nil {
			t.Fatal(err)
		}
		if fr.Type() != FrameHeaders || fr.Stream() != id {
			t.Fatalf("expected headers on stream %d, got %s on stream %d", id, fr.Type(), fr.Stream())
		}

		fr, err = c.readNext()
		if err != nil {
			t.Fatal(err)
		}
		if fr.Type() != FrameData || fr.Stream() != id {
			t.Fatalf("expected data on stream %d, got %s on stream %d", id, fr.Type(), fr.Stream())
		}

		if got := string(fr.Body().(*Data).Data()); got != longPath {
			t.Fatalf("stream %d: expected echoed path %q, got %q", id, longPath, got)
		}
	}

	// sent and drained one at a time: the second request's HPACK
	// encoding only depends on dynamic-table state once the first is on
	// the wire, and this keeps the two streams' responses from racing.
	c.writeFrame(mk(1))
	expectEcho(1)

	c.writeFrame(mk(3))
	expectEcho(3)
}

// TestUppercaseHeaderRejected covers §4.4: any uppercase letter in a
// header field name is a stream-scope PROTOCOL_ERROR, and the connection
// otherwise keeps serving other streams.
func TestUppercaseHeaderRejected(t *testing.T) {
	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				io.WriteString(ctx, "ok")
			},
			ReadTimeout: time.Second * 30,
		},
		cnf: ServerConfig{Debug: false},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	bad := makeHeaders(1, c.enc, true, true, map[string]string{
		string(StringMethod):    "GET",
		string(StringScheme):    "https",
		string(StringAuthority): "example",
		string(StringPath):      "/",
		"Content-Type":          "text/plain",
	})
	c.writeFrame(bad)

	fr, err := c.readNext()
	if err != nil {
		t.Fatal(err)
	}
	if fr.Type() != FrameResetStream {
		t.Fatalf("expected RST_STREAM, got %s", fr.Type())
	}
	if fr.Stream() != 1 {
		t.Fatalf("expected reset on stream 1, got %d", fr.Stream())
	}
	if code := fr.Body().(*RstStream).Code(); code != ProtocolError {
		t.Fatalf("expected PROTOCOL_ERROR, got %s", code)
	}

	good := makeHeaders(3, c.enc, true, true, map[string]string{
		string(StringMethod):    "GET",
		string(StringScheme):    "https",
		string(StringAuthority): "example",
		string(StringPath):      "/",
	})
	c.writeFrame(good)

	fr, err = c.readNext()
	if err != nil {
		t.Fatal(err)
	}
	if fr.Type() != FrameHeaders || fr.Stream() != 3 {
		t.Fatalf("expected the connection to still serve stream 3, got %s on stream %d", fr.Type(), fr.Stream())
	}
}

// TestPseudoHeaderAfterRegular covers pseudo-header ordering: once a
// regular field has been decoded, any further pseudo-header is a
// stream-scope PROTOCOL_ERROR.
func TestPseudoHeaderAfterRegular(t *testing.T) {
	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				io.WriteString(ctx, "ok")
			},
			ReadTimeout: time.Second * 30,
		},
		cnf: ServerConfig{Debug: false},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	bad := makeHeadersPairs(1, c.enc, true, true, [][2]string{
		{string(StringMethod), "GET"},
		{string(StringScheme), "https"},
		{string(StringAuthority), "example"},
		{"x-custom", "1"},
		{string(StringPath), "/"},
	})
	c.writeFrame(bad)

	fr, err := c.readNext()
	if err != nil {
		t.Fatal(err)
	}
	if fr.Type() != FrameResetStream || fr.Stream() != 1 {
		t.Fatalf("expected RST_STREAM on stream 1, got %s on stream %d", fr.Type(), fr.Stream())
	}
	if code := fr.Body().(*RstStream).Code(); code != ProtocolError {
		t.Fatalf("expected PROTOCOL_ERROR, got %s", code)
	}
}

// TestDuplicatePathRejected covers §4.4: exactly one :path per request;
// a second one resets the stream, an empty one as well.
func TestDuplicatePathRejected(t *testing.T) {
	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				io.WriteString(ctx, "ok")
			},
			ReadTimeout: time.Second * 30,
		},
		cnf: ServerConfig{Debug: false},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	expectReset := func(id uint32) {
		t.Helper()

		got, err := c.readNext()
		if err != nil {
			t.Fatal(err)
		}
		if got.Type() != FrameResetStream || got.Stream() != id {
			t.Fatalf("expected RST_STREAM on stream %d, got %s on stream %d", id, got.Type(), got.Stream())
		}
		if code := got.Body().(*RstStream).Code(); code != ProtocolError {
			t.Fatalf("expected PROTOCOL_ERROR, got %s", code)
		}
	}

	dup := makeHeadersPairs(1, c.enc, true, true, [][2]string{
		{string(StringMethod), "GET"},
		{string(StringScheme), "https"},
		{string(StringAuthority), "example"},
		{string(StringPath), "/"},
		{string(StringPath), "/other"},
	})
	c.writeFrame(dup)
	expectReset(1)

	empty := makeHeadersPairs(3, c.enc, true, true, [][2]string{
		{string(StringMethod), "GET"},
		{string(StringScheme), "https"},
		{string(StringAuthority), "example"},
		{string(StringPath), ""},
	})
	c.writeFrame(empty)
	expectReset(3)
}

// TestDuplicateMethodRejected covers §4.4: a second :method pseudo-header
// on the same request is rejected rather than silently overwriting the
// first.
func TestDuplicateMethodRejected(t *testing.T) {
	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				io.WriteString(ctx, "ok")
			},
			ReadTimeout: time.Second * 30,
		},
		cnf: ServerConfig{Debug: false},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	bad := makeHeadersPairs(1, c.enc, true, true, [][2]string{
		{string(StringMethod), "GET"},
		{string(StringScheme), "https"},
		{string(StringAuthority), "example"},
		{string(StringPath), "/"},
		{string(StringMethod), "GET"},
	})
	c.writeFrame(bad)

	fr, err := c.readNext()
	if err != nil {
		t.Fatal(err)
	}
	if fr.Type() != FrameGoAway {
		t.Fatalf("expected GOAWAY, got %s", fr.Type())
	}

	ga := fr.Body().(*GoAway)
	if ga.Code() != ProtocolError {
		t.Fatalf("expected PROTOCOL_ERROR, got %s", ga.Code())
	}
	if ga.Stream() != 1 {
		t.Fatalf("expected last_stream_id 1, got %d", ga.Stream())
	}
}
