package http2

import (
	"bufio"
	"bytes"
)

// http2Preface is the fixed 24-octet sequence a client must send before any
// other HTTP/2 data, as the final confirmation of the protocol in use and
// the first step of the connection preface.
//
// https://tools.ietf.org/html/rfc7540#section-3.5
var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// ReadPreface reads and discards the client connection preface from br,
// reporting whether it matched exactly.
func ReadPreface(br *bufio.Reader) bool {
	n := len(http2Preface)

	b, err := br.Peek(n)
	if err != nil || !bytes.Equal(b, http2Preface) {
		return false
	}

	_, _ = br.Discard(n)

	return true
}

// WritePreface writes the client connection preface to bw. The caller is
// responsible for flushing.
func WritePreface(bw *bufio.Writer) error {
	_, err := bw.Write(http2Preface)
	return err
}
