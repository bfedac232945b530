package http2

import (
	"errors"
	"sync"
)

// staticEntry is one row of the fixed 61-entry HPACK static table.
//
// https://tools.ietf.org/html/rfc7541#appendix-A
type staticEntry struct {
	name, value string
}

var staticTable = [...]staticEntry{
	{":authority", ""},
	{":method", "GET"},
	{":method", "POST"},
	{":path", "/"},
	{":path", "/index.html"},
	{":scheme", "http"},
	{":scheme", "https"},
	{":status", "200"},
	{":status", "204"},
	{":status", "206"},
	{":status", "304"},
	{":status", "400"},
	{":status", "404"},
	{":status", "500"},
	{"accept-charset", ""},
	{"accept-encoding", "gzip, deflate"},
	{"accept-language", ""},
	{"accept-ranges", ""},
	{"accept", ""},
	{"access-control-allow-origin", ""},
	{"age", ""},
	{"allow", ""},
	{"authorization", ""},
	{"cache-control", ""},
	{"content-disposition", ""},
	{"content-encoding", ""},
	{"content-language", ""},
	{"content-length", ""},
	{"content-location", ""},
	{"content-range", ""},
	{"content-type", ""},
	{"cookie", ""},
	{"date", ""},
	{"etag", ""},
	{"expect", ""},
	{"expires", ""},
	{"from", ""},
	{"host", ""},
	{"if-match", ""},
	{"if-modified-since", ""},
	{"if-none-match", ""},
	{"if-range", ""},
	{"if-unmodified-since", ""},
	{"last-modified", ""},
	{"link", ""},
	{"location", ""},
	{"max-forwards", ""},
	{"proxy-authenticate", ""},
	{"proxy-authorization", ""},
	{"range", ""},
	{"referer", ""},
	{"refresh", ""},
	{"retry-after", ""},
	{"server", ""},
	{"set-cookie", ""},
	{"strict-transport-security", ""},
	{"transfer-encoding", ""},
	{"user-agent", ""},
	{"vary", ""},
	{"via", ""},
	{"www-authenticate", ""},
}

// sensitiveHeaders are the fields the connection drivers mark sensible
// before encoding, so they are emitted literal-never-indexed and no
// proxy on the path caches credentials in a compressor's dynamic table.
var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
}

// dynamicEntry is one row of an HPACK dynamic table, sized per
// RFC 7541 4.1: name length + value length + 32.
type dynamicEntry struct {
	name, value []byte
}

func (e dynamicEntry) size() int {
	return len(e.name) + len(e.value) + 32
}

// HPACK holds one direction's compression state: the dynamic table
// plus codec settings. A connection owns two, one per direction
// (the encoder and decoder evolve independently from each side's
// traffic), mirroring RFC 7541 2.2.
//
// Use AcquireHPACK to obtain one from the pool.
type HPACK struct {
	dynamic []dynamicEntry

	// tableSize is the table's current capacity. A dynamic table size
	// update may lower it below maxTableSize, never raise it above.
	tableSize int
	// maxTableSize is the ceiling settled by SETTINGS_HEADER_TABLE_SIZE
	// (the peer's value on the encoder side, the local limit on the
	// decoder side).
	maxTableSize int
	// used is the sum of dynamic[i].size() currently held.
	used int

	// DisableCompression turns off Huffman coding on string literals;
	// used by tests that want to inspect the wire bytes directly.
	DisableCompression bool
}

var hpackPool = sync.Pool{
	New: func() interface{} {
		return &HPACK{
			tableSize:    int(defaultHeaderTableSize),
			maxTableSize: int(defaultHeaderTableSize),
		}
	},
}

// AcquireHPACK gets an HPACK from the pool.
func AcquireHPACK() *HPACK {
	return hpackPool.Get().(*HPACK)
}

// ReleaseHPACK resets hp and returns it to the pool.
func ReleaseHPACK(hp *HPACK) {
	hp.Reset()
	hpackPool.Put(hp)
}

// Reset empties the dynamic table and restores the RFC defaults, ready
// for the next connection to configure via SetMaxTableSize.
func (hp *HPACK) Reset() {
	hp.dynamic = hp.dynamic[:0]
	hp.used = 0
	hp.tableSize = int(defaultHeaderTableSize)
	hp.maxTableSize = int(defaultHeaderTableSize)
	hp.DisableCompression = false
}

// SetMaxTableSize changes the dynamic table's capacity, evicting
// entries as needed. Called when a SETTINGS_HEADER_TABLE_SIZE arrives
// from the peer (encoder side) or is configured locally (decoder
// side).
func (hp *HPACK) SetMaxTableSize(n int) {
	hp.tableSize = n
	hp.maxTableSize = n
	hp.evict()
}

// setTableSize applies a dynamic table size update from the wire,
// which may shrink the table but never lift it past the ceiling the
// SETTINGS exchange established.
func (hp *HPACK) setTableSize(n int) error {
	if n > hp.maxTableSize {
		return NewError(CompressionError, "table size update above the settings ceiling")
	}
	hp.tableSize = n
	hp.evict()
	return nil
}

func (hp *HPACK) evict() {
	for hp.used > hp.tableSize && len(hp.dynamic) > 0 {
		last := hp.dynamic[len(hp.dynamic)-1]
		hp.used -= last.size()
		hp.dynamic = hp.dynamic[:len(hp.dynamic)-1]
	}
}

// addDynamic inserts a new entry at the front of the dynamic table
// (RFC 7541 2.3.2: most recently added entry has the lowest index),
// evicting older entries to make room. An entry larger than the whole
// table empties the table and is not retained itself (4.4).
func (hp *HPACK) addDynamic(name, value []byte) {
	e := dynamicEntry{
		name:  append([]byte(nil), name...),
		value: append([]byte(nil), value...),
	}
	if e.size() > hp.tableSize {
		hp.dynamic = hp.dynamic[:0]
		hp.used = 0
		return
	}
	hp.dynamic = append(hp.dynamic, dynamicEntry{})
	copy(hp.dynamic[1:], hp.dynamic[:len(hp.dynamic)-1])
	hp.dynamic[0] = e
	hp.used += e.size()
	hp.evict()
}

// at returns the name/value at HPACK's combined address space: 1..61
// are the static table, 62.. are the dynamic table (most recent
// first), per RFC 7541 2.3.3.
func (hp *HPACK) at(index uint64) (name, value []byte, ok bool) {
	if index == 0 {
		return nil, nil, false
	}
	if index <= uint64(len(staticTable)) {
		e := staticTable[index-1]
		return s2b(e.name), s2b(e.value), true
	}
	di := index - uint64(len(staticTable)) - 1
	if di >= uint64(len(hp.dynamic)) {
		return nil, nil, false
	}
	e := hp.dynamic[di]
	return e.name, e.value, true
}

var (
	errIndexNotFound = errors.New("h2: hpack index not found")
	errBitOverflow   = errors.New("h2: hpack integer overflow")
)

// AppendHeader encodes hf and appends the representation to dst. If
// store is true the field is also inserted into the dynamic table as a
// literal-with-incremental-indexing representation (RFC 7541 6.2.1);
// otherwise it's emitted as a literal without indexing (6.2.2). A field
// marked sensible is emitted never-indexed (6.2.3) regardless of what
// the caller asked for.
func (hp *HPACK) AppendHeader(dst []byte, hf *HeaderField, store bool) []byte {
	idx, full := hp.findIndex(hf)

	if hf.sensible {
		return hp.appendLiteralMask(dst, hf, 4, idx, 0x10)
	}

	if full {
		return appendInt(dst, 7, 0x80, idx)
	}

	if store {
		hp.addDynamic(hf.key, hf.value)
		return hp.appendLiteralMask(dst, hf, 6, idx, 0x40)
	}
	return hp.appendLiteralMask(dst, hf, 4, idx, 0x00)
}

// AppendHeaderField encodes hf onto h's raw header block. It mirrors
// Headers.AppendHeaderField for callers that hold the codec rather
// than the frame.
func (hp *HPACK) AppendHeaderField(h *Headers, hf *HeaderField, store bool) {
	h.rawHeaders = hp.AppendHeader(h.rawHeaders, hf, store)
}

// findIndex looks for hf in the static then dynamic table. full
// reports whether both name and value matched (so the caller can emit
// a plain indexed representation); otherwise idx (if nonzero) is a
// name-only match useful for the literal's name reference.
func (hp *HPACK) findIndex(hf *HeaderField) (idx uint64, full bool) {
	for i, e := range staticTable {
		if e.name != hf.Key() {
			continue
		}
		if idx == 0 {
			idx = uint64(i + 1)
		}
		if e.value == hf.Value() {
			return uint64(i + 1), true
		}
	}
	for i, e := range hp.dynamic {
		if string(e.name) != hf.Key() {
			continue
		}
		di := uint64(len(staticTable) + i + 1)
		if idx == 0 {
			idx = di
		}
		if string(e.value) == hf.Value() {
			return di, true
		}
	}
	return idx, false
}

// appendLiteralMask appends a literal representation under an n-bit
// prefix with the representation's leading pattern bits (mask) set:
// 0x40 for incremental indexing, 0x10 for never-indexed, 0x00 for
// without-indexing. nameIndex==0 means the name itself is written as
// a string literal too, rather than referenced by index.
func (hp *HPACK) appendLiteralMask(dst []byte, hf *HeaderField, n uint, nameIndex uint64, mask byte) []byte {
	if nameIndex > 0 {
		dst = appendInt(dst, n, mask, nameIndex)
	} else {
		dst = appendInt(dst, n, mask, 0)
		dst = hp.writeString(dst, hf.key)
	}
	dst = hp.writeString(dst, hf.value)
	return dst
}

// Next decodes a single header representation from src, filling hf
// and returning the remaining bytes. A dynamic table size update is
// applied and decoding continues with the representation after it; hf
// is left untouched only when nothing follows the update.
func (hp *HPACK) Next(hf *HeaderField, src []byte) ([]byte, error) {
	return hp.nextField(hf, 0, src)
}

// nextField is Next with knowledge of fieldsProcessed so a dynamic
// table size update representation occurring mid-block can be
// rejected: RFC 7541 4.2 only allows it at the start of a header
// block.
func (hp *HPACK) nextField(hf *HeaderField, fieldsProcessed int, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return src, nil
	}

	c := src[0]
	switch {
	case c&0x80 == 0x80: // indexed header field, RFC 7541 6.1
		b, idx, err := readInt(7, src)
		if err != nil {
			return b, err
		}
		name, value, ok := hp.at(idx)
		if !ok {
			return b, errIndexNotFound
		}
		hf.SetKeyBytes(name)
		hf.SetValueBytes(value)
		return b, nil

	case c&0xc0 == 0x40: // literal with incremental indexing, 6.2.1
		return hp.readLiteral(hf, 6, src, true, false)

	case c&0xe0 == 0x20: // dynamic table size update, 6.3
		if fieldsProcessed > 0 {
			return src, NewError(CompressionError, "dynamic table size update mid-block")
		}
		b, n, err := readInt(5, src)
		if err != nil {
			return b, err
		}
		if n > uint64(maxWindowSize) {
			return b, errBitOverflow
		}
		if err := hp.setTableSize(int(n)); err != nil {
			return b, err
		}
		return hp.nextField(hf, fieldsProcessed, b)

	case c&0xf0 == 0x10: // literal never indexed, 6.2.3
		hf.sensible = true
		return hp.readLiteral(hf, 4, src, false, true)

	default: // literal without indexing, 6.2.2 ('0000' prefix)
		return hp.readLiteral(hf, 4, src, false, false)
	}
}

func (hp *HPACK) readLiteral(hf *HeaderField, n uint, src []byte, store, neverIndex bool) ([]byte, error) {
	b, idx, err := readInt(n, src)
	if err != nil {
		return b, err
	}

	var name []byte
	if idx == 0 {
		b, name, err = hp.readString(b, nil)
		if err != nil {
			return b, err
		}
	} else {
		nm, _, ok := hp.at(idx)
		if !ok {
			return b, errIndexNotFound
		}
		name = append(hf.key[:0], nm...)
	}

	var value []byte
	b, value, err = hp.readString(b, nil)
	if err != nil {
		return b, err
	}

	hf.SetKeyBytes(name)
	hf.SetValueBytes(value)
	hf.sensible = neverIndex

	if store {
		hp.addDynamic(hf.key, hf.value)
	}
	return b, nil
}

// writeString appends a string literal: a one-bit Huffman flag, a
// length prefix, then the (possibly Huffman-coded) bytes.
func (hp *HPACK) writeString(dst, src []byte) []byte {
	if hp.DisableCompression {
		dst = appendInt(dst, 7, 0, uint64(len(src)))
		return append(dst, src...)
	}

	encLen := huffmanEncodedLen(src)
	if encLen > len(src) {
		dst = appendInt(dst, 7, 0, uint64(len(src)))
		return append(dst, src...)
	}

	dst = appendInt(dst, 7, 0x80, uint64(encLen))
	return appendHuffman(dst, src)
}

func (hp *HPACK) readString(b, dst []byte) ([]byte, []byte, error) {
	if len(b) == 0 {
		return b, dst, ErrUnexpectedSize
	}
	huff := b[0]&0x80 == 0x80

	b, length, err := readInt(7, b)
	if err != nil {
		return b, dst, err
	}
	if uint64(len(b)) < length {
		return b, dst, ErrUnexpectedSize
	}

	raw := b[:length]
	b = b[length:]

	if huff {
		dst, err = appendHuffmanDecode(dst[:0], raw)
		return b, dst, err
	}
	dst = append(dst[:0], raw...)
	return b, dst, nil
}

// readInt decodes an HPACK variable-length integer using an n-bit
// prefix (RFC 7541 5.1), returning the unconsumed tail of b.
func readInt(n uint, b []byte) ([]byte, uint64, error) {
	if len(b) == 0 {
		return b, 0, ErrUnexpectedSize
	}
	return readIntFrom(n, b[0], b[1:])
}

// readIntFrom decodes starting from an already-read first byte
// (first), continuing into rest; used when the prefix bits were
// already inspected to pick a representation.
func readIntFrom(n uint, first byte, rest []byte) ([]byte, uint64, error) {
	max := uint64(1<<n) - 1
	num := uint64(first) & max
	if num < max {
		return rest, num, nil
	}

	var m uint
	i := 0
	for i < len(rest) {
		c := rest[i]
		i++
		num += uint64(c&0x7f) << m
		if c&0x80 == 0 {
			return rest[i:], num, nil
		}
		m += 7
		if m >= 63 {
			return rest[i:], 0, errBitOverflow
		}
	}
	return rest[i:], 0, ErrUnexpectedSize
}

// writeInt appends i as an HPACK variable-length integer under an
// n-bit prefix with no leading pattern bits set.
func writeInt(dst []byte, n uint, i uint64) []byte {
	return appendInt(dst, n, 0, i)
}

// appendInt appends i as an HPACK variable-length integer under an
// n-bit prefix, OR-ing prefixBits (the representation's leading
// pattern, already shifted into the top bits of the first byte) into
// the first byte.
func appendInt(dst []byte, n uint, prefixBits byte, i uint64) []byte {
	max := uint64(1<<n) - 1
	if i < max {
		return append(dst, prefixBits|byte(i))
	}

	dst = append(dst, prefixBits|byte(max))
	i -= max
	for i >= 128 {
		dst = append(dst, byte(0x80|(i&0x7f)))
		i >>= 7
	}
	return append(dst, byte(i))
}
