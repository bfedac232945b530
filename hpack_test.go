package http2

import (
	"bytes"
	"fmt"
	"testing"
)

func TestWriteInt(t *testing.T) {
	n := uint64(15)
	nn := uint64(1337)
	nnn := uint64(122)
	b15 := []byte{15}
	b1337 := []byte{31, 154, 10}
	b122 := []byte{122}

	var dst []byte

	dst = writeInt(dst[:0], 5, n)
	if !bytes.Equal(dst, b15) {
		t.Fatalf("got %v. Expects %v", dst, b15)
	}

	dst = writeInt(dst[:0], 5, nn)
	if !bytes.Equal(dst, b1337) {
		t.Fatalf("got %v. Expects %v", dst, b1337)
	}

	dst = writeInt(dst[:0], 7, nnn)
	if !bytes.Equal(dst, b122) {
		t.Fatalf("got %v. Expects %v", dst, b122)
	}
}

func TestAppendInt(t *testing.T) {
	// integers emitted under each representation's leading pattern
	// bits, which must survive alongside the encoded value.
	var dst []byte

	dst = appendInt(dst[:0], 7, 0x80, 8)
	if !bytes.Equal(dst, []byte{0x88}) {
		t.Fatalf("got %v. Expects %v", dst, []byte{0x88})
	}

	dst = appendInt(dst[:0], 6, 0x40, 33)
	if !bytes.Equal(dst, []byte{0x61}) {
		t.Fatalf("got %v. Expects %v", dst, []byte{0x61})
	}

	dst = appendInt(dst[:0], 5, 0x20, 1337)
	if !bytes.Equal(dst, []byte{0x3f, 154, 10}) {
		t.Fatalf("got %v. Expects %v", dst, []byte{0x3f, 154, 10})
	}
}

func checkInt(t *testing.T, err error, n, e uint64, elen int, b []byte) {
	t.Helper()

	if err != nil {
		t.Fatal(err)
	}
	if n != e {
		t.Fatalf("%d <> %d", n, e)
	}
	if b != nil && len(b) != elen {
		t.Fatalf("bad length. Got %d. Expected %d", len(b), elen)
	}
}

func TestReadInt(t *testing.T) {
	var err error
	n := uint64(0)
	b := []byte{15, 31, 154, 10, 122}

	b, n, err = readInt(5, b)
	checkInt(t, err, n, 15, 4, b)

	b, n, err = readInt(5, b)
	checkInt(t, err, n, 1337, 1, b)

	b, n, err = readInt(7, b)
	checkInt(t, err, n, 122, 0, b)
}

func TestReadIntFrom(t *testing.T) {
	rest, n, err := readIntFrom(7, 15, nil)
	checkInt(t, err, n, 15, 0, rest)

	rest, n, err = readIntFrom(5, 31, []byte{154, 10})
	checkInt(t, err, n, 1337, 0, rest)

	rest, n, err = readIntFrom(7, 122, nil)
	checkInt(t, err, n, 122, 0, rest)
}

func TestWriteTwoStrings(t *testing.T) {
	var dstA []byte
	var dstB []byte
	var err error
	strA := []byte(":status")
	strB := []byte("200")

	hp := AcquireHPACK()
	hp.DisableCompression = true

	dst := hp.writeString(nil, strA)
	dst = hp.writeString(dst, strB)

	dst, dstA, err = hp.readString(dst, dstA)
	if err != nil {
		t.Fatal(err)
	}
	dst, dstB, err = hp.readString(dst, dstB)
	if err != nil {
		t.Fatal(err)
	}
	if len(dst) != 0 {
		t.Fatalf("expected both strings consumed, %d bytes left", len(dst))
	}

	if !bytes.Equal(strA, dstA) {
		t.Fatalf("%s<>%s", dstA, strA)
	}
	if !bytes.Equal(strB, dstB) {
		t.Fatalf("%s<>%s", dstB, strB)
	}

	ReleaseHPACK(hp)
}

// readBlock decodes a whole header block, failing the test on any
// decoding error.
func readBlock(t *testing.T, hp *HPACK, b []byte) []*HeaderField {
	t.Helper()

	var fields []*HeaderField
	var err error

	for len(b) > 0 {
		hf := AcquireHeaderField()
		b, err = hp.Next(hf, b)
		if err != nil {
			t.Fatal(err)
		}
		fields = append(fields, hf)
	}

	return fields
}

func releaseFields(fields []*HeaderField) {
	for _, hf := range fields {
		ReleaseHeaderField(hf)
	}
}

func check(t *testing.T, fields []*HeaderField, i int, k, v string) {
	t.Helper()

	if len(fields) <= i {
		t.Fatalf("fields len exceeded. %d <> %d", len(fields), i)
	}
	hf := fields[i]
	if hf.Key() != k {
		t.Fatalf("unexpected key: %s<>%s", hf.Key(), k)
	}
	if hf.Value() != v {
		t.Fatalf("unexpected value: %s<>%s", hf.Value(), v)
	}
}

func checkDynamic(t *testing.T, hp *HPACK, i int, k, v string) {
	t.Helper()

	if len(hp.dynamic) <= i {
		t.Fatalf("dynamic table len exceeded. %d <> %d", len(hp.dynamic), i)
	}
	e := hp.dynamic[i]
	if string(e.name) != k {
		t.Fatalf("unexpected dynamic key: %s<>%s", e.name, k)
	}
	if string(e.value) != v {
		t.Fatalf("unexpected dynamic value: %s<>%s", e.value, v)
	}
}

func TestReadRequestWithoutHuffman(t *testing.T) {
	// TODO:
}

func TestReadRequestWithHuffman(t *testing.T) {
	// TODO:
}

func TestWriteRequestWithoutHuffman(t *testing.T) {
	// TODO:
}

func TestWriteRequestWithHuffman(t *testing.T) {
	// TODO:
}

// Response blocks from RFC 7541 Appendix C.5, decoded against a 256-byte
// dynamic table.
func TestReadResponseWithoutHuffman(t *testing.T) {
	b := []byte{
		0x48, 0x03, 0x33, 0x30, 0x32, 0x58,
		0x07, 0x70, 0x72, 0x69, 0x76, 0x61,
		0x74, 0x65, 0x61, 0x1d, 0x4d, 0x6f,
		0x6e, 0x2c, 0x20, 0x32, 0x31, 0x20,
		0x4f, 0x63, 0x74, 0x20, 0x32, 0x30,
		0x31, 0x33, 0x20, 0x32, 0x30, 0x3a,
		0x31, 0x33, 0x3a, 0x32, 0x31, 0x20,
		0x47, 0x4d, 0x54, 0x6e, 0x17, 0x68,
		0x74, 0x74, 0x70, 0x73, 0x3a, 0x2f,
		0x2f, 0x77, 0x77, 0x77, 0x2e, 0x65,
		0x78, 0x61, 0x6d, 0x70, 0x6c, 0x65,
		0x2e, 0x63, 0x6f, 0x6d,
	}
	hp := AcquireHPACK()
	hp.SetMaxTableSize(256)

	fields := readBlock(t, hp, b)

	check(t, fields, 0, ":status", "302")
	check(t, fields, 1, "cache-control", "private")
	check(t, fields, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	check(t, fields, 3, "location", "https://www.example.com")

	checkDynamic(t, hp, 0, "location", "https://www.example.com")
	checkDynamic(t, hp, 1, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkDynamic(t, hp, 2, "cache-control", "private")
	checkDynamic(t, hp, 3, ":status", "302")
	if hp.used != 222 {
		t.Fatalf("Unexpected table size: %d<>%d", hp.used, 222)
	}

	releaseFields(fields)

	b = []byte{0x48, 0x03, 0x33, 0x30, 0x37, 0xc1, 0xc0, 0xbf}
	fields = readBlock(t, hp, b)

	check(t, fields, 0, ":status", "307")
	check(t, fields, 1, "cache-control", "private")
	check(t, fields, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	check(t, fields, 3, "location", "https://www.example.com")

	checkDynamic(t, hp, 0, ":status", "307")
	checkDynamic(t, hp, 1, "location", "https://www.example.com")
	checkDynamic(t, hp, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkDynamic(t, hp, 3, "cache-control", "private")
	if hp.used != 222 {
		t.Fatalf("Unexpected table size: %d<>%d", hp.used, 222)
	}

	releaseFields(fields)

	b = []byte{
		0x88, 0xc1, 0x61, 0x1d, 0x4d, 0x6f,
		0x6e, 0x2c, 0x20, 0x32, 0x31, 0x20,
		0x4f, 0x63, 0x74, 0x20, 0x32, 0x30,
		0x31, 0x33, 0x20, 0x32, 0x30, 0x3a,
		0x31, 0x33, 0x3a, 0x32, 0x32, 0x20,
		0x47, 0x4d, 0x54, 0xc0, 0x5a, 0x04,
		0x67, 0x7a, 0x69, 0x70, 0x77, 0x38,
		0x66, 0x6f, 0x6f, 0x3d, 0x41, 0x53,
		0x44, 0x4a, 0x4b, 0x48, 0x51, 0x4b,
		0x42, 0x5a, 0x58, 0x4f, 0x51, 0x57,
		0x45, 0x4f, 0x50, 0x49, 0x55, 0x41,
		0x58, 0x51, 0x57, 0x45, 0x4f, 0x49,
		0x55, 0x3b, 0x20, 0x6d, 0x61, 0x78,
		0x2d, 0x61, 0x67, 0x65, 0x3d, 0x33,
		0x36, 0x30, 0x30, 0x3b, 0x20, 0x76,
		0x65, 0x72, 0x73, 0x69, 0x6f, 0x6e,
		0x3d, 0x31,
	}

	fields = readBlock(t, hp, b)

	check(t, fields, 0, ":status", "200")
	check(t, fields, 1, "cache-control", "private")
	check(t, fields, 2, "date", "Mon, 21 Oct 2013 20:13:22 GMT")
	check(t, fields, 3, "location", "https://www.example.com")
	check(t, fields, 4, "content-encoding", "gzip")
	check(t, fields, 5, "set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1")

	checkDynamic(t, hp, 0, "set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1")
	checkDynamic(t, hp, 1, "content-encoding", "gzip")
	checkDynamic(t, hp, 2, "date", "Mon, 21 Oct 2013 20:13:22 GMT")
	if hp.used != 215 {
		t.Fatalf("Unexpected table size: %d<>%d", hp.used, 215)
	}

	releaseFields(fields)
	ReleaseHPACK(hp)
}

// The same response blocks as above, Huffman-coded (RFC 7541 Appendix C.6).
func TestReadResponseWithHuffman(t *testing.T) {
	b := []byte{
		0x48, 0x82, 0x64, 0x02, 0x58, 0x85,
		0xae, 0xc3, 0x77, 0x1a, 0x4b, 0x61,
		0x96, 0xd0, 0x7a, 0xbe, 0x94, 0x10,
		0x54, 0xd4, 0x44, 0xa8, 0x20, 0x05,
		0x95, 0x04, 0x0b, 0x81, 0x66, 0xe0,
		0x82, 0xa6, 0x2d, 0x1b, 0xff, 0x6e,
		0x91, 0x9d, 0x29, 0xad, 0x17, 0x18,
		0x63, 0xc7, 0x8f, 0x0b, 0x97, 0xc8,
		0xe9, 0xae, 0x82, 0xae, 0x43, 0xd3,
	}
	hp := AcquireHPACK()
	hp.SetMaxTableSize(256)

	fields := readBlock(t, hp, b)

	check(t, fields, 0, ":status", "302")
	check(t, fields, 1, "cache-control", "private")
	check(t, fields, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	check(t, fields, 3, "location", "https://www.example.com")

	checkDynamic(t, hp, 0, "location", "https://www.example.com")
	checkDynamic(t, hp, 1, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkDynamic(t, hp, 2, "cache-control", "private")
	checkDynamic(t, hp, 3, ":status", "302")
	if hp.used != 222 {
		t.Fatalf("Unexpected table size: %d<>%d", hp.used, 222)
	}

	releaseFields(fields)

	b = []byte{0x48, 0x83, 0x64, 0x0e, 0xff, 0xc1, 0xc0, 0xbf}
	fields = readBlock(t, hp, b)

	check(t, fields, 0, ":status", "307")
	check(t, fields, 1, "cache-control", "private")
	check(t, fields, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	check(t, fields, 3, "location", "https://www.example.com")

	checkDynamic(t, hp, 0, ":status", "307")
	checkDynamic(t, hp, 1, "location", "https://www.example.com")
	checkDynamic(t, hp, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkDynamic(t, hp, 3, "cache-control", "private")
	if hp.used != 222 {
		t.Fatalf("Unexpected table size: %d<>%d", hp.used, 222)
	}

	releaseFields(fields)

	b = []byte{
		0x88, 0xc1, 0x61, 0x96, 0xd0, 0x7a,
		0xbe, 0x94, 0x10, 0x54, 0xd4, 0x44,
		0xa8, 0x20, 0x05, 0x95, 0x04, 0x0b,
		0x81, 0x66, 0xe0, 0x84, 0xa6, 0x2d,
		0x1b, 0xff, 0xc0, 0x5a, 0x83, 0x9b,
		0xd9, 0xab, 0x77, 0xad, 0x94, 0xe7,
		0x82, 0x1d, 0xd7, 0xf2, 0xe6, 0xc7,
		0xb3, 0x35, 0xdf, 0xdf, 0xcd, 0x5b,
		0x39, 0x60, 0xd5, 0xaf, 0x27, 0x08,
		0x7f, 0x36, 0x72, 0xc1, 0xab, 0x27,
		0x0f, 0xb5, 0x29, 0x1f, 0x95, 0x87,
		0x31, 0x60, 0x65, 0xc0, 0x03, 0xed,
		0x4e, 0xe5, 0xb1, 0x06, 0x3d, 0x50, 0x07,
	}

	fields = readBlock(t, hp, b)

	check(t, fields, 0, ":status", "200")
	check(t, fields, 1, "cache-control", "private")
	check(t, fields, 2, "date", "Mon, 21 Oct 2013 20:13:22 GMT")
	check(t, fields, 3, "location", "https://www.example.com")
	check(t, fields, 4, "content-encoding", "gzip")
	check(t, fields, 5, "set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1")

	checkDynamic(t, hp, 0, "set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1")
	checkDynamic(t, hp, 1, "content-encoding", "gzip")
	checkDynamic(t, hp, 2, "date", "Mon, 21 Oct 2013 20:13:22 GMT")
	if hp.used != 215 {
		t.Fatalf("Unexpected table size: %d<>%d", hp.used, 215)
	}

	releaseFields(fields)
	ReleaseHPACK(hp)
}

func compare(b, r []byte) int {
	for i, c := range b {
		if c != r[i] {
			return i
		}
	}
	return -1
}

func appendField(hp *HPACK, dst []byte, k, v string) []byte {
	hf := AcquireHeaderField()
	hf.Set(k, v)
	dst = hp.AppendHeader(dst, hf, true)
	ReleaseHeaderField(hf)
	return dst
}

func TestWriteResponseWithoutHuffman(t *testing.T) { // without huffman
	result := []byte{
		0x48, 0x03, 0x33, 0x30, 0x32, 0x58,
		0x07, 0x70, 0x72, 0x69, 0x76, 0x61,
		0x74, 0x65, 0x61, 0x1d, 0x4d, 0x6f,
		0x6e, 0x2c, 0x20, 0x32, 0x31, 0x20,
		0x4f, 0x63, 0x74, 0x20, 0x32, 0x30,
		0x31, 0x33, 0x20, 0x32, 0x30, 0x3a,
		0x31, 0x33, 0x3a, 0x32, 0x31, 0x20,
		0x47, 0x4d, 0x54, 0x6e, 0x17, 0x68,
		0x74, 0x74, 0x70, 0x73, 0x3a, 0x2f,
		0x2f, 0x77, 0x77, 0x77, 0x2e, 0x65,
		0x78, 0x61, 0x6d, 0x70, 0x6c, 0x65,
		0x2e, 0x63, 0x6f, 0x6d,
	}
	hp := AcquireHPACK()
	hp.DisableCompression = true
	hp.SetMaxTableSize(256)

	var b []byte
	b = appendField(hp, b, ":status", "302")
	b = appendField(hp, b, "cache-control", "private")
	b = appendField(hp, b, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	b = appendField(hp, b, "location", "https://www.example.com")

	if i := compare(b, result); i != -1 {
		t.Fatalf("failed in %d: %s", i, hexComparision(b[i:], result[i:]))
	}
	checkDynamic(t, hp, 0, "location", "https://www.example.com")
	checkDynamic(t, hp, 1, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkDynamic(t, hp, 2, "cache-control", "private")
	checkDynamic(t, hp, 3, ":status", "302")
	if hp.used != 222 {
		t.Fatalf("Unexpected table size: %d<>%d", hp.used, 222)
	}

	result = []byte{0x48, 0x03, 0x33, 0x30, 0x37, 0xc1, 0xc0, 0xbf}

	b = appendField(hp, b[:0], ":status", "307")
	b = appendField(hp, b, "cache-control", "private")
	b = appendField(hp, b, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	b = appendField(hp, b, "location", "https://www.example.com")

	if i := compare(b, result); i != -1 {
		t.Fatalf("failed in %d: %s", i, hexComparision(b[i:], result[i:]))
	}
	checkDynamic(t, hp, 0, ":status", "307")
	checkDynamic(t, hp, 1, "location", "https://www.example.com")
	checkDynamic(t, hp, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkDynamic(t, hp, 3, "cache-control", "private")
	if hp.used != 222 {
		t.Fatalf("Unexpected table size: %d<>%d", hp.used, 222)
	}

	result = []byte{
		0x88, 0xc1, 0x61, 0x1d, 0x4d, 0x6f,
		0x6e, 0x2c, 0x20, 0x32, 0x31, 0x20,
		0x4f, 0x63, 0x74, 0x20, 0x32, 0x30,
		0x31, 0x33, 0x20, 0x32, 0x30, 0x3a,
		0x31, 0x33, 0x3a, 0x32, 0x32, 0x20,
		0x47, 0x4d, 0x54, 0xc0, 0x5a, 0x04,
		0x67, 0x7a, 0x69, 0x70, 0x77, 0x38,
		0x66, 0x6f, 0x6f, 0x3d, 0x41, 0x53,
		0x44, 0x4a, 0x4b, 0x48, 0x51, 0x4b,
		0x42, 0x5a, 0x58, 0x4f, 0x51, 0x57,
		0x45, 0x4f, 0x50, 0x49, 0x55, 0x41,
		0x58, 0x51, 0x57, 0x45, 0x4f, 0x49,
		0x55, 0x3b, 0x20, 0x6d, 0x61, 0x78,
		0x2d, 0x61, 0x67, 0x65, 0x3d, 0x33,
		0x36, 0x30, 0x30, 0x3b, 0x20, 0x76,
		0x65, 0x72, 0x73, 0x69, 0x6f, 0x6e,
		0x3d, 0x31,
	}

	b = appendField(hp, b[:0], ":status", "200")
	b = appendField(hp, b, "cache-control", "private")
	b = appendField(hp, b, "date", "Mon, 21 Oct 2013 20:13:22 GMT")
	b = appendField(hp, b, "location", "https://www.example.com")
	b = appendField(hp, b, "content-encoding", "gzip")
	b = appendField(hp, b, "set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1")

	if i := compare(b, result); i != -1 {
		t.Fatalf("failed in %d: %s", i, hexComparision(b[i:], result[i:]))
	}

	checkDynamic(t, hp, 0, "set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1")
	checkDynamic(t, hp, 1, "content-encoding", "gzip")
	checkDynamic(t, hp, 2, "date", "Mon, 21 Oct 2013 20:13:22 GMT")
	if hp.used != 215 {
		t.Fatalf("Unexpected table size: %d<>%d", hp.used, 215)
	}

	ReleaseHPACK(hp)
}

func TestWriteResponseWithHuffman(t *testing.T) { // WithHuffman
	result := []byte{
		0x48, 0x82, 0x64, 0x02, 0x58, 0x85,
		0xae, 0xc3, 0x77, 0x1a, 0x4b, 0x61,
		0x96, 0xd0, 0x7a, 0xbe, 0x94, 0x10,
		0x54, 0xd4, 0x44, 0xa8, 0x20, 0x05,
		0x95, 0x04, 0x0b, 0x81, 0x66, 0xe0,
		0x82, 0xa6, 0x2d, 0x1b, 0xff, 0x6e,
		0x91, 0x9d, 0x29, 0xad, 0x17, 0x18,
		0x63, 0xc7, 0x8f, 0x0b, 0x97, 0xc8,
		0xe9, 0xae, 0x82, 0xae, 0x43, 0xd3,
	}

	hp := AcquireHPACK()
	hp.SetMaxTableSize(256)

	var b []byte
	b = appendField(hp, b, ":status", "302")
	b = appendField(hp, b, "cache-control", "private")
	b = appendField(hp, b, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	b = appendField(hp, b, "location", "https://www.example.com")

	if i := compare(b, result); i != -1 {
		t.Fatalf("failed in %d: %s", i, hexComparision(b[i:], result[i:]))
	}
	checkDynamic(t, hp, 0, "location", "https://www.example.com")
	checkDynamic(t, hp, 1, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkDynamic(t, hp, 2, "cache-control", "private")
	checkDynamic(t, hp, 3, ":status", "302")
	if hp.used != 222 {
		t.Fatalf("Unexpected table size: %d<>%d", hp.used, 222)
	}

	result = []byte{0x48, 0x83, 0x64, 0x0e, 0xff, 0xc1, 0xc0, 0xbf}

	b = appendField(hp, b[:0], ":status", "307")
	b = appendField(hp, b, "cache-control", "private")
	b = appendField(hp, b, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	b = appendField(hp, b, "location", "https://www.example.com")

	if i := compare(b, result); i != -1 {
		t.Fatalf("failed in %d: %s", i, hexComparision(b[i:], result[i:]))
	}

	checkDynamic(t, hp, 0, ":status", "307")
	checkDynamic(t, hp, 1, "location", "https://www.example.com")
	checkDynamic(t, hp, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkDynamic(t, hp, 3, "cache-control", "private")
	if hp.used != 222 {
		t.Fatalf("Unexpected table size: %d<>%d", hp.used, 222)
	}

	result = []byte{
		0x88, 0xc1, 0x61, 0x96, 0xd0, 0x7a,
		0xbe, 0x94, 0x10, 0x54, 0xd4, 0x44,
		0xa8, 0x20, 0x05, 0x95, 0x04, 0x0b,
		0x81, 0x66, 0xe0, 0x84, 0xa6, 0x2d,
		0x1b, 0xff, 0xc0, 0x5a, 0x83, 0x9b,
		0xd9, 0xab, 0x77, 0xad, 0x94, 0xe7,
		0x82, 0x1d, 0xd7, 0xf2, 0xe6, 0xc7,
		0xb3, 0x35, 0xdf, 0xdf, 0xcd, 0x5b,
		0x39, 0x60, 0xd5, 0xaf, 0x27, 0x08,
		0x7f, 0x36, 0x72, 0xc1, 0xab, 0x27,
		0x0f, 0xb5, 0x29, 0x1f, 0x95, 0x87,
		0x31, 0x60, 0x65, 0xc0, 0x03, 0xed,
		0x4e, 0xe5, 0xb1, 0x06, 0x3d, 0x50, 0x07,
	}

	b = appendField(hp, b[:0], ":status", "200")
	b = appendField(hp, b, "cache-control", "private")
	b = appendField(hp, b, "date", "Mon, 21 Oct 2013 20:13:22 GMT")
	b = appendField(hp, b, "location", "https://www.example.com")
	b = appendField(hp, b, "content-encoding", "gzip")
	b = appendField(hp, b, "set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1")

	if i := compare(b, result); i != -1 {
		t.Fatalf("failed in %d: %s", i, hexComparision(b[i:], result[i:]))
	}

	checkDynamic(t, hp, 0, "set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1")
	checkDynamic(t, hp, 1, "content-encoding", "gzip")
	checkDynamic(t, hp, 2, "date", "Mon, 21 Oct 2013 20:13:22 GMT")
	if hp.used != 215 {
		t.Fatalf("Unexpected table size: %d<>%d", hp.used, 215)
	}

	ReleaseHPACK(hp)
}

// A never-indexed field must keep the dynamic table untouched and decode
// back with the sensible bit set.
func TestNeverIndexedField(t *testing.T) {
	enc := AcquireHPACK()
	dec := AcquireHPACK()

	hf := AcquireHeaderField()
	hf.Set("authorization", "Basic dXNlcjpwYXNz")
	hf.sensible = true

	b := enc.AppendHeader(nil, hf, true)

	if len(enc.dynamic) != 0 {
		t.Fatal("sensible field must not be inserted into the dynamic table")
	}
	if b[0]&0xf0 != 0x10 {
		t.Fatalf("expected a never-indexed representation, got prefix %x", b[0])
	}

	hf.Reset()
	b, err := dec.Next(hf, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 0 {
		t.Fatalf("expected the field fully consumed, %d bytes left", len(b))
	}

	if hf.Key() != "authorization" || hf.Value() != "Basic dXNlcjpwYXNz" {
		t.Fatalf("unexpected field: %s", hf.String())
	}
	if !hf.IsSensible() {
		t.Fatal("expected the decoded field to keep the never-indexed bit")
	}
	if len(dec.dynamic) != 0 {
		t.Fatal("never-indexed field must not enter the decoder's dynamic table")
	}

	ReleaseHeaderField(hf)
	ReleaseHPACK(enc)
	ReleaseHPACK(dec)
}

func TestIndexZeroIsAnError(t *testing.T) {
	hp := AcquireHPACK()
	defer ReleaseHPACK(hp)

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	if _, err := hp.Next(hf, []byte{0x80}); err == nil {
		t.Fatal("indexed representation with index 0 must fail")
	}
}

func TestTableSizeUpdateMidBlock(t *testing.T) {
	hp := AcquireHPACK()
	defer ReleaseHPACK(hp)

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	// :method: GET (indexed 2), then a table size update. Valid only at
	// the start of the block.
	update := []byte{0x3f, 0xe1, 0x1f}

	if _, err := hp.nextField(hf, 0, []byte{0x82}); err != nil {
		t.Fatal(err)
	}
	if _, err := hp.nextField(hf, 0, update); err != nil {
		t.Fatalf("table size update at block start must be accepted: %s", err)
	}

	if _, err := hp.nextField(hf, 1, update); err == nil {
		t.Fatal("expected a compression error for a mid-block table size update")
	}
}

func TestHuffmanInvalidPadding(t *testing.T) {
	// 'a' (5 bits: 00011) padded with zeros instead of EOS-prefix ones.
	if _, err := appendHuffmanDecode(nil, []byte{0x18}); err == nil {
		t.Fatal("expected an error for non-EOS padding")
	}

	// a full byte of padding beyond the last symbol: 'a' + 8+3 bits of 1s.
	if _, err := appendHuffmanDecode(nil, []byte{0x1f, 0xff}); err == nil {
		t.Fatal("expected an error for more than 7 bits of padding")
	}

	// well-formed: 'a' + 3 bits of 1s.
	got, err := appendHuffmanDecode(nil, []byte{0x1f})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a" {
		t.Fatalf("expected %q, got %q", "a", got)
	}
}

func hexComparision(b, r []byte) (s string) {
	for i := range b {
		s += fmt.Sprintf("%x", b[i]) + " "
	}
	s += "\n"
	for i := range r {
		s += fmt.Sprintf("%x", r[i]) + " "
	}
	return
}
