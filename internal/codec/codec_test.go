package codec

import "testing"

const githubErrorReportFixture = "POST /_private/browser/errors HTTP/1.1\r\n" +
	"accept: */*\r\n" +
	"accept-encoding: gzip, deflate, br\r\n" +
	"accept-language: zh-CN,zh;q=0.9,en;q=0.8,en-GB;q=0.7,en-US;q=0.6\r\n" +
	"connection: keep-alive\r\n" +
	"content-length: 25\r\n" +
	"content-type: text/plain;charset=UTF-8\r\n" +
	"host: api.github.com\r\n" +
	"origin: https://github.com\r\n" +
	"\r\n" +
	"{\"error\":{\"type\":\"boom\"}}"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := []byte(githubErrorReportFixture)
	msg, consumed, ok := Encode(src)
	if !ok {
		t.Fatalf("expected a complete message to be decoded")
	}
	if consumed != len(src) {
		t.Fatalf("expected to consume the whole buffer, consumed %d of %d", consumed, len(src))
	}
	if msg.Method != "POST" || msg.Path != "/_private/browser/errors" {
		t.Fatalf("unexpected request line: %s %s", msg.Method, msg.Path)
	}

	got := Decode(msg)
	if string(got) != string(src) {
		t.Fatalf("round trip mismatch:\nwant %q\ngot  %q", src, got)
	}
}

func TestEncodeIncompleteHeadReturnsFalse(t *testing.T) {
	partial := []byte("GET / HTTP/1.1\r\nHost: example.test\r\n")
	_, _, ok := Encode(partial)
	if ok {
		t.Fatalf("expected incomplete head to not decode")
	}
}

func TestEncodeWaitsForFullBody(t *testing.T) {
	head := "POST /x HTTP/1.1\r\nContent-Length: 10\r\n\r\n"
	partial := []byte(head + "12345")
	_, _, ok := Encode(partial)
	if ok {
		t.Fatalf("expected encode to wait for the full body")
	}

	full := []byte(head + "1234567890")
	msg, consumed, ok := Encode(full)
	if !ok {
		t.Fatalf("expected full body to decode")
	}
	if consumed != len(full) {
		t.Fatalf("expected to consume %d bytes, got %d", len(full), consumed)
	}
	if string(msg.Body) != "1234567890" {
		t.Fatalf("unexpected body: %q", msg.Body)
	}
}

func TestEncodeZeroContentLengthHasNoBody(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nHost: example.test\r\n\r\n")
	msg, consumed, ok := Encode(buf)
	if !ok {
		t.Fatalf("expected bodiless request to decode")
	}
	if consumed != len(buf) {
		t.Fatalf("expected to consume the whole buffer")
	}
	if len(msg.Body) != 0 {
		t.Fatalf("expected empty body, got %q", msg.Body)
	}
}
