package codec1

import (
	"bufio"
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	return string(b)
}

func TestReadResponseFixedLengthBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp.Code != 200 || resp.Reason != "OK" {
		t.Fatalf("got code=%d reason=%q", resp.Code, resp.Reason)
	}
	if got := readAll(t, resp.Body); got != "hello" {
		t.Fatalf("body = %q, want hello", got)
	}
}

func TestReadResponseChunkedBodyAndTrailers(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\nX-Trailer: done\r\n\r\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if got := readAll(t, resp.Body); got != "Wikipedia" {
		t.Fatalf("body = %q, want Wikipedia", got)
	}
	if v, ok := resp.Headers.Get("X-Trailer"); !ok || v != "done" {
		t.Fatalf("expected trailer X-Trailer=done to be merged into headers, got %q ok=%v", v, ok)
	}
}

func TestReadResponseUntilCloseBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n\r\nno-length-here"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if got := readAll(t, resp.Body); got != "no-length-here" {
		t.Fatalf("body = %q", got)
	}
}

func TestReadResponseHeadRequestHasNoBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "HEAD", nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if got := readAll(t, resp.Body); got != "" {
		t.Fatalf("HEAD response body = %q, want empty", got)
	}
}

func TestReadResponseRejectsConflictingFraming(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\nhello"
	_, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET", nil)
	if err == nil {
		t.Fatalf("expected error for conflicting Content-Length/Transfer-Encoding")
	}
}

func TestReadResponseFoldsObsoleteLineContinuation(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nX-Custom: first\r\n  second\r\nContent-Length: 0\r\n\r\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	v, ok := resp.Headers.Get("X-Custom")
	if !ok || v != "first second" {
		t.Fatalf("X-Custom = %q ok=%v, want \"first second\"", v, ok)
	}
}

func TestReadResponseRejectsHeadersExceedingMaxSize(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 200 OK\r\n")
	huge := strings.Repeat("a", 2*1024*1024)
	sb.WriteString("X-Huge: " + huge + "\r\n\r\n")
	_, err := ReadResponse(bufio.NewReader(strings.NewReader(sb.String())), "GET", nil)
	if err == nil {
		t.Fatalf("expected error for oversized headers")
	}
}

func TestReadResponseNoContentStatusHasNoBody(t *testing.T) {
	raw := "HTTP/1.1 204 No Content\r\n\r\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if got := readAll(t, resp.Body); got != "" {
		t.Fatalf("204 response body = %q, want empty", got)
	}
}

func TestReadResponseParsesHTTP10Protocol(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp.Protocol != "HTTP/1.0" {
		t.Fatalf("Protocol = %q, want HTTP/1.0", resp.Protocol)
	}
}

func TestReadResponseRejectsMalformedStatusLine(t *testing.T) {
	raw := "not a status line\r\n\r\n"
	_, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET", nil)
	if err == nil {
		t.Fatalf("expected error for malformed status line")
	}
}
