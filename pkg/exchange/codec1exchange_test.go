package exchange

import (
	"bufio"
	"io"
	"net"
	"net/url"
	"testing"

	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/pool"
	"github.com/corehttp/engine/pkg/route"
)

func mustRequest(t *testing.T, method, raw string) *message.Request {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q) failed: %v", raw, err)
	}
	return message.NewBuilder(method, u).Build()
}

func newHTTP1TestConn(t *testing.T) (*pool.Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	conn := pool.NewConnection(&route.Route{Address: &route.Address{Host: "example.com", Port: 80}}, client, nil, message.ProtocolHTTP11)
	t.Cleanup(func() { client.Close(); server.Close() })
	return conn, server
}

func TestCodec1ExchangeWriteHeadersAndReadResponse(t *testing.T) {
	conn, server := newHTTP1TestConn(t)
	req := mustRequest(t, "GET", "http://example.com/")
	ex, err := New(conn, req, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		br := bufio.NewReader(server)
		line, _ := br.ReadString('\n')
		if line != "GET / HTTP/1.1\r\n" {
			t.Errorf("request line = %q", line)
		}
		for {
			l, err := br.ReadString('\n')
			if err != nil || l == "\r\n" {
				break
			}
		}
		server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"))
	}()

	if err := ex.WriteRequestHeaders(); err != nil {
		t.Fatalf("WriteRequestHeaders failed: %v", err)
	}
	if err := ex.FinishRequest(); err != nil {
		t.Fatalf("FinishRequest failed: %v", err)
	}

	resp, err := ex.ReadResponseHeaders(false)
	if err != nil {
		t.Fatalf("ReadResponseHeaders failed: %v", err)
	}
	if resp.Code != 200 {
		t.Fatalf("Code = %d, want 200", resp.Code)
	}

	body, err := ex.OpenResponseBody(resp)
	if err != nil {
		t.Fatalf("OpenResponseBody failed: %v", err)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	if string(data) != "hi" {
		t.Fatalf("body = %q, want hi", data)
	}
	<-done
}

func TestCodec1ExchangeHandles100ContinueThenFinal(t *testing.T) {
	conn, server := newHTTP1TestConn(t)
	req := mustRequest(t, "POST", "http://example.com/upload")
	req = req.WithMethodAndBody("POST", message.NewBytesBody([]byte("payload"), ""))
	ex, err := New(conn, req, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		br := bufio.NewReader(server)
		for {
			l, err := br.ReadString('\n')
			if err != nil || l == "\r\n" {
				break
			}
		}
		server.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
		buf := make([]byte, len("payload"))
		io.ReadFull(br, buf)
		server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	}()

	if err := ex.WriteRequestHeaders(); err != nil {
		t.Fatalf("WriteRequestHeaders failed: %v", err)
	}

	resp, err := ex.ReadResponseHeaders(true)
	if err != nil {
		t.Fatalf("ReadResponseHeaders(true) failed: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected nil response for 100-continue, got code %d", resp.Code)
	}

	sink, err := ex.CreateRequestBody()
	if err != nil {
		t.Fatalf("CreateRequestBody failed: %v", err)
	}
	if _, err := sink.Write([]byte("payload")); err != nil {
		t.Fatalf("sink.Write failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("sink.Close failed: %v", err)
	}

	final, err := ex.ReadResponseHeaders(false)
	if err != nil {
		t.Fatalf("ReadResponseHeaders(false) failed: %v", err)
	}
	if final.Code != 200 {
		t.Fatalf("final.Code = %d, want 200", final.Code)
	}
	<-serverDone
}

func TestCodec1ExchangeCreateRequestBodyRejectsWhenNoBody(t *testing.T) {
	conn, _ := newHTTP1TestConn(t)
	req := mustRequest(t, "GET", "http://example.com/")
	ex, err := New(conn, req, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := ex.CreateRequestBody(); err == nil {
		t.Fatalf("expected error creating a body sink for a bodyless request")
	}
}

func TestCodec1ExchangePeekTrailersAlwaysNil(t *testing.T) {
	conn, _ := newHTTP1TestConn(t)
	req := mustRequest(t, "GET", "http://example.com/")
	ex, err := New(conn, req, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	trailers, err := ex.PeekTrailers()
	if err != nil || trailers != nil {
		t.Fatalf("PeekTrailers() = (%v, %v), want (nil, nil)", trailers, err)
	}
}

func TestCodec1ExchangeCancelClosesConnection(t *testing.T) {
	conn, server := newHTTP1TestConn(t)
	req := mustRequest(t, "GET", "http://example.com/")
	ex, err := New(conn, req, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ex.Cancel()

	buf := make([]byte, 1)
	if _, err := server.Read(buf); err == nil {
		t.Fatalf("expected server-side read to fail after Cancel closed the connection")
	}
}

func TestExchangeReleaseIsIdempotent(t *testing.T) {
	conn, _ := newHTTP1TestConn(t)
	req := mustRequest(t, "GET", "http://example.com/")
	ex, err := New(conn, req, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p := pool.New(pool.Options{})
	ex.Release(p)
	ex.Release(p) // must not panic or double-release
}

func TestExchangeNoNewExchangesOnConnection(t *testing.T) {
	conn, _ := newHTTP1TestConn(t)
	req := mustRequest(t, "GET", "http://example.com/")
	ex, err := New(conn, req, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ex.NoNewExchangesOnConnection()
	if conn.State() != pool.StateNoNewExchanges {
		t.Fatalf("State() = %v, want NO_NEW_EXCHANGES", conn.State())
	}
}
