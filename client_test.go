package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/route"
)

// capturingFactory hands out net.Pipe connections and plays a minimal
// keep-alive HTTP/1.1 server on the far end, recording each request's
// request-line-plus-headers text for assertions.
type capturingFactory struct {
	body  string
	dials int32
	reqs  chan string
}

func newCapturingFactory(body string) *capturingFactory {
	return &capturingFactory{body: body, reqs: make(chan string, 8)}
}

func (f *capturingFactory) OpenPlaintext(ctx context.Context, r *route.Route) (net.Conn, error) {
	atomic.AddInt32(&f.dials, 1)
	client, server := net.Pipe()
	go f.serve(server)
	return client, nil
}

func (f *capturingFactory) OpenTLS(ctx context.Context, conn net.Conn, addr *route.Address) (net.Conn, *message.Handshake, string, error) {
	return conn, &message.Handshake{}, "http/1.1", nil
}

func (f *capturingFactory) dialCount() int { return int(atomic.LoadInt32(&f.dials)) }

func (f *capturingFactory) serve(conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		var sb strings.Builder
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		sb.WriteString(line)
		for {
			l, err := br.ReadString('\n')
			if err != nil {
				return
			}
			sb.WriteString(l)
			if l == "\r\n" {
				break
			}
		}
		f.reqs <- sb.String()
		resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(f.body), f.body)
		if _, err := conn.Write([]byte(resp)); err != nil {
			return
		}
	}
}

type fixedResolver struct{}

func (fixedResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("127.0.0.1")}, nil
}

func newTestClient(factory *capturingFactory) *Client {
	return NewClient(Options{
		Resolver:         fixedResolver{},
		TransportFactory: factory,
		KeepAlive:        time.Hour,
	})
}

func mustGet(t *testing.T, raw string) *message.Request {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return message.NewBuilder("GET", u).Build()
}

func TestClientExecutesSimpleGET(t *testing.T) {
	factory := newCapturingFactory("hello")
	client := newTestClient(factory)
	defer client.Close()

	resp, err := client.NewCall(mustGet(t, "http://example.com/")).Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Code != 200 {
		t.Fatalf("Code = %d, want 200", resp.Code)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("body = %q, want hello", data)
	}

	select {
	case raw := <-factory.reqs:
		if !strings.HasPrefix(raw, "GET / HTTP/1.1\r\n") {
			t.Fatalf("request line = %q", raw)
		}
		if !strings.Contains(raw, "User-Agent: corehttp-engine/"+Version) {
			t.Fatalf("missing default User-Agent, got %q", raw)
		}
	case <-time.After(time.Second):
		t.Fatalf("server never received a request")
	}
}

func TestClientReusesConnectionAcrossCalls(t *testing.T) {
	factory := newCapturingFactory("x")
	client := newTestClient(factory)
	defer client.Close()

	for i := 0; i < 2; i++ {
		if _, err := client.NewCall(mustGet(t, "http://example.com/")).Execute(); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		select {
		case <-factory.reqs:
		case <-time.After(time.Second):
			t.Fatalf("request %d never reached the server", i)
		}
	}
	if got := factory.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1 (the idle connection should have been reused)", got)
	}
	stats := client.PoolStats()
	if stats.Idle != 1 {
		t.Fatalf("PoolStats().Idle = %d, want 1 after both calls completed", stats.Idle)
	}
}

func TestCallExecuteTwiceFailsWithReuseError(t *testing.T) {
	factory := newCapturingFactory("ok")
	client := newTestClient(factory)
	defer client.Close()

	call := client.NewCall(mustGet(t, "http://example.com/"))
	if _, err := call.Execute(); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	<-factory.reqs

	if _, err := call.Execute(); err != ErrCallReused {
		t.Fatalf("second Execute err = %v, want ErrCallReused", err)
	}
}

func TestCallEnqueueAfterExecuteFailsWithReuseError(t *testing.T) {
	factory := newCapturingFactory("ok")
	client := newTestClient(factory)
	defer client.Close()

	call := client.NewCall(mustGet(t, "http://example.com/"))
	if _, err := call.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-factory.reqs

	done := make(chan struct{})
	var gotErr error
	call.Enqueue(func(resp *message.Response, err error) {
		gotErr = err
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Enqueue callback never invoked")
	}
	if gotErr != ErrCallReused {
		t.Fatalf("Enqueue err = %v, want ErrCallReused", gotErr)
	}
}

func TestCallEnqueueRunsAsynchronously(t *testing.T) {
	factory := newCapturingFactory("async")
	client := newTestClient(factory)
	defer client.Close()

	call := client.NewCall(mustGet(t, "http://example.com/"))

	done := make(chan struct{})
	var gotResp *message.Response
	var gotErr error
	call.Enqueue(func(resp *message.Response, err error) {
		gotResp, gotErr = resp, err
		close(done)
	})

	select {
	case <-factory.reqs:
	case <-time.After(time.Second):
		t.Fatalf("server never received the enqueued request")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Enqueue callback never invoked")
	}
	if gotErr != nil {
		t.Fatalf("Enqueue err: %v", gotErr)
	}
	if gotResp.Code != 200 {
		t.Fatalf("Code = %d, want 200", gotResp.Code)
	}
	client.AwaitIdle()
	if n := client.RunningCallsCount(); n != 0 {
		t.Fatalf("RunningCallsCount after idle = %d, want 0", n)
	}
}

func TestClientAwaitIdleReflectsInFlightAsyncCall(t *testing.T) {
	factory := newCapturingFactory("async")
	client := newTestClient(factory)
	defer client.Close()

	call := client.NewCall(mustGet(t, "http://example.com/"))
	done := make(chan struct{})
	call.Enqueue(func(*message.Response, error) { close(done) })

	select {
	case <-factory.reqs:
	case <-time.After(time.Second):
		t.Fatalf("server never received the enqueued request")
	}
	<-done
	client.AwaitIdle()
	if n := client.RunningCallsCount(); n != 0 {
		t.Fatalf("RunningCallsCount = %d, want 0", n)
	}
	if n := client.QueuedCallsCount(); n != 0 {
		t.Fatalf("QueuedCallsCount = %d, want 0", n)
	}
}

func TestCallCancelBeforeExecuteReturnsErrCanceled(t *testing.T) {
	factory := newCapturingFactory("nope")
	client := newTestClient(factory)
	defer client.Close()

	call := client.NewCall(mustGet(t, "http://example.com/"))
	call.Cancel()

	if _, err := call.Execute(); err != ErrCanceled {
		t.Fatalf("Execute err = %v, want ErrCanceled", err)
	}
}
