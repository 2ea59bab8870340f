package interceptor

import (
	"io"
	"time"

	"github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/exchange"
	"github.com/corehttp/engine/pkg/message"
	"github.com/corehttp/engine/pkg/pool"
	"github.com/corehttp/engine/pkg/timing"
)

// CallServerInterceptor is the terminal stage (SPEC_FULL.md §4.6
// "CallServer. Writes the request to the wire and parses the response"):
// it creates the Exchange bound to chain.Connection(), drives the request
// and response through it, and releases the Exchange back to the pool on
// success. On error it marks the connection NO_NEW_EXCHANGES and leaves the
// release to the connect stage, which acquired the hold. New package; grounded on the teacher's pkg/client/client.go
// Do()-method request/response drive, generalized over the exchange
// package's codec-agnostic Exchange rather than a single HTTP/1.1 codec
// call.
type CallServerInterceptor struct {
	Pool *pool.Pool
}

// NewCallServerInterceptor returns a CallServerInterceptor releasing
// Exchanges back to p.
func NewCallServerInterceptor(p *pool.Pool) *CallServerInterceptor {
	return &CallServerInterceptor{Pool: p}
}

func (cs *CallServerInterceptor) Intercept(chain Chain) (*message.Response, error) {
	req := chain.Request()
	conn := chain.Connection()
	if conn == nil {
		return nil, errors.NewProtocolError("call-server stage reached with no bound connection", nil)
	}

	timer := timing.NewTimer()
	ex, err := exchange.New(conn, req, timer)
	if err != nil {
		return nil, err
	}

	resp, err := cs.drive(chain, ex, req)
	if err != nil {
		ex.NoNewExchangesOnConnection()
		return nil, err
	}
	return resp, nil
}

func (cs *CallServerInterceptor) drive(chain Chain, ex *exchange.Exchange, req *message.Request) (*message.Response, error) {
	if chain.IsCanceled() {
		ex.Cancel()
		return nil, errors.NewCanceledError("call-server", nil)
	}

	if err := ex.WriteRequestHeaders(); err != nil {
		return nil, err
	}

	expectContinue := headerEqualsFold(req, "Expect", "100-continue")

	if req.Body != nil && !expectContinue {
		if err := cs.writeBody(ex, req); err != nil {
			return nil, err
		}
	}

	resp, err := ex.ReadResponseHeaders(expectContinue)
	if err != nil {
		return nil, err
	}

	if resp == nil {
		// 100-continue observed: now write the body and read the final
		// response.
		if req.Body != nil {
			if err := cs.writeBody(ex, req); err != nil {
				return nil, err
			}
		} else if err := ex.FinishRequest(); err != nil {
			return nil, err
		}
		resp, err = ex.ReadResponseHeaders(false)
		if err != nil {
			return nil, err
		}
	}
	// else: resp != nil means either expectContinue was false (the normal
	// path) or a final response arrived instead of 100-continue (e.g. an
	// early rejection) — either way the body is never (further) written.

	body, err := ex.OpenResponseBody(resp)
	if err != nil {
		return nil, err
	}
	resp = resp.WithBody(body)
	resp.Request = req
	resp.ReceivedAt = time.Now()

	ex.Release(cs.Pool)
	return resp, nil
}

func (cs *CallServerInterceptor) writeBody(ex *exchange.Exchange, req *message.Request) error {
	sink, err := ex.CreateRequestBody()
	if err != nil {
		return err
	}
	if _, err := io.Copy(sink, req.Body); err != nil {
		_ = sink.Close()
		return errors.NewIOError("write request body", err)
	}
	if err := sink.Close(); err != nil {
		return errors.NewIOError("finish request body", err)
	}
	return ex.FinishRequest()
}

func headerEqualsFold(req *message.Request, name, value string) bool {
	v, ok := req.Headers.Get(name)
	if !ok {
		return false
	}
	return foldEqual(v, value)
}

func foldEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
