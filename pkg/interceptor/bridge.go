package interceptor

import (
	"compress/gzip"
	"io"
	"strings"

	"github.com/corehttp/engine/pkg/message"
)

// BridgeInterceptor translates between the caller-facing Request/Response
// shape and what the wire actually needs (SPEC_FULL.md §4.6 "Bridge.
// Converts user-facing request to network request (adds headers like
// Host, Content-Length, Transfer-Encoding, User-Agent), and converts the
// network response back"). Host/Content-Length/Transfer-Encoding are
// already decided by codec1.WriteHeaders per request framing, so this
// stage only injects the headers that are a pure client policy choice:
// User-Agent, Accept-Encoding, Connection, and Cookie. New package;
// grounded on the teacher's client.go buildHeaders default-header-injection
// style (User-Agent / Connection defaults applied unless already set by
// the caller).
type BridgeInterceptor struct {
	UserAgent string
	CookieJar CookieJar
}

// NewBridgeInterceptor returns a BridgeInterceptor using userAgent as the
// default User-Agent and jar (or NoopCookieJar-equivalent nil) for
// Cookie injection.
func NewBridgeInterceptor(userAgent string, jar CookieJar) *BridgeInterceptor {
	return &BridgeInterceptor{UserAgent: userAgent, CookieJar: jar}
}

func (b *BridgeInterceptor) Intercept(chain Chain) (*message.Response, error) {
	userReq := chain.Request()
	headers := userReq.Headers.Clone()

	if !headers.Has("User-Agent") && b.UserAgent != "" {
		_ = headers.Set("User-Agent", b.UserAgent)
	}
	if !headers.Has("Connection") {
		_ = headers.Set("Connection", "Keep-Alive")
	}

	acceptedGzip := false
	if !headers.Has("Accept-Encoding") && !headers.Has("Range") {
		_ = headers.Set("Accept-Encoding", "gzip")
		acceptedGzip = true
	}

	if b.CookieJar != nil {
		if cookies := b.CookieJar.CookiesFor(userReq.URL); len(cookies) > 0 {
			_ = headers.Set("Cookie", strings.Join(cookies, "; "))
		}
	}

	networkReq := userReq.WithHeaders(headers)
	resp, err := chain.Proceed(networkReq)
	if err != nil {
		return nil, err
	}

	if b.CookieJar != nil {
		if setCookies := resp.Headers.Values("Set-Cookie"); len(setCookies) > 0 {
			b.CookieJar.SetCookies(userReq.URL, setCookies)
		}
	}

	if acceptedGzip {
		if enc, ok := resp.Headers.Get("Content-Encoding"); ok && strings.EqualFold(enc, "gzip") {
			decoded, decErr := decodeGzipBody(resp.Body)
			if decErr != nil {
				return nil, decErr
			}
			h := resp.Headers.Clone()
			h.Remove("Content-Encoding")
			h.Remove("Content-Length")
			resp = resp.WithHeaders(h).WithBody(decoded)
		}
	}

	return resp, nil
}

// decodeGzipBody wraps body's gzip-compressed stream into a Body reporting
// an unknown length, closing the original reader along with the gzip
// reader.
func decodeGzipBody(body message.Body) (message.Body, error) {
	gr, err := gzip.NewReader(body)
	if err != nil {
		return nil, err
	}
	return message.NewStreamBody(&gzipBodyCloser{gr: gr, orig: body}, -1, body.ContentType()), nil
}

type gzipBodyCloser struct {
	gr   *gzip.Reader
	orig io.Closer
}

func (g *gzipBodyCloser) Read(p []byte) (int, error) { return g.gr.Read(p) }

func (g *gzipBodyCloser) Close() error {
	gerr := g.gr.Close()
	oerr := g.orig.Close()
	if gerr != nil {
		return gerr
	}
	return oerr
}
