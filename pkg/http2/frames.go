package http2

import (
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/corehttp/engine/pkg/errors"
	"github.com/corehttp/engine/pkg/message"
)

// connectionSpecificHeaders lists HTTP/1.1 framing headers RFC 7540 §8.1.2.2
// forbids on the wire; the bridge stage's Connection/Keep-Alive/TE headers
// are stripped here rather than upstream, keeping that RFC detail local to
// the codec, grounded on the teacher's isConnectionSpecificHeader
// (pkg/http2/converter.go).
var connectionSpecificHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// encodeRequestHeaders converts req into an HPACK-encoded header block,
// generating the four pseudo-headers RFC 7540 §8.1.2.3 requires first,
// grounded on the teacher's TextToFrames (pkg/http2/converter.go).
func encodeRequestHeaders(enc *hpack.Encoder, req *message.Request) error {
	scheme := req.URL.Scheme
	authority := req.URL.Host
	path := req.URL.RequestURI()

	fields := []hpack.HeaderField{
		{Name: ":method", Value: req.Method},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: path},
	}

	req.Headers.Each(func(name, value string) {
		lower := strings.ToLower(name)
		if lower == "host" || connectionSpecificHeaders[lower] {
			return
		}
		fields = append(fields, hpack.HeaderField{Name: lower, Value: value})
	})

	for _, f := range fields {
		if err := enc.WriteField(f); err != nil {
			return errors.NewProtocolError("encoding HPACK header field "+f.Name, err)
		}
	}
	return nil
}

// decodedHeaders accumulates the result of feeding one HEADERS (+
// CONTINUATION) block through an hpack.Decoder.
type decodedHeaders struct {
	status   int
	headers  *message.Headers
	sawRegularHeader bool
	err      error
}

func newHeaderBlockDecoder() (*decodedHeaders, func(hpack.HeaderField)) {
	d := &decodedHeaders{headers: message.NewHeaders()}
	return d, func(f hpack.HeaderField) {
		if d.err != nil {
			return
		}
		if strings.HasPrefix(f.Name, ":") {
			if d.sawRegularHeader {
				d.err = errors.NewProtocolError("pseudo-header after regular header", nil)
				return
			}
			if f.Name == ":status" {
				code, err := strconv.Atoi(f.Value)
				if err != nil {
					d.err = errors.NewProtocolError("invalid :status value "+f.Value, err)
					return
				}
				d.status = code
			}
			return
		}
		d.sawRegularHeader = true
		if err := d.headers.Add(f.Name, f.Value); err != nil {
			d.err = err
		}
	}
}
