package interceptor

import "github.com/corehttp/engine/pkg/message"

// Listener is the ambient event-hook interface SPEC_FULL.md §2.1 describes
// as this engine's substitute for a logging dependency: the teacher carries
// no structured-logging library anywhere in its tree, so callers are given
// the same synchronous-hook seam the teacher used for its own diagnostics
// (pkg/http2/types.go's Options.Debug log-gated booleans), generalized here
// into named lifecycle events a caller can wire to whatever logger they use.
type Listener interface {
	CacheHit(req *message.Request)
	CacheMiss(req *message.Request)
	CacheConditionalHit(req *message.Request)
}

// NoopListener implements Listener with no-ops, the default when the caller
// configures none.
type NoopListener struct{}

func (NoopListener) CacheHit(*message.Request)            {}
func (NoopListener) CacheMiss(*message.Request)           {}
func (NoopListener) CacheConditionalHit(*message.Request) {}
