package interceptor

import "github.com/corehttp/engine/pkg/message"

// Authenticator resolves a 401/407 challenge by returning a replacement
// Request carrying new credentials, or nil if it has none to offer
// (SPEC_FULL.md §6 "authenticator (response + prior route → new Request or
// null)"). priorRequest is the request that produced the challenge.
type Authenticator interface {
	Authenticate(resp *message.Response, priorRequest *message.Request) (*message.Request, error)
}

// NoAuthenticator never supplies credentials; the default when the caller
// configures none.
type NoAuthenticator struct{}

func (NoAuthenticator) Authenticate(*message.Response, *message.Request) (*message.Request, error) {
	return nil, nil
}

// sameCredential reports whether a and b carry the same Authorization (or
// Proxy-Authorization) header value, used by the retry stage to detect an
// authenticator offering the same credential twice in a row (SPEC_FULL.md
// §4.6 "does not retry ... the same credential twice").
func sameCredential(a, b *message.Request, header string) bool {
	av, aok := a.Headers.Get(header)
	bv, bok := b.Headers.Get(header)
	return aok == bok && av == bv
}
