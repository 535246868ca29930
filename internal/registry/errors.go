package registry

import "errors"

// ErrAuthentication means the credential exchange with the upstream registry
// failed, or a call kept coming back 401 after a forced re-authentication.
var ErrAuthentication = errors.New("upstream authentication failed")

// ErrUpstreamUnavailable covers transport errors and non-2xx responses other
// than the not-found case of a single-contract lookup. It feeds the circuit
// breaker's failure rate.
var ErrUpstreamUnavailable = errors.New("upstream registry unavailable")
