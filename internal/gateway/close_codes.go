package gateway

import "errors"

// Custom WebSocket close codes used by the gateway protocol. Standard codes (1000, 1001) are defined by RFC 6455; the
// 4000 range is reserved for application use. The wire contract recognizes exactly two connection-closing failure
// modes; every other handler failure is reported as a non-closing error event instead.
const (
	CloseAuthFailed    = 4004
	CloseProtocolError = 4002
)

// Sentinel errors for the gateway's two closing failure modes.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrProtocolError        = errors.New("malformed event envelope")
)
