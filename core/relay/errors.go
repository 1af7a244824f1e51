package relay

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned for channel operations attempted before a
// successful AUTH round-trip. It is non-fatal to the connection.
var ErrNotAuthenticated = errors.New("authentication required")

// AuthError reports a bad, missing or expired credential. The connection
// stays open so the client can retry.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Reason }

// AuthorizationError reports a channel operation outside the namespace the
// connection's role permits. Non-fatal; an error frame is emitted.
type AuthorizationError struct {
	Role    Role
	Channel string
	Op      string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("role %s may not %s channel %s", e.Role, e.Op, e.Channel)
}

// ProtocolError reports a malformed inbound frame. The frame is dropped and
// logged; the connection stays open.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }
