package transport

import "github.com/rustyguts/mumble/wire"

// RejectError is delivered to OnDisconnected when the server answers the
// authenticate handshake with a Reject message instead of ServerSync.
type RejectError struct {
	Reason      wire.RejectType
	Explanation string
}

func (e *RejectError) Error() string {
	if e.Explanation != "" {
		return "transport: rejected: " + e.Explanation
	}
	return "transport: rejected: " + e.Reason.String()
}
