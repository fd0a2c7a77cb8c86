package transport

// ConnState is the connection's coarse lifecycle stage, tracked
// separately from the closed flag so a caller (the client package) can
// drive its own UI/reconnect logic off of more than just "up or down".
type ConnState int32

const (
	// StateDisconnected is the zero value: Connect has not been called, or
	// a prior connection has fully torn down.
	StateDisconnected ConnState = iota
	// StateConnecting covers the TCP dial and TLS handshake.
	StateConnecting
	// StateOpened is a completed TLS handshake, control loop running,
	// Version/Authenticate sent but ServerSync not yet received.
	StateOpened
	// StateAuthenticated follows a received ServerSync: the session is
	// fully joined and user/channel state has started flowing.
	StateAuthenticated
	// StateDisconnecting is set as soon as Close is called, before the
	// underlying sockets finish tearing down.
	StateDisconnecting
	// StateClosed is terminal: both the control and UDP sockets are shut
	// down and the supervising errgroup has returned.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpened:
		return "opened"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State returns the connection's current lifecycle stage.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}
