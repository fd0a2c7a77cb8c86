package transport

import "github.com/rustyguts/mumble/wire"

// Handler processes one decoded control message.
type Handler func(msg any)

// Router dispatches decoded control frames to per-type handlers in the
// order they arrive on the control channel. Mumble's server/client model
// requires strictly serialized, FIFO state application (a ChannelState
// must be applied before the UserState that references its channel id),
// so Router makes no attempt at concurrent dispatch: every handler runs
// on the same goroutine that read the frame.
type Router struct {
	handlers map[wire.MessageType][]Handler
	fallback Handler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[wire.MessageType][]Handler)}
}

// On registers fn to run for every message of type typ, in registration
// order alongside any other handler already registered for that type.
func (r *Router) On(typ wire.MessageType, fn Handler) {
	r.handlers[typ] = append(r.handlers[typ], fn)
}

// OnUnhandled registers the handler invoked for a message type with no
// registered handlers. Useful for logging unexpected frames.
func (r *Router) OnUnhandled(fn Handler) { r.fallback = fn }

// Dispatch runs every handler registered for typ, in order. It is meant
// to be passed directly to Connection.OnMessage.
func (r *Router) Dispatch(typ wire.MessageType, msg any) {
	handlers, ok := r.handlers[typ]
	if !ok || len(handlers) == 0 {
		if r.fallback != nil {
			r.fallback(msg)
		}
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}
