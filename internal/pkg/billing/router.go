package billing

// eventHandler runs inside the delivery's database transaction and returns
// the domain events to emit after commit.
type eventHandler func(tx Store, ev *Event) ([]DomainEvent, error)

// Router maps internal event kinds to handlers. Kinds with no handler are
// acknowledged without side effects so future provider event types flow
// straight through to the idempotency mark.
type Router struct {
	handlers map[EventKind]eventHandler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[EventKind]eventHandler)}
}

// Handle registers the handler for an event kind.
func (r *Router) Handle(kind EventKind, h eventHandler) {
	r.handlers[kind] = h
}

// Dispatch invokes the handler for the event's kind, if any.
func (r *Router) Dispatch(tx Store, ev *Event) ([]DomainEvent, error) {
	if ev.Kind == EventIgnored {
		return nil, nil
	}
	h, ok := r.handlers[ev.Kind]
	if !ok {
		return nil, nil
	}
	return h(tx, ev)
}
