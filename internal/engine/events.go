package engine

// EventKind names one point in the engine's lifecycle that an embedder may
// observe. The set is fixed: these are the only events the engine ever
// fires.
type EventKind string

const (
	EventContainerCreated       EventKind = "on_container_created"
	EventContainerDomainStarted EventKind = "on_container_domain_started"
	EventContainerDomainStopped EventKind = "on_container_domain_stopped"
	EventForwarderCreated       EventKind = "on_forwarder_created"
	EventForwarderStarted       EventKind = "on_forwarder_started"
	EventForwarderStopped       EventKind = "on_forwarder_stopped"
	EventEndpointShellCreated   EventKind = "on_endpoint_shell_created"
	EventEndpointShellOpened    EventKind = "on_endpoint_shell_opened"
	EventEndpointShellClosed    EventKind = "on_endpoint_shell_closed"
	EventServerStarted          EventKind = "on_server_started"
	EventServerStopped          EventKind = "on_server_stopped"
	EventClientInitialized      EventKind = "on_client_initialized"
	EventClientClosed           EventKind = "on_client_closed"
	EventConnectionAccepted     EventKind = "on_connection_accepted"
	EventRequest                EventKind = "on_request"
	EventAuthenticationError    EventKind = "on_authentication_error"
	EventRuntimeError           EventKind = "on_runtime_error"
	EventMalformedRequest       EventKind = "on_malformed_request"
	EventUnhandledVerb          EventKind = "on_unhandled_verb"
)

// EventContext tags why an event fired.
type EventContext string

const (
	ContextNormalProcess EventContext = "NORMAL_PROCESS"
	ContextAutomaticAction EventContext = "AUTOMATIC_ACTION"
	ContextDeferredCall  EventContext = "DEFERRED_CALL"
	ContextHandleEnd     EventContext = "HANDLE_END"
	ContextError         EventContext = "ERROR"
)

// Outcome is a typed result an event handler returns, rather than an
// integer sentinel meaning abort.
type Outcome int

const (
	// Continue lets the engine proceed with its default behavior.
	Continue Outcome = iota
	// Abort tells the engine to stop processing the current request/session
	// immediately, as if the handler had raised a fatal error.
	Abort
)

// Event is passed to every registered handler.
type Event struct {
	Kind    EventKind
	Context EventContext
	Data    map[string]any
}

// Handler observes one event and decides whether the engine should continue.
type Handler func(Event) Outcome

// fire invokes every handler registered for kind, in registration order,
// stopping early, and returning Abort, the moment one handler aborts.
func (e *Engine) fire(kind EventKind, ctx EventContext, data map[string]any) Outcome {
	if kind == EventRuntimeError {
		e.stats.recordError()
	}

	handlers := e.handlers[kind]
	if len(handlers) == 0 {
		return Continue
	}
	if data == nil {
		data = map[string]any{}
	}
	ev := Event{Kind: kind, Context: ctx, Data: data}
	for _, h := range handlers {
		if h(ev) == Abort {
			return Abort
		}
	}
	return Continue
}

// On registers a handler for an event kind. Multiple handlers for the same
// kind all run, in registration order.
func (e *Engine) On(kind EventKind, h Handler) {
	e.handlers[kind] = append(e.handlers[kind], h)
}
