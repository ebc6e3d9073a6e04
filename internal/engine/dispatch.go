package engine

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"

	"github.com/driverworks/devicelink/internal/log"
	"github.com/driverworks/devicelink/internal/metrics"
)

// Event names a notification the engine can deliver to the host. Each
// event is bound to at most one handler; registering again replaces the
// previous handler.
type Event string

const (
	// EventLinkCodeReceived carries the authorization link as its argument.
	EventLinkCodeReceived Event = "LinkCodeReceived"

	// EventLinkCodeWaiting fires on each poll that finds no decision yet.
	EventLinkCodeWaiting Event = "LinkCodeWaiting"

	// EventLinkCodeConfirmed carries the authorization code.
	EventLinkCodeConfirmed Event = "LinkCodeConfirmed"

	// EventLinkCodeDenied carries error, description, and error URI.
	EventLinkCodeDenied Event = "LinkCodeDenied"

	// EventLinkCodeExpired fires when the provider no longer knows the state.
	EventLinkCodeExpired Event = "LinkCodeExpired"

	// EventLinkCodeError fires on an authentication failure while polling.
	EventLinkCodeError Event = "LinkCodeError"

	// EventActivationTimeOut fires when the session lifetime elapses with no
	// decision.
	EventActivationTimeOut Event = "ActivationTimeOut"

	// EventAccessTokenGranted carries the access token and refresh token.
	EventAccessTokenGranted Event = "AccessTokenGranted"

	// EventAccessTokenDenied carries error, description, and error URI.
	EventAccessTokenDenied Event = "AccessTokenDenied"

	// EventRefreshTokenDeleted carries whether a token existed beforehand.
	EventRefreshTokenDeleted Event = "RefreshTokenDeleted"
)

// Handler receives a notification together with the opaque context value
// the host supplied when it initiated the flow.
type Handler func(contextInfo any, args ...any)

// On registers the handler for an event, replacing any previous one. A nil
// handler unregisters.
func (e *Engine) On(event Event, h Handler) {
	e.dispatcher.register(event, h)
}

// OnLinkChanged registers the callback invoked whenever the published
// authorization link changes, including the change to "" when a flow
// reaches a terminal state.
func (e *Engine) OnLinkChanged(cb func(contextInfo any, link string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.linkChanged = cb
}

// dispatcher routes events to registered handlers. Handler faults are
// contained: a panic is logged with the event and handler name and never
// propagates into the engine.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[Event]Handler
	metrics  metrics.Sink
}

func (d *dispatcher) register(event Event, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[Event]Handler)
	}
	if h == nil {
		delete(d.handlers, event)
		return
	}
	d.handlers[event] = h
}

// emit queues delivery of an event on the outbox. Events with no handler
// are dropped.
func (d *dispatcher) emit(out *outbox, event Event, contextInfo any, args ...any) {
	d.mu.RLock()
	h := d.handlers[event]
	d.mu.RUnlock()
	if h == nil {
		log.LogDebugWithFields("engine", "No handler registered for event", map[string]any{
			"event": string(event),
		})
		return
	}
	out.add(func() { d.invoke(event, h, contextInfo, args...) })
}

func (d *dispatcher) invoke(event Event, h Handler, contextInfo any, args ...any) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.Inc(metrics.CounterHandlerFault)
			log.LogErrorWithFields("engine", "Event handler panicked", map[string]any{
				"event":   string(event),
				"handler": handlerName(h),
				"panic":   fmt.Sprint(r),
			})
		}
	}()
	h(contextInfo, args...)
}

func handlerName(h Handler) string {
	fn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
	if fn == nil {
		return "unknown"
	}
	return fn.Name()
}

// outbox collects notifications produced while the engine mutex is held.
// They are delivered in order after the mutex is released, so a handler
// may call back into the engine without deadlocking.
type outbox struct {
	fns []func()
}

func (o *outbox) add(fn func()) {
	o.fns = append(o.fns, fn)
}

func (o *outbox) flush() {
	for _, fn := range o.fns {
		fn()
	}
	o.fns = nil
}
