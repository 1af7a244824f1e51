package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/reliefwings/skybridge/core/bus"
	"github.com/reliefwings/skybridge/core/logger"
	"github.com/reliefwings/skybridge/core/persist"
	"github.com/reliefwings/skybridge/core/telemetry"
	"github.com/reliefwings/skybridge/internal/eventbus"
)

// Transport is one live message-oriented connection as seen by the Router.
// ReadFrame blocks until the next inbound frame arrives, the idle deadline
// expires or the transport breaks; either of the latter two returns an error
// and ends the connection.
type Transport interface {
	Sender
	ReadFrame() (Frame, error)
	Close() error
}

// ConnEvent reports a connection lifecycle change.
type ConnEvent struct {
	ConnID   string
	Role     Role
	Identity string
	Up       bool
}

// Router drives the per-connection state machine: it consumes inbound frames,
// gates every operation through the access control gate and feeds the
// multiplexer. Frames on one connection are handled strictly in arrival
// order; different connections run concurrently.
type Router struct {
	gate    *Gate
	reg     *Registry
	mux     *Mux
	bus     bus.Bus
	sink    persist.Sink
	log     logger.Logger
	metrics Metrics
	events  *eventbus.Bus[ConnEvent]
}

// NewRouter wires the relay components together.
func NewRouter(gate *Gate, reg *Registry, mux *Mux, b bus.Bus, sink persist.Sink, log logger.Logger, m Metrics, events *eventbus.Bus[ConnEvent]) *Router {
	if sink == nil {
		sink = persist.NopSink{}
	}
	if m == nil {
		m = NopMetrics{}
	}
	return &Router{gate: gate, reg: reg, mux: mux, bus: b, sink: sink, log: log, metrics: m, events: events}
}

// Serve runs the connection until its transport closes, the idle deadline
// fires or ctx is cancelled, then releases every resource the connection held.
// Cleanup is idempotent and also safe against a concurrent explicit teardown.
func (r *Router) Serve(ctx context.Context, t Transport) {
	id := r.reg.Register()
	r.metrics.ConnOpened()
	r.log.Debugf("connection %s accepted", id)
	defer r.teardown(id, t)

	for {
		f, err := t.ReadFrame()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.log.Debugf("connection %s transport closed: %v", id, err)
			}
			return
		}
		r.metrics.FrameIn(f.Type)
		r.handle(ctx, id, t, f)
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Router) teardown(id string, t Transport) {
	role, identity := r.reg.Role(id)
	channels := r.reg.Deregister(id)
	for _, ch := range channels {
		r.mux.Unsubscribe(id, ch)
	}
	_ = t.Close()
	r.metrics.ConnClosed()
	if r.events != nil {
		r.events.Publish(ConnEvent{ConnID: id, Role: role, Identity: identity, Up: false})
	}
	r.log.Debugf("connection %s closed, released %d channels", id, len(channels))
}

func (r *Router) handle(ctx context.Context, id string, t Transport, f Frame) {
	switch f.Type {
	case FrameAuth:
		r.handleAuth(id, t, f)
	case FrameSubscribe:
		r.handleSubscribe(id, t, f)
	case FrameUnsubscribe:
		r.handleUnsubscribe(id, f)
	case FramePublish:
		r.handlePublish(ctx, id, t, f)
	case FramePing:
		t.Send(Frame{Type: FramePong})
	default:
		// Malformed frames are reported and dropped, not fatal.
		err := &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", f.Type)}
		r.log.Warnf("connection %s: %v", id, err)
		t.Send(ErrorFrame(CodeBadRequest, err.Error()))
	}
}

func (r *Router) handleAuth(id string, t Transport, f Frame) {
	role, identity, err := r.gate.Authenticate(f.Credential, f.DeclaredRole)
	if err != nil {
		r.log.Warnf("connection %s auth rejected: %v", id, err)
		t.Send(ErrorFrame(CodeAuthFailed, err.Error()))
		return
	}
	if err := r.reg.MarkAuthenticated(id, role, identity); err != nil {
		r.log.Errorf("connection %s: %v", id, err)
		return
	}
	if r.events != nil {
		r.events.Publish(ConnEvent{ConnID: id, Role: role, Identity: identity, Up: true})
	}
	r.log.Infof("connection %s authenticated as %s %s", id, role, identity)
	t.Send(Frame{Type: FrameSuccess})
}

func (r *Router) handleSubscribe(id string, t Transport, f Frame) {
	if f.Channel == "" {
		t.Send(ErrorFrame(CodeBadRequest, "subscribe requires a channel"))
		return
	}
	role, _ := r.reg.Role(id)
	if err := r.gate.AuthorizeSubscribe(role, f.Channel); err != nil {
		r.sendAccessError(id, t, err)
		return
	}
	if err := r.reg.AddSubscription(id, f.Channel); err != nil {
		r.log.Errorf("connection %s subscribe: %v", id, err)
		return
	}
	if err := r.mux.Subscribe(id, t, f.Channel); err != nil {
		// Bus failure degrades the channel, not the connection.
		r.reg.RemoveSubscription(id, f.Channel)
		r.log.Errorf("connection %s bus subscribe %s: %v", id, f.Channel, err)
		t.Send(ErrorFrame(CodeBusError, "channel temporarily unavailable"))
		return
	}
	t.Send(Frame{Type: FrameSuccess, Channel: f.Channel})
}

func (r *Router) handleUnsubscribe(id string, f Frame) {
	if f.Channel == "" {
		return
	}
	r.reg.RemoveSubscription(id, f.Channel)
	r.mux.Unsubscribe(id, f.Channel)
}

func (r *Router) handlePublish(ctx context.Context, id string, t Transport, f Frame) {
	if f.Channel == "" || len(f.Message) == 0 {
		t.Send(ErrorFrame(CodeBadRequest, "publish requires channel and message"))
		return
	}
	role, _ := r.reg.Role(id)
	if err := r.gate.AuthorizePublish(role, f.Channel); err != nil {
		r.sendAccessError(id, t, err)
		return
	}
	if err := r.bus.Publish(f.Channel, f.Message); err != nil {
		r.metrics.BusError()
		r.log.Errorf("connection %s publish %s: %v", id, f.Channel, err)
		t.Send(ErrorFrame(CodeBusError, "publish failed"))
		return
	}
	r.persistCopy(ctx, id, f.Message)
}

// persistCopy hands telemetry and acknowledgment payloads to the persistence
// sink. Best effort: failures are logged and never fail the publish.
func (r *Router) persistCopy(ctx context.Context, id string, payload []byte) {
	var env telemetry.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	var err error
	switch env.Kind {
	case telemetry.KindTelemetry:
		var rec telemetry.Record
		if err = json.Unmarshal(env.Data, &rec); err == nil {
			err = r.sink.StoreTelemetry(ctx, rec)
		}
	case telemetry.KindCommand:
		var cmd telemetry.Command
		if err = json.Unmarshal(env.Data, &cmd); err == nil {
			err = r.sink.StoreCommand(ctx, cmd)
		}
	case telemetry.KindCommandAck:
		var ack telemetry.CommandAck
		if err = json.Unmarshal(env.Data, &ack); err == nil {
			err = r.sink.StoreAck(ctx, ack)
		}
	default:
		return
	}
	if err != nil {
		r.metrics.PersistError()
		r.log.Errorf("connection %s persist %s: %v", id, env.Kind, err)
	}
}

func (r *Router) sendAccessError(id string, t Transport, err error) {
	var authzErr *AuthorizationError
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		t.Send(ErrorFrame(CodeAuthRequired, ErrNotAuthenticated.Error()))
	case errors.As(err, &authzErr):
		t.Send(ErrorFrame(CodeForbidden, err.Error()))
	default:
		t.Send(ErrorFrame(CodeBadRequest, err.Error()))
	}
	r.log.Warnf("connection %s denied: %v", id, err)
}
