package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reliefwings/skybridge/core/logger"
	"github.com/reliefwings/skybridge/core/relay"
	"github.com/reliefwings/skybridge/core/telemetry"
	"github.com/reliefwings/skybridge/internal/eventbus"
)

// ErrRetriesExhausted is returned by Run when the reconnect loop gives up
// after the configured number of consecutive failed attempts.
var ErrRetriesExhausted = errors.New("agent: reconnect attempts exhausted")

// Conn is one live connection to the relay. Send blocks until the frame is
// handed to the transport and returns an error when it was not delivered.
type Conn interface {
	Send(f relay.Frame) error
	ReadFrame() (relay.Frame, error)
	Close() error
}

// Dialer opens connections to the relay.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// CommandHandler executes one operator command on the vehicle and reports the
// outcome. It runs outside the streaming loop and may take arbitrary time.
type CommandHandler func(ctx context.Context, cmd telemetry.Command) telemetry.CommandResult

// StateChange is broadcast on the agent's event bus at every FSM transition.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Err     error
}

// Config controls the agent.
type Config struct {
	DroneID          string        `json:"drone_id"`
	Credential       string        `json:"credential"`
	TelemetryChannel string        `json:"telemetry_channel"`
	AckChannel       string        `json:"ack_channel"`
	CommandChannel   string        `json:"command_channel"`
	Heartbeat        time.Duration `json:"-"`
	AuthTimeout      time.Duration `json:"-"`
	BatchSize        int           `json:"batch_size"`
	MaxBuffered      int64         `json:"max_buffered"`
	Retention        time.Duration `json:"-"`
	PruneInterval    time.Duration `json:"-"`
	Backoff          BackoffConfig `json:"backoff"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.TelemetryChannel == "" {
		c.TelemetryChannel = relay.ConsumerNamespace + "telemetry"
	}
	if c.AckChannel == "" {
		c.AckChannel = relay.ConsumerNamespace + "acks"
	}
	if c.CommandChannel == "" {
		c.CommandChannel = fmt.Sprintf("%s%s/cmd", relay.ProducerNamespace, c.DroneID)
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 10000
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 5 * time.Minute
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = time.Minute
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = 10
	}
}

// Agent drives the producer side of the relay protocol. It owns exactly one
// connection at a time; all frame writes happen on the Run goroutine, so Conn
// implementations need no write locking.
type Agent struct {
	cfg     Config
	dialer  Dialer
	outbox  Outbox
	handler CommandHandler
	log     logger.Logger
	events  *eventbus.Bus[StateChange]
	fsm     *FSM

	conn     Conn
	connDone chan struct{}
	inbound  chan relay.Frame
	acks     chan telemetry.CommandAck
}

// New creates an agent. outbox and handler may be nil: a nil outbox falls
// back to in-memory buffering, a nil handler rejects every command.
func New(cfg Config, dialer Dialer, outbox Outbox, handler CommandHandler, log logger.Logger) *Agent {
	cfg.SetDefaults()
	if outbox == nil {
		outbox = NewMemoryOutbox()
	}
	return &Agent{
		cfg:     cfg,
		dialer:  dialer,
		outbox:  outbox,
		handler: handler,
		log:     log,
		events:  eventbus.New[StateChange](),
		fsm:     NewFSM(cfg.Backoff),
	}
}

// Events returns the bus carrying FSM state changes.
func (a *Agent) Events() *eventbus.Bus[StateChange] { return a.events }

// State returns the current FSM state.
func (a *Agent) State() State { return a.fsm.State() }

// Run executes the reconnect loop until ctx is cancelled or the attempt
// budget is exhausted. Samples are read from the channel in all states: while
// connected they stream live once the outbox is drained, otherwise they are
// appended to the outbox.
func (a *Agent) Run(ctx context.Context, samples <-chan telemetry.Processed) error {
	defer a.events.Close()

	pruneTicker := time.NewTicker(a.cfg.PruneInterval)
	defer pruneTicker.Stop()
	go a.pruneLoop(ctx, pruneTicker.C)

	tr := a.step(EventStart, nil)
	for {
		if ctx.Err() != nil {
			a.closeConn()
			return ctx.Err()
		}
		switch tr.Action {
		case ActionDial:
			conn, err := a.dialer.Dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.log.Warnf("dial failed (attempt %d): %v", a.fsm.Attempts()+1, err)
				tr = a.step(EventDialFailed, err)
				continue
			}
			a.conn = conn
			a.connDone = make(chan struct{})
			a.inbound = make(chan relay.Frame, 16)
			go readFrames(conn, a.inbound, a.connDone)
			tr = a.step(EventDialOK, nil)

		case ActionAuth:
			if err := a.authenticate(); err != nil {
				a.log.Warnf("authentication failed: %v", err)
				a.closeConn()
				tr = a.step(EventAuthFailed, err)
				continue
			}
			tr = a.step(EventAuthOK, nil)

		case ActionStream:
			err := a.stream(ctx, samples)
			a.closeConn()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warnf("connection lost: %v", err)
			tr = a.step(EventConnLost, err)

		case ActionWaitRetry:
			a.log.Infof("reconnecting in %s (attempt %d/%d)", tr.Delay, a.fsm.Attempts(), a.cfg.Backoff.MaxAttempts)
			if err := a.waitRetry(ctx, samples, tr.Delay); err != nil {
				return err
			}
			tr = a.step(EventStart, nil)

		case ActionGiveUp:
			a.log.Errorf("giving up after %d attempts", a.fsm.Attempts())
			return ErrRetriesExhausted

		default:
			return fmt.Errorf("agent: unexpected action %d in state %s", tr.Action, a.fsm.State())
		}
	}
}

func (a *Agent) step(ev Event, err error) Transition {
	from := a.fsm.State()
	tr := a.fsm.Step(ev)
	if tr.State != from {
		a.events.Publish(StateChange{From: from, To: tr.State, Attempt: a.fsm.Attempts(), Err: err})
	}
	return tr
}

func (a *Agent) closeConn() {
	if a.conn != nil {
		_ = a.conn.Close()
		close(a.connDone)
		a.conn = nil
		a.connDone = nil
	}
}

// readFrames pumps inbound frames until the connection breaks or the agent
// abandons it. The done channel unblocks a pending hand-off, so the pump
// never outlives the connection even when nobody drains out anymore.
func readFrames(conn Conn, out chan<- relay.Frame, done <-chan struct{}) {
	defer close(out)
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return
		}
		select {
		case out <- f:
		case <-done:
			return
		}
	}
}

// authenticate performs the AUTH round-trip and subscribes to the command
// channel. PONG frames are skipped while waiting for the reply.
func (a *Agent) authenticate() error {
	auth := relay.Frame{Type: relay.FrameAuth, Credential: a.cfg.Credential, DeclaredRole: string(relay.RoleProducer)}
	if err := a.conn.Send(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if err := a.awaitSuccess("auth"); err != nil {
		return err
	}
	sub := relay.Frame{Type: relay.FrameSubscribe, Channel: a.cfg.CommandChannel}
	if err := a.conn.Send(sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", a.cfg.CommandChannel, err)
	}
	return a.awaitSuccess("subscribe")
}

func (a *Agent) awaitSuccess(op string) error {
	deadline := time.After(a.cfg.AuthTimeout)
	for {
		select {
		case f, ok := <-a.inbound:
			if !ok {
				return fmt.Errorf("%s: connection closed", op)
			}
			switch f.Type {
			case relay.FrameSuccess:
				return nil
			case relay.FrameError:
				return fmt.Errorf("%s rejected: %s (%s)", op, f.Error, f.Code)
			case relay.FramePong:
				// stale heartbeat reply, ignore
			default:
				return fmt.Errorf("%s: unexpected %s frame", op, f.Type)
			}
		case <-deadline:
			return fmt.Errorf("%s: no reply within %s", op, a.cfg.AuthTimeout)
		}
	}
}

// stream is the connected phase. The outbox is drained in insertion order
// before any live sample goes out; samples arriving mid-drain are appended to
// the outbox so ordering is never violated. Returns when the connection drops
// or ctx is cancelled.
func (a *Agent) stream(ctx context.Context, samples <-chan telemetry.Processed) error {
	if err := a.announceStatus(telemetry.StatusOnline); err != nil {
		return err
	}

	heartbeat := time.NewTicker(a.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := a.outbox.NextBatch(ctx, a.cfg.BatchSize)
		if err != nil {
			a.log.Errorf("outbox read: %v", err)
			batch = nil
		}
		if len(batch) > 0 {
			a.captureBacklog(ctx, samples)
			if err := a.sendBatch(ctx, batch); err != nil {
				return err
			}
			continue
		}

		select {
		case rec, ok := <-samples:
			if !ok {
				return errors.New("sample source closed")
			}
			if err := a.sendLive(ctx, rec); err != nil {
				return err
			}
		case ack := <-a.acksChan():
			if err := a.sendAck(ctx, ack); err != nil {
				return err
			}
		case f, ok := <-a.inbound:
			if !ok {
				return errors.New("read loop closed")
			}
			a.handleInbound(ctx, f)
		case <-heartbeat.C:
			if err := a.conn.Send(relay.Frame{Type: relay.FramePing}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// captureBacklog moves already-arrived samples and acks to the outbox without
// blocking, so a replayed batch never jumps ahead of them.
func (a *Agent) captureBacklog(ctx context.Context, samples <-chan telemetry.Processed) {
	for {
		select {
		case rec, ok := <-samples:
			if !ok {
				return
			}
			a.buffer(ctx, rec)
		case ack := <-a.acksChan():
			a.bufferAck(ctx, ack)
		default:
			return
		}
	}
}

func (a *Agent) sendBatch(ctx context.Context, batch []Entry) error {
	ids := make([]uint64, 0, len(batch))
	for _, e := range batch {
		err := a.conn.Send(relay.Frame{Type: relay.FramePublish, Channel: e.Channel, Message: e.Payload})
		if err != nil {
			if markErr := a.outbox.MarkSent(ctx, ids); markErr != nil {
				a.log.Errorf("outbox mark sent: %v", markErr)
			}
			return fmt.Errorf("replay entry %d: %w", e.ID, err)
		}
		ids = append(ids, e.ID)
	}
	if err := a.outbox.MarkSent(ctx, ids); err != nil {
		a.log.Errorf("outbox mark sent: %v", err)
	}
	a.log.Infof("replayed %d buffered messages", len(ids))
	return nil
}

// announceStatus publishes a connectivity status update so dashboards see
// producers come and go without inferring it from telemetry gaps.
func (a *Agent) announceStatus(state string) error {
	update := telemetry.StatusUpdate{DroneID: a.cfg.DroneID, State: state, TS: time.Now().UnixMilli()}
	body, err := telemetry.Wrap(telemetry.KindStatus, update)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := a.conn.Send(relay.Frame{Type: relay.FramePublish, Channel: a.cfg.TelemetryChannel, Message: body}); err != nil {
		return fmt.Errorf("send status: %w", err)
	}
	return nil
}

func (a *Agent) sendLive(ctx context.Context, rec telemetry.Processed) error {
	body, err := telemetry.Wrap(telemetry.KindTelemetry, rec)
	if err != nil {
		a.log.Errorf("encode telemetry seq=%d: %v", rec.Seq, err)
		return nil
	}
	sendErr := a.conn.Send(relay.Frame{Type: relay.FramePublish, Channel: a.cfg.TelemetryChannel, Message: body})
	if sendErr != nil {
		// Not delivered: keep it for replay after reconnect.
		a.bufferPayload(ctx, a.cfg.TelemetryChannel, telemetry.KindTelemetry, body, rec.Seq)
		return fmt.Errorf("send telemetry seq=%d: %w", rec.Seq, sendErr)
	}
	return nil
}

func (a *Agent) sendAck(ctx context.Context, ack telemetry.CommandAck) error {
	body, err := telemetry.Wrap(telemetry.KindCommandAck, ack)
	if err != nil {
		a.log.Errorf("encode ack %s: %v", ack.CommandID, err)
		return nil
	}
	sendErr := a.conn.Send(relay.Frame{Type: relay.FramePublish, Channel: a.cfg.AckChannel, Message: body})
	if sendErr != nil {
		a.bufferPayload(ctx, a.cfg.AckChannel, telemetry.KindCommandAck, body, 0)
		return fmt.Errorf("send ack %s: %w", ack.CommandID, sendErr)
	}
	return nil
}

// waitRetry buffers samples and acks while the backoff delay elapses.
func (a *Agent) waitRetry(ctx context.Context, samples <-chan telemetry.Processed, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case rec, ok := <-samples:
			if !ok {
				return errors.New("sample source closed")
			}
			a.buffer(ctx, rec)
		case ack := <-a.acksChan():
			a.bufferAck(ctx, ack)
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) buffer(ctx context.Context, rec telemetry.Processed) {
	body, err := telemetry.Wrap(telemetry.KindTelemetry, rec)
	if err != nil {
		a.log.Errorf("encode telemetry seq=%d: %v", rec.Seq, err)
		return
	}
	a.bufferPayload(ctx, a.cfg.TelemetryChannel, telemetry.KindTelemetry, body, rec.Seq)
}

func (a *Agent) bufferAck(ctx context.Context, ack telemetry.CommandAck) {
	body, err := telemetry.Wrap(telemetry.KindCommandAck, ack)
	if err != nil {
		a.log.Errorf("encode ack %s: %v", ack.CommandID, err)
		return
	}
	a.bufferPayload(ctx, a.cfg.AckChannel, telemetry.KindCommandAck, body, 0)
}

func (a *Agent) bufferPayload(ctx context.Context, channel, kind string, payload []byte, seq uint64) {
	e := Entry{Channel: channel, Kind: kind, Payload: payload, Seq: seq, Created: time.Now()}
	if err := a.outbox.Append(ctx, e); err != nil {
		a.log.Errorf("outbox append (%s seq=%d): %v", kind, seq, err)
	}
}

// acksChan lazily creates the channel carrying command outcomes from handler
// goroutines back to the streaming loop.
func (a *Agent) acksChan() chan telemetry.CommandAck {
	if a.acks == nil {
		a.acks = make(chan telemetry.CommandAck, 16)
	}
	return a.acks
}

func (a *Agent) handleInbound(ctx context.Context, f relay.Frame) {
	switch f.Type {
	case relay.FrameMessage:
		if f.Channel == a.cfg.CommandChannel {
			a.handleCommand(ctx, f.Message)
		}
	case relay.FramePong, relay.FrameSuccess:
		// heartbeat replies and late confirmations
	case relay.FrameError:
		a.log.Warnf("relay error: %s (%s)", f.Error, f.Code)
	default:
		a.log.Debugf("ignoring %s frame", f.Type)
	}
}

// handleCommand decodes an operator command and executes it on a separate
// goroutine. Lifecycle acknowledgments flow back through the acks channel so
// the streaming loop remains the only writer on the connection.
func (a *Agent) handleCommand(ctx context.Context, payload []byte) {
	var env telemetry.Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Kind != telemetry.KindCommand {
		a.log.Warnf("malformed command payload on %s", a.cfg.CommandChannel)
		return
	}
	var cmd telemetry.Command
	if err := json.Unmarshal(env.Data, &cmd); err != nil {
		a.log.Warnf("malformed command body: %v", err)
		return
	}
	a.log.Infof("command %s received (id=%s)", cmd.Name, cmd.ID)

	acks := a.acksChan()
	go func() {
		acks <- lifecycleAck(cmd, telemetry.CommandExecuting, telemetry.CommandResult{})
		var result telemetry.CommandResult
		if a.handler == nil {
			result = telemetry.CommandResult{Success: false, Error: "no command handler configured"}
		} else {
			result = a.handler(ctx, cmd)
		}
		state := telemetry.CommandCompleted
		if !result.Success {
			state = telemetry.CommandFailed
		}
		acks <- lifecycleAck(cmd, state, result)
	}()
}

func lifecycleAck(cmd telemetry.Command, state telemetry.CommandState, result telemetry.CommandResult) telemetry.CommandAck {
	return telemetry.CommandAck{
		CommandID: cmd.ID,
		Name:      cmd.Name,
		Args:      cmd.Args,
		State:     state,
		Result:    result,
		TS:        time.Now().UnixMilli(),
	}
}

func (a *Agent) pruneLoop(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			dropped, err := a.outbox.Prune(ctx, a.cfg.Retention)
			if err != nil {
				a.log.Errorf("outbox prune: %v", err)
				continue
			}
			if dropped > 0 {
				a.log.Infof("pruned %d expired outbox entries", dropped)
			}
			trimmed, err := a.outbox.Trim(ctx, a.cfg.MaxBuffered)
			if err != nil {
				a.log.Errorf("outbox trim: %v", err)
				continue
			}
			if trimmed > 0 {
				a.log.Warnf("dropped %d oldest outbox entries over the %d cap", trimmed, a.cfg.MaxBuffered)
			}
		}
	}
}
