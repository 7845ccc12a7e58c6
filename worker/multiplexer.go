package worker

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	wasmboot "github.com/wippyai/wasm-boot"
	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/host"
)

// DefaultRecheckInterval is how often queued messages poll for readiness
// when no readiness signal arrives.
const DefaultRecheckInterval = 100 * time.Millisecond

// Responder delivers responses to the caller.
type Responder interface {
	Respond(ctx context.Context, r Response) error
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, r Response) error

func (f ResponderFunc) Respond(ctx context.Context, r Response) error {
	return f(ctx, r)
}

// Exports resolves exported functions by name.
type Exports interface {
	Export(name string) (wasmboot.Function, bool)
}

// State is the multiplexer's mode.
type State int

const (
	Buffering State = iota
	Live
)

func (s State) String() string {
	if s == Live {
		return "live"
	}
	return "buffering"
}

// Config configures a Multiplexer.
type Config struct {
	Exports   Exports
	Memory    wasmboot.Memory
	Allocator wasmboot.Allocator
	Timers    host.Timers
	Responder Responder
	// Initialized reports whether the runtime finished initialization. The
	// recheck timer consults it.
	Initialized func() bool
	Logger      *zap.Logger
	// RecheckInterval defaults to DefaultRecheckInterval.
	RecheckInterval time.Duration
}

// Multiplexer dispatches worker messages. It is driven from one executor.
type Multiplexer struct {
	cfg        Config
	logger     *zap.Logger
	buffer     *PayloadBuffer
	recheck    host.Timer
	ctx        context.Context
	queue      []Message
	callbackID int64
	state      State
	responded  bool
}

func New(cfg Config) *Multiplexer {
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = DefaultRecheckInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = Logger()
	}
	return &Multiplexer{
		cfg:        cfg,
		logger:     logger,
		buffer:     NewPayloadBuffer(cfg.Memory, cfg.Allocator),
		callbackID: NoCallback,
	}
}

// State returns the current mode.
func (m *Multiplexer) State() State { return m.state }

// Queued returns the number of buffered messages.
func (m *Multiplexer) Queued() int { return len(m.queue) }

// CallbackID returns the callback id of the most recently dispatched message.
func (m *Multiplexer) CallbackID() int64 { return m.callbackID }

// Buffer exposes the shared payload buffer.
func (m *Multiplexer) Buffer() *PayloadBuffer { return m.buffer }

// OnMessage accepts one message. Before readiness it is queued and nil is
// returned. Once live, queued messages are flushed first and the message is
// dispatched before OnMessage returns. An unknown function name is returned
// as a dispatch error and changes nothing.
func (m *Multiplexer) OnMessage(ctx context.Context, msg Message) error {
	if m.state == Buffering && !m.initialized() {
		m.queue = append(m.queue, msg)
		m.ctx = ctx
		if m.recheck == nil && m.cfg.Timers != nil {
			m.scheduleRecheck()
		}
		m.logger.Debug("worker message buffered",
			zap.String("func", msg.FunctionName),
			zap.Int("queued", len(m.queue)))
		return nil
	}

	flushErr := m.Flush(ctx)
	return multierr.Append(flushErr, m.dispatch(ctx, msg))
}

// Flush switches to live mode and dispatches every queued message in
// arrival order. Errors from queued messages are combined.
func (m *Multiplexer) Flush(ctx context.Context) error {
	m.state = Live
	if m.recheck != nil {
		m.recheck.Stop()
		m.recheck = nil
	}
	if len(m.queue) == 0 {
		return nil
	}

	queued := m.queue
	m.queue = nil
	m.logger.Debug("flushing buffered worker messages", zap.Int("count", len(queued)))

	var errs error
	for _, msg := range queued {
		errs = multierr.Append(errs, m.dispatch(ctx, msg))
	}
	return errs
}

func (m *Multiplexer) initialized() bool {
	return m.cfg.Initialized != nil && m.cfg.Initialized()
}

func (m *Multiplexer) scheduleRecheck() {
	m.recheck = m.cfg.Timers.AfterFunc(m.cfg.RecheckInterval, func() {
		m.recheck = nil
		if m.state == Live || len(m.queue) == 0 {
			return
		}
		if m.initialized() {
			if err := m.Flush(m.ctx); err != nil {
				m.logger.Error("buffered worker message failed", zap.Error(err))
			}
			return
		}
		m.scheduleRecheck()
	})
}

func (m *Multiplexer) dispatch(ctx context.Context, msg Message) error {
	fn, ok := m.resolve(msg.FunctionName)
	if !ok {
		return errors.UnknownFunction(msg.FunctionName)
	}

	m.callbackID = msg.CallbackID
	m.responded = false

	// An empty payload and an absent one encode identically, so both are
	// passed as (0, 0) and no buffer is claimed.
	var ptr, size uint32
	if len(msg.Payload) > 0 {
		p, err := m.buffer.Stage(msg.Payload)
		if err != nil {
			return err
		}
		ptr, size = p, uint32(len(msg.Payload))
	}

	if _, err := fn.Call(ctx, uint64(ptr), uint64(size)); err != nil {
		return errors.Trap(errors.PhaseDispatch, msg.FunctionName, err)
	}
	return nil
}

func (m *Multiplexer) resolve(name string) (wasmboot.Function, bool) {
	if name == "" || m.cfg.Exports == nil {
		return nil, false
	}
	return m.cfg.Exports.Export(name)
}

// Respond sends a response for the current call. A call may send any number
// of provisional responses and at most one final one.
func (m *Multiplexer) Respond(ctx context.Context, data []byte, final bool) error {
	if m.callbackID == NoCallback {
		return errors.InvariantViolation(errors.PhaseDispatch, "worker response with no active call")
	}
	if m.responded {
		return errors.InvariantViolation(errors.PhaseDispatch,
			"worker already sent a final response for callback %d", m.callbackID)
	}
	if final {
		m.responded = true
	}
	if m.cfg.Responder == nil {
		return nil
	}
	return m.cfg.Responder.Respond(ctx, Response{
		CallbackID: m.callbackID,
		Payload:    data,
		Final:      final,
	})
}
