package loan

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"loanescrow/core/events"
	"loanescrow/core/types"
	"loanescrow/crypto"
)

var (
	errNilState        = errors.New("loan engine: state not configured")
	errEscrowNotFound  = errors.New("loan engine: escrow not found")
	errAddressMismatch = errors.New("loan engine: destination does not match derived escrow address")
)

// Exported host errors.
var (
	// ErrEscrowNotFound is returned when a message targets an address that
	// holds no escrow.
	ErrEscrowNotFound = errEscrowNotFound
	// ErrAddressMismatch is returned by Deploy when the message is not
	// addressed to the escrow the configuration derives.
	ErrAddressMismatch = errAddressMismatch
)

type engineState interface {
	LoanGet(addr crypto.Address) (Escrow, bool, error)
	LoanPut(addr crypto.Address, esc Escrow) error
	LoanAddresses() ([]crypto.Address, error)
}

type engineMetrics interface {
	ObserveInstruction(instruction, outcome string, code uint32, elapsed time.Duration)
	ObserveRelease(role string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveInstruction(string, string, uint32, time.Duration) {}
func (noopMetrics) ObserveRelease(string)                                    {}

type loanEvent struct {
	evt *types.Event
}

func (e loanEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e loanEvent) Event() *types.Event { return e.evt }

// Check inspects the record a message is about to be applied to. It runs
// under the engine lock, so the record cannot change between the check and
// the transition. A non-nil error aborts delivery and is returned unchanged.
type Check func(esc Escrow) error

// Receipt describes how one delivered message was processed. A rejected
// message yields a receipt with a non-zero ExitCode and no outbound
// messages.
type Receipt struct {
	ID          string
	Escrow      crypto.Address
	Instruction string
	ExitCode    ExitCode
	Err         *Error
	Status      Status
	Outbound    []Message
	Timestamp   uint64
}

// Accepted reports whether the message was applied.
func (r *Receipt) Accepted() bool { return r != nil && r.ExitCode == ExitOK }

// Engine hosts escrow instances. Deliveries are serialized so every record
// has a single writer and is committed before its effects are published.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	emitter events.Emitter
	metrics engineMetrics
	logger  *slog.Logger
	params  Params
	nowFn   func() int64
}

// NewEngine creates an engine evaluating escrows under params. Emitter,
// metrics and logger default to no-op implementations and slog.Default.
func NewEngine(params Params) *Engine {
	if params.FeeReserve == nil {
		params.FeeReserve = big.NewInt(DefaultFeeReserve)
	}
	return &Engine{
		emitter: events.NoopEmitter{},
		metrics: noopMetrics{},
		logger:  slog.Default(),
		params:  params,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the record store.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets the emitter
// to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetMetrics configures the metrics sink.
func (e *Engine) SetMetrics(metrics engineMetrics) {
	if metrics == nil {
		e.metrics = noopMetrics{}
		return
	}
	e.metrics = metrics
}

// SetLogger configures the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Params returns the protocol constants in force.
func (e *Engine) Params() Params {
	return Params{FeeReserve: cloneAmount(e.params.FeeReserve)}
}

func (e *Engine) now() uint64 {
	ts := time.Now().Unix()
	if e.nowFn != nil {
		ts = e.nowFn()
	}
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) emit(event *types.Event) {
	if e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(loanEvent{evt: event})
}

// Deploy creates the escrow described by init and applies its Initialize
// message atomically. msg.Destination must be the derived address.
func (e *Engine) Deploy(init InitConfig, msg Message) (*Receipt, error) {
	return e.DeployChecked(init, msg, nil)
}

// DeployChecked is Deploy with check run against the uninitialized record
// before anything else is evaluated.
func (e *Engine) DeployChecked(init InitConfig, msg Message, check Check) (*Receipt, error) {
	if e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if check != nil {
		if err := check(init.Record()); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	now := e.now()
	if err := init.Validate(); err != nil {
		return e.rejected(msg.Destination, "initialize", msg, now, start, reject(ErrInvalidTerms, "%v", err)), nil
	}
	addr, err := DeriveAddress(init)
	if err != nil {
		return nil, fmt.Errorf("loan engine: derive address: %w", err)
	}
	if msg.Destination != addr {
		return nil, fmt.Errorf("%w: got %s, want %s", errAddressMismatch, msg.Destination, addr)
	}
	if _, exists, err := e.state.LoanGet(addr); err != nil {
		return nil, fmt.Errorf("loan engine: load %s: %w", addr, err)
	} else if exists {
		return e.rejected(addr, "initialize", msg, now, start, reject(ErrInvalidState, "escrow %s already deployed", addr)), nil
	}
	inst, err := DecodeInstruction(msg.Body)
	if err != nil {
		return e.rejected(addr, "initialize", msg, now, start, asRejection(err)), nil
	}
	if _, ok := inst.(Initialize); !ok {
		return e.rejected(addr, inst.Name(), msg, now, start, reject(ErrInvalidState, "deployment must carry initialize, got %s", inst.Name())), nil
	}
	return e.apply(addr, init.Record(), msg, now, start)
}

// Deliver processes one message addressed to an existing escrow.
func (e *Engine) Deliver(addr crypto.Address, msg Message) (*Receipt, error) {
	return e.DeliverChecked(addr, msg, nil)
}

// DeliverChecked is Deliver with check run against the stored record first.
func (e *Engine) DeliverChecked(addr crypto.Address, msg Message, check Check) (*Receipt, error) {
	if e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	now := e.now()
	esc, ok, err := e.state.LoanGet(addr)
	if err != nil {
		return nil, fmt.Errorf("loan engine: load %s: %w", addr, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", errEscrowNotFound, addr)
	}
	if check != nil {
		if err := check(esc.Clone()); err != nil {
			return nil, err
		}
	}
	if esc.Status == StatusUninitialized {
		return e.rejected(addr, "unknown", msg, now, start, reject(ErrInvalidState, "escrow %s not initialized", addr)), nil
	}
	msg.Destination = addr
	return e.apply(addr, esc, msg, now, start)
}

func (e *Engine) apply(addr crypto.Address, esc Escrow, msg Message, now uint64, start time.Time) (*Receipt, error) {
	out, err := Apply(esc, msg, now, e.params)
	if err != nil {
		rej := asRejection(err)
		name := "unknown"
		if inst, decodeErr := DecodeInstruction(msg.Body); decodeErr == nil {
			name = inst.Name()
		}
		return e.rejected(addr, name, msg, now, start, rej), nil
	}

	outbound := make([]Message, 0, len(out.Effects))
	for _, effect := range out.Effects {
		m, err := effect.Outbound(addr)
		if err != nil {
			return nil, fmt.Errorf("loan engine: render %s: %w", effect.Kind(), err)
		}
		outbound = append(outbound, m)
	}
	if err := e.state.LoanPut(addr, out.Escrow); err != nil {
		return nil, fmt.Errorf("loan engine: store %s: %w", addr, err)
	}

	name := out.Instruction.Name()
	e.emit(NewTransitionEvent(addr, out.Instruction, out.Escrow, out.Payment))
	for i, effect := range out.Effects {
		e.emit(NewEffectEvent(addr, i, effect, outbound[i]))
		if release, ok := effect.(CollateralRelease); ok {
			e.metrics.ObserveRelease(release.Role)
		}
	}
	e.metrics.ObserveInstruction(name, "accepted", uint32(ExitOK), time.Since(start))
	e.logger.Info("loan instruction applied",
		slog.String("escrow", addr.String()),
		slog.String("instruction", name),
		slog.String("sender", msg.Sender.String()),
		slog.String("status", out.Escrow.Status.String()),
		slog.Int("effects", len(out.Effects)))

	return &Receipt{
		ID:          uuid.NewString(),
		Escrow:      addr,
		Instruction: name,
		ExitCode:    ExitOK,
		Status:      out.Escrow.Status,
		Outbound:    outbound,
		Timestamp:   now,
	}, nil
}

func (e *Engine) rejected(addr crypto.Address, name string, msg Message, now uint64, start time.Time, rej *Error) *Receipt {
	e.emit(NewRejectedEvent(addr, msg.Sender, rej))
	e.metrics.ObserveInstruction(name, "rejected", uint32(rej.Code), time.Since(start))
	e.logger.Warn("loan instruction rejected",
		slog.String("escrow", addr.String()),
		slog.String("instruction", name),
		slog.String("sender", msg.Sender.String()),
		slog.Uint64("exitCode", uint64(rej.Code)),
		slog.String("error", rej.Error()))
	status := StatusUninitialized
	if esc, ok, err := e.state.LoanGet(addr); err == nil && ok {
		status = esc.Status
	}
	return &Receipt{
		ID:          uuid.NewString(),
		Escrow:      addr,
		Instruction: name,
		ExitCode:    rej.Code,
		Err:         rej,
		Status:      status,
		Timestamp:   now,
	}
}

// Get returns the record stored at addr.
func (e *Engine) Get(addr crypto.Address) (Escrow, error) {
	if e.state == nil {
		return Escrow{}, errNilState
	}
	esc, ok, err := e.state.LoanGet(addr)
	if err != nil {
		return Escrow{}, fmt.Errorf("loan engine: load %s: %w", addr, err)
	}
	if !ok {
		return Escrow{}, fmt.Errorf("%w: %s", errEscrowNotFound, addr)
	}
	return esc, nil
}

// Obligation returns the amount that would settle a funded loan now.
func (e *Engine) Obligation(addr crypto.Address) (*big.Int, error) {
	esc, err := e.Get(addr)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusFunded {
		return nil, reject(ErrInvalidState, "escrow %s is %s, not funded", addr, esc.Status)
	}
	return Obligation(esc.Terms, esc.StartedAt, e.now())
}

// Addresses lists every deployed escrow.
func (e *Engine) Addresses() ([]crypto.Address, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.state.LoanAddresses()
}

func asRejection(err error) *Error {
	var rej *Error
	if errors.As(err, &rej) {
		return rej
	}
	return reject(ErrMalformedMessage, "%v", err)
}
