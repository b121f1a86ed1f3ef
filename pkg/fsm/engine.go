package fsm

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
)

// Dispatch errors, wrapped by ProtocolError.
var (
	ErrNoTransition      = errors.New("no transition")
	ErrNoChoicePredicate = errors.New("choice point without predicate")
	ErrChoiceDepth       = errors.New("choice points did not settle")
)

// MaxChoiceDepth bounds chained choice-point resolution within one
// dispatch.
const MaxChoiceDepth = 16

// ProtocolError reports an event that the table cannot handle in the
// current state.
type ProtocolError struct {
	Component string
	Event     EventID
	State     State

	// Address is empty for the global state.
	Address string

	Err error
}

func (e *ProtocolError) Error() string {
	target := "global"
	if e.Address != "" {
		target = e.Address
	}
	return fmt.Sprintf("%s: %v: event %q in state %q (%s)", e.Component, e.Err, e.Event, e.State, target)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Config configures an Engine.
type Config struct {
	// Component names the machine in logs and protocol errors.
	Component string

	// GlobalEvents lists the events that act on the global state.
	GlobalEvents []EventID

	// ResetEvents are global events that clear every entity state before
	// their transition runs.
	ResetEvents []EventID

	// Busy gates per-entity events. Nil means never busy.
	Busy func() bool

	// BusyAllowed lists per-entity events that pass the busy gate.
	BusyAllowed []EventID

	// OnProtocolError receives each protocol error once.
	OnProtocolError func(*ProtocolError)

	// OnTransition observes every applied transition, including choice
	// resolutions.
	OnTransition func(Change)

	// Logger is used for debug and warning output. Nil disables logging.
	Logger *slog.Logger
}

// Engine dispatches events through a Table. It is not safe for concurrent
// use; callers serialize Dispatch.
type Engine[C any] struct {
	table *Table[C]
	ctx   C
	cfg   Config

	global      EventSet
	resets      EventSet
	busyAllowed EventSet

	globalState State
	entities    map[string]State
}

// EventSet is a set of event names.
type EventSet map[EventID]struct{}

// NewEventSet builds a set from a list.
func NewEventSet(events ...EventID) EventSet {
	s := make(EventSet, len(events))
	for _, e := range events {
		s[e] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s EventSet) Has(e EventID) bool {
	_, ok := s[e]
	return ok
}

// NewEngine creates an engine over table with ctx passed to every action
// and predicate.
func NewEngine[C any](table *Table[C], ctx C, cfg Config) *Engine[C] {
	if cfg.Component == "" {
		cfg.Component = "fsm"
	}
	return &Engine[C]{
		table:       table,
		ctx:         ctx,
		cfg:         cfg,
		global:      NewEventSet(cfg.GlobalEvents...),
		resets:      NewEventSet(cfg.ResetEvents...),
		busyAllowed: NewEventSet(cfg.BusyAllowed...),
		globalState: table.InitialGlobal(),
		entities:    make(map[string]State),
	}
}

// Dispatch processes one event to completion, including any chained
// choice-point resolution.
func (e *Engine[C]) Dispatch(ev Event) {
	if e.global.Has(ev.Name) {
		if e.resets.Has(ev.Name) {
			e.ResetEntities()
		}
		e.step("", ev, e.globalState, 0)
		return
	}

	addr := ev.Target()
	if addr == "" {
		e.debugLog("fsm: per-entity event without address ignored", "event", ev.Name)
		return
	}

	if e.cfg.Busy != nil && e.cfg.Busy() && !e.busyAllowed.Has(ev.Name) {
		e.infoLog("fsm: busy, event dropped", "event", ev.Name, "address", addr)
		return
	}

	e.step(addr, ev, e.stateOf(addr), 0)
}

// IsGlobal reports whether an event acts on the global state.
func (e *Engine[C]) IsGlobal(name EventID) bool {
	return e.global.Has(name)
}

// step runs one transition. stable is the state the entity held before the
// current choice chain started; failed chains roll back to it.
func (e *Engine[C]) step(addr string, ev Event, stable State, depth int) {
	from := e.stateOf(addr)

	tr, ok := e.table.Lookup(from, ev.Name)
	if !ok {
		if from.IsChoice() {
			e.setState(addr, stable)
		}
		e.protocolError(addr, ev.Name, from, ErrNoTransition)
		return
	}

	if tr.Action != nil {
		tr.Action(e.ctx, ev)
	}
	e.setState(addr, tr.Next)
	if e.cfg.OnTransition != nil {
		e.cfg.OnTransition(Change{Address: addr, From: from, Event: ev.Name, To: tr.Next})
	}

	if !tr.Next.IsChoice() {
		return
	}

	pred, ok := e.table.Predicate(tr.Next)
	if !ok {
		e.setState(addr, stable)
		e.protocolError(addr, ev.Name, tr.Next, ErrNoChoicePredicate)
		return
	}
	if depth >= MaxChoiceDepth {
		e.setState(addr, stable)
		e.protocolError(addr, ev.Name, tr.Next, ErrChoiceDepth)
		return
	}

	answer := EventNo
	if pred(e.ctx, addr) {
		answer = EventYes
	}
	e.step(addr, Event{Name: answer, Addresses: ev.Addresses, Payload: ev.Payload}, stable, depth+1)
}

func (e *Engine[C]) protocolError(addr string, ev EventID, s State, cause error) {
	perr := &ProtocolError{
		Component: e.cfg.Component,
		Event:     ev,
		State:     s,
		Address:   addr,
		Err:       cause,
	}
	if e.cfg.Logger != nil {
		e.cfg.Logger.Warn("protocol error",
			"component", perr.Component,
			"event", string(ev),
			"state", s.String(),
			"address", addr,
			"error", cause)
	}
	if e.cfg.OnProtocolError != nil {
		e.cfg.OnProtocolError(perr)
	}
}

func (e *Engine[C]) stateOf(addr string) State {
	if addr == "" {
		return e.globalState
	}
	if s, ok := e.entities[addr]; ok {
		return s
	}
	return e.table.InitialEntity()
}

func (e *Engine[C]) setState(addr string, s State) {
	if addr == "" {
		e.globalState = s
		return
	}
	e.entities[addr] = s
}

// GlobalState returns the global state.
func (e *Engine[C]) GlobalState() State {
	return e.globalState
}

// EntityState returns the state of an entity; unseen entities report the
// initial entity state.
func (e *Engine[C]) EntityState(addr string) State {
	return e.stateOf(addr)
}

// Entities returns a copy of the entity state map.
func (e *Engine[C]) Entities() map[string]State {
	return maps.Clone(e.entities)
}

// ResetEntities forgets every entity state.
func (e *Engine[C]) ResetEntities() {
	clear(e.entities)
}

func (e *Engine[C]) debugLog(msg string, args ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Debug(msg, args...)
	}
}

func (e *Engine[C]) infoLog(msg string, args ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Info(msg, args...)
	}
}
