// Package fsm implements a table-driven state machine engine that tracks
// one global state and any number of per-entity states.
//
// # Tables
//
// A Table maps (state, event) pairs to transitions. Each transition runs an
// optional action and moves to a declared next state. Tables are built once
// with a TableBuilder and are immutable afterwards; a second entry for the
// same pair is a build error.
//
// # Global and Per-Entity Events
//
// The engine classifies every event by name. Events on the configured
// global list act on the single global state. All other events act on the
// state of the entity named by the first address of the event; an event
// without an address is ignored. Entity states are created lazily in the
// table's initial entity state.
//
// # Choice Points
//
// States created with Choice are resolved immediately: after entering one,
// the engine evaluates its registered predicate and dispatches a synthetic
// "yes" or "no" event for the same entity, repeating until a Stable state is
// reached. A choice state without a predicate is a protocol error and the
// state is rolled back.
//
// # Protocol Errors
//
// An event with no transition from the current state leaves the state
// untouched and is reported exactly once through Config.OnProtocolError.
// Protocol errors are never fatal.
//
// # Busy Gate
//
// While Config.Busy reports true, per-entity events are dropped unless they
// are on Config.BusyAllowed. Global events always pass.
package fsm
