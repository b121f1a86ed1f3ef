package fsm

// State is a state of the machine. A state is either stable (waits for the
// next event) or a choice point (resolved immediately by a predicate).
type State struct {
	name   string
	choice bool
}

// Stable returns a state that waits for events.
func Stable(name string) State {
	return State{name: name}
}

// Choice returns a choice-point state.
func Choice(name string) State {
	return State{name: name, choice: true}
}

// Name returns the state name without decoration.
func (s State) Name() string {
	return s.name
}

// IsChoice reports whether s is a choice point.
func (s State) IsChoice() bool {
	return s.choice
}

// IsZero reports whether s is the zero State.
func (s State) IsZero() bool {
	return s.name == ""
}

// String returns the state name; choice points carry a trailing "?".
func (s State) String() string {
	if s.choice {
		return s.name + "?"
	}
	return s.name
}

// EventID names an event.
type EventID string

// Synthetic events dispatched when resolving choice points.
const (
	EventYes EventID = "yes"
	EventNo  EventID = "no"
)

// Event is one input to the engine.
type Event struct {
	Name EventID

	// Addresses names the target entities of per-entity events. Only the
	// first address is dispatched; the rest travel with the event so actions
	// can work through a list.
	Addresses []string

	// Payload carries event-specific data.
	Payload any
}

// Target returns the first address, or "" for global events.
func (e Event) Target() string {
	if len(e.Addresses) == 0 {
		return ""
	}
	return e.Addresses[0]
}

// Key identifies a transition.
type Key struct {
	From  State
	Event EventID
}

// Change describes one applied transition.
type Change struct {
	// Address is empty for the global state.
	Address string
	From    State
	Event   EventID
	To      State
}
