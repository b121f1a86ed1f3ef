package fsm

import (
	"errors"
	"fmt"
)

// Table definition errors.
var (
	ErrDuplicateTransition = errors.New("duplicate transition")
	ErrChoiceCycle         = errors.New("choice points form a cycle")
	ErrMissingBranch       = errors.New("choice point missing yes/no transition")
	ErrMissingPredicate    = errors.New("choice point has no predicate")
	ErrNotChoice           = errors.New("predicate registered on stable state")
	ErrNoInitialState      = errors.New("initial state not set")
)

// Action runs when a transition fires.
type Action[C any] func(ctx C, ev Event)

// Predicate decides a choice point. address is empty for the global state.
type Predicate[C any] func(ctx C, address string) bool

// Transition is the table entry for one (state, event) pair.
type Transition[C any] struct {
	Action Action[C]
	Next   State
}

// Table is an immutable transition table.
type Table[C any] struct {
	transitions   map[Key]Transition[C]
	choices       map[State]Predicate[C]
	initialGlobal State
	initialEntity State
}

// Lookup returns the transition for a state and event.
func (t *Table[C]) Lookup(from State, ev EventID) (Transition[C], bool) {
	tr, ok := t.transitions[Key{From: from, Event: ev}]
	return tr, ok
}

// Predicate returns the predicate of a choice point.
func (t *Table[C]) Predicate(s State) (Predicate[C], bool) {
	p, ok := t.choices[s]
	return p, ok
}

// InitialGlobal returns the starting global state.
func (t *Table[C]) InitialGlobal() State { return t.initialGlobal }

// InitialEntity returns the state new entities start in.
func (t *Table[C]) InitialEntity() State { return t.initialEntity }

// Len returns the number of transitions.
func (t *Table[C]) Len() int { return len(t.transitions) }

// Validate checks that every choice point reachable in the table has a
// predicate and both branches. Build only rejects duplicates and cycles so
// that incomplete tables can still be exercised; production tables should
// pass Validate as well.
func (t *Table[C]) Validate() error {
	var errs []error
	for _, s := range t.choiceStates() {
		if _, ok := t.choices[s]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingPredicate, s))
		}
		_, yes := t.transitions[Key{From: s, Event: EventYes}]
		_, no := t.transitions[Key{From: s, Event: EventNo}]
		if !yes || !no {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingBranch, s))
		}
	}
	return errors.Join(errs...)
}

// choiceStates returns every choice state mentioned in the table.
func (t *Table[C]) choiceStates() []State {
	seen := make(map[State]bool)
	var out []State
	add := func(s State) {
		if s.IsChoice() && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for k, tr := range t.transitions {
		add(k.From)
		add(tr.Next)
	}
	for s := range t.choices {
		add(s)
	}
	return out
}

// TableBuilder accumulates transitions and reports definition errors from
// Build.
type TableBuilder[C any] struct {
	t    Table[C]
	errs []error
}

// NewTableBuilder starts an empty table.
func NewTableBuilder[C any]() *TableBuilder[C] {
	return &TableBuilder[C]{
		t: Table[C]{
			transitions: make(map[Key]Transition[C]),
			choices:     make(map[State]Predicate[C]),
		},
	}
}

// Initial sets the starting global state and the state new entities start
// in.
func (b *TableBuilder[C]) Initial(global, entity State) *TableBuilder[C] {
	b.t.initialGlobal = global
	b.t.initialEntity = entity
	return b
}

// On adds a transition. action may be nil.
func (b *TableBuilder[C]) On(from State, ev EventID, to State, action Action[C]) *TableBuilder[C] {
	key := Key{From: from, Event: ev}
	if _, exists := b.t.transitions[key]; exists {
		b.errs = append(b.errs, fmt.Errorf("%w: %s-%s", ErrDuplicateTransition, from, ev))
		return b
	}
	b.t.transitions[key] = Transition[C]{Action: action, Next: to}
	return b
}

// OnEach adds the same transition from several states, each looping back to
// itself.
func (b *TableBuilder[C]) OnEach(from []State, ev EventID, action Action[C]) *TableBuilder[C] {
	for _, s := range from {
		b.On(s, ev, s, action)
	}
	return b
}

// Choose registers the predicate of a choice point.
func (b *TableBuilder[C]) Choose(s State, p Predicate[C]) *TableBuilder[C] {
	if !s.IsChoice() {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrNotChoice, s))
		return b
	}
	if _, exists := b.t.choices[s]; exists {
		b.errs = append(b.errs, fmt.Errorf("%w: predicate %s", ErrDuplicateTransition, s))
		return b
	}
	b.t.choices[s] = p
	return b
}

// Build returns the table or every definition error found.
func (b *TableBuilder[C]) Build() (*Table[C], error) {
	errs := append([]error(nil), b.errs...)
	if b.t.initialGlobal.IsZero() || b.t.initialEntity.IsZero() {
		errs = append(errs, ErrNoInitialState)
	}
	if err := b.checkChoiceCycles(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	t := b.t
	return &t, nil
}

// MustBuild is Build for tables defined in code; it panics on error.
func (b *TableBuilder[C]) MustBuild() *Table[C] {
	t, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("fsm: invalid table: %v", err))
	}
	if err := t.Validate(); err != nil {
		panic(fmt.Sprintf("fsm: invalid table: %v", err))
	}
	return t
}

// checkChoiceCycles rejects tables where resolving choice points could loop
// forever: a yes/no edge from one choice point into another must never lead
// back.
func (b *TableBuilder[C]) checkChoiceCycles() error {
	const (
		unvisited = iota
		active
		done
	)
	mark := make(map[State]int)

	var visit func(s State) error
	visit = func(s State) error {
		switch mark[s] {
		case active:
			return fmt.Errorf("%w: through %s", ErrChoiceCycle, s)
		case done:
			return nil
		}
		mark[s] = active
		for _, ev := range []EventID{EventYes, EventNo} {
			tr, ok := b.t.transitions[Key{From: s, Event: ev}]
			if ok && tr.Next.IsChoice() {
				if err := visit(tr.Next); err != nil {
					return err
				}
			}
		}
		mark[s] = done
		return nil
	}

	for _, s := range b.t.choiceStates() {
		if err := visit(s); err != nil {
			return err
		}
	}
	return nil
}
