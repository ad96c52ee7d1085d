package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// transition describes one edge of a machine: firing Event while in From
// runs Guard (may reject) then Action (side effects) before moving to To.
type transition[S ~string, E ~string] struct {
	From   S
	Event  E
	To     S
	Guard  func(ctx context.Context, from S, event E) error
	Action func(ctx context.Context, from S, to S, event E) error
}

// errInvalidTransition marks an event that has no edge from the current
// state. fireEventually retries only this case; guard and action failures
// propagate immediately.
var errInvalidTransition = errors.New("invalid transition")

// machine is a strict FSM runner that serialises transitions: the state
// lock is held across guard, action and commit, so an event either
// observes the fully committed previous transition or waits for it.
// Consequently fire is not re-entrant — an action that wants to emit a
// follow-up event must do so from another goroutine (fireEventually
// absorbs the hand-off).
type machine[S ~string, E ~string] struct {
	mu    sync.Mutex
	state S
	edges map[S]map[E]transition[S, E]
}

func newMachine[S ~string, E ~string](initial S, transitions []transition[S, E]) (*machine[S, E], error) {
	edges := make(map[S]map[E]transition[S, E])
	for _, t := range transitions {
		byEvent, ok := edges[t.From]
		if !ok {
			byEvent = make(map[E]transition[S, E])
			edges[t.From] = byEvent
		}
		if _, exists := byEvent[t.Event]; exists {
			return nil, fmt.Errorf("duplicate transition: %s -> %s", t.From, t.Event)
		}
		byEvent[t.Event] = t
	}
	return &machine[S, E]{state: initial, edges: edges}, nil
}

func (m *machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// fire applies an event. An event with no edge from the current state
// returns errInvalidTransition; a guard or action error aborts the
// transition and the state is unchanged.
func (m *machine[S, E]) fire(ctx context.Context, event E) (S, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	t, ok := m.edges[from][event]
	if !ok {
		return from, fmt.Errorf("%w: state=%s event=%s", errInvalidTransition, from, event)
	}

	if t.Guard != nil {
		if err := t.Guard(ctx, from, event); err != nil {
			return from, err
		}
	}
	if t.Action != nil {
		if err := t.Action(ctx, from, t.To, event); err != nil {
			return from, err
		}
	}
	m.state = t.To
	return t.To, nil
}

// fireEventually delivers an event that may race the transition arming it:
// a capture child can exit before Starting is committed, so its exit event
// briefly has no valid edge. Invalid transitions are retried until the
// patience window closes; any other failure returns at once.
func (m *machine[S, E]) fireEventually(ctx context.Context, event E, patience time.Duration) (S, error) {
	deadline := time.Now().Add(patience)
	for {
		next, err := m.fire(ctx, event)
		if err == nil || !errors.Is(err, errInvalidTransition) {
			return next, err
		}
		if time.Now().After(deadline) {
			return next, err
		}
		select {
		case <-ctx.Done():
			return next, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
