package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_BasicTransitions(t *testing.T) {
	m, err := newMachine[State, Event](StateIdle, []transition[State, Event]{
		{From: StateIdle, Event: evOnline, To: StateStarting},
		{From: StateStarting, Event: evOutputThreshold, To: StateRecording},
	})
	require.NoError(t, err)

	ctx := context.Background()
	next, err := m.fire(ctx, evOnline)
	require.NoError(t, err)
	assert.Equal(t, StateStarting, next)

	next, err = m.fire(ctx, evOutputThreshold)
	require.NoError(t, err)
	assert.Equal(t, StateRecording, next)
}

func TestMachine_InvalidTransitionIsError(t *testing.T) {
	m, err := newMachine[State, Event](StateIdle, []transition[State, Event]{
		{From: StateIdle, Event: evOnline, To: StateStarting},
	})
	require.NoError(t, err)

	_, err = m.fire(context.Background(), evOffline)
	assert.Error(t, err)
	assert.Equal(t, StateIdle, m.State(), "state unchanged after invalid event")
}

func TestMachine_GuardRejectionKeepsState(t *testing.T) {
	guardErr := errors.New("not allowed")
	m, err := newMachine[State, Event](StateIdle, []transition[State, Event]{
		{
			From: StateIdle, Event: evOnline, To: StateStarting,
			Guard: func(ctx context.Context, from State, event Event) error { return guardErr },
		},
	})
	require.NoError(t, err)

	_, err = m.fire(context.Background(), evOnline)
	assert.ErrorIs(t, err, guardErr)
	assert.Equal(t, StateIdle, m.State())
}

func TestMachine_ActionFailureKeepsState(t *testing.T) {
	m, err := newMachine[State, Event](StateIdle, []transition[State, Event]{
		{
			From: StateIdle, Event: evOnline, To: StateStarting,
			Action: func(ctx context.Context, from, to State, event Event) error {
				return errors.New("spawn failed")
			},
		},
	})
	require.NoError(t, err)

	_, err = m.fire(context.Background(), evOnline)
	assert.Error(t, err)
	assert.Equal(t, StateIdle, m.State())
}

func TestMachine_FireEventuallyWaitsForArmingTransition(t *testing.T) {
	// An internally generated event can arrive before the transition that
	// arms it commits; fireEventually absorbs the race.
	m, err := newMachine[State, Event](StateIdle, []transition[State, Event]{
		{From: StateIdle, Event: evOnline, To: StateStarting},
		{From: StateStarting, Event: evStartupFailed, To: StateCooldown},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.fireEventually(context.Background(), evStartupFailed, time.Second)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	_, err = m.fire(context.Background(), evOnline)
	require.NoError(t, err)

	require.NoError(t, <-done)
	assert.Equal(t, StateCooldown, m.State())
}

func TestMachine_FireEventuallyGivesUpAfterPatience(t *testing.T) {
	m, err := newMachine[State, Event](StateIdle, []transition[State, Event]{
		{From: StateIdle, Event: evOnline, To: StateStarting},
	})
	require.NoError(t, err)

	_, err = m.fireEventually(context.Background(), evStartupFailed, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, errInvalidTransition)
	assert.Equal(t, StateIdle, m.State())
}

func TestMachine_FireEventuallyDoesNotRetryGuardFailure(t *testing.T) {
	guardErr := errors.New("capacity")
	calls := 0
	m, err := newMachine[State, Event](StateIdle, []transition[State, Event]{
		{
			From: StateIdle, Event: evOnline, To: StateStarting,
			Guard: func(ctx context.Context, from State, event Event) error {
				calls++
				return guardErr
			},
		},
	})
	require.NoError(t, err)

	_, err = m.fireEventually(context.Background(), evOnline, time.Second)
	assert.ErrorIs(t, err, guardErr)
	assert.Equal(t, 1, calls, "guard rejection is not retried")
}

func TestMachine_EventObservesCommittedTransition(t *testing.T) {
	// Transitions serialise: an event fired while another transition's
	// action is still running waits and then sees the committed state.
	actionStarted := make(chan struct{})
	release := make(chan struct{})
	m, err := newMachine[State, Event](StateIdle, []transition[State, Event]{
		{
			From: StateIdle, Event: evOnline, To: StateStarting,
			Action: func(ctx context.Context, from, to State, event Event) error {
				close(actionStarted)
				<-release
				return nil
			},
		},
		{From: StateStarting, Event: evOutputThreshold, To: StateRecording},
	})
	require.NoError(t, err)

	go func() {
		_, _ = m.fire(context.Background(), evOnline)
	}()
	<-actionStarted

	done := make(chan error, 1)
	go func() {
		_, err := m.fire(context.Background(), evOutputThreshold)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, StateRecording, m.State())
}

func TestMachine_DuplicateTransitionRejected(t *testing.T) {
	_, err := newMachine[State, Event](StateIdle, []transition[State, Event]{
		{From: StateIdle, Event: evOnline, To: StateStarting},
		{From: StateIdle, Event: evOnline, To: StateCooldown},
	})
	assert.Error(t, err)
}

func TestLifecycleTransitionTable_CoversSpecRows(t *testing.T) {
	// The full lifecycle transition table, walked through the generic machine.
	mc := func() *machine[State, Event] {
		transitions := []transition[State, Event]{
			{From: StateIdle, Event: evOnline, To: StateStarting},
			{From: StateIdle, Event: evForceStart, To: StateStarting},
			{From: StateStarting, Event: evOutputThreshold, To: StateRecording},
			{From: StateStarting, Event: evStartupFailed, To: StateCooldown},
			{From: StateStarting, Event: evStartTimeout, To: StateCooldown},
			{From: StateRecording, Event: evUpdate, To: StateRecording},
			{From: StateRecording, Event: evOffline, To: StateStopping},
			{From: StateRecording, Event: evForceStop, To: StateStopping},
			{From: StateRecording, Event: evChildExited, To: StateStopping},
			{From: StateStopping, Event: evTerminated, To: StateCooldown},
			{From: StateCooldown, Event: evCooldownElapsed, To: StateIdle},
		}
		mach, err := newMachine(StateIdle, transitions)
		require.NoError(t, err)
		return mach
	}()

	ctx := context.Background()
	steps := []struct {
		event Event
		want  State
	}{
		{evOnline, StateStarting},
		{evOutputThreshold, StateRecording},
		{evUpdate, StateRecording},
		{evOffline, StateStopping},
		{evTerminated, StateCooldown},
		{evCooldownElapsed, StateIdle},
	}
	for _, s := range steps {
		next, err := mc.fire(ctx, s.event)
		require.NoError(t, err, "event %s", s.event)
		assert.Equal(t, s.want, next)
	}
}
