package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbunker/uplink/pkg/types"
)

func TestMachine_HappyPath(t *testing.T) {
	var seen []Transition
	m := NewMachine(func(tr Transition) { seen = append(seen, tr) })

	for _, ev := range []Event{EventHandshakeStarted, EventHandshakeCompleted, EventShutdownRequested, EventClosedCleanly} {
		_, err := m.Fire(ev)
		require.NoError(t, err, ev.String())
	}

	assert.Equal(t, types.SessionStateCleanShutdown, m.State())
	want := []types.SessionState{
		types.SessionStateAwaitingHandshakeResponse,
		types.SessionStateActive,
		types.SessionStateShuttingDown,
		types.SessionStateCleanShutdown,
	}
	require.Len(t, seen, len(want))
	for i, tr := range seen {
		assert.Equal(t, want[i], tr.To)
	}

	select {
	case <-m.Terminal():
	default:
		t.Fatal("terminal channel should be closed")
	}
}

func TestMachine_TerminalStatesRejectEvents(t *testing.T) {
	paths := map[types.SessionState][]Event{
		types.SessionStateCleanShutdown:           {EventShutdownRequested},
		types.SessionStateUncleanShutdown:         {EventHandshakeStarted, EventHandshakeCompleted, EventFailed},
		types.SessionStateRefusedOrHandshakeError: {EventHandshakeStarted, EventHandshakeFailed},
	}
	allEvents := []Event{EventHandshakeStarted, EventHandshakeCompleted, EventHandshakeFailed,
		EventShutdownRequested, EventClosedCleanly, EventFailed}

	for want, path := range paths {
		m := NewMachine(nil)
		for _, ev := range path {
			_, err := m.Fire(ev)
			require.NoError(t, err)
		}
		require.Equal(t, want, m.State())

		for _, ev := range allEvents {
			_, err := m.Fire(ev)
			assert.True(t, errors.Is(err, ErrInvalidTransition), "%s accepted %s", want, ev)
			assert.Equal(t, want, m.State())
		}
	}
}

func TestMachine_RefusalPaths(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want types.SessionState
	}{
		{"refused", EventHandshakeFailed, types.SessionStateRefusedOrHandshakeError},
		{"error during handshake", EventFailed, types.SessionStateRefusedOrHandshakeError},
		{"closed during handshake", EventClosedCleanly, types.SessionStateRefusedOrHandshakeError},
		{"shutdown during handshake", EventShutdownRequested, types.SessionStateShuttingDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(nil)
			_, err := m.Fire(EventHandshakeStarted)
			require.NoError(t, err)
			tr, err := m.Fire(tt.ev)
			require.NoError(t, err)
			assert.Equal(t, types.SessionStateAwaitingHandshakeResponse, tr.From)
			assert.Equal(t, tt.want, m.State())
		})
	}
}

func TestMachine_ShuttingDownIsIdempotent(t *testing.T) {
	calls := 0
	m := NewMachine(func(Transition) { calls++ })
	for _, ev := range []Event{EventHandshakeStarted, EventHandshakeCompleted, EventShutdownRequested} {
		_, err := m.Fire(ev)
		require.NoError(t, err)
	}
	tr, err := m.Fire(EventShutdownRequested)
	require.NoError(t, err)
	assert.Equal(t, tr.From, tr.To)
	assert.Equal(t, 3, calls, "no-op transitions are not delivered")

	_, err = m.Fire(EventFailed)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateUncleanShutdown, m.State())
}

func TestMachine_ListenerMayFireEvents(t *testing.T) {
	var m *Machine
	var seen []types.SessionState
	m = NewMachine(func(tr Transition) {
		seen = append(seen, tr.To)
		if tr.To == types.SessionStateActive {
			_, _ = m.Fire(EventShutdownRequested)
		}
	})

	_, err := m.Fire(EventHandshakeStarted)
	require.NoError(t, err)
	_, err = m.Fire(EventHandshakeCompleted)
	require.NoError(t, err)

	assert.Equal(t, []types.SessionState{
		types.SessionStateAwaitingHandshakeResponse,
		types.SessionStateActive,
		types.SessionStateShuttingDown,
	}, seen)
}

func TestMachine_ConcurrentFailuresReachOneTerminalState(t *testing.T) {
	for i := 0; i < 50; i++ {
		var terminal int
		var mu sync.Mutex
		m := NewMachine(func(tr Transition) {
			if tr.To.IsTerminal() {
				mu.Lock()
				terminal++
				mu.Unlock()
			}
		})
		_, _ = m.Fire(EventHandshakeStarted)
		_, _ = m.Fire(EventHandshakeCompleted)

		var wg sync.WaitGroup
		for _, ev := range []Event{EventFailed, EventClosedCleanly, EventFailed, EventClosedCleanly} {
			wg.Add(1)
			go func(ev Event) {
				defer wg.Done()
				_, _ = m.Fire(ev)
			}(ev)
		}
		wg.Wait()

		mu.Lock()
		assert.Equal(t, 1, terminal)
		mu.Unlock()
	}
}

func TestMachine_Settled(t *testing.T) {
	m := NewMachine(nil)
	select {
	case <-m.Settled():
		t.Fatal("new machine should not be settled")
	default:
	}
	_, _ = m.Fire(EventHandshakeStarted)
	_, _ = m.Fire(EventHandshakeCompleted)
	select {
	case <-m.Settled():
	default:
		t.Fatal("active machine should be settled")
	}
}
