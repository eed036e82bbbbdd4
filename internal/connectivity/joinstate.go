package connectivity

import (
	"fmt"
	"slices"
	"sync"
)

// JoinState represents where the session stands in the room-join protocol.
type JoinState string

const (
	NotJoined JoinState = "NOT_JOINED"
	Joining   JoinState = "JOINING"
	Joined    JoinState = "JOINED"
)

// validJoinTransitions defines allowed join state transitions.
var validJoinTransitions = map[JoinState][]JoinState{
	NotJoined: {Joining},
	Joining:   {Joined, NotJoined},
	Joined:    {NotJoined},
}

// JoinMachine tracks and enforces join protocol state transitions. It
// replaces a bare "already joined" flag so overlapping connectivity
// handlers cannot race each other into a double join.
type JoinMachine struct {
	mu      sync.RWMutex
	current JoinState
}

// NewJoinMachine creates a join machine starting in NotJoined.
func NewJoinMachine() *JoinMachine {
	return &JoinMachine{current: NotJoined}
}

// Current returns the current state.
func (m *JoinMachine) Current() JoinState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *JoinMachine) Transition(to JoinState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validJoinTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid join transition from %s to %s", m.current, to)
	}
	m.current = to
	return nil
}

// Reset forces the machine back to NotJoined from any state. Called
// whenever sendability is lost, guaranteeing a rejoin on the next
// connectivity restore.
func (m *JoinMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = NotJoined
}
