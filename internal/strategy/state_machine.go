package strategy

import "sync"

// StateMachine is the per-pair IDLE/HOLDING machine driven by the spread
// scheduler. The funding engine keeps its position in the checkpoint instead.
type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func nextState(current State, event Event) State {
	switch current {
	case StateIdle:
		if event == EventOpen {
			return StateHolding
		}
	case StateHolding:
		if event == EventClose {
			return StateIdle
		}
	}
	return current
}
