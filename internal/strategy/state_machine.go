package strategy

import "sync"

var transitions = map[State]map[Event]State{
	StateIdle:    {EventEnter: StateEnter},
	StateEnter:   {EventHedgeOK: StateHedgeOK, EventFailed: StateIdle},
	StateHedgeOK: {EventExit: StateExit},
	StateExit:    {EventDone: StateIdle, EventFailed: StateHedgeOK},
}

// StateMachine tracks one symbol. Unknown events leave the state unchanged.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

func (s *StateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, ok := transitions[s.state][event]; ok {
		s.state = next
	}
	return s.state
}

// SetState forces a state, e.g. HEDGE_OK for a trade reloaded at startup.
func (s *StateMachine) SetState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Machines holds one state machine per symbol.
type Machines struct {
	mu sync.Mutex
	m  map[string]*StateMachine
}

func NewMachines() *Machines {
	return &Machines{m: make(map[string]*StateMachine)}
}

func (ms *Machines) For(symbol string) *StateMachine {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	sm, ok := ms.m[symbol]
	if !ok {
		sm = NewStateMachine()
		ms.m[symbol] = sm
	}
	return sm
}

func (ms *Machines) Snapshot() map[string]State {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make(map[string]State, len(ms.m))
	for sym, sm := range ms.m {
		out[sym] = sm.State()
	}
	return out
}
