// Package qsbr implements quiescent-state-based safe memory
// reclamation.
//
// Readers of a shared structure register as workers and periodically
// report that they are quiescent, meaning they hold no references
// obtained before the report. A writer retiring memory tags it with the
// current Phase and arms the phase with Activate. Once every worker has
// reported twice since the activation, no reader can still hold the
// retired memory, and the registered reclamation callbacks run with
// that phase.
//
// Phases cycle through three values so that memory retired while a
// grace period is in progress lands in a different generation. Phase
// zero is never issued; users may treat it as "not retired".
package qsbr

import "sync"

// Phase identifies one of the three reclamation generations.
type Phase uint8

// Func is a reclamation callback. It runs on the goroutine whose
// Quiescent or UnregisterWorker call completed a grace period.
type Func func(Phase)

const phases = 3

// Manager tracks worker quiescence for one shared structure, or for a
// group of them retiring memory on the same cadence.
type Manager struct {
	mu        sync.Mutex
	workers   uint64 // bitmask of registered workers
	waiting   uint64 // workers yet to report in the current epoch
	epoch     uint64
	callbacks []Func
	active    [phases]activation
}

type activation struct {
	armed bool
	epoch uint64
}

// New creates an empty manager.
func New() *Manager {
	return &Manager{}
}

// Register adds a reclamation callback.
func (m *Manager) Register(fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// RegisterWorker adds a reader thread of control and returns its
// worker id. A manager supports up to 64 workers.
func (m *Manager) RegisterWorker() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for w := 0; w < 64; w++ {
		bit := uint64(1) << w
		if m.workers&bit == 0 {
			m.workers |= bit
			m.waiting |= bit
			return w
		}
	}
	panic("qsbr: too many workers")
}

// UnregisterWorker removes a worker. An epoch waiting only on this
// worker advances, as an absent worker holds no references.
func (m *Manager) UnregisterWorker(worker int) {
	m.mu.Lock()
	bit := uint64(1) << worker
	if m.workers&bit == 0 {
		m.mu.Unlock()
		panic("qsbr: worker not registered")
	}
	m.workers &^= bit
	m.waiting &^= bit
	fired, callbacks := m.advanceLocked()
	m.mu.Unlock()

	run(fired, callbacks)
}

// Phase returns the phase that newly retired memory should be tagged
// with before arming it with Activate.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Phase(m.epoch%phases) + 1
}

// Activate arms the reclamation callbacks for a phase. Arming an
// already armed phase extends nothing: the earliest activation wins.
func (m *Manager) Activate(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := &m.active[p-1]
	if !slot.armed {
		slot.armed = true
		slot.epoch = m.epoch
	}
}

// Quiescent reports that a worker holds no references obtained before
// the call. When every worker has reported, the epoch advances and the
// callbacks of any phase whose grace period has passed are run, on this
// goroutine, after the manager's lock is released.
func (m *Manager) Quiescent(worker int) {
	m.mu.Lock()
	bit := uint64(1) << worker
	if m.workers&bit == 0 {
		m.mu.Unlock()
		panic("qsbr: worker not registered")
	}
	m.waiting &^= bit
	fired, callbacks := m.advanceLocked()
	m.mu.Unlock()

	run(fired, callbacks)
}

// advanceLocked moves to the next epoch when every worker has reported,
// and collects the phases whose grace period has now passed. Two epoch
// advances separate an activation from its callbacks: one report may
// have been in flight when the phase was armed.
func (m *Manager) advanceLocked() ([]Phase, []Func) {
	if m.workers == 0 || m.waiting != 0 {
		return nil, nil
	}
	m.epoch++
	m.waiting = m.workers

	var fired []Phase
	for i := range m.active {
		a := &m.active[i]
		if a.armed && m.epoch >= a.epoch+2 {
			a.armed = false
			fired = append(fired, Phase(i+1))
		}
	}
	if fired == nil {
		return nil, nil
	}
	return fired, m.callbacks
}

func run(fired []Phase, callbacks []Func) {
	for _, p := range fired {
		for _, fn := range callbacks {
			fn(p)
		}
	}
}
