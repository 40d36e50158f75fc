package supervisor

import "sync"

// Latch is a one-shot ready signal. The first SignalReady fires every
// registered callback; later calls do nothing.
type Latch struct {
	mutex     sync.Mutex
	fired     bool
	callbacks []func()
	ready     chan struct{}
}

// NewLatch returns an unset latch.
func NewLatch() *Latch {
	return &Latch{ready: make(chan struct{})}
}

// OnFirstReady registers cb to run when the latch fires. If it has already
// fired, cb runs immediately.
func (l *Latch) OnFirstReady(cb func()) {
	l.mutex.Lock()
	if !l.fired {
		l.callbacks = append(l.callbacks, cb)
		l.mutex.Unlock()
		return
	}
	l.mutex.Unlock()
	cb()
}

// SignalReady sets the latch and reports whether this call was the one that
// set it.
func (l *Latch) SignalReady() bool {
	l.mutex.Lock()
	if l.fired {
		l.mutex.Unlock()
		return false
	}
	l.fired = true
	callbacks := l.callbacks
	l.callbacks = nil
	close(l.ready)
	l.mutex.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return true
}

// Fired reports whether the latch is set.
func (l *Latch) Fired() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.fired
}

// Ready is closed when the latch fires.
func (l *Latch) Ready() <-chan struct{} {
	return l.ready
}
