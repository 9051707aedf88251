package session

import "sync"

// Oneshot is a single-fire event signal. Fire is idempotent: the second and
// later calls are no-ops rather than a double-close fault. Waiters select on
// Done; pollers use Fired.
type Oneshot struct {
	once sync.Once
	ch   chan struct{}
}

// NewOneshot creates an unfired signal.
func NewOneshot() *Oneshot {
	return &Oneshot{ch: make(chan struct{})}
}

// Fire marks the signal. Safe to call any number of times.
func (o *Oneshot) Fire() {
	o.once.Do(func() { close(o.ch) })
}

// FireFirst fires the signal and reports whether this call was the one
// that fired it. Used to elect a single teardown owner.
func (o *Oneshot) FireFirst() bool {
	first := false
	o.once.Do(func() {
		first = true
		close(o.ch)
	})
	return first
}

// Fired reports whether the signal has been fired.
func (o *Oneshot) Fired() bool {
	select {
	case <-o.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal fires.
func (o *Oneshot) Done() <-chan struct{} {
	return o.ch
}
