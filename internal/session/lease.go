package session

import "sync/atomic"

// Lease stands in for a session held by an out-of-process client. The client
// reports busy transitions; closing the lease tells the client to drop the
// real session on its next check.
type Lease struct {
	busy   atomic.Bool
	closed atomic.Bool
}

// NewLease returns an idle, open lease.
func NewLease() *Lease {
	return &Lease{}
}

// SetBusy records whether the client is running a command on the session.
func (l *Lease) SetBusy(busy bool) {
	l.busy.Store(busy)
}

// Busy implements Session.
func (l *Lease) Busy() bool {
	return l.busy.Load()
}

// Close implements Session. It never fails.
func (l *Lease) Close() error {
	l.closed.Store(true)
	return nil
}

// Closed reports whether the lease was purged or released.
func (l *Lease) Closed() bool {
	return l.closed.Load()
}
