// Package gate provides the mutual-exclusion gate that serializes
// privileged operations. It is a mutex with context-aware acquisition:
// a waiter gives up when its context is cancelled, which is how
// shutdown aborts queued work without executing it.
package gate

import "context"

// Gate is a single-slot semaphore. The zero value is not usable; call
// New.
type Gate struct {
	slot chan struct{}
}

func New() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx is done. Waiters are
// woken roughly in arrival order by the runtime's channel queue, so no
// waiter starves.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate. Releasing an unheld gate panics, the same
// contract as unlocking an unlocked sync.Mutex.
func (g *Gate) Release() {
	select {
	case <-g.slot:
	default:
		panic("gate: release of unheld gate")
	}
}
