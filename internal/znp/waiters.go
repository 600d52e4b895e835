package znp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Waiters dispatches asynchronous indications (AREQ) to registered
// waiters. The zero value is ready to use.
type Waiters struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]*pendingWait
}

type pendingWait struct {
	subsystem Subsystem
	command   uint8
	match     func([]byte) bool
	ch        chan []byte
}

// Add registers interest in the next indication with the given subsystem
// and command for which match returns true. A nil match accepts any
// payload. The returned Waiter must be waited on or cancelled.
func (ws *Waiters) Add(sub Subsystem, cmd uint8, match func([]byte) bool, timeout time.Duration) *Waiter {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.pending == nil {
		ws.pending = make(map[uint64]*pendingWait)
	}
	ws.next++
	id := ws.next
	p := &pendingWait{subsystem: sub, command: cmd, match: match, ch: make(chan []byte, 1)}
	ws.pending[id] = p
	return &Waiter{
		ch:      p.ch,
		timeout: timeout,
		name:    fmt.Sprintf("%s.0x%02X", sub, cmd),
		cancel:  func() { ws.remove(id) },
	}
}

func (ws *Waiters) remove(id uint64) {
	ws.mu.Lock()
	delete(ws.pending, id)
	ws.mu.Unlock()
}

// Dispatch delivers an indication to the oldest matching waiter. It
// reports whether a waiter consumed it.
func (ws *Waiters) Dispatch(sub Subsystem, cmd uint8, payload []byte) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	var (
		bestID uint64
		best   *pendingWait
	)
	for id, p := range ws.pending {
		if p.subsystem != sub || p.command != cmd {
			continue
		}
		if p.match != nil && !p.match(payload) {
			continue
		}
		if best == nil || id < bestID {
			bestID, best = id, p
		}
	}
	if best == nil {
		return false
	}
	delete(ws.pending, bestID)
	best.ch <- payload
	return true
}

// Len returns the number of registered waiters.
func (ws *Waiters) Len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.pending)
}

// Waiter is a single pending indication.
type Waiter struct {
	ch      chan []byte
	timeout time.Duration
	name    string
	cancel  func()
}

// Wait blocks until the indication arrives, the waiter times out or ctx
// is done.
func (w *Waiter) Wait(ctx context.Context) ([]byte, error) {
	defer w.cancel()
	var timeout <-chan time.Time
	if w.timeout > 0 {
		t := time.NewTimer(w.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case payload := <-w.ch:
		return payload, nil
	case <-timeout:
		return nil, fmt.Errorf("%w: waiting for %s after %s", ErrTimeout, w.name, w.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel unregisters the waiter. It is safe to call after Wait.
func (w *Waiter) Cancel() {
	w.cancel()
}
