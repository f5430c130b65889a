package bus

import "sync"

// Scope groups subscriptions that share a lifetime so a single Close
// releases all of them. Pair every Scope with a deferred Close.
type Scope struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// Add tracks sub. If the scope is already closed, sub is closed immediately.
func (sc *Scope) Add(sub *Subscription) *Subscription {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		sub.Close()
		return sub
	}
	sc.subs = append(sc.subs, sub)
	sc.mu.Unlock()
	return sub
}

// Close releases every tracked subscription. Safe to call more than once.
func (sc *Scope) Close() {
	sc.mu.Lock()
	subs := sc.subs
	sc.subs = nil
	sc.closed = true
	sc.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
