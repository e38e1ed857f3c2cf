package broker

import "sync"

// orderLocks hands out one mutex per channel name. Entries are reference
// counted and dropped when idle, so publishing to a channel nobody listens
// on leaves nothing behind.
type orderLocks struct {
	mu    sync.Mutex
	locks map[string]*orderLock
}

type orderLock struct {
	sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{locks: make(map[string]*orderLock)}
}

func (o *orderLocks) Lock(name string) func() {
	o.mu.Lock()
	l := o.locks[name]
	if l == nil {
		l = &orderLock{}
		o.locks[name] = l
	}
	l.refs++
	o.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, name)
		}
		o.mu.Unlock()
	}
}

func (o *orderLocks) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.locks)
}
