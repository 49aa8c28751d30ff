package transport

import "sync"

// pendingTable is the correlation table between in-flight request ids and the
// one-shot channels their callers await. The write loop inserts before the
// frame goes out, the read loop removes on delivery; the mutex keeps the
// two from interleaving. An id has at most one entry and is free for reuse
// the moment its entry is removed.
type pendingTable struct {
	mu sync.Mutex
	m  map[uint32]chan Result
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[uint32]chan Result)}
}

func (p *pendingTable) has(id uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[id]
	return ok
}

func (p *pendingTable) insert(id uint32, done chan Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[id] = done
}

// remove takes the entry for id out of the table, reporting whether it was
// present. The caller becomes responsible for completing the handle.
func (p *pendingTable) remove(id uint32) (chan Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	done, ok := p.m[id]
	if ok {
		delete(p.m, id)
	}
	return done, ok
}

// failAll completes every remaining entry with err and empties the table.
// Returns how many entries were failed.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.m)
	for id, done := range p.m {
		done <- Result{Err: err}
		delete(p.m, id)
	}
	return n
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
