package session

import (
	"encoding/json"
	"sync"
)

// callResult carries a correlated response or its failure.
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is one in-flight request awaiting its response frame.
type pendingCall struct {
	method string
	ch     chan callResult
}

// pendingMap correlates request ids to waiting callers.
type pendingMap struct {
	mu    sync.Mutex
	calls map[int64]*pendingCall
}

func newPendingMap() *pendingMap {
	return &pendingMap{calls: make(map[int64]*pendingCall)}
}

// add registers an in-flight request and returns the channel its response
// will arrive on. The channel is buffered so resolution never blocks the
// read loop.
func (p *pendingMap) add(id int64, method string) <-chan callResult {
	call := &pendingCall{method: method, ch: make(chan callResult, 1)}
	p.mu.Lock()
	p.calls[id] = call
	p.mu.Unlock()
	return call.ch
}

// remove discards an in-flight request; its late reply, if any, is ignored.
func (p *pendingMap) remove(id int64) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// complete resolves the request with the given id. Returns false when the id
// is unknown (timed out or never issued).
func (p *pendingMap) complete(id int64, res callResult) bool {
	p.mu.Lock()
	call, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	call.ch <- res
	return true
}

// failAll resolves every in-flight request with err. Used on socket loss and
// deliberate disconnect.
func (p *pendingMap) failAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[int64]*pendingCall)
	p.mu.Unlock()

	for _, call := range calls {
		call.ch <- callResult{err: err}
	}
}

// size returns the number of in-flight requests.
func (p *pendingMap) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
