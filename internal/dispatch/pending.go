package dispatch

import (
	"sync"
	"time"
)

// promptRef is one outstanding client prompt: the envelope id of the
// triggering acp:prompt:send:request and when it was accepted.
type promptRef struct {
	RequestID string
	CreatedAt time.Time
}

// pendingPrompts tracks outstanding client prompts per session, oldest
// first. Streaming updates are stamped with the oldest outstanding request
// id; a completed turn pops it.
type pendingPrompts struct {
	mu    sync.Mutex
	queue map[string][]promptRef
}

func newPendingPrompts() *pendingPrompts {
	return &pendingPrompts{queue: make(map[string][]promptRef)}
}

func (p *pendingPrompts) push(sessionID, requestID string) {
	p.mu.Lock()
	p.queue[sessionID] = append(p.queue[sessionID], promptRef{RequestID: requestID, CreatedAt: time.Now()})
	p.mu.Unlock()
}

// peek returns the oldest outstanding request id without removing it.
func (p *pendingPrompts) peek(sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queue[sessionID]
	if len(q) == 0 {
		return "", false
	}
	return q[0].RequestID, true
}

// pop removes and returns the oldest outstanding prompt.
func (p *pendingPrompts) pop(sessionID string) (promptRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queue[sessionID]
	if len(q) == 0 {
		return promptRef{}, false
	}
	ref := q[0]
	if len(q) == 1 {
		delete(p.queue, sessionID)
	} else {
		p.queue[sessionID] = q[1:]
	}
	return ref, true
}

// remove deletes a specific request id wherever it sits in the queue.
func (p *pendingPrompts) remove(sessionID, requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queue[sessionID]
	for i, ref := range q {
		if ref.RequestID == requestID {
			p.queue[sessionID] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(p.queue[sessionID]) == 0 {
		delete(p.queue, sessionID)
	}
}

func (p *pendingPrompts) migrate(oldID, newID string) {
	if oldID == newID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queue[oldID]; ok {
		delete(p.queue, oldID)
		p.queue[newID] = q
	}
}

func (p *pendingPrompts) clear(sessionID string) {
	p.mu.Lock()
	delete(p.queue, sessionID)
	p.mu.Unlock()
}
