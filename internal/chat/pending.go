package chat

import "sync"

// Pending matches server echoes to in-flight sends by temp id.
type Pending struct {
	mu      sync.Mutex
	waiting map[string]chan Message
}

// NewPending creates an empty tracker.
func NewPending() *Pending {
	return &Pending{waiting: make(map[string]chan Message)}
}

// Add registers tempID and returns the channel its echo is delivered on.
// The channel is closed without a value if the send is failed by FailAll.
func (p *Pending) Add(tempID string) <-chan Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Message, 1)
	p.waiting[tempID] = ch
	return ch
}

// Resolve delivers m to the send waiting on its temp id. It reports whether one was waiting.
func (p *Pending) Resolve(m Message) bool {
	if m.TempID == "" {
		return false
	}
	p.mu.Lock()
	ch, ok := p.waiting[m.TempID]
	delete(p.waiting, m.TempID)
	p.mu.Unlock()
	if ok {
		ch <- m
	}
	return ok
}

// Cancel forgets tempID.
func (p *Pending) Cancel(tempID string) {
	p.mu.Lock()
	delete(p.waiting, tempID)
	p.mu.Unlock()
}

// FailAll closes the channel of every waiting send.
func (p *Pending) FailAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.waiting)
	for id, ch := range p.waiting {
		delete(p.waiting, id)
		close(ch)
	}
	return n
}

// Len is the number of sends awaiting an echo.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}
