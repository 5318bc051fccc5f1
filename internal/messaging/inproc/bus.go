package inproc

import (
	"errors"
	"sync"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

// Envelope carries one consensus message between two agents.
type Envelope[M any] struct {
	From int
	To   int
	Body M
}

// Bus holds one buffered mailbox per agent. Publishing never blocks; the
// round coordinator sizes mailboxes so that one round of traffic always fits.
type Bus[M any] struct {
	mu     sync.RWMutex
	subs   map[int]chan Envelope[M]
	buffer int
}

func New[M any](buffer int) *Bus[M] {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus[M]{
		subs:   make(map[int]chan Envelope[M]),
		buffer: buffer,
	}
}

func (b *Bus[M]) Register(agentID int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[agentID]; ok {
		return
	}
	b.subs[agentID] = make(chan Envelope[M], b.buffer)
}

func (b *Bus[M]) Unregister(agentID int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[agentID]
	if !ok {
		return
	}
	delete(b.subs, agentID)
	close(ch)
}

func (b *Bus[M]) Publish(env Envelope[M]) error {
	b.mu.RLock()
	ch, ok := b.subs[env.To]
	b.mu.RUnlock()
	if !ok {
		return ErrAgentNotRegistered
	}

	select {
	case ch <- env:
		return nil
	default:
		return ErrAgentQueueFull
	}
}

// Drain empties agentID's mailbox and returns the bodies keyed by sender. A
// later message from the same sender replaces an earlier one.
func (b *Bus[M]) Drain(agentID int) (map[int]M, error) {
	b.mu.RLock()
	ch, ok := b.subs[agentID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrAgentNotRegistered
	}

	out := make(map[int]M)
	for {
		select {
		case env := <-ch:
			out[env.From] = env.Body
		default:
			return out, nil
		}
	}
}
