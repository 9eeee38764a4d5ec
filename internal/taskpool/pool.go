// Package taskpool implements the Task Message Pool: a single-mutex
// queue that matches producers of wire.TaskMessage values against
// consuming sessions, bypassing the queue entirely when a consumer is
// already waiting.
package taskpool

import (
	"context"
	"io"
	"sync"

	"github.com/joeycumines/go-longpoll"

	"github.com/taskfabric/taskmessenger/internal/taskerr"
	"github.com/taskfabric/taskmessenger/internal/wire"
)

// Pool is the Task Message Pool. The zero value is not usable; use New.
type Pool struct {
	mu       sync.Mutex
	messages []wire.TaskMessage
	waiters  []chan wire.TaskMessage
	shutdown bool
}

// New constructs an empty Pool.
func New() *Pool {
	return &Pool{}
}

// GetNext returns the next available message, suspending the calling
// goroutine until one arrives, the pool shuts down, or ctx is
// cancelled.
//
// Fast path: if a message is already queued, it is returned immediately
// without registering a waiter.
func (p *Pool) GetNext(ctx context.Context) (wire.TaskMessage, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return wire.InvalidTaskMessage, taskerr.ErrPoolShutdown
	}
	if len(p.messages) > 0 {
		msg := p.messages[0]
		p.messages = p.messages[1:]
		p.mu.Unlock()
		return msg, nil
	}

	ch := make(chan wire.TaskMessage, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case msg := <-ch:
		return p.observe(msg)
	case <-ctx.Done():
		p.cancelWaiter(ch)
		select {
		case msg := <-ch:
			// Add won the race between cancelWaiter's removal and its own
			// dequeue; honor the delivered message rather than drop it.
			return p.observe(msg)
		default:
			return wire.InvalidTaskMessage, ctx.Err()
		}
	}
}

func (p *Pool) observe(msg wire.TaskMessage) (wire.TaskMessage, error) {
	if !msg.IsValid() {
		return wire.InvalidTaskMessage, taskerr.ErrPoolShutdown
	}
	return msg, nil
}

func (p *Pool) cancelWaiter(ch chan wire.TaskMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Add delivers msg to the front waiter if one is registered, bypassing
// the message queue entirely; otherwise it appends to the back of the
// queue. The waiter is resumed only after the pool mutex is released, to
// avoid priority inversion and re-entrant enqueue deadlocks.
func (p *Pool) Add(msg wire.TaskMessage) {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- msg
		return
	}
	p.messages = append(p.messages, msg)
	p.mu.Unlock()
}

// AddBatch adds each message in order via the single-add path, so
// waiters are resumed FIFO and any messages left over after waiters are
// exhausted land on the queue in order.
func (p *Pool) AddBatch(msgs []wire.TaskMessage) {
	for _, msg := range msgs {
		p.Add(msg)
	}
}

// ConsumeFrom batch-drains msgs using a bounded receive (longpoll.Channel)
// and forwards each batch through AddBatch, returning when ctx is
// cancelled or msgs is closed (io.EOF is treated as a normal stop, not
// reported to the caller). Intended for producers that generate messages
// on a Go channel rather than calling Add directly.
func (p *Pool) ConsumeFrom(ctx context.Context, msgs <-chan wire.TaskMessage, cfg *longpoll.ChannelConfig) error {
	for {
		var batch []wire.TaskMessage
		err := longpoll.Channel(ctx, cfg, msgs, func(msg wire.TaskMessage) error {
			batch = append(batch, msg)
			return nil
		})
		if len(batch) > 0 {
			p.AddBatch(batch)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// Shutdown atomically marks the pool closed, swaps out the waiter queue,
// and resumes every pending waiter with the invalid sentinel so each
// observes taskerr.ErrPoolShutdown from GetNext.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- wire.InvalidTaskMessage
	}
}

// Size returns the number of messages currently queued.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

// Empty reports whether the message queue is currently empty.
func (p *Pool) Empty() bool {
	return p.Size() == 0
}

// WaitingCount returns the number of goroutines currently suspended in
// GetNext.
func (p *Pool) WaitingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
