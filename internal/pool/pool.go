// Package pool implements the bounded-concurrency task scheduler shared by
// fetch operations. One process-wide instance is constructed in main and
// injected everywhere; per-job pools can be constructed the same way.
package pool

import (
	"context"
	"fmt"
	"sync"
)

// DefaultLimit is the maximum parallelism used when none is configured.
const DefaultLimit = 5

// Task is a unit of work scheduled on the pool.
type Task func(ctx context.Context) error

// Handle is the result of one submitted task. A task's failure propagates
// only to its own handle, never to siblings or the pool itself.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task completes or ctx ends, returning the task's
// error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.err
	}
}

type pending struct {
	ctx    context.Context
	task   Task
	handle *Handle
}

// Pool runs at most limit tasks concurrently. Tasks submitted while all slots
// are busy wait in FIFO order and start as soon as a slot frees.
type Pool struct {
	mu       sync.Mutex
	limit    int
	inFlight int
	waiters  []*pending
}

// New constructs a Pool with the given maximum parallelism. Non-positive
// limits fall back to DefaultLimit.
func New(limit int) *Pool {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Pool{limit: limit}
}

// Limit returns the configured maximum parallelism.
func (p *Pool) Limit() int { return p.limit }

// InFlight returns the number of tasks currently occupying a slot.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Waiting returns the number of tasks queued behind busy slots.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Submit schedules task and returns its result handle. If a slot is free the
// task starts immediately; otherwise it joins the FIFO wait queue.
func (p *Pool) Submit(ctx context.Context, task Task) *Handle {
	h := &Handle{done: make(chan struct{})}
	p.mu.Lock()
	if p.inFlight < p.limit {
		p.inFlight++
		p.mu.Unlock()
		go p.run(ctx, task, h)
		return h
	}
	p.waiters = append(p.waiters, &pending{ctx: ctx, task: task, handle: h})
	p.mu.Unlock()
	return h
}

func (p *Pool) run(ctx context.Context, task Task, h *Handle) {
	h.err = runTask(ctx, task)
	close(h.done)
	p.release()
}

// release hands the freed slot to the oldest waiter, if any.
func (p *Pool) release() {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		next := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		go p.run(next.ctx, next.task, next.handle)
		return
	}
	p.inFlight--
	p.mu.Unlock()
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return task(ctx)
}
