// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

// deliveryQueue runs functions one at a time, in submission order, on
// its own goroutine. Handlers reached through a queue are never called
// concurrently and never re-entered from the goroutine that queued
// them.
type deliveryQueue struct {
	mu      sync.Mutex
	wake    *sync.Cond
	queue   []func()
	running bool
	stopped bool
	idle    chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	q := &deliveryQueue{idle: make(chan struct{})}
	close(q.idle)
	q.wake = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// push schedules fn. Functions pushed after stop are dropped.
func (q *deliveryQueue) push(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if len(q.queue) == 0 && !q.running {
		q.idle = make(chan struct{})
	}
	q.queue = append(q.queue, fn)
	q.wake.Signal()
}

// settle blocks until the queue is empty and nothing is running.
func (q *deliveryQueue) settle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 && !q.running {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *deliveryQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.wake.Broadcast()
}

func (q *deliveryQueue) run() {
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.stopped {
			q.wake.Wait()
		}
		if q.stopped {
			q.queue = nil
			if !q.running {
				select {
				case <-q.idle:
				default:
					close(q.idle)
				}
			}
			q.mu.Unlock()
			return
		}
		next := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.running = true
		q.mu.Unlock()

		next()

		q.mu.Lock()
		q.running = false
		if len(q.queue) == 0 {
			close(q.idle)
		}
		q.mu.Unlock()
	}
}
