package consumer

import (
	"context"

	"github.com/pkg/errors"
)

const defaultMethodQueueSize = 128

// ErrMethodQueueClosed is returned for calls pending when the queue's
// pump shuts down.
var ErrMethodQueueClosed = errors.New("method queue closed")

// MethodQueue is a mailbox that marshals calls onto the goroutine running
// Run. The thread-delegate driver uses it to execute rebalance handling on
// the consumer's main loop, keeping all ledger mutation under one
// serialization domain.
type MethodQueue struct {
	calls chan *queuedCall
}

type queuedCall struct {
	fn   func(ctx context.Context) error
	done chan error
}

func NewMethodQueue(size int) *MethodQueue {
	return &MethodQueue{
		calls: make(chan *queuedCall, size),
	}
}

// Run pumps the queue until ctx is done, then fails every pending call.
func (q *MethodQueue) Run(ctx context.Context) {
	for {
		// shutdown takes priority over queued work
		select {
		case <-ctx.Done():
			q.failPending()
			return
		default:
		}
		select {
		case call := <-q.calls:
			call.done <- call.fn(ctx)
		case <-ctx.Done():
			q.failPending()
			return
		}
	}
}

func (q *MethodQueue) failPending() {
	for {
		select {
		case call := <-q.calls:
			call.done <- ErrMethodQueueClosed
		default:
			return
		}
	}
}

// Call enqueues fn and blocks until the pump has run it, returning fn's
// error.
func (q *MethodQueue) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	call := &queuedCall{fn: fn, done: make(chan error, 1)}
	select {
	case q.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-call.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
