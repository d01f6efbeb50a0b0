package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMethodQueueRunsCallsInOrder(t *testing.T) {
	q := NewMethodQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, q.Call(ctx, func(context.Context) error {
			order = append(order, i)
			return nil
		}))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestMethodQueuePropagatesErrors(t *testing.T) {
	q := NewMethodQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	boom := errors.New("boom")
	err := q.Call(ctx, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestMethodQueueFailsPendingOnShutdown(t *testing.T) {
	q := NewMethodQueue(8)
	runCtx, stop := context.WithCancel(context.Background())

	// enqueue before the pump starts so the call is pending at shutdown
	pending := make(chan error, 1)
	go func() {
		pending <- q.Call(context.Background(), func(context.Context) error { return nil })
	}()

	// wait for the call to be queued, then run a pump whose context is
	// already cancelled
	time.Sleep(20 * time.Millisecond)
	stop()
	go q.Run(runCtx)

	select {
	case err := <-pending:
		assert.ErrorIs(t, err, ErrMethodQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call was not failed on shutdown")
	}
}

func TestMethodQueueCallHonorsCallerContext(t *testing.T) {
	q := NewMethodQueue(1)
	// no pump running: Call must give up when the caller's context ends
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Call(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
