package consumer

import (
	"context"
	"sync"

	"github.com/rillstream/rill/pkg/ingest"
)

// event is a resettable latch. Waiters block until Set; Clear re-arms it.
type event struct {
	mtx sync.Mutex
	ch  chan struct{}
	set bool
}

func newEvent() *event {
	return &event{ch: make(chan struct{})}
}

func (e *event) Set() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

func (e *event) Clear() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

func (e *event) Wait(ctx context.Context) error {
	e.mtx.Lock()
	ch := e.ch
	e.mtx.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopFlow suspends the fetch loop. Records already fetched stop being
// dispatched at the next record boundary.
func (c *Consumer) StopFlow() {
	c.mtx.Lock()
	c.flowActive = false
	c.mtx.Unlock()
	c.canResumeFlow.Clear()
}

// ResumeFlow releases a fetch loop suspended by StopFlow.
func (c *Consumer) ResumeFlow() {
	c.mtx.Lock()
	c.flowActive = true
	c.mtx.Unlock()
	c.canResumeFlow.Set()
}

func (c *Consumer) isFlowActive() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.flowActive
}

// PausePartitions removes tps from the active set so the next fetch cycle
// stops pulling from them.
func (c *Consumer) PausePartitions(tps []ingest.TopicPartition) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.activePartitionsLocked().Remove(tps...)
	c.pausedPartitions.Add(tps...)
}

// ResumePartitions re-adds tps to the active set.
func (c *Consumer) ResumePartitions(tps []ingest.TopicPartition) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.activePartitionsLocked().Add(tps...)
	c.pausedPartitions.Remove(tps...)
}

// activePartitionsLocked returns the active set, deriving it from the
// current assignment minus paused partitions on first use after a rebalance.
// Caller must hold c.mtx.
func (c *Consumer) activePartitionsLocked() ingest.PartitionSet {
	if c.activePartitions == nil {
		active := c.driver.Assignment()
		for tp := range c.pausedPartitions {
			delete(active, tp)
		}
		c.activePartitions = active
	}
	return c.activePartitions
}

func (c *Consumer) getActivePartitions() ingest.PartitionSet {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.activePartitionsLocked().Clone()
}

func (c *Consumer) isActive(tp ingest.TopicPartition) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.activePartitionsLocked().Contains(tp)
}
