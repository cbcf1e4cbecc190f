package classifiers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LimitedGroupOptions carries nothing: the group label and its size
// are fixed when the classifier is created.
type LimitedGroupOptions struct{}

func (o *LimitedGroupOptions) Labels() []string {
	return nil
}

func (o *LimitedGroupOptions) Validate() error {
	return nil
}

// LimitedGroupClassifier admits at most size tasks at a time.
// Waiting tasks are admitted in the order they were reserved (or,
// without a reservation, in the order Assign was called). Assign blocks
// until the task is first in line and a slot is free, the context
// is done or the timeout expires.
type LimitedGroupClassifier struct {
	mu      sync.Mutex
	items   map[string]struct{}
	queue   []string
	label   string
	size    int
	freed   chan struct{}
	timeout time.Duration
}

func NewLimitedGroupClassifier(label string, size int, timeout time.Duration) *LimitedGroupClassifier {
	if size < 1 {
		size = 1
	}

	return &LimitedGroupClassifier{
		items:   make(map[string]struct{}),
		freed:   make(chan struct{}),
		label:   normalize(label),
		size:    size,
		timeout: timeout,
	}
}

// Reserve puts tid in line without blocking. The pool calls it before
// launching the task goroutine, so the line follows the start order.
func (c *LimitedGroupClassifier) Reserve(tid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enqueue(normalize(tid))
}

func (c *LimitedGroupClassifier) enqueue(tid string) {
	if len(tid) == 0 {
		return
	}

	if _, found := c.items[tid]; found {
		return
	}

	for _, v := range c.queue {
		if v == tid {
			return
		}
	}

	c.queue = append(c.queue, tid)
}

// dequeue must be called with c.mu held.
func (c *LimitedGroupClassifier) dequeue(tid string) bool {
	for idx, v := range c.queue {
		if v == tid {
			c.queue = append(c.queue[:idx], c.queue[idx+1:]...)

			// The head of the line may have changed
			c.wakeUp()

			return true
		}
	}

	return false
}

// wakeUp must be called with c.mu held.
func (c *LimitedGroupClassifier) wakeUp() {
	close(c.freed)
	c.freed = make(chan struct{})
}

func (c *LimitedGroupClassifier) Assign(ctx context.Context, _ Options, tid string) error {
	tid = normalize(tid)

	if len(tid) == 0 {
		return fmt.Errorf("limited-group-classifier: %w: empty tid", ErrValidationFailed)
	}

	var timeout <-chan time.Time

	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()

		timeout = timer.C
	}

	c.mu.Lock()

	if _, found := c.items[tid]; found {
		c.mu.Unlock()
		return fmt.Errorf("limited-group-classifier: %w: already exists: %s", ErrAssignmentFailed, tid)
	}

	c.enqueue(tid)

	c.mu.Unlock()

	leave := func(err error) error {
		c.mu.Lock()
		c.dequeue(tid)
		c.mu.Unlock()

		return fmt.Errorf("limited-group-classifier: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return leave(err)
		}

		c.mu.Lock()

		if len(c.items) < c.size && len(c.queue) > 0 && c.queue[0] == tid {
			c.queue = c.queue[1:]
			c.items[tid] = struct{}{}

			// Let the next one in line check for a free slot
			c.wakeUp()

			c.mu.Unlock()
			return nil
		}

		freed := c.freed

		c.mu.Unlock()

		select {
		case <-freed:
		case <-ctx.Done():
			return leave(ctx.Err())
		case <-timeout:
			return leave(ErrAssignmentTimeout)
		}
	}
}

// Unassign releases the slot of tid or removes it from the line.
func (c *LimitedGroupClassifier) Unassign(tid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tid = normalize(tid)

	if _, found := c.items[tid]; found {
		delete(c.items, tid)
		c.wakeUp()
		return
	}

	c.dequeue(tid)
}

// Waiting returns the tids in line, first to be admitted first.
func (c *LimitedGroupClassifier) Waiting() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.queue...)
}

func (c *LimitedGroupClassifier) Get(labels ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, label := range labels {
		if normalize(label) == c.label {
			tids := make([]string, 0, len(c.items))

			for tid := range c.items {
				tids = append(tids, tid)
			}

			return tids
		}
	}

	return nil
}

func (c *LimitedGroupClassifier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}
