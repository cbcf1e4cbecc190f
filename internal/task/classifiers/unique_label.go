package classifiers

import (
	"context"
	"fmt"
	"sync"
)

// UniqueLabelOptions assigns a task to a label that at most one task
// may hold at a time.
type UniqueLabelOptions struct {
	Label string
}

func (o *UniqueLabelOptions) Labels() []string {
	return []string{o.Label}
}

func (o *UniqueLabelOptions) Validate() error {
	o.Label = normalize(o.Label)

	if len(o.Label) == 0 {
		return fmt.Errorf("empty label")
	}

	return nil
}

type UniqueLabelClassifier struct {
	mu    sync.Mutex
	items map[string]string // label -> tid
}

func NewUniqueLabelClassifier() *UniqueLabelClassifier {
	return &UniqueLabelClassifier{
		items: make(map[string]string),
	}
}

func (c *UniqueLabelClassifier) Assign(_ context.Context, opts Options, tid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tid = normalize(tid)

	if len(tid) == 0 {
		return fmt.Errorf("unique-label-classifier: %w: empty tid", ErrValidationFailed)
	}

	if opts == nil {
		return fmt.Errorf("unique-label-classifier: %w: empty opts", ErrValidationFailed)
	}

	if err := opts.Validate(); err != nil {
		return fmt.Errorf("unique-label-classifier: %w: %w", ErrValidationFailed, err)
	}

	labels := opts.Labels()

	for _, label := range labels {
		if owner, found := c.items[label]; found && owner != tid {
			return fmt.Errorf("unique-label-classifier: %w: label is already taken: %s", ErrAssignmentFailed, label)
		}
	}

	for _, label := range labels {
		c.items[label] = tid
	}

	return nil
}

func (c *UniqueLabelClassifier) Unassign(tid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tid = normalize(tid)

	for label, owner := range c.items {
		if owner == tid {
			delete(c.items, label)
		}
	}
}

func (c *UniqueLabelClassifier) Get(labels ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	tids := make([]string, 0, 1)

	for _, label := range labels {
		if tid, found := c.items[normalize(label)]; found {
			tids = append(tids, tid)
		}
	}

	return tids
}

func (c *UniqueLabelClassifier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}
