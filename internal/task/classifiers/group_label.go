package classifiers

import (
	"context"
	"fmt"
	"sync"
)

// GroupLabelOptions puts a task into one or more groups,
// for example into the groups of all hosts it touches.
type GroupLabelOptions struct {
	Label  string
	Extra  []string
	labels []string
}

func (o *GroupLabelOptions) Labels() []string {
	return o.labels
}

func (o *GroupLabelOptions) Validate() error {
	o.labels = o.labels[:0]

	for _, l := range append([]string{o.Label}, o.Extra...) {
		if l = normalize(l); len(l) > 0 {
			o.labels = append(o.labels, l)
		}
	}

	if len(o.labels) == 0 {
		return fmt.Errorf("empty label")
	}

	return nil
}

type GroupLabelClassifier struct {
	mu    sync.Mutex
	items map[string]map[string]struct{}
}

func NewGroupLabelClassifier() *GroupLabelClassifier {
	return &GroupLabelClassifier{
		items: make(map[string]map[string]struct{}),
	}
}

func (c *GroupLabelClassifier) Assign(_ context.Context, opts Options, tid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tid = normalize(tid)

	if len(tid) == 0 {
		return fmt.Errorf("group-label-classifier: %w: empty tid", ErrValidationFailed)
	}

	if opts == nil {
		return fmt.Errorf("group-label-classifier: %w: empty opts", ErrValidationFailed)
	}

	if err := opts.Validate(); err != nil {
		return fmt.Errorf("group-label-classifier: %w: %w", ErrValidationFailed, err)
	}

	for _, label := range opts.Labels() {
		if group, found := c.items[label]; found {
			if _, found := group[tid]; found {
				return fmt.Errorf("group-label-classifier: %w: already exists in group %s: %s", ErrAssignmentFailed, label, tid)
			}
		}
	}

	for _, label := range opts.Labels() {
		if _, found := c.items[label]; !found {
			c.items[label] = make(map[string]struct{})
		}
		c.items[label][tid] = struct{}{}
	}

	return nil
}

func (c *GroupLabelClassifier) Unassign(tid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tid = normalize(tid)

	for label, group := range c.items {
		delete(group, tid)

		if len(group) == 0 {
			delete(c.items, label)
		}
	}
}

func (c *GroupLabelClassifier) Get(labels ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	tids := make([]string, 0, 1)

	for _, label := range labels {
		for tid := range c.items[normalize(label)] {
			tids = append(tids, tid)
		}
	}

	return tids
}

func (c *GroupLabelClassifier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}
