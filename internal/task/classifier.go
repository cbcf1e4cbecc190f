package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/0xef53/kvmfleet/internal/task/classifiers"

	"github.com/google/uuid"
)

var (
	ErrRegistrationFailed = errors.New("cannot register classifier")
	ErrAssignmentFailed   = errors.New("cannot assign classifier")
)

// TaskClassifier groups running tasks by labels. A classifier may also
// refuse (unique labels) or postpone (limited groups) an assignment.
type TaskClassifier interface {
	Assign(context.Context, classifiers.Options, string) error
	Unassign(string)
	Get(...string) []string
	Len() int
}

// TaskClassifierDefinition binds a task to the registered classifier Name.
type TaskClassifierDefinition struct {
	Name string
	Opts classifiers.Options
}

func (o *TaskClassifierDefinition) Validate() error {
	o.Name = strings.TrimSpace(o.Name)

	if len(o.Name) == 0 {
		return fmt.Errorf("empty classifier name")
	}

	if o.Opts == nil {
		return fmt.Errorf("empty classifier options")
	}

	return nil
}

type rootClassifier struct {
	mu      sync.Mutex
	table   map[string]TaskClassifier
	aliases map[string]string
}

func newRootClassifier() *rootClassifier {
	return &rootClassifier{
		table:   make(map[string]TaskClassifier),
		aliases: make(map[string]string),
	}
}

// Register adds c under the given names, the first one is the main name.
// Without names a unique one is generated from the classifier type.
func (r *rootClassifier) Register(c TaskClassifier, names ...string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c == nil {
		return nil, fmt.Errorf("%w: empty classifier interface", ErrRegistrationFailed)
	}

	if len(names) == 0 {
		ff := strings.Split(strings.TrimLeft(fmt.Sprintf("%T", c), "*"), ".")

		names = []string{
			fmt.Sprintf("%s-%s", ff[len(ff)-1], strings.Split(uuid.New().String(), "-")[0]),
		}
	}

	for _, n := range names {
		if _, found := r.aliases[n]; found {
			return nil, fmt.Errorf("%w: name already exists: %s", ErrRegistrationFailed, n)
		}
	}

	for _, n := range names {
		r.aliases[n] = names[0]
	}

	r.table[names[0]] = c

	return names, nil
}

// Deregister removes the classifier known by name together with all
// its aliases. Unknown names are ignored.
func (r *rootClassifier) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mainName, found := r.aliases[name]
	if !found {
		return nil
	}

	for alias, v := range r.aliases {
		if v == mainName {
			delete(r.aliases, alias)
		}
	}

	delete(r.table, mainName)

	return nil
}

// Assign may block: a limited group classifier waits for a free slot
// until ctx is done.
func (r *rootClassifier) Assign(ctx context.Context, def *TaskClassifierDefinition, tid string) error {
	if def == nil {
		return fmt.Errorf("%w: empty definition", ErrAssignmentFailed)
	}

	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrAssignmentFailed, err)
	}

	r.mu.Lock()

	var c TaskClassifier

	if mainName, found := r.aliases[def.Name]; found {
		c = r.table[mainName]
	}

	r.mu.Unlock()

	if c == nil {
		return fmt.Errorf("%w: classifier not found: %s", ErrAssignmentFailed, def.Name)
	}

	if err := c.Assign(ctx, def.Opts, tid); err != nil {
		return fmt.Errorf("%w: %w", ErrAssignmentFailed, err)
	}

	return nil
}

// Reserve lets classifiers that keep a waiting line record the place
// of tid before the task goroutine starts. Others are skipped.
func (r *rootClassifier) Reserve(defs []*TaskClassifierDefinition, tid string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range defs {
		if def == nil {
			continue
		}

		mainName, found := r.aliases[strings.TrimSpace(def.Name)]
		if !found {
			continue
		}

		if c, ok := r.table[mainName].(interface{ Reserve(string) }); ok {
			c.Reserve(tid)
		}
	}
}

func (r *rootClassifier) Unassign(tid string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.table {
		c.Unassign(tid)
	}
}

func (r *rootClassifier) Get(labels ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	tids := make([]string, 0, 1)

	for _, c := range r.table {
		for _, tid := range c.Get(labels...) {
			if _, ok := seen[tid]; !ok {
				seen[tid] = struct{}{}
				tids = append(tids, tid)
			}
		}
	}

	return tids
}
