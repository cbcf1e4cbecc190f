package progress_bar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/gosuri/uiprogress/util/strutil"
	"golang.org/x/sync/errgroup"
)

// Progress values with a special meaning
const (
	Failed    = -1
	Cancelled = -2
)

// UpdateFunc moves the bar of the named task. The label is shown
// next to the bar, usually the name of the current step.
type UpdateFunc func(name string, progress int, label string)

type update struct {
	progress int
	label    string
}

type ProgressBar struct {
	sync.Mutex

	barNames []string
	poller   func(context.Context, UpdateFunc) error

	err error
}

func NewProgressBar(poller func(context.Context, UpdateFunc) error, bars ...string) *ProgressBar {
	return &ProgressBar{
		poller:   poller,
		barNames: bars,
	}
}

// Show renders the bars until the poller returns.
func (b *ProgressBar) Show(ctx context.Context) {
	group, ctx := errgroup.WithContext(ctx)

	barPipes := make(map[string]chan update)

	for _, name := range b.barNames {
		barPipes[name] = make(chan update)
	}

	group.Go(func() error {
		defer func() {
			for _, pipe := range barPipes {
				close(pipe)
			}
		}()

		return b.poller(ctx, func(name string, p int, label string) {
			if pipe, ok := barPipes[name]; ok {
				pipe <- update{p, label}
			}
		})
	})

	group.Go(func() error {
		var wg sync.WaitGroup

		progress := uiprogress.New()
		progress.SetRefreshInterval(200 * time.Millisecond)

		for _, name := range b.barNames {
			wg.Add(1)

			go b.renderer(progress.AddBar(100).AppendCompleted(), name, barPipes[name], &wg)
		}

		progress.Start()
		defer func() {
			progress.Stop()
			fmt.Println()
		}()

		wg.Wait()

		return nil
	})

	err := group.Wait()

	b.Lock()
	defer b.Unlock()

	b.err = err
}

func (b *ProgressBar) Err() error {
	b.Lock()
	defer b.Unlock()

	return b.err
}

func (b *ProgressBar) renderer(bar *uiprogress.Bar, name string, pipe <-chan update, wg *sync.WaitGroup) {
	defer wg.Done()

	bar.Width = 40

	var (
		mu     sync.Mutex
		status = "waiting"
	)

	bar.PrependFunc(func(_ *uiprogress.Bar) string {
		mu.Lock()
		defer mu.Unlock()

		return strutil.Resize(fmt.Sprintf("%s: %s", name, status), 40)
	})

	bar.Set(0)

	for u := range pipe {
		mu.Lock()

		switch {
		case u.progress == Failed:
			status = "failed at " + u.label
		case u.progress == Cancelled:
			status = "cancelled"
		case u.progress >= 100:
			status = "completed"
			u.progress = 100
		case len(u.label) > 0:
			status = u.label
		}

		mu.Unlock()

		if u.progress >= 0 {
			bar.Set(u.progress)
		}
	}
}
