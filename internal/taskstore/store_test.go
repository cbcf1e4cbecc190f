package taskstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/0xef53/kvmfleet/internal/testutil"
)

func openTestStore(t *testing.T) (*Store, *testclock.Clock) {
	t.Helper()

	clk := testclock.NewClock(time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC))

	s, err := Open(Config{
		Path:  filepath.Join(t.TempDir(), "tasks.db"),
		Clock: clk,
	})
	if err != nil {
		t.Fatalf("open: %s", err)
	}

	t.Cleanup(func() { s.Close() })

	return s, clk
}

func createTestTask(t *testing.T, s *Store, kind Kind, source string, steps ...string) string {
	t.Helper()

	id, err := s.CreateTask(context.Background(), TaskSpec{Kind: kind, SourceRef: source, Steps: steps})
	if err != nil {
		t.Fatalf("create task: %s", err)
	}

	return id
}

func TestCreateAndGetTask(t *testing.T) {
	s, _ := openTestStore(t)

	ctx := context.Background()

	id, err := s.CreateTask(ctx, TaskSpec{
		Kind:      KindMigration,
		SourceRef: "pve1",
		TargetRef: "pve2",
		Steps:     []string{"vm 101", "vm 102", "ct 200"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if task.Status != StatusPending || task.Progress != 0 || task.TotalSteps != 3 {
		t.Fatal(testutil.FormatResultString("pending 0/3", fmt.Sprintf("%s %d/%d", task.Status, task.Progress, task.TotalSteps)))
	}

	if task.SourceRef != "pve1" || task.TargetRef != "pve2" {
		t.Fatal(testutil.FormatResultString("pve1 -> pve2", task.SourceRef+" -> "+task.TargetRef))
	}

	if task.CompletedAt != nil {
		t.Fatal(testutil.FormatResultString(nil, task.CompletedAt, "completedAt"))
	}

	want := []string{"vm 101", "vm 102", "ct 200"}

	for i, step := range task.Steps {
		if step.Name != want[i] || step.Status != StepPending {
			t.Fatal(testutil.FormatResultString(want[i]+" pending", step.Name+" "+string(step.Status)))
		}
	}
}

func TestCreateTaskWithExplicitID(t *testing.T) {
	s, _ := openTestStore(t)

	id, err := s.CreateTask(context.Background(), TaskSpec{ID: "fixed-id", Kind: KindScan, SourceRef: "pve1", Steps: []string{"connect"}})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if id != "fixed-id" {
		t.Fatal(testutil.FormatResultString("fixed-id", id))
	}

	// Duplicate identifiers are rejected by the primary key
	if _, err := s.CreateTask(context.Background(), TaskSpec{ID: "fixed-id", Kind: KindScan, SourceRef: "pve1", Steps: []string{"connect"}}); err == nil {
		t.Fatal(testutil.FormatResultString("error", nil))
	}
}

func TestCreateTaskValidation(t *testing.T) {
	s, _ := openTestStore(t)

	tests := []struct {
		name string
		spec TaskSpec
	}{
		{"unknown kind", TaskSpec{Kind: "reboot", SourceRef: "h", Steps: []string{"a"}}},
		{"no source", TaskSpec{Kind: KindBackup, Steps: []string{"a"}}},
		{"no steps", TaskSpec{Kind: KindBackup, SourceRef: "h"}},
		{"empty step", TaskSpec{Kind: KindBackup, SourceRef: "h", Steps: []string{"a", ""}}},
	}

	for _, tt := range tests {
		if _, err := s.CreateTask(context.Background(), tt.spec); !errors.Is(err, ErrInvalidTask) {
			t.Fatal(testutil.FormatResultString(ErrInvalidTask, err, tt.name))
		}
	}
}

func TestUpdateStepProgress(t *testing.T) {
	s, _ := openTestStore(t)

	ctx := context.Background()

	id := createTestTask(t, s, KindBackup, "pve1", "connect", "archive", "record")

	updates := []struct {
		idx      int
		status   StepStatus
		progress int
	}{
		{0, StepRunning, 0},
		{0, StepCompleted, 1},
		{1, StepRunning, 1},
		{1, StepCompleted, 2},
		{2, StepRunning, 2},
		{2, StepCompleted, 3},
	}

	prev := 0

	for _, u := range updates {
		if err := s.UpdateStep(ctx, id, u.idx, u.status, ""); err != nil {
			t.Fatalf("update step %d: %s", u.idx, err)
		}

		task, err := s.GetTask(ctx, id)
		if err != nil {
			t.Fatal(err)
		}

		if task.Progress != u.progress {
			t.Fatal(testutil.FormatResultString(u.progress, task.Progress))
		}

		if task.Progress < prev || task.Progress > task.TotalSteps {
			t.Fatalf("progress out of bounds: %d (prev = %d, total = %d)", task.Progress, prev, task.TotalSteps)
		}

		prev = task.Progress
	}
}

func TestUpdateStepErrors(t *testing.T) {
	s, _ := openTestStore(t)

	ctx := context.Background()

	id := createTestTask(t, s, KindBackup, "pve1", "connect", "archive")

	if err := s.UpdateStep(ctx, id, 2, StepRunning, ""); !errors.Is(err, ErrInvalidStep) {
		t.Fatal(testutil.FormatResultString(ErrInvalidStep, err, "out of range"))
	}

	if err := s.UpdateStep(ctx, id, -1, StepRunning, ""); !errors.Is(err, ErrInvalidStep) {
		t.Fatal(testutil.FormatResultString(ErrInvalidStep, err, "negative"))
	}

	if err := s.UpdateStep(ctx, id, 0, "skipped", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Fatal(testutil.FormatResultString(ErrInvalidStatus, err, "unknown status"))
	}

	if err := s.UpdateStep(ctx, "missing", 0, StepRunning, ""); !errors.Is(err, ErrNotFound) {
		t.Fatal(testutil.FormatResultString(ErrNotFound, err, "missing task"))
	}

	if err := s.UpdateStep(ctx, id, 0, StepCompleted, ""); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateStep(ctx, id, 0, StepFailed, "boom"); !errors.Is(err, ErrInvalidStep) {
		t.Fatal(testutil.FormatResultString(ErrInvalidStep, err, "completed step"))
	}

	if err := s.UpdateStep(ctx, id, 1, StepFailed, "tar: exit code 2"); err != nil {
		t.Fatal(err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	if task.Steps[1].Status != StepFailed || task.Steps[1].Error != "tar: exit code 2" {
		t.Fatal(testutil.FormatResultString("failed: tar: exit code 2", task.Steps[1]))
	}

	if !strings.Contains(task.Log, `"archive": failed: tar: exit code 2`) {
		t.Fatalf("the failure is not in the log:\n%s", task.Log)
	}
}

func TestFinalizeIsTerminal(t *testing.T) {
	s, clk := openTestStore(t)

	ctx := context.Background()

	id := createTestTask(t, s, KindScan, "pve1", "connect")

	if err := s.Finalize(ctx, id, StatusRunning); !errors.Is(err, ErrInvalidStatus) {
		t.Fatal(testutil.FormatResultString(ErrInvalidStatus, err))
	}

	if err := s.MarkRunning(ctx, id); err != nil {
		t.Fatal(err)
	}

	clk.Advance(5 * time.Second)

	if err := s.Finalize(ctx, id, StatusFailed); err != nil {
		t.Fatal(err)
	}

	mutations := map[string]func() error{
		"finalize":     func() error { return s.Finalize(ctx, id, StatusCompleted) },
		"update step":  func() error { return s.UpdateStep(ctx, id, 0, StepCompleted, "") },
		"current step": func() error { return s.SetCurrentStep(ctx, id, "connect") },
		"append log":   func() error { return s.AppendLog(ctx, id, "late") },
		"mark running": func() error { return s.MarkRunning(ctx, id) },
	}

	for name, fn := range mutations {
		if err := fn(); !errors.Is(err, ErrTerminal) {
			t.Fatal(testutil.FormatResultString(ErrTerminal, err, name))
		}
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	if task.Status != StatusFailed {
		t.Fatal(testutil.FormatResultString(StatusFailed, task.Status))
	}

	if task.CompletedAt == nil || !task.CompletedAt.Equal(clk.Now().UTC()) {
		t.Fatal(testutil.FormatResultString(clk.Now(), task.CompletedAt, "completedAt"))
	}

	if !task.UpdatedAt.After(task.CreatedAt) {
		t.Fatalf("updatedAt (%s) must be after createdAt (%s)", task.UpdatedAt, task.CreatedAt)
	}
}

func TestAppendLogAndCurrentStep(t *testing.T) {
	s, _ := openTestStore(t)

	ctx := context.Background()

	id := createTestTask(t, s, KindBackup, "pve1", "archive")

	if err := s.SetCurrentStep(ctx, id, "archive: streaming"); err != nil {
		t.Fatal(err)
	}

	if err := s.AppendLog(ctx, id, "first line\nsecond line\n"); err != nil {
		t.Fatal(err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	if task.CurrentStep != "archive: streaming" {
		t.Fatal(testutil.FormatResultString("archive: streaming", task.CurrentStep))
	}

	for _, line := range []string{"[10:30:00] first line\n", "[10:30:00] second line\n"} {
		if !strings.Contains(task.Log, line) {
			t.Fatalf("log line %q is missing:\n%s", line, task.Log)
		}
	}
}

func TestDeleteTaskRemovesSteps(t *testing.T) {
	s, _ := openTestStore(t)

	ctx := context.Background()

	id := createTestTask(t, s, KindMigration, "pve1", "vm 100", "vm 101")
	other := createTestTask(t, s, KindMigration, "pve1", "vm 200")

	if err := s.DeleteTask(ctx, id); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetTask(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatal(testutil.FormatResultString(ErrNotFound, err))
	}

	if err := s.DeleteTask(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatal(testutil.FormatResultString(ErrNotFound, err, "second delete"))
	}

	conn, err := s.take(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.pool.Put(conn)

	counts := make(map[string]int)

	err = sqlitex.Execute(conn, `SELECT task_id, COUNT(*) FROM task_steps GROUP BY task_id`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			counts[stmt.ColumnText(0)] = stmt.ColumnInt(1)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if counts[id] != 0 || counts[other] != 1 {
		t.Fatal(testutil.FormatResultString("deleted: 0, other: 1", counts))
	}
}

func TestListTasks(t *testing.T) {
	s, clk := openTestStore(t)

	ctx := context.Background()

	ids := make([]string, 0, 4)

	for _, spec := range []TaskSpec{
		{Kind: KindBackup, SourceRef: "pve1", Steps: []string{"a"}},
		{Kind: KindBackup, SourceRef: "pve2", Steps: []string{"a"}},
		{Kind: KindMigration, SourceRef: "pve1", TargetRef: "pve3", Steps: []string{"a"}},
		{Kind: KindScan, SourceRef: "pve3", Steps: []string{"a"}},
	} {
		id, err := s.CreateTask(ctx, spec)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
		clk.Advance(time.Second)
	}

	if err := s.Finalize(ctx, ids[0], StatusCompleted); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{ids[3], ids[2], ids[1], ids[0]}},
		{"kind", Filter{Kind: KindBackup}, []string{ids[1], ids[0]}},
		{"status", Filter{Status: StatusCompleted}, []string{ids[0]}},
		{"host as source or target", Filter{Host: "pve3"}, []string{ids[3], ids[2]}},
		{"limit", Filter{Limit: 2}, []string{ids[3], ids[2]}},
		{"combined", Filter{Kind: KindBackup, Host: "pve1", Status: StatusPending}, []string{}},
	}

	for _, tt := range tests {
		tasks, err := s.ListTasks(ctx, tt.filter)
		if err != nil {
			t.Fatal(err)
		}

		got := make([]string, 0, len(tasks))
		for _, task := range tasks {
			got = append(got, task.ID)
		}

		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Fatal(testutil.FormatResultString(tt.want, got, tt.name))
		}
	}
}

func TestMarkInterrupted(t *testing.T) {
	s, _ := openTestStore(t)

	ctx := context.Background()

	running := createTestTask(t, s, KindBackup, "pve1", "connect", "archive")
	pending := createTestTask(t, s, KindScan, "pve2", "connect")
	done := createTestTask(t, s, KindScan, "pve3", "connect")

	if err := s.MarkRunning(ctx, running); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStep(ctx, running, 0, StepCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStep(ctx, running, 1, StepRunning, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Finalize(ctx, done, StatusCompleted); err != nil {
		t.Fatal(err)
	}

	n, err := s.MarkInterrupted(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if n != 2 {
		t.Fatal(testutil.FormatResultString(2, n))
	}

	task, err := s.GetTask(ctx, running)
	if err != nil {
		t.Fatal(err)
	}

	if task.Status != StatusFailed || task.CompletedAt == nil {
		t.Fatal(testutil.FormatResultString(StatusFailed, task.Status))
	}

	if task.Steps[0].Status != StepCompleted || task.Steps[1].Status != StepFailed {
		t.Fatal(testutil.FormatResultString("completed, failed", task.Steps))
	}

	for _, id := range []string{pending, done} {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			t.Fatal(err)
		}

		want := StatusFailed
		if id == done {
			want = StatusCompleted
		}

		if task.Status != want {
			t.Fatal(testutil.FormatResultString(want, task.Status, id))
		}
	}
}

func TestConcurrentReadersWhileWriting(t *testing.T) {
	s, _ := openTestStore(t)

	ctx := context.Background()

	steps := make([]string, 20)
	for i := range steps {
		steps[i] = "step"
	}

	id := createTestTask(t, s, KindMigration, "pve1", steps...)

	done := make(chan struct{})
	errs := make(chan error, 4)

	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			prev := 0

			for n := 0; ; n++ {
				select {
				case <-done:
					return
				default:
				}

				var task *Task
				var err error

				// Alternate both read paths
				if n%2 == 0 {
					task, err = s.GetTask(ctx, id)
				} else {
					var tasks []*Task
					if tasks, err = s.ListTasks(ctx, Filter{Host: "pve1"}); err == nil {
						if len(tasks) != 1 {
							err = fmt.Errorf("expected one task, got %d", len(tasks))
						} else {
							task = tasks[0]
						}
					}
				}
				if err != nil {
					errs <- err
					return
				}

				if task.Progress < prev || task.Progress > task.TotalSteps {
					errs <- errors.New("progress is out of bounds or decreased")
					return
				}

				var completed int

				for _, st := range task.Steps {
					if st.Status == StepCompleted {
						completed++
					}
				}

				if completed != task.Progress {
					errs <- fmt.Errorf("inconsistent snapshot: progress %d, completed steps %d", task.Progress, completed)
					return
				}

				prev = task.Progress
			}
		}()
	}

	for idx := range steps {
		if err := s.UpdateStep(ctx, id, idx, StepRunning, ""); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateStep(ctx, id, idx, StepCompleted, ""); err != nil {
			t.Fatal(err)
		}
	}

	close(done)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatal(err)
	}
}

func TestArtifacts(t *testing.T) {
	s, clk := openTestStore(t)

	ctx := context.Background()

	first := Artifact{ServerRef: "pve1", Path: "/var/lib/kvmfleet/backups/pve1/20240517-103000", FileCount: 412, TotalSize: 1 << 20, Checksum: "abc"}

	if err := s.CreateArtifact(ctx, &first); err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Minute)

	second := Artifact{ServerRef: "pve1", Path: "/var/lib/kvmfleet/backups/pve1/20240517-103100", FileCount: 413}

	if err := s.CreateArtifact(ctx, &second); err != nil {
		t.Fatal(err)
	}

	other := Artifact{ServerRef: "pve2", Path: "/x"}

	if err := s.CreateArtifact(ctx, &other); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetArtifact(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}

	if got.FileCount != 412 || got.TotalSize != 1<<20 || got.Checksum != "abc" || got.Status != "completed" {
		t.Fatal(testutil.FormatResultString(first, *got))
	}

	list, err := s.ListArtifacts(ctx, "pve1")
	if err != nil {
		t.Fatal(err)
	}

	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatal(testutil.FormatResultString("newest first", list))
	}

	all, err := s.ListArtifacts(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	if len(all) != 3 {
		t.Fatal(testutil.FormatResultString(3, len(all)))
	}

	if err := s.DeleteArtifact(ctx, first.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetArtifact(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal(testutil.FormatResultString(ErrNotFound, err))
	}

	if err := s.DeleteArtifact(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal(testutil.FormatResultString(ErrNotFound, err, "second delete"))
	}
}
