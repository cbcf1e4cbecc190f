package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/0xef53/kvmfleet/internal/backup"
	"github.com/0xef53/kvmfleet/internal/fleet"
	"github.com/0xef53/kvmfleet/internal/inventory"
	"github.com/0xef53/kvmfleet/internal/migration"
	"github.com/0xef53/kvmfleet/internal/task"
	"github.com/0xef53/kvmfleet/internal/taskstore"
	"github.com/0xef53/kvmfleet/internal/testutil"
)

type fakeFleet struct {
	tasks     map[string]*taskstore.Task
	busy      map[string]bool
	deleted   []string
	migration *fleet.MigrationRequest
	filter    taskstore.Filter
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		tasks: map[string]*taskstore.Task{
			"t1": {ID: "t1", Kind: taskstore.KindBackup, Status: taskstore.StatusRunning, SourceRef: "pve1", TotalSteps: 8, Progress: 3},
		},
		busy: make(map[string]bool),
	}
}

func (f *fakeFleet) host(name string) error {
	switch name {
	case "pve1", "pve2":
	default:
		return fmt.Errorf("%w: %s", inventory.ErrHostNotFound, name)
	}

	if f.busy[name] {
		return fmt.Errorf("cannot start: %w", &fleet.LockedError{
			Hosts:  []string{name},
			Kind:   taskstore.KindBackup,
			TaskID: "t1",
			Err:    &task.ConcurrentRunningError{TaskID: "t1"},
		})
	}

	return nil
}

func (f *fakeFleet) StartBackup(_ context.Context, host string) (string, error) {
	if err := f.host(host); err != nil {
		return "", err
	}
	if host == "pve2" {
		return "", fmt.Errorf("%w in /var/lib/kvmfleet/backups", backup.ErrNoSpace)
	}
	return "b1", nil
}

func (f *fakeFleet) StartMigration(_ context.Context, r *fleet.MigrationRequest) (string, error) {
	f.migration = r

	if r.Source == r.Target {
		return "", &fleet.ValidationError{Err: migration.ErrSameHost}
	}

	return "m1", nil
}

func (f *fakeFleet) StartScan(_ context.Context, host string) (string, error) {
	if err := f.host(host); err != nil {
		return "", err
	}
	return "s1", nil
}

func (f *fakeFleet) GetTask(_ context.Context, id string) (*taskstore.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: task %s", taskstore.ErrNotFound, id)
}

func (f *fakeFleet) ListTasks(_ context.Context, filter taskstore.Filter) ([]*taskstore.Task, error) {
	f.filter = filter

	if len(filter.Kind) > 0 && !filter.Kind.Valid() {
		return nil, &fleet.ValidationError{Err: fmt.Errorf("unknown task kind: %q", filter.Kind)}
	}

	return []*taskstore.Task{f.tasks["t1"]}, nil
}

func (f *fakeFleet) DeleteTask(ctx context.Context, id string) error {
	if _, err := f.GetTask(ctx, id); err != nil {
		return err
	}

	delete(f.tasks, id)
	f.deleted = append(f.deleted, id)

	return nil
}

func (f *fakeFleet) GetArtifact(_ context.Context, id string) (*taskstore.Artifact, error) {
	return nil, fmt.Errorf("%w: artifact %s", taskstore.ErrNotFound, id)
}

func (f *fakeFleet) ListArtifacts(_ context.Context, host string) ([]*taskstore.Artifact, error) {
	if len(host) > 0 {
		if err := f.host(host); err != nil {
			return nil, err
		}
	}

	return []*taskstore.Artifact{{ID: "a1", ServerRef: "pve1", Path: "/backups/pve1/20261017-101500", FileCount: 10, TotalSize: 4096}}, nil
}

func (f *fakeFleet) ListHosts() []*fleet.HostInfo {
	return []*fleet.HostInfo{
		{Host: &inventory.Host{Name: "pve1", Address: "10.0.0.1", Port: 22, User: "root", Kind: inventory.KindProxmox, Password: "secret"}, ActiveTasks: []string{"t1"}},
	}
}

func doRequest(t *testing.T, s *HttpServer, method, target, body string) (int, []byte) {
	t.Helper()

	var r io.Reader
	if len(body) > 0 {
		r = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, target, r)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	return resp.StatusCode, b
}

func TestStatusCodes(t *testing.T) {
	f := newFakeFleet()
	f.busy["pve1"] = true

	s := NewHttpServer(f)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"get task", http.MethodGet, "/api/v1/tasks/t1", "", http.StatusOK},
		{"missing task", http.MethodGet, "/api/v1/tasks/zzz", "", http.StatusNotFound},
		{"bad kind", http.MethodGet, "/api/v1/tasks?kind=restore", "", http.StatusBadRequest},
		{"negative limit", http.MethodGet, "/api/v1/tasks?limit=-1", "", http.StatusBadRequest},
		{"busy host", http.MethodPost, "/api/v1/backups", `{"host":"pve1"}`, http.StatusConflict},
		{"unknown host", http.MethodPost, "/api/v1/scans", `{"host":"pve9"}`, http.StatusNotFound},
		{"empty host", http.MethodPost, "/api/v1/scans", `{"host":"  "}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/v1/backups", `{"host":`, http.StatusBadRequest},
		{"no space", http.MethodPost, "/api/v1/backups", `{"host":"pve2"}`, http.StatusInsufficientStorage},
		{"scan", http.MethodPost, "/api/v1/scans", `{"host":"pve2"}`, http.StatusAccepted},
		{"same host migration", http.MethodPost, "/api/v1/migrations", `{"source":"pve1","target":"pve1","workloads":["vm:100"]}`, http.StatusBadRequest},
		{"missing artifact", http.MethodGet, "/api/v1/backups/a9", "", http.StatusNotFound},
		{"artifacts of unknown host", http.MethodGet, "/api/v1/backups?host=pve9", "", http.StatusNotFound},
		{"unknown route", http.MethodGet, "/api/v1/nothing", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		code, body := doRequest(t, s, tt.method, tt.target, tt.body)

		if code != tt.want {
			t.Fatalf("%s\n\tbody:\t%s", testutil.FormatResultString(tt.want, code, tt.name), body)
		}
	}
}

func TestStartMigration(t *testing.T) {
	f := newFakeFleet()

	s := NewHttpServer(f)

	code, body := doRequest(t, s, http.MethodPost, "/api/v1/migrations",
		`{"source":"pve1","target":"pve2","workloads":["vm:100:web","ct:101"],"targetStorage":"local-zfs","targetBridge":"vmbr1","autoId":true}`)

	if code != http.StatusAccepted {
		t.Fatalf("%s\n\tbody:\t%s", testutil.FormatResultString(http.StatusAccepted, code), body)
	}

	var resp struct {
		TaskID string `json:"taskId"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}

	if resp.TaskID != "m1" {
		t.Fatal(testutil.FormatResultString("m1", resp.TaskID))
	}

	want := fleet.MigrationRequest{
		Source:    "pve1",
		Target:    "pve2",
		Workloads: []string{"vm:100:web", "ct:101"},
		Options: migration.Options{
			TargetStorage: "local-zfs",
			TargetBridge:  "vmbr1",
			AutoID:        true,
		},
	}

	got := f.migration

	if got == nil || got.Source != want.Source || got.Target != want.Target || got.Options != want.Options || strings.Join(got.Workloads, ",") != strings.Join(want.Workloads, ",") {
		t.Fatal(testutil.FormatResultString(want, got))
	}
}

func TestTaskPolling(t *testing.T) {
	f := newFakeFleet()

	s := NewHttpServer(f)

	code, body := doRequest(t, s, http.MethodGet, "/api/v1/tasks?kind=backup&status=running&host=pve1&limit=5", "")
	if code != http.StatusOK {
		t.Fatalf("%s\n\tbody:\t%s", testutil.FormatResultString(http.StatusOK, code), body)
	}

	wantFilter := taskstore.Filter{Kind: taskstore.KindBackup, Status: taskstore.StatusRunning, Host: "pve1", Limit: 5}

	if f.filter != wantFilter {
		t.Fatal(testutil.FormatResultString(wantFilter, f.filter, "filter"))
	}

	var tasks []taskstore.Task

	if err := json.Unmarshal(body, &tasks); err != nil {
		t.Fatal(err)
	}

	if len(tasks) != 1 || tasks[0].ID != "t1" || tasks[0].Progress != 3 || tasks[0].TotalSteps != 8 {
		t.Fatalf("unexpected task list: %s", body)
	}

	if code, _ := doRequest(t, s, http.MethodDelete, "/api/v1/tasks/t1", ""); code != http.StatusNoContent {
		t.Fatal(testutil.FormatResultString(http.StatusNoContent, code, "delete"))
	}

	if code, _ := doRequest(t, s, http.MethodGet, "/api/v1/tasks/t1", ""); code != http.StatusNotFound {
		t.Fatal(testutil.FormatResultString(http.StatusNotFound, code, "get after delete"))
	}

	if code, _ := doRequest(t, s, http.MethodDelete, "/api/v1/tasks/t1", ""); code != http.StatusNotFound {
		t.Fatal(testutil.FormatResultString(http.StatusNotFound, code, "second delete"))
	}
}

func TestHostsHideSecrets(t *testing.T) {
	s := NewHttpServer(newFakeFleet())

	code, body := doRequest(t, s, http.MethodGet, "/api/v1/hosts", "")
	if code != http.StatusOK {
		t.Fatal(testutil.FormatResultString(http.StatusOK, code))
	}

	if strings.Contains(string(body), "secret") {
		t.Fatalf("secret leaked: %s", body)
	}

	var hosts []map[string]interface{}

	if err := json.Unmarshal(body, &hosts); err != nil {
		t.Fatal(err)
	}

	if len(hosts) != 1 || hosts[0]["name"] != "pve1" || hosts[0]["kind"] != "proxmox" {
		t.Fatalf("unexpected hosts: %s", body)
	}
}
