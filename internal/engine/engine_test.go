package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"packdesk/internal/config"
	"packdesk/internal/db"
	"packdesk/internal/domain"
	"packdesk/internal/engine"
	"packdesk/internal/exclusivity"
	"packdesk/internal/migrate"
	"packdesk/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg, exclusivity.NewSQLite(conn))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) addMachine(t *testing.T, name string) domain.Machine {
	t.Helper()
	m, err := env.Engine.CreateMachine(env.Ctx, name, 5, "", "tester")
	if err != nil {
		t.Fatalf("create machine %s: %v", name, err)
	}
	return m
}

func TestCheckOutCheckInRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.addMachine(t, "brave-otter")

	out, err := env.Engine.CheckOut(env.Ctx, engine.CheckOutOptions{
		HolderID:    "u1",
		HolderName:  "Sam",
		MachineName: "brave-otter",
		Prompt:      domain.Prompt{Condition: 4, Battery: 80, Task: domain.TaskWork, Note: "morning shift"},
	})
	if err != nil {
		t.Fatalf("check out: %v", err)
	}
	if !out.Active {
		t.Fatalf("check-out entry should be active")
	}
	if out.ID == 0 {
		t.Fatalf("expected assigned log id")
	}

	res, err := env.Engine.CheckIn(env.Ctx, engine.CheckInOptions{
		HolderID:    "u1",
		MachineName: "brave-otter",
		Condition:   3,
		Battery:     40,
	})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if res.Partial {
		t.Fatalf("unexpected partial check-in")
	}
	if res.Entry.Active {
		t.Fatalf("check-in entry should be inactive")
	}
	// The task label is copied from the assignment, not re-supplied.
	if res.Entry.Prompt.Task != domain.TaskWork {
		t.Fatalf("task = %q, want %q", res.Entry.Prompt.Task, domain.TaskWork)
	}

	entries, err := env.Engine.Repo.ListLogEntries(env.Ctx, repo.LogFilters{MachineName: "brave-otter"})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}

	// Machine is free again.
	if _, err := env.Engine.Index.MachineAssignment(env.Ctx, out.MachineID); !errors.Is(err, exclusivity.ErrNotAssigned) {
		t.Fatalf("expected machine released, got %v", err)
	}
}

func TestCheckOutConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.addMachine(t, "brave-otter")
	env.addMachine(t, "calm-finch")

	prompt := domain.Prompt{Condition: 5, Battery: 100, Task: domain.TaskWork}
	if _, err := env.Engine.CheckOut(env.Ctx, engine.CheckOutOptions{HolderID: "u1", MachineName: "brave-otter", Prompt: prompt}); err != nil {
		t.Fatalf("first check out: %v", err)
	}

	_, err := env.Engine.CheckOut(env.Ctx, engine.CheckOutOptions{HolderID: "u2", MachineName: "brave-otter", Prompt: prompt})
	if !errors.Is(err, exclusivity.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}

	_, err = env.Engine.CheckOut(env.Ctx, engine.CheckOutOptions{HolderID: "u1", MachineName: "calm-finch", Prompt: prompt})
	if !errors.Is(err, exclusivity.ErrHolderBusy) {
		t.Fatalf("expected ErrHolderBusy, got %v", err)
	}
}

func TestCheckInWithoutCheckOut(t *testing.T) {
	env := newTestEnv(t)
	env.addMachine(t, "brave-otter")

	_, err := env.Engine.CheckIn(env.Ctx, engine.CheckInOptions{HolderID: "u1", MachineName: "brave-otter", Condition: 5, Battery: 50})
	if !errors.Is(err, exclusivity.ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
}

func TestCheckInWrongMachine(t *testing.T) {
	env := newTestEnv(t)
	env.addMachine(t, "brave-otter")
	env.addMachine(t, "calm-finch")

	prompt := domain.Prompt{Condition: 5, Battery: 100, Task: domain.TaskEat}
	if _, err := env.Engine.CheckOut(env.Ctx, engine.CheckOutOptions{HolderID: "u1", MachineName: "brave-otter", Prompt: prompt}); err != nil {
		t.Fatalf("check out: %v", err)
	}
	_, err := env.Engine.CheckIn(env.Ctx, engine.CheckInOptions{HolderID: "u1", MachineName: "calm-finch", Condition: 5, Battery: 50})
	if !errors.Is(err, engine.ErrMachineMismatch) {
		t.Fatalf("expected ErrMachineMismatch, got %v", err)
	}
}

func TestAssignSkipsAssignedAndExcluded(t *testing.T) {
	env := newTestEnv(t)
	env.addMachine(t, "brave-otter")
	env.addMachine(t, "calm-finch")
	env.addMachine(t, "eager-stoat")

	prompt := domain.Prompt{Condition: 5, Battery: 100, Task: domain.TaskWork}
	if _, err := env.Engine.CheckOut(env.Ctx, engine.CheckOutOptions{HolderID: "u1", MachineName: "brave-otter", Prompt: prompt}); err != nil {
		t.Fatalf("check out: %v", err)
	}

	m, err := env.Engine.AssignMachine(env.Ctx, "u2", []string{"calm-finch"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if m.Name != "eager-stoat" {
		t.Fatalf("assigned %q, want eager-stoat", m.Name)
	}

	_, err = env.Engine.AssignMachine(env.Ctx, "u2", []string{"calm-finch", "eager-stoat"})
	if !errors.Is(err, engine.ErrNoMachineAvailable) {
		t.Fatalf("expected ErrNoMachineAvailable, got %v", err)
	}
}

func TestAssignOrdersByName(t *testing.T) {
	env := newTestEnv(t)
	env.addMachine(t, "calm-finch")
	env.addMachine(t, "brave-otter")

	m, err := env.Engine.AssignMachine(env.Ctx, "u1", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if m.Name != "brave-otter" {
		t.Fatalf("assigned %q, want brave-otter", m.Name)
	}
}

func TestReportMissing(t *testing.T) {
	env := newTestEnv(t)
	env.addMachine(t, "brave-otter")
	env.addMachine(t, "calm-finch")

	next, exclude, err := env.Engine.ReportMissing(env.Ctx, "u1", "brave-otter", nil)
	if err != nil {
		t.Fatalf("report missing: %v", err)
	}
	if next.Name != "calm-finch" {
		t.Fatalf("replacement %q, want calm-finch", next.Name)
	}
	if len(exclude) != 1 || exclude[0] != "brave-otter" {
		t.Fatalf("exclude = %v, want [brave-otter]", exclude)
	}

	reports, err := env.Engine.Repo.ListMissingReports(env.Ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list missing: %v", err)
	}
	if len(reports) != 1 || reports[0].MachineName != "brave-otter" {
		t.Fatalf("reports = %+v", reports)
	}

	// Reporting the last machine too leaves nothing to offer; the exclusion
	// set still grows.
	_, exclude, err = env.Engine.ReportMissing(env.Ctx, "u1", "calm-finch", exclude)
	if !errors.Is(err, engine.ErrNoMachineAvailable) {
		t.Fatalf("expected ErrNoMachineAvailable, got %v", err)
	}
	if len(exclude) != 2 {
		t.Fatalf("exclude = %v, want both machines", exclude)
	}
}

func TestReportMissingUnknownMachine(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.ReportMissing(env.Ctx, "u1", "no-such-machine", nil)
	if !errors.Is(err, engine.ErrMachineNotFound) {
		t.Fatalf("expected ErrMachineNotFound, got %v", err)
	}
}

func TestPromptValidation(t *testing.T) {
	env := newTestEnv(t)
	env.addMachine(t, "brave-otter")

	cases := []domain.Prompt{
		{Condition: 6, Battery: 100, Task: domain.TaskWork},
		{Condition: -1, Battery: 100, Task: domain.TaskWork},
		{Condition: 5, Battery: 101, Task: domain.TaskWork},
		{Condition: 5, Battery: -1, Task: domain.TaskWork},
		{Condition: 5, Battery: 100, Task: "juggle"},
		{Condition: 5, Battery: 100},
	}
	for _, p := range cases {
		_, err := env.Engine.CheckOut(env.Ctx, engine.CheckOutOptions{HolderID: "u1", MachineName: "brave-otter", Prompt: p})
		if !errors.Is(err, engine.ErrInvalidPrompt) {
			t.Fatalf("prompt %+v: expected ErrInvalidPrompt, got %v", p, err)
		}
	}
	// A rejected prompt must not leave a claim behind.
	active, err := env.Engine.Index.ListAssignments(env.Ctx)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no assignments, got %+v", active)
	}
}

// flakyIndex wraps an Index and fails Release a fixed number of times.
type flakyIndex struct {
	exclusivity.Index
	failures int
}

func (f *flakyIndex) Release(ctx context.Context, machineID, holderID string) error {
	if f.failures > 0 {
		f.failures--
		return exclusivity.ErrUnavailable
	}
	return f.Index.Release(ctx, machineID, holderID)
}

func TestCheckInRetriesRelease(t *testing.T) {
	env := newTestEnv(t)
	env.addMachine(t, "brave-otter")
	flaky := &flakyIndex{Index: env.Engine.Index, failures: 2}
	env.Engine.Index = flaky

	prompt := domain.Prompt{Condition: 5, Battery: 100, Task: domain.TaskWork}
	if _, err := env.Engine.CheckOut(env.Ctx, engine.CheckOutOptions{HolderID: "u1", MachineName: "brave-otter", Prompt: prompt}); err != nil {
		t.Fatalf("check out: %v", err)
	}
	res, err := env.Engine.CheckIn(env.Ctx, engine.CheckInOptions{HolderID: "u1", MachineName: "brave-otter", Condition: 5, Battery: 50})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if res.Partial {
		t.Fatalf("release succeeded within retries; should not be partial")
	}
}

func TestPartialCheckIn(t *testing.T) {
	env := newTestEnv(t)
	m := env.addMachine(t, "brave-otter")
	flaky := &flakyIndex{Index: env.Engine.Index, failures: 100}
	env.Engine.Index = flaky

	prompt := domain.Prompt{Condition: 5, Battery: 100, Task: domain.TaskWork}
	if _, err := env.Engine.CheckOut(env.Ctx, engine.CheckOutOptions{HolderID: "u1", MachineName: "brave-otter", Prompt: prompt}); err != nil {
		t.Fatalf("check out: %v", err)
	}
	res, err := env.Engine.CheckIn(env.Ctx, engine.CheckInOptions{HolderID: "u1", MachineName: "brave-otter", Condition: 5, Battery: 50})
	if err != nil {
		t.Fatalf("partial check in should still succeed: %v", err)
	}
	if !res.Partial {
		t.Fatalf("expected partial check-in")
	}
	// The closing entry is durable even though the release failed.
	entries, err := env.Engine.Repo.ListLogEntries(env.Ctx, repo.LogFilters{MachineName: m.Name})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(entries) != 2 || entries[0].Active {
		t.Fatalf("expected closing entry first, got %+v", entries)
	}
}

func TestCreateMachineValidation(t *testing.T) {
	env := newTestEnv(t)
	env.addMachine(t, "brave-otter")

	if _, err := env.Engine.CreateMachine(env.Ctx, "brave-otter", 5, "", "tester"); err == nil {
		t.Fatalf("expected duplicate name error")
	}
	if _, err := env.Engine.CreateMachine(env.Ctx, "", 5, "", "tester"); err == nil {
		t.Fatalf("expected empty name error")
	}
	if _, err := env.Engine.CreateMachine(env.Ctx, "new-one", 9, "", "tester"); err == nil {
		t.Fatalf("expected condition range error")
	}
}

func TestCreateUserAndAPIKey(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.CreateUser(env.Ctx, "sam", "hunter2", false, "tester")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	secret, key, err := env.Engine.CreateAPIKey(env.Ctx, u.ID, "laptop", "tester")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	if secret == "" || key.KeyHash == repo.HashAPIKey("") {
		t.Fatalf("expected usable secret")
	}
	found, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	if err != nil {
		t.Fatalf("lookup key: %v", err)
	}
	if found.UserID != u.ID {
		t.Fatalf("key user = %q, want %q", found.UserID, u.ID)
	}
}
