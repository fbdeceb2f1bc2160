package exclusivity_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"packdesk/internal/db"
	"packdesk/internal/domain"
	"packdesk/internal/exclusivity"
	"packdesk/internal/migrate"
)

func backends(t *testing.T) map[string]exclusivity.Index {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return map[string]exclusivity.Index{
		"memory": exclusivity.NewMemory(),
		"sqlite": exclusivity.NewSQLite(conn),
	}
}

func claim(machineID, machineName, holderID string) domain.Assignment {
	return domain.Assignment{
		MachineID:   machineID,
		MachineName: machineName,
		HolderID:    holderID,
		Task:        domain.TaskWork,
		ClaimedAt:   "2024-01-01T00:00:00Z",
	}
}

func TestClaimAndRelease(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := idx.TryClaim(ctx, claim("m1", "brave-otter", "u1")); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if err := idx.TryClaim(ctx, claim("m1", "brave-otter", "u2")); !errors.Is(err, exclusivity.ErrAlreadyAssigned) {
				t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
			}
			if err := idx.TryClaim(ctx, claim("m2", "calm-finch", "u1")); !errors.Is(err, exclusivity.ErrHolderBusy) {
				t.Fatalf("expected ErrHolderBusy, got %v", err)
			}
			if err := idx.Release(ctx, "m1", "u1"); err != nil {
				t.Fatalf("release: %v", err)
			}
			if err := idx.Release(ctx, "m1", "u1"); !errors.Is(err, exclusivity.ErrNotAssigned) {
				t.Fatalf("second release: expected ErrNotAssigned, got %v", err)
			}
			// Machine and holder are both free again.
			if err := idx.TryClaim(ctx, claim("m1", "brave-otter", "u2")); err != nil {
				t.Fatalf("reclaim: %v", err)
			}
		})
	}
}

func TestReleaseHolderMismatch(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := idx.TryClaim(ctx, claim("m1", "brave-otter", "u1")); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if err := idx.Release(ctx, "m1", "u2"); !errors.Is(err, exclusivity.ErrHolderMismatch) {
				t.Fatalf("expected ErrHolderMismatch, got %v", err)
			}
			// The assignment survives a rejected release.
			a, err := idx.MachineAssignment(ctx, "m1")
			if err != nil || a.HolderID != "u1" {
				t.Fatalf("assignment = %+v, %v", a, err)
			}
		})
	}
}

func TestLookups(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := idx.MachineAssignment(ctx, "m1"); !errors.Is(err, exclusivity.ErrNotAssigned) {
				t.Fatalf("expected ErrNotAssigned, got %v", err)
			}
			if _, err := idx.HolderAssignment(ctx, "u1"); !errors.Is(err, exclusivity.ErrNotAssigned) {
				t.Fatalf("expected ErrNotAssigned, got %v", err)
			}
			if err := idx.TryClaim(ctx, claim("m2", "calm-finch", "u2")); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if err := idx.TryClaim(ctx, claim("m1", "brave-otter", "u1")); err != nil {
				t.Fatalf("claim: %v", err)
			}
			a, err := idx.HolderAssignment(ctx, "u1")
			if err != nil || a.MachineName != "brave-otter" {
				t.Fatalf("holder assignment = %+v, %v", a, err)
			}
			names, err := idx.AssignedMachineNames(ctx)
			if err != nil {
				t.Fatalf("names: %v", err)
			}
			if len(names) != 2 || names[0] != "brave-otter" || names[1] != "calm-finch" {
				t.Fatalf("names = %v", names)
			}
			all, err := idx.ListAssignments(ctx)
			if err != nil || len(all) != 2 {
				t.Fatalf("assignments = %+v, %v", all, err)
			}
		})
	}
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const workers = 16
			var wg sync.WaitGroup
			errs := make([]error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					holder := string(rune('a' + i))
					// Retry transient store contention so every worker gets
					// a definitive win or lose.
					for {
						err := idx.TryClaim(ctx, claim("m1", "brave-otter", holder))
						if !errors.Is(err, exclusivity.ErrUnavailable) {
							errs[i] = err
							return
						}
					}
				}(i)
			}
			wg.Wait()
			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
					continue
				}
				if !errors.Is(err, exclusivity.ErrAlreadyAssigned) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if wins != 1 {
				t.Fatalf("wins = %d, want exactly 1", wins)
			}
		})
	}
}
