// Package exclusivity guarantees at-most-one active holder per machine and
// at-most-one held machine per holder. A claim is a single atomic conditional
// write: concurrent claims for the same machine resolve to exactly one
// success, with the loser seeing ErrAlreadyAssigned.
package exclusivity

import (
	"context"
	"errors"

	"packdesk/internal/domain"
)

var (
	// ErrAlreadyAssigned means the machine has an active holder.
	ErrAlreadyAssigned = errors.New("machine already assigned")
	// ErrHolderBusy means the holder already holds a different machine.
	ErrHolderBusy = errors.New("holder already holds a machine")
	// ErrNotAssigned means no active assignment exists for the machine.
	ErrNotAssigned = errors.New("machine not assigned")
	// ErrHolderMismatch means the active assignment belongs to a different holder.
	ErrHolderMismatch = errors.New("assignment held by different holder")
	// ErrUnavailable means the backing store could not be reached.
	ErrUnavailable = errors.New("exclusivity store unavailable")
)

// Index answers "is machine M assigned?" and "does holder U hold a machine?"
// and provides atomic claim/release.
type Index interface {
	// TryClaim records a new assignment. Fails with ErrAlreadyAssigned if the
	// machine has a holder, ErrHolderBusy if the holder has a machine. On
	// success the claim is immediately visible to subsequent queries.
	TryClaim(ctx context.Context, a domain.Assignment) error
	// Release removes an assignment. Fails with ErrNotAssigned if none exists
	// for the machine, ErrHolderMismatch if it belongs to another holder.
	Release(ctx context.Context, machineID, holderID string) error
	// MachineAssignment returns the active assignment for a machine, or
	// ErrNotAssigned.
	MachineAssignment(ctx context.Context, machineID string) (domain.Assignment, error)
	// HolderAssignment returns the machine currently held by holderID, or
	// ErrNotAssigned.
	HolderAssignment(ctx context.Context, holderID string) (domain.Assignment, error)
	// AssignedMachineNames returns a point-in-time snapshot of the names of
	// all assigned machines.
	AssignedMachineNames(ctx context.Context) ([]string, error)
	// ListAssignments returns every active assignment.
	ListAssignments(ctx context.Context) ([]domain.Assignment, error)
}
