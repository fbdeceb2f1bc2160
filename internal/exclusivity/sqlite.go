package exclusivity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"packdesk/internal/domain"
)

// SQLite is an Index over the shared assignments table, safe for handlers
// running in separate processes. A claim is one INSERT against unique
// machine and holder columns; the database decides the winner, not a
// read-then-write sequence.
type SQLite struct {
	DB *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db}
}

func (s *SQLite) TryClaim(ctx context.Context, a domain.Assignment) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO assignments(machine_id,machine_name,holder_id,holder_name,task,claimed_at) VALUES (?,?,?,?,?,?)`,
		a.MachineID, a.MachineName, a.HolderID, a.HolderName, a.Task, a.ClaimedAt)
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "assignments.machine_id"), strings.Contains(msg, "assignments.machine_name"):
		return ErrAlreadyAssigned
	case strings.Contains(msg, "assignments.holder_id"):
		return ErrHolderBusy
	}
	return fmt.Errorf("%w: claim: %v", ErrUnavailable, err)
}

func (s *SQLite) Release(ctx context.Context, machineID, holderID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM assignments WHERE machine_id=? AND holder_id=?`, machineID, holderID)
	if err != nil {
		return fmt.Errorf("%w: release: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Nothing matched: either the machine is free or someone else holds it.
	_, err = s.MachineAssignment(ctx, machineID)
	if err == nil {
		return ErrHolderMismatch
	}
	return err
}

func scanAssignment(row *sql.Row) (domain.Assignment, error) {
	var a domain.Assignment
	err := row.Scan(&a.MachineID, &a.MachineName, &a.HolderID, &a.HolderName, &a.Task, &a.ClaimedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotAssigned
	}
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return a, nil
}

func (s *SQLite) MachineAssignment(ctx context.Context, machineID string) (domain.Assignment, error) {
	return scanAssignment(s.DB.QueryRowContext(ctx, `SELECT machine_id,machine_name,holder_id,holder_name,task,claimed_at FROM assignments WHERE machine_id=?`, machineID))
}

func (s *SQLite) HolderAssignment(ctx context.Context, holderID string) (domain.Assignment, error) {
	return scanAssignment(s.DB.QueryRowContext(ctx, `SELECT machine_id,machine_name,holder_id,holder_name,task,claimed_at FROM assignments WHERE holder_id=?`, holderID))
}

func (s *SQLite) AssignedMachineNames(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT machine_name FROM assignments ORDER BY machine_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return names, nil
}

func (s *SQLite) ListAssignments(ctx context.Context) ([]domain.Assignment, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT machine_id,machine_name,holder_id,holder_name,task,claimed_at FROM assignments ORDER BY machine_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		if err := rows.Scan(&a.MachineID, &a.MachineName, &a.HolderID, &a.HolderName, &a.Task, &a.ClaimedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, nil
}
