package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"packdesk/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanMachine(row *sql.Row) (domain.Machine, error) {
	var m domain.Machine
	var note sql.NullString
	err := row.Scan(&m.ID, &m.Name, &m.Condition, &note, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if note.Valid {
		m.Note = note.String
	}
	return m, err
}

func (r Repo) InsertMachine(ctx context.Context, tx *sql.Tx, m domain.Machine) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO machines(id,name,condition,note,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.Name, m.Condition, nullable(m.Note), m.CreatedAt)
	return err
}

func (r Repo) GetMachine(ctx context.Context, id string) (domain.Machine, error) {
	return scanMachine(r.DB.QueryRowContext(ctx, `SELECT id,name,condition,note,created_at FROM machines WHERE id=?`, id))
}

func (r Repo) GetMachineByName(ctx context.Context, name string) (domain.Machine, error) {
	return scanMachine(r.DB.QueryRowContext(ctx, `SELECT id,name,condition,note,created_at FROM machines WHERE name=?`, name))
}

func (r Repo) ListMachines(ctx context.Context) ([]domain.Machine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,condition,note,created_at FROM machines ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Machine
	for rows.Next() {
		var m domain.Machine
		var note sql.NullString
		if err := rows.Scan(&m.ID, &m.Name, &m.Condition, &note, &m.CreatedAt); err != nil {
			return nil, err
		}
		if note.Valid {
			m.Note = note.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListMachineNames(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM machines ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// FirstEligibleMachine returns the first machine, ordered by name ascending,
// whose name is not in the excluded set. The first-match-by-name policy is
// deterministic and externally observable: it decides which machine a worker
// is offered.
func (r Repo) FirstEligibleMachine(ctx context.Context, excluded []string) (domain.Machine, error) {
	query := `SELECT id,name,condition,note,created_at FROM machines`
	var args []any
	if len(excluded) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(excluded)), ",")
		query += ` WHERE name NOT IN (` + placeholders + `)`
		for _, name := range excluded {
			args = append(args, name)
		}
	}
	query += ` ORDER BY name ASC LIMIT 1`
	return scanMachine(r.DB.QueryRowContext(ctx, query, args...))
}

func (r Repo) UpdateMachine(ctx context.Context, id string, name *string, condition *int, note *string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if condition != nil {
		fields = append(fields, "condition=?")
		args = append(args, *condition)
	}
	if note != nil {
		fields = append(fields, "note=?")
		args = append(args, nullable(*note))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE machines SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMachine(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM machines WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var admin int
	err := row.Scan(&u.ID, &u.Name, &admin, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Admin = admin != 0
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	admin := 0
	if u.Admin {
		admin = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,name,admin,password_hash,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Name, admin, u.PasswordHash, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,admin,password_hash,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByName(ctx context.Context, name string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,admin,password_hash,created_at FROM users WHERE name=?`, name))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,admin,password_hash,created_at FROM users ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var admin int
		if err := rows.Scan(&u.ID, &u.Name, &admin, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Admin = admin != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) InsertLogEntry(ctx context.Context, tx *sql.Tx, e domain.LogEntry) (int64, error) {
	active := 0
	if e.Active {
		active = 1
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO logs(ts,user_id,machine_id,machine_name,active,condition,battery,task,note) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.TS, e.UserID, e.MachineID, e.MachineName, active, e.Prompt.Condition, e.Prompt.Battery, e.Prompt.Task, nullable(e.Prompt.Note))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type LogFilters struct {
	UserID      string
	MachineName string
	Active      *bool
	Since       string
	Until       string
	Limit       int
}

func (r Repo) ListLogEntries(ctx context.Context, f LogFilters) ([]domain.LogEntry, error) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.MachineName != "" {
		clauses = append(clauses, "machine_name=?")
		args = append(args, f.MachineName)
	}
	if f.Active != nil {
		active := 0
		if *f.Active {
			active = 1
		}
		clauses = append(clauses, "active=?")
		args = append(args, active)
	}
	if f.Since != "" {
		clauses = append(clauses, "ts>=?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "ts<=?")
		args = append(args, f.Until)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,ts,user_id,machine_id,machine_name,active,condition,battery,task,note FROM logs ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var active int
		var note sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.UserID, &e.MachineID, &e.MachineName, &active, &e.Prompt.Condition, &e.Prompt.Battery, &e.Prompt.Task, &note); err != nil {
			return nil, err
		}
		e.Active = active != 0
		if note.Valid {
			e.Prompt.Note = note.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
