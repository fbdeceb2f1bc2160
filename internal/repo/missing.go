package repo

import (
	"context"
	"database/sql"

	"packdesk/internal/domain"
)

func (r Repo) InsertMissingReport(ctx context.Context, tx *sql.Tx, rep domain.MissingReport) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO missing_reports(ts,user_id,machine_id,machine_name) VALUES (?,?,?,?)`,
		rep.TS, rep.UserID, rep.MachineID, rep.MachineName)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListMissingReports(ctx context.Context, userID string, limit int) ([]domain.MissingReport, error) {
	query := `SELECT id,ts,user_id,machine_id,machine_name FROM missing_reports`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MissingReport
	for rows.Next() {
		var rep domain.MissingReport
		if err := rows.Scan(&rep.ID, &rep.TS, &rep.UserID, &rep.MachineID, &rep.MachineName); err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}
