package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"rulegate/internal/domain"
)

const scheduleColumns = `id,resource_id,rule_id,expires_at,action,status,notified_one_day_before,notified_same_day,last_notification_at,executed_at,execution_result,error_message,created_by,created_at,updated_at,version`

type ScheduleFilters struct {
	ResourceID string
	RuleID     string
	// WholeResource restricts to schedules with no rule id.
	WholeResource      bool
	Statuses           []domain.ScheduleStatus
	ExpiresFrom        *time.Time
	ExpiresTo          *time.Time
	NotNotifiedOneDay  bool
	NotNotifiedSameDay bool
	Limit              int
}

func scanSchedule(row rowScanner) (domain.ExpirySchedule, error) {
	var s domain.ExpirySchedule
	var ruleID, lastNotified, executed, result, errMsg sql.NullString
	var expires, action, status, created, updated string
	var oneDay, sameDay int
	err := row.Scan(&s.ID, &s.ResourceID, &ruleID, &expires, &action, &status, &oneDay, &sameDay, &lastNotified,
		&executed, &result, &errMsg, &s.CreatedBy, &created, &updated, &s.Version)
	if err != nil {
		return s, err
	}
	s.RuleID = ruleID.String
	s.Action = domain.ExpiryAction(action)
	s.Status = domain.ScheduleStatus(status)
	s.NotifiedOneDayBefore = oneDay != 0
	s.NotifiedSameDay = sameDay != 0
	s.ExecutionResult = result.String
	s.ErrorMessage = errMsg.String
	if s.ExpiresAt, err = parseTime(expires); err != nil {
		return s, err
	}
	if s.LastNotificationAt, err = scanNullTime(lastNotified); err != nil {
		return s, err
	}
	if s.ExecutedAt, err = scanNullTime(executed); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return s, err
	}
	s.UpdatedAt, err = parseTime(updated)
	return s, err
}

func (r Repo) InsertSchedule(ctx context.Context, tx *sql.Tx, s domain.ExpirySchedule) error {
	if s.Version == 0 {
		s.Version = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO expiry_schedules(`+scheduleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ResourceID, nullable(s.RuleID), FormatTime(s.ExpiresAt), string(s.Action), string(s.Status),
		boolInt(s.NotifiedOneDayBefore), boolInt(s.NotifiedSameDay), nullableTime(s.LastNotificationAt),
		nullableTime(s.ExecutedAt), nullable(s.ExecutionResult), nullable(s.ErrorMessage), s.CreatedBy,
		FormatTime(s.CreatedAt), FormatTime(s.UpdatedAt), s.Version)
	return err
}

// UpdateSchedule writes all mutable fields if s.Version still matches.
func (r Repo) UpdateSchedule(ctx context.Context, tx *sql.Tx, s *domain.ExpirySchedule) error {
	res, err := tx.ExecContext(ctx, `UPDATE expiry_schedules SET expires_at=?, action=?, status=?, notified_one_day_before=?, notified_same_day=?, last_notification_at=?, executed_at=?, execution_result=?, error_message=?, updated_at=?, version=version+1
WHERE id=? AND version=?`,
		FormatTime(s.ExpiresAt), string(s.Action), string(s.Status), boolInt(s.NotifiedOneDayBefore),
		boolInt(s.NotifiedSameDay), nullableTime(s.LastNotificationAt), nullableTime(s.ExecutedAt),
		nullable(s.ExecutionResult), nullable(s.ErrorMessage), FormatTime(s.UpdatedAt), s.ID, s.Version)
	if err != nil {
		return err
	}
	if err := checkVersioned(ctx, tx, res, "expiry_schedules", s.ID); err != nil {
		return err
	}
	s.Version++
	return nil
}

func (r Repo) GetSchedule(ctx context.Context, id string) (domain.ExpirySchedule, error) {
	return getSchedule(ctx, r.DB, id)
}

func getSchedule(ctx context.Context, q Querier, id string) (domain.ExpirySchedule, error) {
	s, err := scanSchedule(q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM expiry_schedules WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSchedules(ctx context.Context, f ScheduleFilters) ([]domain.ExpirySchedule, error) {
	return listSchedules(ctx, r.DB, f)
}

func (r Repo) ListSchedulesTx(ctx context.Context, tx *sql.Tx, f ScheduleFilters) ([]domain.ExpirySchedule, error) {
	return listSchedules(ctx, tx, f)
}

// listSchedules returns matches ordered by expiry, earliest first.
func listSchedules(ctx context.Context, q Querier, f ScheduleFilters) ([]domain.ExpirySchedule, error) {
	var where []string
	var args []any
	if f.ResourceID != "" {
		where = append(where, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if f.RuleID != "" {
		where = append(where, "rule_id=?")
		args = append(args, f.RuleID)
	} else if f.WholeResource {
		where = append(where, "rule_id IS NULL")
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.ExpiresFrom != nil {
		where = append(where, "expires_at >= ?")
		args = append(args, FormatTime(*f.ExpiresFrom))
	}
	if f.ExpiresTo != nil {
		where = append(where, "expires_at <= ?")
		args = append(args, FormatTime(*f.ExpiresTo))
	}
	if f.NotNotifiedOneDay {
		where = append(where, "notified_one_day_before=0")
	}
	if f.NotNotifiedSameDay {
		where = append(where, "notified_same_day=0")
	}
	query := `SELECT ` + scheduleColumns + ` FROM expiry_schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY expires_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExpirySchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
