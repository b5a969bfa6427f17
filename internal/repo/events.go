package repo

import (
	"context"
	"database/sql"

	"rulegate/internal/domain"
)

// ListEvents returns the audit trail of one entity, or all entities when
// entityID is empty, newest first.
func (r Repo) ListEvents(ctx context.Context, entityKind, entityID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events`
	var args []any
	if entityKind != "" {
		query += " WHERE entity_kind=?"
		args = append(args, entityKind)
		if entityID != "" {
			query += " AND entity_id=?"
			args = append(args, entityID)
		}
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		var entity sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.EntityKind, &entity, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entity.String
		if e.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
