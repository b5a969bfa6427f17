package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"rulegate/internal/repo"
)

// Event types written by the engine.
const (
	RequestCreated   = "request.created"
	RequestApproved  = "request.approved"
	RequestApplied   = "request.applied"
	RequestFailed    = "request.failed"
	RequestRejected  = "request.rejected"
	RequestCancelled = "request.cancelled"

	ScheduleCreated   = "schedule.created"
	ScheduleCancelled = "schedule.cancelled"
	ScheduleNotified  = "schedule.notified"
	ScheduleExecuted  = "schedule.executed"
	ScheduleFailed    = "schedule.failed"

	ResourceRegistered = "resource.registered"
	ResourceUpdated    = "resource.updated"
	ResourceDeleted    = "resource.deleted"
	RuleExpiryUpdated  = "rule.expiry_updated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		repo.FormatTime(w.Now()), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
