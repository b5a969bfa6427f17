package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"rulegate/internal/domain"
)

const requestColumns = `id,resource_id,requester_id,requester_name,requester_email,type,target_rule_id,rule_json,business_justification,technical_justification,priority,status,reviewer_id,reviewer_name,review_comment,reviewed_at,applied_rule_id,apply_claimed_at,requested_at,created_at,updated_at,version`

type RequestFilters struct {
	Statuses    []domain.RequestStatus
	Priorities  []domain.Priority
	RequesterID string
	ResourceID  string
	Limit       int
	Offset      int
}

func scanRequest(row rowScanner) (domain.RuleRequest, error) {
	var req domain.RuleRequest
	var typ, priority, status, ruleJSON, requested, created, updated string
	var email, target, business, technical, reviewerID, reviewerName, comment, reviewed, applied, claimed sql.NullString
	err := row.Scan(&req.ID, &req.ResourceID, &req.RequesterID, &req.RequesterName, &email, &typ, &target, &ruleJSON,
		&business, &technical, &priority, &status, &reviewerID, &reviewerName, &comment, &reviewed, &applied,
		&claimed, &requested, &created, &updated, &req.Version)
	if err != nil {
		return req, err
	}
	req.RequesterEmail = email.String
	req.Type = domain.RequestType(typ)
	req.TargetRuleID = target.String
	if err := json.Unmarshal([]byte(ruleJSON), &req.Rule); err != nil {
		return req, fmt.Errorf("decode rule of request %s: %w", req.ID, err)
	}
	req.BusinessJustification = business.String
	req.TechnicalJustification = technical.String
	req.Priority = domain.Priority(priority)
	req.Status = domain.RequestStatus(status)
	req.ReviewerID = reviewerID.String
	req.ReviewerName = reviewerName.String
	req.ReviewComment = comment.String
	req.AppliedRuleID = applied.String
	if req.ReviewedAt, err = scanNullTime(reviewed); err != nil {
		return req, err
	}
	if req.ApplyClaimedAt, err = scanNullTime(claimed); err != nil {
		return req, err
	}
	if req.RequestedAt, err = parseTime(requested); err != nil {
		return req, err
	}
	if req.CreatedAt, err = parseTime(created); err != nil {
		return req, err
	}
	req.UpdatedAt, err = parseTime(updated)
	return req, err
}

func (r Repo) InsertRuleRequest(ctx context.Context, tx *sql.Tx, req domain.RuleRequest) error {
	rule, err := json.Marshal(req.Rule)
	if err != nil {
		return err
	}
	if req.Version == 0 {
		req.Version = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO rule_requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.ResourceID, req.RequesterID, req.RequesterName, nullable(req.RequesterEmail), string(req.Type),
		nullable(req.TargetRuleID), string(rule), nullable(req.BusinessJustification), nullable(req.TechnicalJustification),
		string(req.Priority), string(req.Status), nullable(req.ReviewerID), nullable(req.ReviewerName),
		nullable(req.ReviewComment), nullableTime(req.ReviewedAt), nullable(req.AppliedRuleID),
		nullableTime(req.ApplyClaimedAt), FormatTime(req.RequestedAt), FormatTime(req.CreatedAt), FormatTime(req.UpdatedAt), req.Version)
	return err
}

// UpdateRuleRequest persists the mutable review fields if req.Version still
// matches the stored row. On success req.Version is advanced.
func (r Repo) UpdateRuleRequest(ctx context.Context, tx *sql.Tx, req *domain.RuleRequest) error {
	res, err := tx.ExecContext(ctx, `UPDATE rule_requests SET status=?, reviewer_id=?, reviewer_name=?, review_comment=?, reviewed_at=?, applied_rule_id=?, apply_claimed_at=?, updated_at=?, version=version+1
WHERE id=? AND version=?`,
		string(req.Status), nullable(req.ReviewerID), nullable(req.ReviewerName), nullable(req.ReviewComment),
		nullableTime(req.ReviewedAt), nullable(req.AppliedRuleID), nullableTime(req.ApplyClaimedAt), FormatTime(req.UpdatedAt), req.ID, req.Version)
	if err != nil {
		return err
	}
	if err := checkVersioned(ctx, tx, res, "rule_requests", req.ID); err != nil {
		return err
	}
	req.Version++
	return nil
}

// ClaimRuleRequest stamps a PENDING request as being applied. It fails with
// ErrConflict unless req.Version is current and the row is still PENDING, so
// at most one reviewer reaches the provider.
func (r Repo) ClaimRuleRequest(ctx context.Context, tx *sql.Tx, req *domain.RuleRequest, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE rule_requests SET apply_claimed_at=?, updated_at=?, version=version+1
WHERE id=? AND version=? AND status=?`,
		FormatTime(at), FormatTime(at), req.ID, req.Version, string(domain.StatusPending))
	if err != nil {
		return err
	}
	if err := checkVersioned(ctx, tx, res, "rule_requests", req.ID); err != nil {
		return err
	}
	req.ApplyClaimedAt = &at
	req.UpdatedAt = at
	req.Version++
	return nil
}

func (r Repo) GetRuleRequest(ctx context.Context, id string) (domain.RuleRequest, error) {
	return getRuleRequest(ctx, r.DB, id)
}

func (r Repo) GetRuleRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.RuleRequest, error) {
	return getRuleRequest(ctx, tx, id)
}

func getRuleRequest(ctx context.Context, q Querier, id string) (domain.RuleRequest, error) {
	req, err := scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM rule_requests WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	return req, err
}

// ListRuleRequests returns requests oldest first.
func (r Repo) ListRuleRequests(ctx context.Context, f RequestFilters) ([]domain.RuleRequest, error) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if len(f.Priorities) > 0 {
		where = append(where, "priority IN ("+placeholders(len(f.Priorities))+")")
		for _, p := range f.Priorities {
			args = append(args, string(p))
		}
	}
	if f.RequesterID != "" {
		where = append(where, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.ResourceID != "" {
		where = append(where, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	query := `SELECT ` + requestColumns + ` FROM rule_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at, id"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// CountRequestsByStatus reads all per-status counts in one statement so the
// totals are taken from a single snapshot.
func (r Repo) CountRequestsByStatus(ctx context.Context) (map[domain.RequestStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM rule_requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.RequestStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[domain.RequestStatus(status)] = n
	}
	return res, rows.Err()
}
