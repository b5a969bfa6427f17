package repo

import (
	"context"
	"database/sql"

	"rulegate/internal/domain"
)

const resourceColumns = `id,external_id,name,description,network_id,owner_id,tags_json,expires_at,auto_delete,created_by,created_at,updated_at,version`

const ruleColumns = `id,direction,protocol,from_port,to_port,cidrs_json,ipv6_cidrs_json,peer_groups_json,description,expires_at,auto_delete,created_by,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (domain.Resource, error) {
	var res domain.Resource
	var desc, network, owner, tags, expires sql.NullString
	var autoDelete int
	var created, updated string
	err := row.Scan(&res.ID, &res.ExternalID, &res.Name, &desc, &network, &owner, &tags, &expires, &autoDelete,
		&res.CreatedBy, &created, &updated, &res.Version)
	if err != nil {
		return res, err
	}
	res.Description = desc.String
	res.NetworkID = network.String
	res.OwnerID = owner.String
	res.AutoDelete = autoDelete != 0
	if err := unmarshalJSON(tags, &res.Tags); err != nil {
		return res, err
	}
	if res.ExpiresAt, err = scanNullTime(expires); err != nil {
		return res, err
	}
	if res.CreatedAt, err = parseTime(created); err != nil {
		return res, err
	}
	if res.UpdatedAt, err = parseTime(updated); err != nil {
		return res, err
	}
	return res, nil
}

func scanRule(row rowScanner) (domain.Rule, error) {
	var rule domain.Rule
	var direction, created string
	var fromPort, toPort sql.NullInt64
	var cidrs, ipv6, peers, desc, expires sql.NullString
	var autoDelete int
	err := row.Scan(&rule.ID, &direction, &rule.Protocol, &fromPort, &toPort, &cidrs, &ipv6, &peers, &desc, &expires,
		&autoDelete, &rule.CreatedBy, &created)
	if err != nil {
		return rule, err
	}
	rule.Direction = domain.Direction(direction)
	if fromPort.Valid {
		p := int(fromPort.Int64)
		rule.FromPort = &p
	}
	if toPort.Valid {
		p := int(toPort.Int64)
		rule.ToPort = &p
	}
	for _, f := range []struct {
		src sql.NullString
		dst any
	}{{cidrs, &rule.CIDRs}, {ipv6, &rule.IPv6CIDRs}, {peers, &rule.PeerGroups}} {
		if err := unmarshalJSON(f.src, f.dst); err != nil {
			return rule, err
		}
	}
	rule.Description = desc.String
	rule.AutoDelete = autoDelete != 0
	if rule.ExpiresAt, err = scanNullTime(expires); err != nil {
		return rule, err
	}
	rule.CreatedAt, err = parseTime(created)
	return rule, err
}

func (r Repo) InsertResource(ctx context.Context, tx *sql.Tx, res domain.Resource) error {
	tags, err := marshalJSON(res.Tags)
	if err != nil {
		return err
	}
	if res.Version == 0 {
		res.Version = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO resources(`+resourceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		res.ID, res.ExternalID, res.Name, nullable(res.Description), nullable(res.NetworkID), nullable(res.OwnerID), tags,
		nullableTime(res.ExpiresAt), boolInt(res.AutoDelete), res.CreatedBy, FormatTime(res.CreatedAt), FormatTime(res.UpdatedAt), res.Version)
	if err != nil {
		return err
	}
	for _, rule := range res.Rules {
		if err := r.InsertRule(ctx, tx, res.ID, rule); err != nil {
			return err
		}
	}
	return nil
}

// UpdateResource writes resource metadata if res.Version still matches, then bumps res.Version.
func (r Repo) UpdateResource(ctx context.Context, tx *sql.Tx, res *domain.Resource) error {
	tags, err := marshalJSON(res.Tags)
	if err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `UPDATE resources SET name=?, description=?, network_id=?, owner_id=?, tags_json=?, expires_at=?, auto_delete=?, updated_at=?, version=version+1
WHERE id=? AND version=?`,
		res.Name, nullable(res.Description), nullable(res.NetworkID), nullable(res.OwnerID), tags, nullableTime(res.ExpiresAt),
		boolInt(res.AutoDelete), FormatTime(res.UpdatedAt), res.ID, res.Version)
	if err != nil {
		return err
	}
	if err := checkVersioned(ctx, tx, result, "resources", res.ID); err != nil {
		return err
	}
	res.Version++
	return nil
}

func (r Repo) DeleteResource(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetResource(ctx context.Context, id string) (domain.Resource, error) {
	return getResource(ctx, r.DB, id)
}

func getResource(ctx context.Context, q Querier, id string) (domain.Resource, error) {
	res, err := scanResource(q.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.Rules, err = listRules(ctx, q, id)
	return res, err
}

func (r Repo) ListResources(ctx context.Context) ([]domain.Resource, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+resourceColumns+` FROM resources ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	var res []domain.Resource
	for rows.Next() {
		item, err := scanResource(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].Rules, err = listRules(ctx, r.DB, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func listRules(ctx context.Context, q Querier, resourceID string) ([]domain.Rule, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM resource_rules WHERE resource_id=? ORDER BY created_at, id`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, resourceID string, rule domain.Rule) error {
	cidrs, err := marshalJSON(rule.CIDRs)
	if err != nil {
		return err
	}
	ipv6, err := marshalJSON(rule.IPv6CIDRs)
	if err != nil {
		return err
	}
	peers, err := marshalJSON(rule.PeerGroups)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO resource_rules(resource_id,`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		resourceID, rule.ID, string(rule.Direction), rule.Protocol, nullableIntPtr(rule.FromPort), nullableIntPtr(rule.ToPort),
		cidrs, ipv6, peers, nullable(rule.Description), nullableTime(rule.ExpiresAt), boolInt(rule.AutoDelete),
		rule.CreatedBy, FormatTime(rule.CreatedAt))
	return err
}

func (r Repo) UpdateRuleExpiry(ctx context.Context, tx *sql.Tx, resourceID, ruleID string, rule domain.Rule) error {
	res, err := tx.ExecContext(ctx, `UPDATE resource_rules SET expires_at=?, auto_delete=? WHERE resource_id=? AND id=?`,
		nullableTime(rule.ExpiresAt), boolInt(rule.AutoDelete), resourceID, ruleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRule(ctx context.Context, tx *sql.Tx, resourceID, ruleID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM resource_rules WHERE resource_id=? AND id=?`, resourceID, ruleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
