package repo

import (
	"context"
	"database/sql"

	"rulegate/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,full_name,email,role,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.FullName, u.Email, string(u.Role), FormatTime(u.CreatedAt))
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var role, created string
	err := r.DB.QueryRowContext(ctx, `SELECT id,full_name,email,role,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.FullName, &u.Email, &role, &created)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Role = domain.Role(role)
	u.CreatedAt, err = parseTime(created)
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,full_name,email,role,created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var role, created string
		if err := rows.Scan(&u.ID, &u.FullName, &u.Email, &role, &created); err != nil {
			return nil, err
		}
		u.Role = domain.Role(role)
		if u.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
