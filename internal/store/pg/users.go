package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ptw.org/internal/auth"
)

const userColumns = `id, username, email, password_hash, role, company, operator_of_record,
		must_change_password, active, created_at, updated_at`

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where lower(username) = lower($1)`,
		strings.TrimSpace(username))
	return s.scanUser(ctx, row)
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return s.scanUser(ctx, row)
}

func (s *Store) UpdatePassword(ctx context.Context, userID, hash string, mustChange bool) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set password_hash = $2, must_change_password = $3, updated_at = now()
		where id = $1
	`, userID, hash, mustChange)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// CreateUser inserts u with its site authorizations.
func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into users (id, username, email, password_hash, role, company, operator_of_record, must_change_password, active)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.Role, u.Company, u.OperatorOfRecord, u.MustChangePassword, u.Active); err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("pg: user %q already exists: %w", u.Username, err)
		}
		return err
	}
	for _, site := range u.Sites {
		if _, err := tx.ExecContext(ctx, `insert into user_sites (user_id, site_code) values ($1, $2)`, u.ID, site); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) scanUser(ctx context.Context, row *sql.Row) (*auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.Company, &u.OperatorOfRecord,
		&u.MustChangePassword, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `select site_code from user_sites where user_id = $1 order by site_code`, u.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, err
		}
		u.Sites = append(u.Sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &u, nil
}
