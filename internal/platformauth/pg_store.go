package platformauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PGStore keeps users and sessions in Postgres (tables created by the
// flowgatedb migrations).
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Close() error { return nil }

const userColumns = `id, name, email, password_hash, password_salt, role, workspace_id, created_at, updated_at, last_login_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u         User
		role      string
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.PasswordSalt, &role, &u.WorkspaceID, &u.CreatedAt, &u.UpdatedAt, &lastLogin); err != nil {
		return User{}, err
	}
	u.Role = Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PGStore) ListUsers(ctx context.Context) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM fg_users ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PGStore) GetUser(ctx context.Context, id string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM fg_users WHERE id = $1`, id))
	return u, notFound(err)
}

func (s *PGStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM fg_users WHERE email = $1`, normalizeEmail(email)))
	return u, notFound(err)
}

func (s *PGStore) CreateUser(ctx context.Context, u User) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO fg_users (`+userColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Name, normalizeEmail(u.Email), u.PasswordHash, u.PasswordSalt, string(u.Role), u.WorkspaceID, u.CreatedAt, u.UpdatedAt, nullTime(u.LastLoginAt))
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (s *PGStore) UpdateUser(ctx context.Context, u User) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE fg_users
SET name = $2, email = $3, password_hash = $4, password_salt = $5, role = $6, updated_at = $7, last_login_at = $8
WHERE id = $1`,
		u.ID, u.Name, normalizeEmail(u.Email), u.PasswordHash, u.PasswordSalt, string(u.Role), u.UpdatedAt, nullTime(u.LastLoginAt))
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) CreateSession(ctx context.Context, sess Session) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO fg_sessions (id, user_id, token_hash, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt)
	return err
}

func (s *PGStore) GetSessionByHash(ctx context.Context, tokenHash string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var sess Session
	err := s.db.QueryRowContext(ctx, `SELECT id, user_id, token_hash, created_at, updated_at, expires_at
FROM fg_sessions WHERE token_hash = $1`, tokenHash).
		Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt)
	if err != nil {
		return Session{}, notFound(err)
	}
	return sess, nil
}

func (s *PGStore) UpdateSession(ctx context.Context, sess Session) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE fg_sessions SET updated_at = $2, expires_at = $3 WHERE id = $1`,
		sess.ID, sess.UpdatedAt, sess.ExpiresAt)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (s *PGStore) DeleteSession(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM fg_sessions WHERE id = $1`, id)
	return err
}

func (s *PGStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM fg_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return int(n), nil
}

var _ Store = (*PGStore)(nil)
var _ Store = (*FileStore)(nil)
