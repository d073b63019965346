package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"markdownflow/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateFirstUser inserts the user only if the users table is empty,
// in a single guarded statement. Returns false when a user already
// exists and registration is therefore closed.
func (s *PostgresStore) CreateFirstUser(ctx context.Context, user User) (bool, error) {
	const query = `
		INSERT INTO users (id, email, password_hash, role)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (SELECT 1 FROM users)
		RETURNING id
	`
	var id string
	err := s.db.QueryRowContext(ctx, query, user.ID, user.Email, user.PasswordHash, user.Role).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create first user: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) UserCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// EnsureProject returns the (ownerID, name) project, creating it when
// absent. A racing duplicate insert loses on the unique constraint and
// falls through to fetching the surviving row.
func (s *PostgresStore) EnsureProject(ctx context.Context, ownerID, name string) (Project, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, name) DO NOTHING
	`, util.NewID("proj"), ownerID, name)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return s.GetProjectByName(ctx, ownerID, name)
}

func (s *PostgresStore) GetProjectByName(ctx context.Context, ownerID, name string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, created_at
		FROM projects
		WHERE owner_id=$1 AND name=$2
	`, ownerID, name).Scan(&item.ID, &item.OwnerID, &item.Name, &item.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, created_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.OwnerID, &item.Name, &item.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, ownerID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, created_at
		FROM projects
		WHERE owner_id=$1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Name, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

// EnsureFile mirrors EnsureProject for (projectID, name).
func (s *PostgresStore) EnsureFile(ctx context.Context, projectID, name string) (File, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, project_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, name) DO NOTHING
	`, util.NewID("file"), projectID, name)
	if err != nil {
		return File{}, fmt.Errorf("insert file: %w", err)
	}
	return s.GetFileByName(ctx, projectID, name)
}

func (s *PostgresStore) GetFileByName(ctx context.Context, projectID, name string) (File, error) {
	var item File
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, created_at
		FROM files
		WHERE project_id=$1 AND name=$2
	`, projectID, name).Scan(&item.ID, &item.ProjectID, &item.Name, &item.CreatedAt)
	if err != nil {
		return File{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, fileID string) (File, error) {
	var item File
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, created_at
		FROM files
		WHERE id=$1
	`, fileID).Scan(&item.ID, &item.ProjectID, &item.Name, &item.CreatedAt)
	if err != nil {
		return File{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListFiles(ctx context.Context, projectID string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, created_at
		FROM files
		WHERE project_id=$1
		ORDER BY name ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	items := make([]File, 0)
	for rows.Next() {
		var item File
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return items, nil
}

// InsertVersion appends one immutable version row. There is no update
// path for file_versions anywhere in the store.
func (s *PostgresStore) InsertVersion(ctx context.Context, version FileVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_versions (id, file_id, content)
		VALUES ($1, $2, $3)
	`, version.ID, version.FileID, version.Content)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestVersion(ctx context.Context, fileID string) (FileVersion, error) {
	var item FileVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_id, content, created_at
		FROM file_versions
		WHERE file_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, fileID).Scan(&item.ID, &item.FileID, &item.Content, &item.CreatedAt)
	if err != nil {
		return FileVersion{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, fileID string) ([]VersionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, length(content), created_at
		FROM file_versions
		WHERE file_id=$1
		ORDER BY created_at DESC, id DESC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]VersionMeta, 0)
	for rows.Next() {
		var item VersionMeta
		if err := rows.Scan(&item.ID, &item.Size, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, file_id, author_id, line_number, content)
		VALUES ($1, $2, $3, $4, $5)
	`, comment.ID, comment.FileID, comment.AuthorID, comment.LineNumber, comment.Content)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, fileID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.file_id, c.author_id, u.email, c.line_number, c.content, c.created_at
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.file_id=$1
		ORDER BY c.created_at ASC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.FileID, &item.AuthorID, &item.AuthorEmail, &item.LineNumber, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAPIKey(ctx context.Context, key APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, key_prefix, key_hash, name)
		VALUES ($1, $2, $3, $4, $5)
	`, key.ID, key.UserID, key.KeyPrefix, key.KeyHash, key.Name)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// APIKeysByPrefix returns the candidate set for the two-phase lookup:
// cheap prefix filter first, expensive hash comparison on candidates.
func (s *PostgresStore) APIKeysByPrefix(ctx context.Context, prefix string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, key_prefix, key_hash, coalesce(name, ''), last_used_at, created_at
		FROM api_keys
		WHERE key_prefix=$1
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("api keys by prefix: %w", err)
	}
	defer rows.Close()

	items := make([]APIKey, 0)
	for rows.Next() {
		var item APIKey
		if err := rows.Scan(&item.ID, &item.UserID, &item.KeyPrefix, &item.KeyHash, &item.Name, &item.LastUsedAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, key_prefix, key_hash, coalesce(name, ''), last_used_at, created_at
		FROM api_keys
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	items := make([]APIKey, 0)
	for rows.Next() {
		var item APIKey
		if err := rows.Scan(&item.ID, &item.UserID, &item.KeyPrefix, &item.KeyHash, &item.Name, &item.LastUsedAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return items, nil
}

// DeleteAPIKey revokes a key, scoped to its owner. Returns false when
// no owned key matched.
func (s *PostgresStore) DeleteAPIKey(ctx context.Context, keyID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id=$1 AND user_id=$2`, keyID, userID)
	if err != nil {
		return false, fmt.Errorf("delete api key: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete api key rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at=NOW() WHERE id=$1`, keyID)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
