package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist in the caller's
// scope.
var ErrNotFound = errors.New("not found")

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

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, COALESCE(current_project_id, ''), created_at
		FROM users WHERE email = $1
	`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, COALESCE(current_project_id, ''), created_at
		FROM users WHERE id = $1
	`, id))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash,
		&user.CurrentProjectID, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return user, nil
}

// SetCurrentProject re-points the user's current project. An empty projectID
// clears the selection.
func (s *PostgresStore) SetCurrentProject(ctx context.Context, userID, projectID string) error {
	var value any
	if projectID != "" {
		value = projectID
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET current_project_id = $2 WHERE id = $1`, userID, value)
	if err != nil {
		return fmt.Errorf("set current project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- projects ---

func (s *PostgresStore) CreateProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, user_id, name) VALUES ($1, $2, $3)
	`, p.ID, p.UserID, p.Name)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) RenameProject(ctx context.Context, userID, projectID, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name = $3 WHERE id = $1 AND user_id = $2
	`, projectID, userID, name)
	if err != nil {
		return fmt.Errorf("rename project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, userID, projectID string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, created_at FROM projects WHERE id = $1 AND user_id = $2
	`, projectID, userID).Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, created_at FROM projects
		WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project, its pins (via cascade) and, when it was the
// user's current project, atomically falls back to the oldest remaining owned
// project or to none. It returns the new current project id ("" for none).
func (s *PostgresStore) DeleteProject(ctx context.Context, userID, projectID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin delete project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = $1 AND user_id = $2`, projectID, userID)
	if err != nil {
		return "", fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}

	var current sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT current_project_id FROM users WHERE id = $1`, userID).Scan(&current); err != nil {
		return "", fmt.Errorf("read current project: %w", err)
	}

	next := current.String
	if current.Valid && current.String == projectID {
		var fallback sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM projects WHERE user_id = $1 ORDER BY created_at LIMIT 1
		`, userID).Scan(&fallback)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("find fallback project: %w", err)
		}
		var value any
		if fallback.Valid {
			value = fallback.String
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET current_project_id = $2 WHERE id = $1`, userID, value); err != nil {
			return "", fmt.Errorf("update current project: %w", err)
		}
		next = fallback.String
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit delete project: %w", err)
	}
	return next, nil
}

// --- pins ---

// ListPins returns the full current snapshot of a project's pin documents,
// ordered by name. This is the only read the synchronizer performs.
func (s *PostgresStore) ListPins(ctx context.Context, userID, projectID string) ([]PinDoc, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM pins
		WHERE user_id = $1 AND project_id = $2
		ORDER BY doc->>'name', id
	`, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("list pins: %w", err)
	}
	defer rows.Close()

	docs := []PinDoc{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		var doc PinDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode pin doc: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) UpsertPin(ctx context.Context, userID, projectID, pinID string, doc PinDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode pin doc: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pins (user_id, project_id, id, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, project_id, id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()
	`, userID, projectID, pinID, raw)
	if err != nil {
		return fmt.Errorf("upsert pin: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePin(ctx context.Context, userID, projectID, pinID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pins WHERE user_id = $1 AND project_id = $2 AND id = $3
	`, userID, projectID, pinID)
	if err != nil {
		return fmt.Errorf("delete pin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
