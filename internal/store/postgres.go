package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MedDash99/Sagole/internal/env"
	"github.com/MedDash99/Sagole/internal/record"
	"github.com/MedDash99/Sagole/internal/session"
)

// PostgresStore holds change requests, users, snapshots, and the environment
// data tables themselves. Each environment lives in its own schema; every
// operation takes the environment it is scoped to and never reads across.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rel quotes a schema-qualified relation name for dynamic SQL. All dynamic
// identifiers go through pgx.Identifier; values are always bound parameters.
func rel(e env.Environment, table string) string {
	return pgx.Identifier{e.String(), table}.Sanitize()
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// --- Users ---

func (s *PostgresStore) GetUserByUsername(ctx context.Context, e env.Environment, username string) (User, error) {
	query := fmt.Sprintf(
		`SELECT id, username, full_name, password_hash, role, is_active FROM %s WHERE username=$1`,
		rel(e, "users"),
	)
	var user User
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID, &user.Username, &user.FullName, &user.PasswordHash, &user.Role, &user.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by username: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, e env.Environment, id uuid.UUID) (User, error) {
	query := fmt.Sprintf(
		`SELECT id, username, full_name, password_hash, role, is_active FROM %s WHERE id=$1`,
		rel(e, "users"),
	)
	var user User
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.FullName, &user.PasswordHash, &user.Role, &user.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, e env.Environment, user User) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, username, full_name, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO NOTHING
	`, rel(e, "users"))
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Username, user.FullName, user.PasswordHash, user.Role, user.IsActive)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountUsers(ctx context.Context, e env.Environment) (int, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, rel(e, "users"))
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// --- Refresh sessions (fallback when Redis is not configured) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, data session.Data, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, environment, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE
		SET user_id=EXCLUDED.user_id, environment=EXCLUDED.environment, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, data.UserID, data.Environment, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (session.Data, error) {
	var data session.Data
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, environment, created_at
		FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&data.UserID, &data.Environment, &data.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Data{}, session.ErrNotFound
	}
	if err != nil {
		return session.Data{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	return data, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// --- Change requests ---

func (s *PostgresStore) InsertChangeRequest(ctx context.Context, e env.Environment, cr ChangeRequest) (uuid.UUID, error) {
	oldValues, err := json.Marshal(cr.OldValues)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal old values: %w", err)
	}
	newValues, err := json.Marshal(cr.NewValues)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal new values: %w", err)
	}

	id := cr.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, table_name, record_id, old_values, new_values, status, submitted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rel(e, "change_requests"))
	_, err = s.db.ExecContext(ctx, query, id, cr.TableName, cr.RecordID, oldValues, newValues, StatusPending, cr.SubmittedBy)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert change request: %w", err)
	}
	return id, nil
}

const changeRequestColumns = `id, table_name, record_id, old_values, new_values, status, submitted_by, submitted_at, resolved_by, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChangeRequest(row rowScanner, e env.Environment) (ChangeRequest, error) {
	var cr ChangeRequest
	var oldRaw, newRaw []byte
	err := row.Scan(
		&cr.ID, &cr.TableName, &cr.RecordID, &oldRaw, &newRaw,
		&cr.Status, &cr.SubmittedBy, &cr.SubmittedAt, &cr.ResolvedBy, &cr.ResolvedAt,
	)
	if err != nil {
		return ChangeRequest{}, err
	}
	if err := json.Unmarshal(oldRaw, &cr.OldValues); err != nil {
		return ChangeRequest{}, fmt.Errorf("unmarshal old values: %w", err)
	}
	if err := json.Unmarshal(newRaw, &cr.NewValues); err != nil {
		return ChangeRequest{}, fmt.Errorf("unmarshal new values: %w", err)
	}
	cr.Environment = e
	return cr, nil
}

func (s *PostgresStore) GetChangeRequest(ctx context.Context, e env.Environment, id uuid.UUID) (ChangeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`, changeRequestColumns, rel(e, "change_requests"))
	cr, err := scanChangeRequest(s.db.QueryRowContext(ctx, query, id), e)
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeRequest{}, ErrChangeNotFound
	}
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("get change request: %w", err)
	}
	return cr, nil
}

func (s *PostgresStore) ListPendingChangeRequests(ctx context.Context, e env.Environment) ([]ChangeRequest, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE status=$1 ORDER BY submitted_at`,
		changeRequestColumns, rel(e, "change_requests"),
	)
	rows, err := s.db.QueryContext(ctx, query, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending change requests: %w", err)
	}
	defer rows.Close()

	items := make([]ChangeRequest, 0)
	for rows.Next() {
		cr, err := scanChangeRequest(rows, e)
		if err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		items = append(items, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change requests: %w", err)
	}
	return items, nil
}

// ApproveChange applies a pending change request and flips it to approved in
// one transaction. The request row is locked for the duration, so concurrent
// approve/reject calls on the same id serialize: exactly one wins, the rest
// observe ErrChangeResolved. Any failure rolls back and the request remains
// pending.
func (s *PostgresStore) ApproveChange(ctx context.Context, e env.Environment, id uuid.UUID, resolvedBy string) (ChangeRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("begin approve tx: %w", err)
	}
	defer tx.Rollback()

	cr, err := s.lockChangeRequest(ctx, tx, e, id)
	if err != nil {
		return ChangeRequest{}, err
	}

	if cr.RecordID == nil {
		recordID, err := s.insertRowTx(ctx, tx, e, cr.TableName, cr.NewValues)
		if err != nil {
			return ChangeRequest{}, err
		}
		cr.RecordID = &recordID
	} else {
		preImage, err := s.lockRowTx(ctx, tx, e, cr.TableName, *cr.RecordID)
		if err != nil {
			return ChangeRequest{}, err
		}
		if err := s.insertSnapshotTx(ctx, tx, e, cr.TableName, *cr.RecordID, preImage, cr.ID); err != nil {
			return ChangeRequest{}, err
		}
		if err := s.updateRowTx(ctx, tx, e, cr.TableName, *cr.RecordID, cr.NewValues); err != nil {
			return ChangeRequest{}, err
		}
	}

	if err := s.resolveChangeTx(ctx, tx, e, id, StatusApproved, resolvedBy); err != nil {
		return ChangeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return ChangeRequest{}, fmt.Errorf("commit approve tx: %w", err)
	}

	cr.Status = StatusApproved
	cr.ResolvedBy = &resolvedBy
	now := time.Now()
	cr.ResolvedAt = &now
	return cr, nil
}

// RejectChange flips a pending request to rejected without touching the
// target table. Same existence and conflict checks as ApproveChange.
func (s *PostgresStore) RejectChange(ctx context.Context, e env.Environment, id uuid.UUID, resolvedBy string) (ChangeRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("begin reject tx: %w", err)
	}
	defer tx.Rollback()

	cr, err := s.lockChangeRequest(ctx, tx, e, id)
	if err != nil {
		return ChangeRequest{}, err
	}
	if err := s.resolveChangeTx(ctx, tx, e, id, StatusRejected, resolvedBy); err != nil {
		return ChangeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return ChangeRequest{}, fmt.Errorf("commit reject tx: %w", err)
	}

	cr.Status = StatusRejected
	cr.ResolvedBy = &resolvedBy
	now := time.Now()
	cr.ResolvedAt = &now
	return cr, nil
}

func (s *PostgresStore) lockChangeRequest(ctx context.Context, tx *sql.Tx, e env.Environment, id uuid.UUID) (ChangeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1 FOR UPDATE`, changeRequestColumns, rel(e, "change_requests"))
	cr, err := scanChangeRequest(tx.QueryRowContext(ctx, query, id), e)
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeRequest{}, ErrChangeNotFound
	}
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("lock change request: %w", err)
	}
	if cr.Status != StatusPending {
		return ChangeRequest{}, ErrChangeResolved
	}
	return cr, nil
}

func (s *PostgresStore) resolveChangeTx(ctx context.Context, tx *sql.Tx, e env.Environment, id uuid.UUID, status, resolvedBy string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status=$2, resolved_by=$3, resolved_at=NOW()
		WHERE id=$1 AND status=$4
	`, rel(e, "change_requests"))
	result, err := tx.ExecContext(ctx, query, id, status, resolvedBy, StatusPending)
	if err != nil {
		return fmt.Errorf("resolve change request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve change request: %w", err)
	}
	if affected != 1 {
		return ErrChangeResolved
	}
	return nil
}

func (s *PostgresStore) insertSnapshotTx(ctx context.Context, tx *sql.Tx, e env.Environment, table string, recordID int64, data record.Record, changeID uuid.UUID) error {
	payload, err := json.Marshal(data.Values)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (table_name, record_id, data, change_id)
		VALUES ($1, $2, $3, $4)
	`, rel(e, "snapshots"))
	if _, err := tx.ExecContext(ctx, query, table, recordID, payload, changeID); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}
