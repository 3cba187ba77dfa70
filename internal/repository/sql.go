package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"meetd-backend/internal/common"
	"meetd-backend/internal/dbx"
	"meetd-backend/internal/models"
	"meetd-backend/internal/repository/migrations"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store over database/sql for PostgreSQL and SQLite.
// Queries are written with ? placeholders and rebound per dialect.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	onClose func()
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

// Migrate applies every pending embedded migration.
func (s *SQLStore) Migrate(ctx context.Context) error {
	dialect := goose.DialectPostgres
	if s.dialect == DialectSQLite {
		dialect = goose.DialectSQLite3
	}
	provider, err := goose.NewProvider(dialect, s.db, migrations.FS)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	n := strings.Count(query, "?")
	for i := 1; i <= n; i++ {
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
	}
	return query
}

// --- UserStore ---

const userColumns = `id, email, encrypted_refresh_token, public_key, encrypted_private_key,
        credential_hash, visibility, COALESCE(webhook_url, ''), webhook_secret, created_at`

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	query := s.rebind(`
        INSERT INTO users (id, email, encrypted_refresh_token, public_key, encrypted_private_key,
            credential_hash, visibility, webhook_url, webhook_secret, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		user.ID.String(),
		user.Email,
		user.RefreshToken,
		user.PublicKey,
		user.PrivateKey,
		user.CredentialHash,
		string(user.Visibility),
		nullString(user.WebhookURL),
		user.WebhookSecret,
		models.NormalizeTime(user.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", user.Email, common.ErrAlreadyExists)
		}
		return storageErr("create user", err)
	}
	return nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := s.rebind(`SELECT ` + userColumns + ` FROM users WHERE id = ?`)
	return s.getUser(ctx, query, id.String())
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := s.rebind(`SELECT ` + userColumns + ` FROM users WHERE email = ?`)
	return s.getUser(ctx, query, email)
}

func (s *SQLStore) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	user := &models.User{}
	var visibility string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.RefreshToken,
		&user.PublicKey,
		&user.PrivateKey,
		&user.CredentialHash,
		&visibility,
		&user.WebhookURL,
		&user.WebhookSecret,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %v: %w", arg, common.ErrNotFound)
		}
		return nil, storageErr("get user", err)
	}
	user.Visibility = models.Visibility(visibility)
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

func (s *SQLStore) UpdateUser(ctx context.Context, user *models.User) error {
	query := s.rebind(`
        UPDATE users
        SET encrypted_refresh_token = ?, credential_hash = ?, visibility = ?, webhook_url = ?, webhook_secret = ?
        WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query,
		user.RefreshToken,
		user.CredentialHash,
		string(user.Visibility),
		nullString(user.WebhookURL),
		user.WebhookSecret,
		user.ID.String(),
	)
	if err != nil {
		return storageErr("update user", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update user", err)
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", user.ID, common.ErrNotFound)
	}
	return nil
}

// --- ProposalStore ---

const proposalColumns = `id, version, from_user_id, from_email, from_pubkey, to_email, slot_start,
        duration_minutes, COALESCE(title, ''), COALESCE(description, ''), nonce, expires_at,
        signature, COALESCE(signed_from, ''), COALESCE(signed_to, ''), status, created_at`

func (s *SQLStore) IngestProposal(ctx context.Context, p *models.Proposal, usedAt time.Time) error {
	insert := s.rebind(`
        INSERT INTO proposals (id, version, from_user_id, from_email, from_pubkey, to_email, slot_start,
            duration_minutes, title, description, nonce, expires_at, signature, signed_from, signed_to,
            status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	var fromUserID any
	if p.FromUserID != nil {
		fromUserID = p.FromUserID.String()
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.recordNonce(ctx, tx, p.Nonce, usedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, insert,
			p.ID,
			p.Version,
			fromUserID,
			p.FromEmail,
			p.FromPubkey,
			p.ToEmail,
			models.NormalizeTime(p.SlotStart),
			p.DurationMinutes,
			nullString(p.Title),
			nullString(p.Description),
			p.Nonce,
			models.NormalizeTime(p.ExpiresAt),
			p.Signature,
			nullString(p.SignedFrom),
			nullString(p.SignedTo),
			string(p.Status),
			models.NormalizeTime(p.CreatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("proposal %s: %w", p.ID, common.ErrAlreadyExists)
			}
			return storageErr("insert proposal", err)
		}
		return nil
	})
}

func (s *SQLStore) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	query := s.rebind(`SELECT ` + proposalColumns + ` FROM proposals WHERE id = ?`)

	p, err := scanProposal(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("proposal %s: %w", id, common.ErrNotFound)
		}
		return nil, storageErr("get proposal", err)
	}
	return p, nil
}

func (s *SQLStore) ListProposalsTo(ctx context.Context, email string, status models.Status) ([]*models.Proposal, error) {
	return s.listProposals(ctx, s.db, "to_email = ?", email, status)
}

func (s *SQLStore) ListProposalsFrom(ctx context.Context, userID uuid.UUID, status models.Status) ([]*models.Proposal, error) {
	return s.listProposals(ctx, s.db, "from_user_id = ?", userID.String(), status)
}

func (s *SQLStore) listProposals(ctx context.Context, q dbx.DBTX, where string, arg any, status models.Status) ([]*models.Proposal, error) {
	args := []any{arg}
	if status != "" {
		where += " AND status = ?"
		args = append(args, string(status))
	}
	query := s.rebind(`SELECT ` + proposalColumns + ` FROM proposals WHERE ` + where + `
        ORDER BY created_at DESC, id ASC`)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list proposals", err)
	}
	defer rows.Close()

	proposals := []*models.Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, storageErr("scan proposal", err)
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate proposals", err)
	}
	return proposals, nil
}

func (s *SQLStore) TransitionProposal(ctx context.Context, id string, to models.Status, now time.Time) (bool, error) {
	return s.transition(ctx, s.db, id, to, now)
}

func (s *SQLStore) transition(ctx context.Context, q dbx.DBTX, id string, to models.Status, now time.Time) (bool, error) {
	cmp := "expires_at > ?"
	if to == models.StatusExpired {
		cmp = "expires_at <= ?"
	}
	query := s.rebind(`UPDATE proposals SET status = ? WHERE id = ? AND status = 'pending' AND ` + cmp)

	res, err := q.ExecContext(ctx, query, string(to), id, models.NormalizeTime(now))
	if err != nil {
		return false, storageErr("transition proposal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("transition proposal", err)
	}
	if n == 1 {
		return true, nil
	}

	// Nothing changed: tell "not found" apart from "no longer pending".
	var exists int
	err = q.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM proposals WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("proposal %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return false, storageErr("transition proposal", err)
	}
	return false, nil
}

func (s *SQLStore) ExpireProposals(ctx context.Context, now time.Time, toEmail string) ([]*models.Proposal, error) {
	where := "status = 'pending' AND expires_at <= ?"
	arg := any(models.NormalizeTime(now))
	if toEmail != "" {
		where = "to_email = ? AND " + where
	}

	expired := []*models.Proposal{}
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var (
			due []*models.Proposal
			err error
		)
		if toEmail != "" {
			due, err = s.selectProposals(ctx, tx, where, toEmail, arg)
		} else {
			due, err = s.selectProposals(ctx, tx, where, arg)
		}
		if err != nil {
			return err
		}
		for _, p := range due {
			changed, err := s.transition(ctx, tx, p.ID, models.StatusExpired, now)
			if err != nil {
				return err
			}
			if changed {
				p.Status = models.StatusExpired
				expired = append(expired, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *SQLStore) selectProposals(ctx context.Context, q dbx.DBTX, where string, args ...any) ([]*models.Proposal, error) {
	query := s.rebind(`SELECT ` + proposalColumns + ` FROM proposals WHERE ` + where + `
        ORDER BY created_at DESC, id ASC`)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("select proposals", err)
	}
	defer rows.Close()

	var out []*models.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, storageErr("scan proposal", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate proposals", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*models.Proposal, error) {
	p := &models.Proposal{}
	var (
		fromUserID sql.NullString
		status     string
	)
	err := row.Scan(
		&p.ID,
		&p.Version,
		&fromUserID,
		&p.FromEmail,
		&p.FromPubkey,
		&p.ToEmail,
		&p.SlotStart,
		&p.DurationMinutes,
		&p.Title,
		&p.Description,
		&p.Nonce,
		&p.ExpiresAt,
		&p.Signature,
		&p.SignedFrom,
		&p.SignedTo,
		&status,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if fromUserID.Valid {
		id, err := uuid.Parse(fromUserID.String)
		if err != nil {
			return nil, fmt.Errorf("from_user_id %q: %w", fromUserID.String, err)
		}
		p.FromUserID = &id
	}
	p.Status = models.Status(status)
	p.SlotStart = p.SlotStart.UTC()
	p.ExpiresAt = p.ExpiresAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

// --- NonceStore ---

func (s *SQLStore) RecordNonce(ctx context.Context, nonce string, usedAt time.Time) error {
	return s.recordNonce(ctx, s.db, nonce, usedAt)
}

func (s *SQLStore) recordNonce(ctx context.Context, q dbx.DBTX, nonce string, usedAt time.Time) error {
	query := s.rebind(`INSERT INTO used_nonces (nonce, used_at) VALUES (?, ?)`)
	if _, err := q.ExecContext(ctx, query, nonce, models.NormalizeTime(usedAt)); err != nil {
		if isUniqueViolation(err) {
			return common.ErrNonceUsed
		}
		return storageErr("record nonce", err)
	}
	return nil
}

func (s *SQLStore) PruneNonces(ctx context.Context, before time.Time) (int64, error) {
	query := s.rebind(`DELETE FROM used_nonces WHERE used_at < ?`)
	res, err := s.db.ExecContext(ctx, query, models.NormalizeTime(before))
	if err != nil {
		return 0, storageErr("prune nonces", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("prune nonces", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, common.ErrStorage, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
