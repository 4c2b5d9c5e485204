package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/orchardmart/storefront/internal/backup"
	"github.com/orchardmart/storefront/internal/store/migrations"
)

const userColumns = `id, name, email, password_hash, auth_provider, role,
	is_banned, is_email_verified,
	email_verification_token_hash, email_verification_expires_at,
	password_reset_token_hash, password_reset_expires_at,
	two_factor_enabled, two_factor_secret, backup_codes,
	last_login_at, created_at`

// PostgresStore is a UserStore backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// RunMigrations applies the embedded goose migrations. It opens a separate
// database/sql handle because goose drives migrations through *sql.DB.
func RunMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	passwordHash, provider := credentialColumns(user.Credentials)
	codes, err := json.Marshal(entriesOrEmpty(user.BackupCodes))
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO users (
			id, name, email, password_hash, auth_provider, role,
			is_banned, is_email_verified,
			email_verification_token_hash, email_verification_expires_at,
			two_factor_enabled, two_factor_secret, backup_codes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		user.ID, user.Name, NormalizeEmail(user.Email), passwordHash, provider, string(user.Role),
		user.IsBanned, user.IsEmailVerified,
		nullableString(user.EmailVerificationTokenHash), user.EmailVerificationExpiresAt,
		user.TwoFactorEnabled, nullableString(user.TwoFactorSecret), codes,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, NormalizeEmail(email))
	return scanUser(row)
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) SetVerificationToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	return s.execOnUser(ctx, `
		UPDATE users SET
			email_verification_token_hash = $2,
			email_verification_expires_at = $3,
			updated_at = now()
		WHERE id = $1`, userID, tokenHash, expiresAt)
}

func (s *PostgresStore) ClearVerificationToken(ctx context.Context, userID string) error {
	return s.execOnUser(ctx, `
		UPDATE users SET
			email_verification_token_hash = NULL,
			email_verification_expires_at = NULL,
			updated_at = now()
		WHERE id = $1`, userID)
}

func (s *PostgresStore) ConsumeVerificationToken(ctx context.Context, tokenHash string, now time.Time) (*User, error) {
	// Match and clear in one statement so two concurrent requests holding
	// the same token cannot both validate it.
	row := s.pool.QueryRow(ctx, `
		UPDATE users SET
			is_email_verified = TRUE,
			email_verification_token_hash = NULL,
			email_verification_expires_at = NULL,
			updated_at = now()
		WHERE email_verification_token_hash = $1
		  AND email_verification_expires_at > $2
		RETURNING `+userColumns, tokenHash, now)
	return scanUser(row)
}

func (s *PostgresStore) SetResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	return s.execOnUser(ctx, `
		UPDATE users SET
			password_reset_token_hash = $2,
			password_reset_expires_at = $3,
			updated_at = now()
		WHERE id = $1`, userID, tokenHash, expiresAt)
}

func (s *PostgresStore) ClearResetToken(ctx context.Context, userID string) error {
	return s.execOnUser(ctx, `
		UPDATE users SET
			password_reset_token_hash = NULL,
			password_reset_expires_at = NULL,
			updated_at = now()
		WHERE id = $1`, userID)
}

func (s *PostgresStore) ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE users SET
			password_hash = $3,
			password_reset_token_hash = NULL,
			password_reset_expires_at = NULL,
			updated_at = now()
		WHERE password_reset_token_hash = $1
		  AND password_reset_expires_at > $2
		RETURNING `+userColumns, tokenHash, now, newPasswordHash)
	return scanUser(row)
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	return s.execOnUser(ctx, `
		UPDATE users SET password_hash = $2, updated_at = now()
		WHERE id = $1`, userID, newHash)
}

func (s *PostgresStore) EnableTwoFactor(ctx context.Context, userID, secret string, codes []backup.Entry) error {
	encoded, err := json.Marshal(entriesOrEmpty(codes))
	if err != nil {
		return err
	}
	return s.execOnUser(ctx, `
		UPDATE users SET
			two_factor_enabled = TRUE,
			two_factor_secret = $2,
			backup_codes = $3,
			updated_at = now()
		WHERE id = $1`, userID, secret, encoded)
}

func (s *PostgresStore) DisableTwoFactor(ctx context.Context, userID string) error {
	return s.execOnUser(ctx, `
		UPDATE users SET
			two_factor_enabled = FALSE,
			two_factor_secret = NULL,
			backup_codes = '[]'::jsonb,
			updated_at = now()
		WHERE id = $1`, userID)
}

func (s *PostgresStore) MarkBackupCodeUsed(ctx context.Context, userID string, index int, usedAt time.Time) (bool, error) {
	// Conditional on the entry still being unused; a concurrent consumer
	// loses the race and sees zero rows.
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET
			backup_codes = jsonb_set(backup_codes, ARRAY[$2::text, 'usedAt'], to_jsonb($3::timestamptz)),
			updated_at = now()
		WHERE id = $1
		  AND backup_codes->$2::int ? 'codeHash'
		  AND (backup_codes->$2::int->>'usedAt') IS NULL`,
		userID, index, usedAt)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetLastLogin(ctx context.Context, userID string, at time.Time) error {
	return s.execOnUser(ctx, `
		UPDATE users SET last_login_at = $2, updated_at = now()
		WHERE id = $1`, userID, at)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) execOnUser(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u            User
		passwordHash sql.NullString
		provider     string
		role         string
		verifyHash   sql.NullString
		resetHash    sql.NullString
		secret       sql.NullString
		codes        []byte
	)

	err := row.Scan(
		&u.ID, &u.Name, &u.Email, &passwordHash, &provider, &role,
		&u.IsBanned, &u.IsEmailVerified,
		&verifyHash, &u.EmailVerificationExpiresAt,
		&resetHash, &u.PasswordResetExpiresAt,
		&u.TwoFactorEnabled, &secret, &codes,
		&u.LastLoginAt, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if passwordHash.Valid && passwordHash.String != "" {
		u.Credentials = PasswordCredentials(passwordHash.String)
	} else {
		u.Credentials = OAuthCredentials(provider)
	}
	u.Role = Role(role)
	u.EmailVerificationTokenHash = verifyHash.String
	u.PasswordResetTokenHash = resetHash.String
	u.TwoFactorSecret = secret.String

	if len(codes) > 0 {
		if err := json.Unmarshal(codes, &u.BackupCodes); err != nil {
			return nil, fmt.Errorf("%w: corrupt backup codes: %v", ErrUnavailable, err)
		}
	}

	return &u, nil
}

func credentialColumns(c Credentials) (passwordHash any, provider string) {
	if hash, ok := c.PasswordHash(); ok {
		return hash, "credentials"
	}
	if p, ok := c.OAuthProvider(); ok && p != "" {
		return nil, p
	}
	return nil, "credentials"
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func entriesOrEmpty(codes []backup.Entry) []backup.Entry {
	if codes == nil {
		return []backup.Entry{}
	}
	return codes
}
