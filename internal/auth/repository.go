package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const userColumns = `id, email, google_id, auth_provider, password_hash, temp_password_hash, temp_password_expires_at,
	first_name, last_name, phone, role, is_active, is_verified, email_verified, images,
	address_street, address_city, address_state, address_zip_code, address_country,
	failed_login_attempts, locked_until, last_login, created_at, updated_at`

const (
	uniqueViolation     = "23505"
	emailUniqueIndex    = "users_email_key"
	googleIDUniqueIndex = "users_google_id_key"
)

type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return User{}, fmt.Errorf("generate uuid v7: %w", err)
		}
		user.ID = id.String()
	}

	images := user.Images
	if images == nil {
		images = []string{}
	}

	created, err := scanUser(r.db.QueryRow(ctx, `
		INSERT INTO users (
			id, email, google_id, auth_provider, password_hash, temp_password_hash, temp_password_expires_at,
			first_name, last_name, phone, role, is_active, is_verified, email_verified, images,
			address_street, address_city, address_state, address_zip_code, address_country,
			last_login, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $22)
		RETURNING `+userColumns,
		user.ID, user.Email, nullable(user.GoogleID), string(user.AuthProvider), nullable(user.PasswordHash),
		nullable(user.TemporaryPasswordHash), user.TemporaryPasswordExpiresAt,
		user.FirstName, user.LastName, user.Phone, string(user.Role), user.IsActive, user.IsVerified, user.EmailVerified, images,
		user.Address.Street, user.Address.City, user.Address.State, user.Address.ZipCode, user.Address.Country,
		user.LastLogin, user.CreatedAt.UTC(),
	))
	if err != nil {
		if isUniqueViolation(err, emailUniqueIndex) {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return created, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}
	return user, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by email: %w", err)
	}
	return user, nil
}

func (r *Repository) FindOAuthCandidate(ctx context.Context, email, googleID string) (User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE lower(email) = lower($1) OR google_id = $2
		ORDER BY (lower(email) = lower($1)) DESC
		LIMIT 1
	`, email, googleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query oauth candidate: %w", err)
	}
	return user, nil
}

func (r *Repository) LinkGoogleAccount(ctx context.Context, userID, googleID, picture string, now time.Time) (User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `
		UPDATE users
		SET
			auth_provider = CASE WHEN google_id IS NULL THEN 'google' ELSE auth_provider END,
			google_id = COALESCE(google_id, $2),
			images = CASE WHEN cardinality(images) = 0 AND $3::text <> '' THEN ARRAY[$3::text] ELSE images END,
			email_verified = TRUE,
			is_verified = TRUE,
			last_login = $4,
			updated_at = $4
		WHERE id = $1
		RETURNING `+userColumns,
		userID, googleID, picture, now.UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		if isUniqueViolation(err, googleIDUniqueIndex) {
			return User{}, ErrInvalidOAuthData
		}
		return User{}, fmt.Errorf("link google account: %w", err)
	}
	return user, nil
}

// RecordFailedLogin counts one failure. A lock that has already expired is
// cleared and the count restarts at 1; otherwise reaching MaxAttempts sets a
// new lock. The returned time is the lock in force after the update, if any.
func (r *Repository) RecordFailedLogin(ctx context.Context, userID string, policy LockoutPolicy, now time.Time) (*time.Time, error) {
	now = now.UTC()

	var lockedUntil sql.NullTime
	err := r.db.QueryRow(ctx, `
		UPDATE users
		SET
			failed_login_attempts = CASE
				WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1
				ELSE failed_login_attempts + 1
			END,
			locked_until = CASE
				WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN NULL
				WHEN locked_until IS NULL AND failed_login_attempts + 1 >= $3 THEN $4
				ELSE locked_until
			END,
			updated_at = $2
		WHERE id = $1
		RETURNING locked_until
	`, userID, now, policy.MaxAttempts, now.Add(policy.LockDuration)).Scan(&lockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("record failed login: %w", err)
	}

	if !lockedUntil.Valid {
		return nil, nil
	}
	until := lockedUntil.Time.UTC()
	return &until, nil
}

func (r *Repository) ClearExpiredTemporaryPassword(ctx context.Context, userID string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE users
		SET temp_password_hash = NULL, temp_password_expires_at = NULL, updated_at = $2
		WHERE id = $1 AND temp_password_hash IS NOT NULL AND temp_password_expires_at <= $2
	`, userID, now.UTC())
	if err != nil {
		return false, fmt.Errorf("clear expired temporary password: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) CompleteLogin(ctx context.Context, userID string, record RefreshTokenRecord, keep int) (User, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return User{}, fmt.Errorf("begin login tx: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := scanUser(tx.QueryRow(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, last_login = $2, updated_at = $2
		WHERE id = $1
		RETURNING `+userColumns,
		userID, record.CreatedAt.UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("update login state: %w", err)
	}

	record.UserID = userID
	if err := insertRefreshToken(ctx, tx, record); err != nil {
		return User{}, err
	}
	if err := trimRefreshTokens(ctx, tx, userID, keep); err != nil {
		return User{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, fmt.Errorf("commit login tx: %w", err)
	}

	return user, nil
}

// RotateRefreshToken consumes oldToken and stores next in its place. The stored
// token must belong to userID; a token recorded for anyone else is left alone.
func (r *Repository) RotateRefreshToken(ctx context.Context, userID, oldToken string, next RefreshTokenRecord, keep int, now time.Time) (User, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return User{}, fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var recordID string
	err = tx.QueryRow(ctx, `
		SELECT t.id
		FROM auth_refresh_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1 AND t.user_id = $2 AND t.expires_at > $3 AND u.is_active
		FOR UPDATE OF t
	`, hashToken(oldToken), userID, now.UTC()).Scan(&recordID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrInvalidRefreshToken
		}
		return User{}, fmt.Errorf("read refresh token: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM auth_refresh_tokens WHERE id = $1`, recordID); err != nil {
		return User{}, fmt.Errorf("consume refresh token: %w", err)
	}

	next.UserID = userID
	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return User{}, err
	}
	if err := trimRefreshTokens(ctx, tx, userID, keep); err != nil {
		return User{}, err
	}

	user, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return User{}, fmt.Errorf("read refresh token owner: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	return user, nil
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, userID, token string) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM auth_refresh_tokens
		WHERE user_id = $1 AND token_hash = $2
	`, userID, hashToken(token))
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (r *Repository) RevokeAllRefreshTokens(ctx context.Context, userID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM auth_refresh_tokens WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	return nil
}

func (r *Repository) SetResetToken(ctx context.Context, userID, token string, expiresAt, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users
		SET reset_token_hash = $2, reset_token_expires_at = $3, updated_at = $4
		WHERE id = $1
	`, userID, hashToken(token), expiresAt.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ResetPassword consumes a live reset token. The password change, the
// clearing of temporary and reset secrets, and the removal of every refresh
// token happen in one statement.
func (r *Repository) ResetPassword(ctx context.Context, token, passwordHash string, now time.Time) (User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `
		WITH target AS (
			UPDATE users
			SET
				password_hash = $2,
				temp_password_hash = NULL,
				temp_password_expires_at = NULL,
				reset_token_hash = NULL,
				reset_token_expires_at = NULL,
				failed_login_attempts = 0,
				locked_until = NULL,
				updated_at = $3
			WHERE reset_token_hash = $1 AND reset_token_expires_at > $3
			RETURNING `+userColumns+`
		), revoked AS (
			DELETE FROM auth_refresh_tokens t
			USING target
			WHERE t.user_id = target.id
		)
		SELECT `+userColumns+` FROM target
	`, hashToken(token), passwordHash, now.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrInvalidResetToken
		}
		return User{}, fmt.Errorf("reset password: %w", err)
	}
	return user, nil
}

func (r *Repository) ChangePassword(ctx context.Context, userID, passwordHash string, now time.Time) error {
	var id string
	err := r.db.QueryRow(ctx, `
		WITH target AS (
			UPDATE users
			SET password_hash = $2, temp_password_hash = NULL, temp_password_expires_at = NULL, updated_at = $3
			WHERE id = $1
			RETURNING id
		), revoked AS (
			DELETE FROM auth_refresh_tokens t
			USING target
			WHERE t.user_id = target.id
		)
		SELECT id FROM target
	`, userID, passwordHash, now.UTC()).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("change password: %w", err)
	}
	return nil
}

func (r *Repository) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate, now time.Time) (User, error) {
	address := Address{}
	if update.Address != nil {
		address = *update.Address
	}

	user, err := scanUser(r.db.QueryRow(ctx, `
		UPDATE users
		SET
			first_name = COALESCE($2::text, first_name),
			last_name = COALESCE($3::text, last_name),
			phone = COALESCE($4::text, phone),
			address_street = CASE WHEN $5::boolean THEN $6::text ELSE address_street END,
			address_city = CASE WHEN $5::boolean THEN $7::text ELSE address_city END,
			address_state = CASE WHEN $5::boolean THEN $8::text ELSE address_state END,
			address_zip_code = CASE WHEN $5::boolean THEN $9::text ELSE address_zip_code END,
			address_country = CASE WHEN $5::boolean THEN $10::text ELSE address_country END,
			updated_at = $11
		WHERE id = $1
		RETURNING `+userColumns,
		userID, update.FirstName, update.LastName, update.Phone, update.Address != nil,
		address.Street, address.City, address.State, address.ZipCode, address.Country, now.UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("update profile: %w", err)
	}
	return user, nil
}

func (r *Repository) ListUsers(ctx context.Context, query UserQuery) ([]User, int, error) {
	search := strings.TrimSpace(query.Search)
	pattern := "%" + escapeLike(search) + "%"
	filter := `
		WHERE ($1::text = '' OR role = $1::text)
		  AND ($2::text = '' OR first_name ILIKE $3 OR last_name ILIKE $3 OR email ILIKE $3)
	`

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`+filter, string(query.Role), search, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+userColumns+`
		FROM users`+filter+`
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`, string(query.Role), search, pattern, query.Limit, (query.Page-1)*query.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0, query.Limit)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate users: %w", err)
	}

	return users, total, nil
}

func (r *Repository) UpdateUserStatus(ctx context.Context, userID string, update StatusUpdate, now time.Time) (User, error) {
	var role *string
	if update.Role != nil {
		value := string(*update.Role)
		role = &value
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return User{}, fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := scanUser(tx.QueryRow(ctx, `
		UPDATE users
		SET is_active = COALESCE($2::boolean, is_active), role = COALESCE($3::text, role), updated_at = $4
		WHERE id = $1
		RETURNING `+userColumns,
		userID, update.IsActive, role, now.UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("update user status: %w", err)
	}

	if !user.IsActive {
		if _, err := tx.Exec(ctx, `DELETE FROM auth_refresh_tokens WHERE user_id = $1`, userID); err != nil {
			return User{}, fmt.Errorf("drop sessions of inactive user: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, fmt.Errorf("commit status tx: %w", err)
	}
	return user, nil
}

func (r *Repository) DeleteUser(ctx context.Context, userID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *Repository) UpsertAdmin(ctx context.Context, admin User) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO users (
			id, email, auth_provider, password_hash, first_name, last_name, role,
			is_active, is_verified, email_verified, images, created_at, updated_at
		)
		VALUES ($1, $2, 'local', $3, $4, $5, 'admin', TRUE, TRUE, TRUE, '{}', $6, $6)
		ON CONFLICT ((lower(email))) DO UPDATE
		SET password_hash = EXCLUDED.password_hash, role = 'admin', is_active = TRUE, updated_at = EXCLUDED.updated_at
	`, id.String(), admin.Email, admin.PasswordHash, admin.FirstName, admin.LastName, admin.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert admin user: %w", err)
	}
	return nil
}

func (r *Repository) PurgeExpiredTemporaryPasswords(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE users
		SET temp_password_hash = NULL, temp_password_expires_at = NULL, updated_at = $1
		WHERE temp_password_hash IS NOT NULL AND temp_password_expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired temporary passwords: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) PurgeExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE users
		SET reset_token_hash = NULL, reset_token_expires_at = NULL, updated_at = $1
		WHERE reset_token_hash IS NOT NULL AND reset_token_expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired reset tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	tag, err := r.db.Exec(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func insertRefreshToken(ctx context.Context, q queryer, record RefreshTokenRecord) error {
	if record.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate refresh token id: %w", err)
		}
		record.ID = id.String()
	}

	_, err := q.Exec(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, device_info, ip_address, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, record.ID, record.UserID, hashToken(record.Token), record.DeviceInfo, record.IPAddress,
		record.CreatedAt.UTC(), record.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func trimRefreshTokens(ctx context.Context, q queryer, userID string, keep int) error {
	_, err := q.Exec(ctx, `
		DELETE FROM auth_refresh_tokens
		WHERE user_id = $1 AND id NOT IN (
			SELECT id
			FROM auth_refresh_tokens
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		)
	`, userID, keep)
	if err != nil {
		return fmt.Errorf("trim refresh tokens: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user                                User
		googleID, passwordHash, tempHash    sql.NullString
		tempExpires, lockedUntil, lastLogin sql.NullTime
		provider, role                      string
	)

	err := row.Scan(
		&user.ID, &user.Email, &googleID, &provider, &passwordHash, &tempHash, &tempExpires,
		&user.FirstName, &user.LastName, &user.Phone, &role, &user.IsActive, &user.IsVerified, &user.EmailVerified, &user.Images,
		&user.Address.Street, &user.Address.City, &user.Address.State, &user.Address.ZipCode, &user.Address.Country,
		&user.FailedLoginAttempts, &lockedUntil, &lastLogin, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	user.GoogleID = googleID.String
	user.PasswordHash = passwordHash.String
	user.TemporaryPasswordHash = tempHash.String
	user.AuthProvider = AuthProvider(provider)
	user.Role = Role(role)
	user.TemporaryPasswordExpiresAt = timePtr(tempExpires)
	user.LockedUntil = timePtr(lockedUntil)
	user.LastLogin = timePtr(lastLogin)
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()

	return user, nil
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error, index string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (index == "" || pgErr.ConstraintName == index)
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
