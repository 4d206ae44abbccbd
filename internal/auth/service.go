package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketplace-api/internal/observability"
)

const (
	defaultMaxAttempts   = 5
	defaultLockWindow    = 2 * time.Hour
	maxRefreshTokens     = 5
	temporaryPasswordTTL = 24 * time.Hour
	resetTokenTTL        = 10 * time.Minute
	resetTokenBytes      = 32

	defaultUserPageLimit = 10
	maxUserPageLimit     = 100
)

// Mailer delivers account emails. Implementations must not block the caller
// on the network.
type Mailer interface {
	SendTemporaryPassword(ctx context.Context, to, name, password string)
	SendPasswordReset(ctx context.Context, to, name, resetURL string)
	SendPasswordChanged(ctx context.Context, to, name string)
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event map[string]any)
}

// SessionRevoker records that every access token issued to a user before a
// point in time must be rejected.
type SessionRevoker interface {
	RevokeUser(ctx context.Context, userID string, at time.Time) error
	RevokedAt(ctx context.Context, userID string) (time.Time, bool, error)
}

type Service struct {
	store       Store
	tokens      *TokenIssuer
	hasher      *passwordHasher
	logger      *observability.Logger
	mailer      Mailer
	events      EventPublisher
	revoker     SessionRevoker
	lockout     LockoutPolicy
	frontendURL string
	now         func() time.Time
}

func NewService(store Store, tokens *TokenIssuer, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		store:  store,
		tokens: tokens,
		hasher: newPasswordHasher(passwordHashCost),
		logger: logger,
		mailer: nopMailer{},
		events: nopPublisher{},
		lockout: LockoutPolicy{
			MaxAttempts:  defaultMaxAttempts,
			LockDuration: defaultLockWindow,
		},
		frontendURL: "http://localhost:3000",
		now:         time.Now,
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration) {
	if maxAttempts > 0 {
		s.lockout.MaxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockout.LockDuration = lockDuration
	}
}

func (s *Service) WithMailer(mailer Mailer) {
	if mailer != nil {
		s.mailer = mailer
	}
}

func (s *Service) WithEvents(events EventPublisher) {
	if events != nil {
		s.events = events
	}
}

func (s *Service) WithRevoker(revoker SessionRevoker) {
	s.revoker = revoker
}

func (s *Service) WithFrontendURL(frontendURL string) {
	if trimmed := strings.TrimRight(strings.TrimSpace(frontendURL), "/"); trimmed != "" {
		s.frontendURL = trimmed
	}
}

func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (User, error) {
	email := normalizeEmail(input.Email)

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return User{}, ErrDuplicateEmail
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	temporaryPassword, err := GenerateTemporaryPassword()
	if err != nil {
		return User{}, fmt.Errorf("generate temporary password: %w", err)
	}
	temporaryHash, err := s.hasher.Hash(ctx, temporaryPassword)
	if err != nil {
		return User{}, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(temporaryPasswordTTL)
	user, err := s.store.CreateUser(ctx, User{
		Email:                      email,
		AuthProvider:               ProviderLocal,
		TemporaryPasswordHash:      temporaryHash,
		TemporaryPasswordExpiresAt: &expiresAt,
		FirstName:                  strings.TrimSpace(input.FirstName),
		LastName:                   strings.TrimSpace(input.LastName),
		Phone:                      strings.TrimSpace(input.Phone),
		Role:                       RoleUser,
		IsActive:                   true,
		Images:                     []string{},
		CreatedAt:                  now,
	})
	if err != nil {
		return User{}, err
	}

	s.mailer.SendTemporaryPassword(ctx, user.Email, user.FullName(), temporaryPassword)
	s.publish(ctx, "user_registered", user, nil)

	return user, nil
}

func (s *Service) Login(ctx context.Context, email, password string, client ClientInfo) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}

	now := s.now().UTC()
	if !user.IsActive {
		return Session{}, ErrAccountDisabled
	}
	if user.isOAuthOnly(now) {
		return Session{}, ErrUseOAuthInstead
	}
	if user.lockedAt(now) {
		return Session{}, ErrLoginLocked{Until: *user.LockedUntil}
	}

	tempValid, tempExpired := user.temporaryPasswordState(now)

	usedTemporary := false
	verified := false
	if tempValid {
		ok, err := s.hasher.Matches(ctx, user.TemporaryPasswordHash, password)
		if err != nil {
			return Session{}, err
		}
		verified, usedTemporary = ok, ok
	}
	if !verified && user.PasswordHash != "" {
		ok, err := s.hasher.Matches(ctx, user.PasswordHash, password)
		if err != nil {
			return Session{}, err
		}
		verified = ok
	}

	if tempExpired {
		if _, err := s.store.ClearExpiredTemporaryPassword(ctx, user.ID, now); err != nil {
			s.logger.Warn("auth_clear_expired_temporary_password_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
		}
	}

	if !verified {
		return Session{}, s.failLogin(ctx, user, tempValid, tempExpired, now)
	}

	session, err := s.openSession(ctx, user.ID, client, now, func(record RefreshTokenRecord) (User, error) {
		return s.store.CompleteLogin(ctx, user.ID, record, maxRefreshTokens)
	})
	if err != nil {
		return Session{}, err
	}
	session.IsTemporaryPassword = usedTemporary

	s.publish(ctx, "user_logged_in", session.User, map[string]any{
		"ip":                    client.IP,
		"is_temporary_password": usedTemporary,
	})
	return session, nil
}

func (s *Service) failLogin(ctx context.Context, user User, tempValid, tempExpired bool, now time.Time) error {
	if user.PasswordHash != "" || tempValid {
		lockedUntil, err := s.store.RecordFailedLogin(ctx, user.ID, s.lockout, now)
		if err != nil {
			return err
		}
		if lockedUntil != nil && now.Before(*lockedUntil) {
			s.logger.Warn("auth_account_locked", map[string]any{
				"user_id":      user.ID,
				"locked_until": lockedUntil.Format(time.RFC3339),
			})
			return ErrLoginLocked{Until: *lockedUntil}
		}
	}

	if tempExpired || (user.PasswordHash == "" && !tempValid) {
		return ErrTemporaryPasswordExpired
	}
	return ErrInvalidCredentials
}

func (s *Service) Refresh(ctx context.Context, refreshToken string, client ClientInfo) (Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	claims, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return Session{}, ErrInvalidRefreshToken
	}

	now := s.now().UTC()
	session, err := s.openSession(ctx, claims.UserID, client, now, func(record RefreshTokenRecord) (User, error) {
		return s.store.RotateRefreshToken(ctx, claims.UserID, refreshToken, record, maxRefreshTokens, now)
	})
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// openSession mints a refresh token for userID, hands its record to persist
// and signs an access token for the user persist returns.
func (s *Service) openSession(
	ctx context.Context,
	userID string,
	client ClientInfo,
	now time.Time,
	persist func(RefreshTokenRecord) (User, error),
) (Session, error) {
	refreshToken, refreshExpiresAt, err := s.tokens.IssueRefreshToken(userID)
	if err != nil {
		return Session{}, err
	}

	owner, err := persist(RefreshTokenRecord{
		Token:      refreshToken,
		CreatedAt:  now,
		ExpiresAt:  refreshExpiresAt,
		DeviceInfo: truncate(client.UserAgent, 512),
		IPAddress:  truncate(client.IP, 64),
	})
	if err != nil {
		return Session{}, err
	}

	accessToken, accessExpiresAt, err := s.tokens.IssueAccessToken(owner)
	if err != nil {
		return Session{}, err
	}

	return Session{
		User:                  owner,
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  accessExpiresAt,
		RefreshToken:          refreshToken,
		RefreshTokenExpiresAt: refreshExpiresAt,
	}, nil
}

// Logout drops the refresh record matching refreshToken. Without a token
// there is nothing to remove and the call succeeds.
func (s *Service) Logout(ctx context.Context, userID, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	if err := s.store.RevokeRefreshToken(ctx, userID, refreshToken); err != nil {
		return err
	}
	s.events.Publish(ctx, userID, s.event("user_logged_out", userID, nil))
	return nil
}

func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	if err := s.store.RevokeAllRefreshTokens(ctx, userID); err != nil {
		return err
	}
	s.revokeAccess(ctx, userID)
	s.events.Publish(ctx, userID, s.event("user_logged_out_everywhere", userID, nil))
	return nil
}

// RequestPasswordReset never reports whether the email is known. Only
// infrastructure failures surface as errors.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}

	token, err := randomToken(resetTokenBytes)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}

	now := s.now().UTC()
	if err := s.store.SetResetToken(ctx, user.ID, token, now.Add(resetTokenTTL), now); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}

	resetURL := s.frontendURL + "/reset-password?token=" + url.QueryEscape(token)
	s.mailer.SendPasswordReset(ctx, user.Email, user.FirstName, resetURL)
	s.publish(ctx, "password_reset_requested", user, nil)
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidResetToken
	}
	if err := checkNewPassword("password", newPassword); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return err
	}

	user, err := s.store.ResetPassword(ctx, token, hash, s.now().UTC())
	if err != nil {
		return err
	}

	s.revokeAccess(ctx, user.ID)
	s.mailer.SendPasswordChanged(ctx, user.Email, user.FirstName)
	s.publish(ctx, "password_reset", user, nil)
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if err := checkNewPassword("newPassword", newPassword); err != nil {
		return err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	matched, err := s.hasher.Matches(ctx, user.PasswordHash, currentPassword)
	if err != nil {
		return err
	}
	if !matched {
		if tempValid, _ := user.temporaryPasswordState(now); tempValid {
			matched, err = s.hasher.Matches(ctx, user.TemporaryPasswordHash, currentPassword)
			if err != nil {
				return err
			}
		}
	}
	if !matched {
		return ErrWrongCurrentPassword
	}

	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return err
	}
	if err := s.store.ChangePassword(ctx, user.ID, hash, now); err != nil {
		return err
	}

	s.revokeAccess(ctx, user.ID)
	s.mailer.SendPasswordChanged(ctx, user.Email, user.FirstName)
	s.publish(ctx, "password_changed", user, nil)
	return nil
}

func (s *Service) GetProfile(ctx context.Context, userID string) (User, error) {
	return s.GetUser(ctx, userID)
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (User, error) {
	if update.Empty() {
		return s.GetUser(ctx, userID)
	}
	return s.store.UpdateProfile(ctx, userID, update, s.now().UTC())
}

func (s *Service) GoogleAuth(ctx context.Context, input GoogleAuthInput, client ClientInfo) (Session, error) {
	if input.UserInfo == nil {
		return Session{}, ErrInvalidOAuthData
	}
	info := *input.UserInfo

	email := normalizeEmail(info.Email)
	subject := strings.TrimSpace(info.ID)
	if subject == "" {
		subject = strings.TrimSpace(info.Sub)
	}
	if email == "" || subject == "" {
		return Session{}, ErrInvalidOAuthData
	}
	picture := strings.TrimSpace(info.Picture)

	now := s.now().UTC()
	user, err := s.findOrCreateGoogleUser(ctx, email, subject, info.Name, picture, now)
	if err != nil {
		return Session{}, err
	}

	session, err := s.openSession(ctx, user.ID, client, now, func(record RefreshTokenRecord) (User, error) {
		return s.store.CompleteLogin(ctx, user.ID, record, maxRefreshTokens)
	})
	if err != nil {
		return Session{}, err
	}

	s.publish(ctx, "user_logged_in", session.User, map[string]any{
		"ip":       client.IP,
		"provider": string(ProviderGoogle),
	})
	return session, nil
}

func (s *Service) findOrCreateGoogleUser(ctx context.Context, email, subject, name, picture string, now time.Time) (User, error) {
	existing, err := s.store.FindOAuthCandidate(ctx, email, subject)
	switch {
	case err == nil:
		return s.linkGoogleUser(ctx, existing, subject, picture, now)
	case !errors.Is(err, ErrUserNotFound):
		return User{}, err
	}

	firstName, lastName := splitName(name)
	images := []string{}
	if picture != "" {
		images = []string{picture}
	}

	created, err := s.store.CreateUser(ctx, User{
		Email:         email,
		GoogleID:      subject,
		AuthProvider:  ProviderGoogle,
		FirstName:     firstName,
		LastName:      lastName,
		Role:          RoleUser,
		IsActive:      true,
		IsVerified:    true,
		EmailVerified: true,
		Images:        images,
		LastLogin:     &now,
		CreatedAt:     now,
	})
	if errors.Is(err, ErrDuplicateEmail) {
		// Lost a race with a concurrent first sign-in for the same email.
		existing, findErr := s.store.FindOAuthCandidate(ctx, email, subject)
		if findErr != nil {
			return User{}, findErr
		}
		return s.linkGoogleUser(ctx, existing, subject, picture, now)
	}
	if err != nil {
		return User{}, err
	}

	s.publish(ctx, "user_registered", created, map[string]any{"provider": string(ProviderGoogle)})
	return created, nil
}

func (s *Service) linkGoogleUser(ctx context.Context, existing User, subject, picture string, now time.Time) (User, error) {
	if !existing.IsActive {
		return User{}, ErrAccountDisabled
	}
	return s.store.LinkGoogleAccount(ctx, existing.ID, subject, picture, now)
}

func (s *Service) ListUsers(ctx context.Context, query UserQuery) (UserPage, error) {
	if query.Page < 1 {
		query.Page = 1
	}
	if query.Limit < 1 {
		query.Limit = defaultUserPageLimit
	}
	if query.Limit > maxUserPageLimit {
		query.Limit = maxUserPageLimit
	}
	query.Search = strings.TrimSpace(query.Search)
	if query.Role != "" && !query.Role.Valid() {
		return UserPage{}, newValidationError("role", "role must be one of user, admin, moderator")
	}

	users, total, err := s.store.ListUsers(ctx, query)
	if err != nil {
		return UserPage{}, err
	}

	totalPages := int(math.Ceil(float64(total) / float64(query.Limit)))
	return UserPage{
		Users: users,
		Pagination: Pagination{
			CurrentPage: query.Page,
			TotalPages:  totalPages,
			TotalUsers:  total,
			HasNext:     query.Page < totalPages,
			HasPrev:     query.Page > 1,
		},
	}, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return User{}, ErrUserNotFound
	}
	return s.store.GetUserByID(ctx, userID)
}

func (s *Service) UpdateUserStatus(ctx context.Context, userID string, update StatusUpdate) (User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return User{}, ErrUserNotFound
	}
	if update.Role != nil && !update.Role.Valid() {
		return User{}, newValidationError("role", "role must be one of user, admin, moderator")
	}
	if update.IsActive == nil && update.Role == nil {
		return User{}, newValidationError("isActive", "isActive or role is required")
	}

	user, err := s.store.UpdateUserStatus(ctx, userID, update, s.now().UTC())
	if err != nil {
		return User{}, err
	}

	if !user.IsActive {
		s.revokeAccess(ctx, user.ID)
	}
	s.publish(ctx, "user_status_changed", user, map[string]any{
		"is_active": user.IsActive,
		"role":      string(user.Role),
	})
	return user, nil
}

func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return ErrUserNotFound
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}

	s.revokeAccess(ctx, userID)
	s.events.Publish(ctx, userID, s.event("user_deleted", userID, nil))
	return nil
}

// BootstrapAdmin creates or refreshes the admin principal configured for
// this deployment. Other accounts are left untouched.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return fmt.Errorf("admin email and password are required")
	}

	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return err
	}

	return s.store.UpsertAdmin(ctx, User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Admin",
		LastName:     "User",
		Role:         RoleAdmin,
		CreatedAt:    s.now().UTC(),
	})
}

func (s *Service) revokeAccess(ctx context.Context, userID string) {
	if s.revoker == nil {
		return
	}
	if err := s.revoker.RevokeUser(ctx, userID, s.now().UTC()); err != nil {
		s.logger.Error("auth_revoke_access_failed", map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

func (s *Service) publish(ctx context.Context, eventType string, user User, extra map[string]any) {
	fields := map[string]any{"email": user.Email, "role": string(user.Role)}
	for k, v := range extra {
		fields[k] = v
	}
	s.events.Publish(ctx, user.ID, s.event(eventType, user.ID, fields))
}

func (s *Service) event(eventType, userID string, fields map[string]any) map[string]any {
	event := map[string]any{
		"type":      eventType,
		"user_id":   userID,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		event[k] = v
	}
	return event
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func splitName(name string) (string, string) {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "User", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

type nopMailer struct{}

func (nopMailer) SendTemporaryPassword(context.Context, string, string, string) {}
func (nopMailer) SendPasswordReset(context.Context, string, string, string)     {}
func (nopMailer) SendPasswordChanged(context.Context, string, string)           {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, map[string]any) {}
