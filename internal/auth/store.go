package auth

import (
	"context"
	"time"
)

// Store is the credential store. Every method that changes more than one
// field or row does so atomically; callers never read-modify-write.
type Store interface {
	CreateUser(ctx context.Context, user User) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	FindOAuthCandidate(ctx context.Context, email, googleID string) (User, error)
	LinkGoogleAccount(ctx context.Context, userID, googleID, picture string, now time.Time) (User, error)

	RecordFailedLogin(ctx context.Context, userID string, policy LockoutPolicy, now time.Time) (*time.Time, error)
	ClearExpiredTemporaryPassword(ctx context.Context, userID string, now time.Time) (bool, error)
	CompleteLogin(ctx context.Context, userID string, record RefreshTokenRecord, keep int) (User, error)

	RotateRefreshToken(ctx context.Context, userID, oldToken string, next RefreshTokenRecord, keep int, now time.Time) (User, error)
	RevokeRefreshToken(ctx context.Context, userID, token string) error
	RevokeAllRefreshTokens(ctx context.Context, userID string) error

	SetResetToken(ctx context.Context, userID, token string, expiresAt, now time.Time) error
	ResetPassword(ctx context.Context, token, passwordHash string, now time.Time) (User, error)
	ChangePassword(ctx context.Context, userID, passwordHash string, now time.Time) error

	UpdateProfile(ctx context.Context, userID string, update ProfileUpdate, now time.Time) (User, error)
	ListUsers(ctx context.Context, query UserQuery) ([]User, int, error)
	UpdateUserStatus(ctx context.Context, userID string, update StatusUpdate, now time.Time) (User, error)
	DeleteUser(ctx context.Context, userID string) error
	UpsertAdmin(ctx context.Context, admin User) error

	PurgeExpiredTemporaryPasswords(ctx context.Context, now time.Time) (int64, error)
	PurgeExpiredResetTokens(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time, batchSize int) (int64, error)
}
