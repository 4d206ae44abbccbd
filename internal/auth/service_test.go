package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingMailer struct {
	mu        sync.Mutex
	temporary map[string]string
	resets    map[string]string
	changed   []string
}

func newRecordingMailer() *recordingMailer {
	return &recordingMailer{temporary: map[string]string{}, resets: map[string]string{}}
}

func (m *recordingMailer) SendTemporaryPassword(_ context.Context, to, _, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temporary[to] = password
}

func (m *recordingMailer) SendPasswordReset(_ context.Context, to, _, resetURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets[to] = resetURL
}

func (m *recordingMailer) SendPasswordChanged(_ context.Context, to, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changed = append(m.changed, to)
}

func (m *recordingMailer) temporaryPassword(to string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.temporary[to]
}

func (m *recordingMailer) resetToken(t *testing.T, to string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	link, ok := m.resets[to]
	require.True(t, ok, "no reset email for %s", to)
	parsed, err := url.Parse(link)
	require.NoError(t, err)
	return parsed.Query().Get("token")
}

type recordingRevoker struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

func (r *recordingRevoker) RevokeUser(_ context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revoked == nil {
		r.revoked = map[string]time.Time{}
	}
	r.revoked[userID] = at
	return nil
}

func (r *recordingRevoker) RevokedAt(_ context.Context, userID string) (time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.revoked[userID]
	return at, ok, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []map[string]any
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event["type"].(string))
	}
	return out
}

type serviceFixture struct {
	service *Service
	store   *memStore
	clock   *fakeClock
	mailer  *recordingMailer
	revoker *recordingRevoker
	events  *recordingPublisher
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	tokens, err := NewTokenIssuer(TokenConfig{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
	})
	require.NoError(t, err)

	f := &serviceFixture{
		store:   newMemStore(),
		clock:   newFakeClock(),
		mailer:  newRecordingMailer(),
		revoker: &recordingRevoker{},
		events:  &recordingPublisher{},
	}
	f.service = NewService(f.store, tokens, nil)
	f.service.hasher = newPasswordHasher(bcrypt.MinCost)
	f.service.now = f.clock.Now
	f.service.WithMailer(f.mailer)
	f.service.WithRevoker(f.revoker)
	f.service.WithEvents(f.events)
	f.service.WithFrontendURL("https://shop.example.com/")
	return f
}

// withPassword creates an active local user with a permanent password.
func (f *serviceFixture) withPassword(t *testing.T, email, password string) User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	user, err := f.store.CreateUser(context.Background(), User{
		Email:        email,
		AuthProvider: ProviderLocal,
		PasswordHash: string(hash),
		FirstName:    "Jane",
		LastName:     "Doe",
		Role:         RoleUser,
		IsActive:     true,
		CreatedAt:    f.clock.Now(),
	})
	require.NoError(t, err)
	return user
}

func (f *serviceFixture) register(t *testing.T, email string) (User, string) {
	t.Helper()

	user, err := f.service.Register(context.Background(), RegisterInput{
		FirstName: "Jane",
		LastName:  "Doe",
		Email:     email,
	})
	require.NoError(t, err)

	password := f.mailer.temporaryPassword(user.Email)
	require.NotEmpty(t, password)
	return user, password
}

var testClient = ClientInfo{UserAgent: "go-test", IP: "203.0.113.7"}

func TestGenerateTemporaryPassword(t *testing.T) {
	t.Parallel()

	for range 50 {
		password, err := GenerateTemporaryPassword()
		require.NoError(t, err)
		require.Len(t, password, temporaryPasswordLength)
		assert.Regexp(t, `[A-Z]`, password)
		assert.Regexp(t, `[a-z]`, password)
		assert.Regexp(t, `[0-9]`, password)
		assert.Regexp(t, `^[A-Za-z0-9]+$`, password)
	}
}

func TestServiceRegister(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	user, password := f.register(t, "  Jane.Doe@Example.com ")

	stored, err := f.store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane.doe@example.com", stored.Email)
	assert.Equal(t, RoleUser, stored.Role)
	assert.Equal(t, ProviderLocal, stored.AuthProvider)
	assert.True(t, stored.IsActive)
	assert.False(t, stored.EmailVerified)
	assert.Empty(t, stored.PasswordHash)
	require.NotNil(t, stored.TemporaryPasswordExpiresAt)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), *stored.TemporaryPasswordExpiresAt)

	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.TemporaryPasswordHash), []byte(password)))
	assert.Error(t, bcrypt.CompareHashAndPassword([]byte(stored.TemporaryPasswordHash), []byte(password+"x")))
	assert.Contains(t, f.events.types(), "user_registered")

	_, err = f.service.Register(ctx, RegisterInput{FirstName: "Jane", LastName: "Doe", Email: "JANE.DOE@example.com"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestServiceRegisterThenLoginWithTemporaryPassword(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	user, password := f.register(t, "new@example.com")

	session, err := f.service.Login(ctx, "NEW@example.com", password, testClient)
	require.NoError(t, err)
	assert.True(t, session.IsTemporaryPassword)
	assert.NotEmpty(t, session.RefreshToken)
	assert.Equal(t, user.ID, session.User.ID)
	require.NotNil(t, session.User.LastLogin)

	claims, err := f.service.Tokens().VerifyAccessToken(session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, RoleUser, claims.Role)
	assert.Equal(t, 1, f.store.refreshCount(user.ID))

	// The temporary password stays usable until it expires.
	_, err = f.service.Login(ctx, "new@example.com", password, testClient)
	require.NoError(t, err)
}

func TestServiceLoginFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		prepare func(t *testing.T, f *serviceFixture)
		email   string
		wantErr error
	}{
		{
			name:    "unknown email",
			prepare: func(*testing.T, *serviceFixture) {},
			email:   "ghost@example.com",
			wantErr: ErrInvalidCredentials,
		},
		{
			name: "wrong password",
			prepare: func(t *testing.T, f *serviceFixture) {
				f.withPassword(t, "user@example.com", "Other1Pass")
			},
			email:   "user@example.com",
			wantErr: ErrInvalidCredentials,
		},
		{
			name: "deactivated account",
			prepare: func(t *testing.T, f *serviceFixture) {
				user := f.withPassword(t, "user@example.com", "Correct1Pass")
				user.IsActive = false
				f.store.setUser(user)
			},
			email:   "user@example.com",
			wantErr: ErrAccountDisabled,
		},
		{
			name: "google only account",
			prepare: func(t *testing.T, f *serviceFixture) {
				_, err := f.store.CreateUser(ctx, User{
					Email:        "user@example.com",
					GoogleID:     "google-sub-1",
					AuthProvider: ProviderGoogle,
					Role:         RoleUser,
					IsActive:     true,
				})
				require.NoError(t, err)
			},
			email:   "user@example.com",
			wantErr: ErrUseOAuthInstead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newServiceFixture(t)
			tt.prepare(t, f)

			_, err := f.service.Login(ctx, tt.email, "Correct1Pass", testClient)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestServiceLoginLockout(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.withPassword(t, "locked@example.com", "Correct1Pass")

	for i := 1; i < defaultMaxAttempts; i++ {
		_, err := f.service.Login(ctx, user.Email, "Wrong1Pass", testClient)
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i)
	}

	_, err := f.service.Login(ctx, user.Email, "Wrong1Pass", testClient)
	var locked ErrLoginLocked
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, f.clock.Now().Add(2*time.Hour), locked.Until)

	_, err = f.service.Login(ctx, user.Email, "Correct1Pass", testClient)
	require.ErrorAs(t, err, &locked, "correct password while locked")

	f.clock.Advance(2*time.Hour - time.Second)
	_, err = f.service.Login(ctx, user.Email, "Correct1Pass", testClient)
	require.ErrorAs(t, err, &locked, "lock still active")

	f.clock.Advance(2 * time.Second)
	session, err := f.service.Login(ctx, user.Email, "Correct1Pass", testClient)
	require.NoError(t, err)
	assert.Zero(t, session.User.FailedLoginAttempts)
	assert.Nil(t, session.User.LockedUntil)
}

func TestServiceLoginAfterLockExpiresRestartsCount(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.withPassword(t, "relock@example.com", "Correct1Pass")

	for range defaultMaxAttempts {
		_, _ = f.service.Login(ctx, user.Email, "Wrong1Pass", testClient)
	}
	f.clock.Advance(2*time.Hour + time.Minute)

	_, err := f.service.Login(ctx, user.Email, "Wrong1Pass", testClient)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	stored, err := f.store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailedLoginAttempts)
	assert.Nil(t, stored.LockedUntil)
}

func TestServiceLoginExpiredTemporaryPassword(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("lazily purged on login", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		user, password := f.register(t, "late@example.com")

		f.clock.Advance(25 * time.Hour)
		_, err := f.service.Login(ctx, user.Email, password, testClient)
		require.ErrorIs(t, err, ErrTemporaryPasswordExpired)

		stored, err := f.store.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Empty(t, stored.TemporaryPasswordHash)
		assert.Nil(t, stored.TemporaryPasswordExpiresAt)
	})

	t.Run("already swept", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		user, password := f.register(t, "swept@example.com")

		f.clock.Advance(25 * time.Hour)
		purged, err := f.store.PurgeExpiredTemporaryPasswords(ctx, f.clock.Now())
		require.NoError(t, err)
		require.EqualValues(t, 1, purged)

		_, err = f.service.Login(ctx, user.Email, password, testClient)
		assert.ErrorIs(t, err, ErrTemporaryPasswordExpired)
	})

	t.Run("swept with a regular password falls through", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		user := f.withPassword(t, "both@example.com", "Regular1Pass")
		expired := f.clock.Now().Add(-time.Minute)
		user.TemporaryPasswordHash = "stale-temporary-hash"
		user.TemporaryPasswordExpiresAt = &expired
		f.store.setUser(user)

		_, err := f.store.PurgeExpiredTemporaryPasswords(ctx, f.clock.Now())
		require.NoError(t, err)

		session, err := f.service.Login(ctx, user.Email, "Regular1Pass", testClient)
		require.NoError(t, err)
		assert.False(t, session.IsTemporaryPassword)
	})
}

func TestServiceRefreshIsOneTimeUse(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.withPassword(t, "rotate@example.com", "Correct1Pass")

	login, err := f.service.Login(ctx, user.Email, "Correct1Pass", testClient)
	require.NoError(t, err)

	rotated, err := f.service.Refresh(ctx, login.RefreshToken, testClient)
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, user.ID, rotated.User.ID)

	_, err = f.service.Refresh(ctx, login.RefreshToken, testClient)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = f.service.Refresh(ctx, rotated.RefreshToken, testClient)
	assert.NoError(t, err)
	assert.Equal(t, 1, f.store.refreshCount(user.ID))
}

func TestServiceRefreshLeavesOtherUsersTokensAlone(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	owner := f.withPassword(t, "owner@example.com", "Correct1Pass")
	other := f.withPassword(t, "other@example.com", "Correct1Pass")

	login, err := f.service.Login(ctx, owner.Email, "Correct1Pass", testClient)
	require.NoError(t, err)

	// File the token under another account, as a corrupted row would.
	f.store.mu.Lock()
	f.store.records[other.ID] = append(f.store.records[other.ID], f.store.records[owner.ID]...)
	delete(f.store.records, owner.ID)
	f.store.mu.Unlock()

	_, err = f.service.Refresh(ctx, login.RefreshToken, testClient)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.Equal(t, 1, f.store.refreshCount(other.ID), "mismatched token is not consumed")
	assert.Zero(t, f.store.refreshCount(owner.ID))
}

func TestServiceRefreshRejectsGarbageAndAccessTokens(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.withPassword(t, "garbage@example.com", "Correct1Pass")

	login, err := f.service.Login(ctx, user.Email, "Correct1Pass", testClient)
	require.NoError(t, err)

	for _, token := range []string{"", "not-a-jwt", login.AccessToken} {
		_, err := f.service.Refresh(ctx, token, testClient)
		assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	}
}

func TestServiceConcurrentRefreshHasOneWinner(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.withPassword(t, "race@example.com", "Correct1Pass")

	login, err := f.service.Login(ctx, user.Email, "Correct1Pass", testClient)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		wins    atomic.Int32
		rejects atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Refresh(ctx, login.RefreshToken, testClient)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrInvalidRefreshToken):
				rejects.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 7, rejects.Load())
}

func TestServiceKeepsAtMostFiveSessions(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.withPassword(t, "devices@example.com", "Correct1Pass")

	var sessions []Session
	for range 7 {
		session, err := f.service.Login(ctx, user.Email, "Correct1Pass", testClient)
		require.NoError(t, err)
		sessions = append(sessions, session)
		f.clock.Advance(time.Second)
		assert.LessOrEqual(t, f.store.refreshCount(user.ID), maxRefreshTokens)
	}
	assert.Equal(t, maxRefreshTokens, f.store.refreshCount(user.ID))

	_, err := f.service.Refresh(ctx, sessions[0].RefreshToken, testClient)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken, "oldest session evicted")

	_, err = f.service.Refresh(ctx, sessions[6].RefreshToken, testClient)
	assert.NoError(t, err)
	assert.Equal(t, maxRefreshTokens, f.store.refreshCount(user.ID))
}

func TestServicePasswordReset(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.withPassword(t, "reset@example.com", "Correct1Pass")

	first, err := f.service.Login(ctx, user.Email, "Correct1Pass", testClient)
	require.NoError(t, err)
	second, err := f.service.Login(ctx, user.Email, "Correct1Pass", testClient)
	require.NoError(t, err)

	require.NoError(t, f.service.RequestPasswordReset(ctx, "RESET@example.com"))
	token := f.mailer.resetToken(t, user.Email)
	require.Len(t, token, 64)
	assert.Contains(t, f.mailer.resets[user.Email], "https://shop.example.com/reset-password?token=")

	require.NoError(t, f.service.ResetPassword(ctx, token, "Brand1NewPass"))

	for _, old := range []Session{first, second} {
		_, err := f.service.Refresh(ctx, old.RefreshToken, testClient)
		assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	}
	assert.Zero(t, f.store.refreshCount(user.ID))

	_, err = f.service.Login(ctx, user.Email, "Correct1Pass", testClient)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.service.Login(ctx, user.Email, "Brand1NewPass", testClient)
	assert.NoError(t, err)

	assert.ErrorIs(t, f.service.ResetPassword(ctx, token, "Another1Pass"), ErrInvalidResetToken)
	assert.Contains(t, f.mailer.changed, user.Email)
	_, revoked, _ := f.revoker.RevokedAt(ctx, user.ID)
	assert.True(t, revoked)
}

func TestServicePasswordResetTokenExpires(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.withPassword(t, "slow@example.com", "Correct1Pass")

	require.NoError(t, f.service.RequestPasswordReset(ctx, user.Email))
	token := f.mailer.resetToken(t, user.Email)

	f.clock.Advance(resetTokenTTL + time.Second)
	assert.ErrorIs(t, f.service.ResetPassword(ctx, token, "Brand1NewPass"), ErrInvalidResetToken)
	assert.ErrorIs(t, f.service.ResetPassword(ctx, "", "Brand1NewPass"), ErrInvalidResetToken)
}

func TestServiceRequestPasswordResetUnknownEmail(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)

	require.NoError(t, f.service.RequestPasswordReset(context.Background(), "nobody@example.com"))
	assert.Empty(t, f.mailer.resets)
}

func TestServiceGoogleAuth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("links existing local account", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		local := f.withPassword(t, "shopper@example.com", "Correct1Pass")

		session, err := f.service.GoogleAuth(ctx, GoogleAuthInput{UserInfo: &GoogleUserInfo{
			Email:   "Shopper@Example.com",
			Name:    "Jane Doe",
			Picture: "https://cdn.example.com/jane.png",
			ID:      "google-123",
		}}, testClient)
		require.NoError(t, err)

		assert.Equal(t, local.ID, session.User.ID)
		assert.Equal(t, "google-123", session.User.GoogleID)
		assert.True(t, session.User.EmailVerified)
		assert.Equal(t, []string{"https://cdn.example.com/jane.png"}, session.User.Images)
		assert.Len(t, f.store.users, 1)

		_, err = f.service.Login(ctx, local.Email, "Correct1Pass", testClient)
		assert.NoError(t, err, "password login still works after linking")
	})

	t.Run("creates new principal using sub", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)

		session, err := f.service.GoogleAuth(ctx, GoogleAuthInput{UserInfo: &GoogleUserInfo{
			Email: "fresh@example.com",
			Name:  "Mary Ann Smith",
			Sub:   "google-sub-9",
		}}, testClient)
		require.NoError(t, err)

		assert.Equal(t, "Mary", session.User.FirstName)
		assert.Equal(t, "Ann Smith", session.User.LastName)
		assert.Equal(t, ProviderGoogle, session.User.AuthProvider)
		assert.Equal(t, "google-sub-9", session.User.GoogleID)
		assert.Empty(t, session.User.PasswordHash)
		assert.NotEmpty(t, session.RefreshToken)

		_, err = f.service.Login(ctx, "fresh@example.com", "Whatever1", testClient)
		assert.ErrorIs(t, err, ErrUseOAuthInstead)
	})

	t.Run("rejects incomplete data", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)

		inputs := []GoogleAuthInput{
			{},
			{UserInfo: &GoogleUserInfo{Email: "x@example.com"}},
			{UserInfo: &GoogleUserInfo{ID: "google-1"}},
		}
		for _, input := range inputs {
			_, err := f.service.GoogleAuth(ctx, input, testClient)
			assert.ErrorIs(t, err, ErrInvalidOAuthData)
		}
	})

	t.Run("rejects deactivated account", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		user := f.withPassword(t, "off@example.com", "Correct1Pass")
		user.IsActive = false
		f.store.setUser(user)

		_, err := f.service.GoogleAuth(ctx, GoogleAuthInput{UserInfo: &GoogleUserInfo{
			Email: "off@example.com",
			ID:    "google-off",
		}}, testClient)
		assert.ErrorIs(t, err, ErrAccountDisabled)
	})
}

func TestServiceChangePassword(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	user, temporary := f.register(t, "change@example.com")

	_, err := f.service.Login(ctx, user.Email, temporary, testClient)
	require.NoError(t, err)

	err = f.service.ChangePassword(ctx, user.ID, "Wrong1Pass", "Brand1NewPass")
	require.ErrorIs(t, err, ErrWrongCurrentPassword)

	require.NoError(t, f.service.ChangePassword(ctx, user.ID, temporary, "Brand1NewPass"))
	assert.Zero(t, f.store.refreshCount(user.ID))

	stored, err := f.store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.TemporaryPasswordHash)

	_, err = f.service.Login(ctx, user.Email, temporary, testClient)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	session, err := f.service.Login(ctx, user.Email, "Brand1NewPass", testClient)
	require.NoError(t, err)
	assert.False(t, session.IsTemporaryPassword)
}

func TestServiceLogout(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.withPassword(t, "bye@example.com", "Correct1Pass")

	first, err := f.service.Login(ctx, user.Email, "Correct1Pass", testClient)
	require.NoError(t, err)
	_, err = f.service.Login(ctx, user.Email, "Correct1Pass", testClient)
	require.NoError(t, err)

	require.NoError(t, f.service.Logout(ctx, user.ID, ""))
	assert.Equal(t, 2, f.store.refreshCount(user.ID))

	require.NoError(t, f.service.Logout(ctx, user.ID, first.RefreshToken))
	assert.Equal(t, 1, f.store.refreshCount(user.ID))
	_, err = f.service.Refresh(ctx, first.RefreshToken, testClient)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	require.NoError(t, f.service.LogoutAll(ctx, user.ID))
	assert.Zero(t, f.store.refreshCount(user.ID))
	_, revoked, _ := f.revoker.RevokedAt(ctx, user.ID)
	assert.True(t, revoked)
}

func TestServiceProfile(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.withPassword(t, "profile@example.com", "Correct1Pass")

	unchanged, err := f.service.UpdateProfile(ctx, user.ID, ProfileUpdate{})
	require.NoError(t, err)
	assert.Equal(t, "Jane", unchanged.FirstName)

	first := "Janet"
	updated, err := f.service.UpdateProfile(ctx, user.ID, ProfileUpdate{
		FirstName: &first,
		Address:   &Address{City: "Lisbon", Country: "PT"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Janet", updated.FirstName)
	assert.Equal(t, "Doe", updated.LastName)
	assert.Equal(t, "Lisbon", updated.Address.City)

	profile, err := f.service.GetProfile(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Janet Doe", profile.FullName())

	_, err = f.service.GetProfile(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestServiceAdminOperations(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	var ids []string
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		ids = append(ids, f.withPassword(t, email, "Correct1Pass").ID)
		f.clock.Advance(time.Second)
	}

	page, err := f.service.ListUsers(ctx, UserQuery{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Users, 2)
	assert.Equal(t, Pagination{CurrentPage: 1, TotalPages: 2, TotalUsers: 3, HasNext: true}, page.Pagination)

	_, err = f.service.ListUsers(ctx, UserQuery{Role: "superuser"})
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)

	_, err = f.service.Login(ctx, "a@example.com", "Correct1Pass", testClient)
	require.NoError(t, err)

	inactive := false
	user, err := f.service.UpdateUserStatus(ctx, ids[0], StatusUpdate{IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, user.IsActive)
	assert.Zero(t, f.store.refreshCount(ids[0]))
	_, revoked, _ := f.revoker.RevokedAt(ctx, ids[0])
	assert.True(t, revoked)

	_, err = f.service.UpdateUserStatus(ctx, ids[1], StatusUpdate{})
	assert.ErrorAs(t, err, &validationErr)
	_, err = f.service.UpdateUserStatus(ctx, "missing", StatusUpdate{IsActive: &inactive})
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, f.service.DeleteUser(ctx, ids[2]))
	_, err = f.service.GetUser(ctx, ids[2])
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, f.service.DeleteUser(ctx, ids[2]), ErrUserNotFound)
}

func TestServiceBootstrapAdmin(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.BootstrapAdmin(ctx, "Admin@Example.com", "Admin1Pass"))
	require.NoError(t, f.service.BootstrapAdmin(ctx, "admin@example.com", "Admin2Pass"))
	assert.Len(t, f.store.users, 1)

	session, err := f.service.Login(ctx, "admin@example.com", "Admin2Pass", testClient)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, session.User.Role)

	assert.Error(t, f.service.BootstrapAdmin(ctx, "", "x"))
}

func TestServiceRejectsOverlongNewPasswords(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	user := f.withPassword(t, "bytes@example.com", "Correct1Pass")
	tooLong := "Aa1" + strings.Repeat("x", 70)

	err := f.service.ChangePassword(context.Background(), user.ID, "Correct1Pass", tooLong)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "newPassword", validationErr.Fields[0].Field)

	require.NoError(t, f.service.RequestPasswordReset(context.Background(), "bytes@example.com"))
	token := f.mailer.resetToken(t, "bytes@example.com")
	err = f.service.ResetPassword(context.Background(), token, tooLong)
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "password", validationErr.Fields[0].Field)

	require.NoError(t, f.service.ResetPassword(context.Background(), token, "Brand1NewPass"), "token survives a rejected attempt")
}
