package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type resetEntry struct {
	hash      string
	expiresAt time.Time
}

// memStore is an in-memory Store with the same atomicity the SQL repository
// gets from transactions: every method runs under one lock.
type memStore struct {
	mu      sync.Mutex
	users   map[string]User
	resets  map[string]resetEntry
	records map[string][]RefreshTokenRecord
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]User),
		resets:  make(map[string]resetEntry),
		records: make(map[string][]RefreshTokenRecord),
	}
}

func (m *memStore) CreateUser(_ context.Context, user User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return User{}, ErrDuplicateEmail
		}
	}
	if user.ID == "" {
		user.ID = uuid.Must(uuid.NewV7()).String()
	}
	if user.Images == nil {
		user.Images = []string{}
	}
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byEmail(email)
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *memStore) byEmail(email string) (User, bool) {
	for _, user := range m.users {
		if strings.EqualFold(user.Email, email) {
			return user, true
		}
	}
	return User{}, false
}

func (m *memStore) FindOAuthCandidate(_ context.Context, email, googleID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user, ok := m.byEmail(email); ok {
		return user, nil
	}
	for _, user := range m.users {
		if user.GoogleID != "" && user.GoogleID == googleID {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memStore) LinkGoogleAccount(_ context.Context, userID, googleID, picture string, now time.Time) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	if user.GoogleID == "" {
		user.GoogleID = googleID
		user.AuthProvider = ProviderGoogle
	}
	if len(user.Images) == 0 && picture != "" {
		user.Images = []string{picture}
	}
	user.EmailVerified = true
	user.IsVerified = true
	user.LastLogin = &now
	user.UpdatedAt = now
	m.users[userID] = user
	return user, nil
}

func (m *memStore) RecordFailedLogin(_ context.Context, userID string, policy LockoutPolicy, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}

	switch {
	case user.LockedUntil != nil && !user.LockedUntil.After(now):
		user.FailedLoginAttempts = 1
		user.LockedUntil = nil
	case user.LockedUntil == nil && user.FailedLoginAttempts+1 >= policy.MaxAttempts:
		user.FailedLoginAttempts++
		until := now.Add(policy.LockDuration)
		user.LockedUntil = &until
	default:
		user.FailedLoginAttempts++
	}
	user.UpdatedAt = now
	m.users[userID] = user
	return user.LockedUntil, nil
}

func (m *memStore) ClearExpiredTemporaryPassword(_ context.Context, userID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok || user.TemporaryPasswordHash == "" || user.TemporaryPasswordExpiresAt == nil || user.TemporaryPasswordExpiresAt.After(now) {
		return false, nil
	}
	user.TemporaryPasswordHash = ""
	user.TemporaryPasswordExpiresAt = nil
	m.users[userID] = user
	return true, nil
}

func (m *memStore) CompleteLogin(_ context.Context, userID string, record RefreshTokenRecord, keep int) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	lastLogin := record.CreatedAt
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLogin = &lastLogin
	user.UpdatedAt = lastLogin
	m.users[userID] = user

	m.insert(userID, record, keep)
	return user, nil
}

func (m *memStore) RotateRefreshToken(_ context.Context, userID, oldToken string, next RefreshTokenRecord, keep int, now time.Time) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	digest := hashToken(oldToken)
	records := m.records[userID]
	for i, record := range records {
		if record.Token != digest || !record.ExpiresAt.After(now) {
			continue
		}
		user, ok := m.users[userID]
		if !ok || !user.IsActive {
			return User{}, ErrInvalidRefreshToken
		}
		m.records[userID] = append(records[:i:i], records[i+1:]...)
		m.insert(userID, next, keep)
		return user, nil
	}
	return User{}, ErrInvalidRefreshToken
}

func (m *memStore) insert(userID string, record RefreshTokenRecord, keep int) {
	record.ID = uuid.Must(uuid.NewV7()).String()
	record.UserID = userID
	record.Token = hashToken(record.Token)

	records := append([]RefreshTokenRecord{record}, m.records[userID]...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if len(records) > keep {
		records = records[:keep]
	}
	m.records[userID] = records
}

func (m *memStore) RevokeRefreshToken(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	digest := hashToken(token)
	kept := m.records[userID][:0:0]
	for _, record := range m.records[userID] {
		if record.Token != digest {
			kept = append(kept, record)
		}
	}
	m.records[userID] = kept
	return nil
}

func (m *memStore) RevokeAllRefreshTokens(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, userID)
	return nil
}

func (m *memStore) SetResetToken(_ context.Context, userID, token string, expiresAt, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return ErrUserNotFound
	}
	m.resets[userID] = resetEntry{hash: hashToken(token), expiresAt: expiresAt}
	return nil
}

func (m *memStore) ResetPassword(_ context.Context, token, passwordHash string, now time.Time) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	digest := hashToken(token)
	for userID, entry := range m.resets {
		if entry.hash != digest || !entry.expiresAt.After(now) {
			continue
		}
		user := m.users[userID]
		user.PasswordHash = passwordHash
		user.TemporaryPasswordHash = ""
		user.TemporaryPasswordExpiresAt = nil
		user.FailedLoginAttempts = 0
		user.LockedUntil = nil
		user.UpdatedAt = now
		m.users[userID] = user
		delete(m.resets, userID)
		delete(m.records, userID)
		return user, nil
	}
	return User{}, ErrInvalidResetToken
}

func (m *memStore) ChangePassword(_ context.Context, userID, passwordHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = passwordHash
	user.TemporaryPasswordHash = ""
	user.TemporaryPasswordExpiresAt = nil
	user.UpdatedAt = now
	m.users[userID] = user
	delete(m.records, userID)
	return nil
}

func (m *memStore) UpdateProfile(_ context.Context, userID string, update ProfileUpdate, now time.Time) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	if update.FirstName != nil {
		user.FirstName = *update.FirstName
	}
	if update.LastName != nil {
		user.LastName = *update.LastName
	}
	if update.Phone != nil {
		user.Phone = *update.Phone
	}
	if update.Address != nil {
		user.Address = *update.Address
	}
	user.UpdatedAt = now
	m.users[userID] = user
	return user, nil
}

func (m *memStore) ListUsers(_ context.Context, query UserQuery) ([]User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	search := strings.ToLower(query.Search)
	var matched []User
	for _, user := range m.users {
		if query.Role != "" && user.Role != query.Role {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(user.FirstName), search) &&
			!strings.Contains(strings.ToLower(user.LastName), search) &&
			!strings.Contains(strings.ToLower(user.Email), search) {
			continue
		}
		matched = append(matched, user)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	start := (query.Page - 1) * query.Limit
	if start >= len(matched) {
		return []User{}, len(matched), nil
	}
	end := min(start+query.Limit, len(matched))
	return matched[start:end], len(matched), nil
}

func (m *memStore) UpdateUserStatus(_ context.Context, userID string, update StatusUpdate, now time.Time) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	if update.IsActive != nil {
		user.IsActive = *update.IsActive
	}
	if update.Role != nil {
		user.Role = *update.Role
	}
	user.UpdatedAt = now
	m.users[userID] = user
	if !user.IsActive {
		delete(m.records, userID)
	}
	return user, nil
}

func (m *memStore) DeleteUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, userID)
	delete(m.records, userID)
	delete(m.resets, userID)
	return nil
}

func (m *memStore) UpsertAdmin(_ context.Context, admin User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byEmail(admin.Email); ok {
		existing.PasswordHash = admin.PasswordHash
		existing.Role = RoleAdmin
		existing.IsActive = true
		m.users[existing.ID] = existing
		return nil
	}

	admin.ID = uuid.Must(uuid.NewV7()).String()
	admin.AuthProvider = ProviderLocal
	admin.IsActive = true
	admin.IsVerified = true
	admin.EmailVerified = true
	admin.Images = []string{}
	m.users[admin.ID] = admin
	return nil
}

func (m *memStore) PurgeExpiredTemporaryPasswords(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, user := range m.users {
		if user.TemporaryPasswordHash != "" && user.TemporaryPasswordExpiresAt != nil && !user.TemporaryPasswordExpiresAt.After(now) {
			user.TemporaryPasswordHash = ""
			user.TemporaryPasswordExpiresAt = nil
			m.users[id] = user
			n++
		}
	}
	return n, nil
}

func (m *memStore) PurgeExpiredResetTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, entry := range m.resets {
		if !entry.expiresAt.After(now) {
			delete(m.resets, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteExpiredRefreshTokens(_ context.Context, now time.Time, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for userID, records := range m.records {
		kept := records[:0:0]
		for _, record := range records {
			if record.ExpiresAt.After(now) {
				kept = append(kept, record)
				continue
			}
			n++
		}
		m.records[userID] = kept
	}
	return n, nil
}

func (m *memStore) refreshCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[userID])
}

func (m *memStore) setUser(user User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
}

var _ Store = (*memStore)(nil)
