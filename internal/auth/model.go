package auth

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleModerator:
		return true
	default:
		return false
	}
}

type AuthProvider string

const (
	ProviderLocal  AuthProvider = "local"
	ProviderGoogle AuthProvider = "google"
)

type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode"`
	Country string `json:"country"`
}

// User is the stored principal. Secret fields never leave the package
// except through the Store; use Public for anything sent to a client.
type User struct {
	ID                         string
	Email                      string
	GoogleID                   string
	AuthProvider               AuthProvider
	PasswordHash               string
	TemporaryPasswordHash      string
	TemporaryPasswordExpiresAt *time.Time
	FirstName                  string
	LastName                   string
	Phone                      string
	Role                       Role
	IsActive                   bool
	IsVerified                 bool
	EmailVerified              bool
	Images                     []string
	Address                    Address
	FailedLoginAttempts        int
	LockedUntil                *time.Time
	LastLogin                  *time.Time
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (u User) temporaryPasswordState(now time.Time) (valid, expired bool) {
	if u.TemporaryPasswordHash == "" || u.TemporaryPasswordExpiresAt == nil {
		return false, false
	}
	if now.Before(*u.TemporaryPasswordExpiresAt) {
		return true, false
	}
	return false, true
}

func (u User) isOAuthOnly(now time.Time) bool {
	tempValid, _ := u.temporaryPasswordState(now)
	if u.PasswordHash != "" || tempValid {
		return false
	}
	return u.AuthProvider == ProviderGoogle || u.GoogleID != ""
}

func (u User) lockedAt(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

type PublicUser struct {
	ID            string       `json:"id"`
	Email         string       `json:"email"`
	FirstName     string       `json:"firstName"`
	LastName      string       `json:"lastName"`
	FullName      string       `json:"fullName"`
	Phone         string       `json:"phone,omitempty"`
	Role          Role         `json:"role"`
	AuthProvider  AuthProvider `json:"authProvider"`
	IsActive      bool         `json:"isActive"`
	IsVerified    bool         `json:"isVerified"`
	EmailVerified bool         `json:"emailVerified"`
	Images        []string     `json:"images"`
	Address       Address      `json:"address"`
	LastLogin     *time.Time   `json:"lastLogin,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func (u User) Public() PublicUser {
	images := u.Images
	if images == nil {
		images = []string{}
	}
	return PublicUser{
		ID:            u.ID,
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		FullName:      u.FullName(),
		Phone:         u.Phone,
		Role:          u.Role,
		AuthProvider:  u.AuthProvider,
		IsActive:      u.IsActive,
		IsVerified:    u.IsVerified,
		EmailVerified: u.EmailVerified,
		Images:        images,
		Address:       u.Address,
		LastLogin:     u.LastLogin,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

// RefreshTokenRecord is one server-side session. Token holds the raw value
// on the way into the Store; repositories persist only its digest.
type RefreshTokenRecord struct {
	ID         string
	UserID     string
	Token      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	DeviceInfo string
	IPAddress  string
}

type ClientInfo struct {
	UserAgent string
	IP        string
}

type Session struct {
	User                  User
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	IsTemporaryPassword   bool
}

type RegisterInput struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Phone     *string
	Address   *Address
}

func (p ProfileUpdate) Empty() bool {
	return p.FirstName == nil && p.LastName == nil && p.Phone == nil && p.Address == nil
}

type StatusUpdate struct {
	IsActive *bool
	Role     *Role
}

type UserQuery struct {
	Page   int
	Limit  int
	Search string
	Role   Role
}

type Pagination struct {
	CurrentPage int  `json:"currentPage"`
	TotalPages  int  `json:"totalPages"`
	TotalUsers  int  `json:"totalUsers"`
	HasNext     bool `json:"hasNext"`
	HasPrev     bool `json:"hasPrev"`
}

type UserPage struct {
	Users      []User
	Pagination Pagination
}

type GoogleUserInfo struct {
	Email   string
	Name    string
	Picture string
	ID      string
	Sub     string
}

type GoogleAuthInput struct {
	Token    string
	UserInfo *GoogleUserInfo
}

type LockoutPolicy struct {
	MaxAttempts  int
	LockDuration time.Duration
}

type SweepResult struct {
	TemporaryPasswords int64 `json:"temporary_passwords"`
	ResetTokens        int64 `json:"reset_tokens"`
	RefreshTokens      int64 `json:"refresh_tokens"`
}
