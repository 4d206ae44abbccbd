package auth

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDuplicateEmail           = errors.New("user with this email already exists")
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrAccountDisabled          = errors.New("account is deactivated")
	ErrUseOAuthInstead          = errors.New("account uses google sign-in")
	ErrTemporaryPasswordExpired = errors.New("temporary password expired")
	ErrInvalidRefreshToken      = errors.New("invalid refresh token")
	ErrInvalidResetToken        = errors.New("invalid or expired reset token")
	ErrInvalidOAuthData         = errors.New("invalid google authentication data")
	ErrWrongCurrentPassword     = errors.New("current password is incorrect")
	ErrUserNotFound             = errors.New("user not found")

	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	messages := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		messages = append(messages, f.Message)
	}
	return strings.Join(messages, "; ")
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}
