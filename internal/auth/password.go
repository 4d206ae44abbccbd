package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const (
	passwordHashCost        = 12
	temporaryPasswordLength = 12

	// bcrypt only reads the first 72 bytes and refuses to hash longer input.
	maxPasswordBytes = 72

	upperChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars = "abcdefghijklmnopqrstuvwxyz"
	digitChars = "0123456789"
	allChars   = upperChars + lowerChars + digitChars
)

// passwordHasher runs bcrypt inline on the request goroutine, bounded so a
// burst of logins cannot occupy every CPU at once.
type passwordHasher struct {
	cost int
	sem  *semaphore.Weighted
}

func newPasswordHasher(cost int) *passwordHasher {
	return &passwordHasher{
		cost: cost,
		sem:  semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
}

func (h *passwordHasher) Hash(ctx context.Context, plain string) (string, error) {
	if len(plain) > maxPasswordBytes {
		return "", fmt.Errorf("hash password: %w", bcrypt.ErrPasswordTooLong)
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (h *passwordHasher) Matches(ctx context.Context, hash, plain string) (bool, error) {
	if hash == "" || plain == "" || len(plain) > maxPasswordBytes {
		return false, nil
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer h.sem.Release(1)

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("compare password: %w", err)
}

// GenerateTemporaryPassword returns a 12 character password with at least one
// upper-case letter, one lower-case letter and one digit.
func GenerateTemporaryPassword() (string, error) {
	out := make([]byte, 0, temporaryPasswordLength)
	for _, set := range []string{upperChars, lowerChars, digitChars} {
		c, err := randomChar(set)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < temporaryPasswordLength {
		c, err := randomChar(allChars)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	for i := len(out) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}

	return string(out), nil
}

func randomChar(set string) (byte, error) {
	i, err := randomInt(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

func randomInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return int(v.Int64()), nil
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// checkNewPassword rejects passwords bcrypt cannot hash before any work is done.
func checkNewPassword(field, plain string) error {
	if len(plain) > maxPasswordBytes {
		return newValidationError(field, fmt.Sprintf("%s must be at most %d bytes", field, maxPasswordBytes))
	}
	return nil
}
