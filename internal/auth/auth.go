// Package auth handles account credentials: password hashing, credential
// validation and session tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinUsernameLen = 3
	MaxUsernameLen = 32
	MinPasswordLen = 4
	// bcrypt ignores input past 72 bytes.
	MaxPasswordLen = 72
)

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidPassword = errors.New("invalid password")
	ErrMismatch        = errors.New("password does not match")
)

// Hasher hashes and verifies passwords with bcrypt.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher using cost, or bcrypt.DefaultCost when cost is
// out of range.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

func (h *Hasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// Verify returns ErrMismatch when password does not match hash.
func (h *Hasher) Verify(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrMismatch
	}
	return err
}

// ValidateCredentials checks the shape of a username/password pair before
// registration.
func ValidateCredentials(username, password string) error {
	n := utf8.RuneCountInString(username)
	if n < MinUsernameLen || n > MaxUsernameLen {
		return fmt.Errorf("%w: must be %d-%d characters", ErrInvalidUsername, MinUsernameLen, MaxUsernameLen)
	}
	if strings.TrimSpace(username) != username || strings.ContainsAny(username, " \t\r\n") {
		return fmt.Errorf("%w: must not contain whitespace", ErrInvalidUsername)
	}
	if len(password) < MinPasswordLen || len(password) > MaxPasswordLen {
		return fmt.Errorf("%w: must be %d-%d bytes", ErrInvalidPassword, MinPasswordLen, MaxPasswordLen)
	}
	return nil
}

// NewSessionToken returns an opaque random token identifying one login.
func NewSessionToken() string {
	return uuid.NewString()
}

// ValidToken reports whether s is a well-formed session token.
func ValidToken(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
