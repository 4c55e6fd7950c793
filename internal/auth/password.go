package auth

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// Password and username errors.
var (
	ErrPasswordEmpty    = errors.New("password is empty")
	ErrPasswordTooShort = errors.New("password is too short")
	ErrPasswordNoUpper  = errors.New("password needs an uppercase letter")
	ErrPasswordNoLower  = errors.New("password needs a lowercase letter")
	ErrPasswordNoNumber = errors.New("password needs a digit")
	ErrPasswordMismatch = errors.New("password does not match")
	ErrInvalidHash      = errors.New("not a bcrypt password hash")
	ErrUsernameInvalid  = errors.New("invalid username")
)

const (
	minUsernameLen = 3
	maxUsernameLen = 64
)

// PasswordPolicy is the strength required of passwords set through
// configuration.
type PasswordPolicy struct {
	MinLength    int
	RequireUpper bool
	RequireLower bool
	RequireDigit bool
}

// DefaultPasswordPolicy applies to the root password.
var DefaultPasswordPolicy = PasswordPolicy{
	MinLength:    12,
	RequireUpper: true,
	RequireLower: true,
	RequireDigit: true,
}

// Check reports every rule password breaks, joined.
func (p PasswordPolicy) Check(password string) error {
	if password == "" {
		return ErrPasswordEmpty
	}

	var upper, lower, digit bool

	for _, r := range password {
		upper = upper || unicode.IsUpper(r)
		lower = lower || unicode.IsLower(r)
		digit = digit || unicode.IsDigit(r)
	}

	var errs []error

	if n := len([]rune(password)); n < p.MinLength {
		errs = append(errs, fmt.Errorf("%w: %d of %d characters", ErrPasswordTooShort, n, p.MinLength))
	}

	if p.RequireUpper && !upper {
		errs = append(errs, ErrPasswordNoUpper)
	}

	if p.RequireLower && !lower {
		errs = append(errs, ErrPasswordNoLower)
	}

	if p.RequireDigit && !digit {
		errs = append(errs, ErrPasswordNoNumber)
	}

	return errors.Join(errs...)
}

// ValidatePasswordStrength checks password against DefaultPasswordPolicy.
func ValidatePasswordStrength(password string) error {
	return DefaultPasswordPolicy.Check(password)
}

// HashPassword returns the bcrypt hash stored in auth.users[].password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	return string(hash), nil
}

// CheckHash rejects configured hashes bcrypt cannot read.
func CheckHash(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}

	return nil
}

// VerifyPassword compares password with a bcrypt hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return ErrInvalidHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}

	return err
}

// ValidateUsername accepts 3 to 64 characters from [A-Za-z0-9._@-].
func ValidateUsername(username string) error {
	if n := len(username); n < minUsernameLen || n > maxUsernameLen {
		return fmt.Errorf("%w: %q must be %d to %d characters", ErrUsernameInvalid, username, minUsernameLen, maxUsernameLen)
	}

	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '@', r == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrUsernameInvalid, username, r)
		}
	}

	return nil
}
