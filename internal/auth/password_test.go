package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testValidPassword = "ValidPassword123"

func TestPasswordPolicyCheck(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErrs []error
	}{
		{name: "valid", password: testValidPassword},
		{name: "unicode letters count", password: "ÄlphaBetaGamma7"},
		{name: "empty", password: "", wantErrs: []error{ErrPasswordEmpty}},
		{name: "short", password: "Short1a", wantErrs: []error{ErrPasswordTooShort}},
		{name: "no upper", password: "lowercase12345", wantErrs: []error{ErrPasswordNoUpper}},
		{name: "no lower", password: "UPPERCASE12345", wantErrs: []error{ErrPasswordNoLower}},
		{name: "no digit", password: "NoDigitsAtAllHere", wantErrs: []error{ErrPasswordNoNumber}},
		{
			name:     "every rule broken",
			password: "!!!!",
			wantErrs: []error{ErrPasswordTooShort, ErrPasswordNoUpper, ErrPasswordNoLower, ErrPasswordNoNumber},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePasswordStrength(tt.password)
			if len(tt.wantErrs) == 0 {
				assert.NoError(t, err)
				return
			}

			for _, want := range tt.wantErrs {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestPasswordPolicyCustom(t *testing.T) {
	policy := PasswordPolicy{MinLength: 4}

	require.NoError(t, policy.Check("abcd"))
	require.ErrorIs(t, policy.Check("abc"), ErrPasswordTooShort)

	// Length is counted in characters, not bytes.
	require.NoError(t, PasswordPolicy{MinLength: 4}.Check("ääää"))
	require.ErrorIs(t, PasswordPolicy{MinLength: 5}.Check("ääää"), ErrPasswordTooShort)
}

func TestHashAndVerify(t *testing.T) {
	hash, err := HashPassword(testValidPassword)
	require.NoError(t, err)

	assert.NotEqual(t, testValidPassword, hash)
	require.NoError(t, CheckHash(hash))
	require.NoError(t, VerifyPassword(hash, testValidPassword))

	assert.ErrorIs(t, VerifyPassword(hash, "WrongPassword123"), ErrPasswordMismatch)
	assert.ErrorIs(t, VerifyPassword("", testValidPassword), ErrInvalidHash)

	// Hashes are salted.
	again, err := HashPassword(testValidPassword)
	require.NoError(t, err)
	assert.NotEqual(t, hash, again)
}

func TestCheckHash(t *testing.T) {
	assert.ErrorIs(t, CheckHash(""), ErrInvalidHash)
	assert.ErrorIs(t, CheckHash(testValidPassword), ErrInvalidHash)
	assert.ErrorIs(t, CheckHash("$2a$10$short"), ErrInvalidHash)
}

func TestValidateUsername(t *testing.T) {
	valid := []string{"bob", "jane.doe", "ops@example.com", "svc_scanner-01", strings.Repeat("a", 64)}
	for _, name := range valid {
		assert.NoError(t, ValidateUsername(name), name)
	}

	invalid := []string{"", "ab", strings.Repeat("a", 65), "has space", "semi;colon", "naïve"}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateUsername(name), ErrUsernameInvalid, name)
	}
}
