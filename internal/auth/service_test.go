package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-enough-entropy"

func newTestService(t *testing.T) *Service {
	t.Helper()

	hash, err := HashPassword("AnalystPass123")
	require.NoError(t, err)

	svc, err := NewService(Config{
		JWTSecret:    testSecret,
		RootUser:     "admin",
		RootPassword: testValidPassword,
		Users:        []User{{Username: "analyst", PasswordHash: hash, Role: RoleAnalyst}},
		TokenExpiry:  time.Hour,
	})
	require.NoError(t, err)

	return svc
}

func TestLoginAndValidate(t *testing.T) {
	svc := newTestService(t)

	pair, err := svc.Login("admin", testValidPassword)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.WithinDuration(t, time.Now().Add(time.Hour), pair.ExpiresAt, time.Minute)

	claims, err := svc.ValidateToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, RoleAdmin, claims.Role)

	pair, err = svc.Login("analyst", "AnalystPass123")
	require.NoError(t, err)

	claims, err = svc.ValidateToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, RoleAnalyst, claims.Role)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Login("admin", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login("nobody", testValidPassword)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejects(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ValidateToken("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewService(Config{JWTSecret: "another-secret"})
	require.NoError(t, err)

	pair, err := other.IssueToken("admin", RoleAdmin)
	require.NoError(t, err)

	_, err = svc.ValidateToken(pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		Username: "admin",
		Role:     RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "nebulaguard",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = svc.ValidateToken(signed)
	require.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, TokenClaims{Role: RoleAdmin})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.ValidateToken(unsigned)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestDisabledService(t *testing.T) {
	svc, err := NewService(Config{})
	require.NoError(t, err)
	assert.False(t, svc.Enabled())

	_, err = svc.Login("admin", testValidPassword)
	require.ErrorIs(t, err, ErrAuthDisabled)

	var nilSvc *Service
	assert.False(t, nilSvc.Enabled())
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Config{JWTSecret: testSecret, RootUser: "admin", RootPassword: "weak"})
	require.ErrorIs(t, err, ErrPasswordTooShort)

	_, err = NewService(Config{JWTSecret: testSecret, Users: []User{{Username: "x"}}})
	require.ErrorIs(t, err, ErrUsernameInvalid)

	hash, err := HashPassword("BobPassword99")
	require.NoError(t, err)

	_, err = NewService(Config{JWTSecret: testSecret, Users: []User{{Username: "bob", PasswordHash: hash, Role: "root"}}})
	require.Error(t, err)

	_, err = NewService(Config{JWTSecret: testSecret, Users: []User{{Username: "bob", PasswordHash: "BobPassword99"}}})
	require.ErrorIs(t, err, ErrInvalidHash)

	svc, err := NewService(Config{JWTSecret: testSecret, Users: []User{{Username: "bob", PasswordHash: hash}}})
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, svc.users["bob"].Role)
}

func TestRoleAllows(t *testing.T) {
	assert.True(t, RoleAdmin.Allows(RoleAnalyst))
	assert.True(t, RoleAnalyst.Allows(RoleViewer))
	assert.True(t, RoleViewer.Allows(RoleViewer))
	assert.False(t, RoleViewer.Allows(RoleAnalyst))
	assert.False(t, RoleAnalyst.Allows(RoleAdmin))
	assert.False(t, Role("").Allows(RoleViewer))
}
