// Package auth issues and validates the bearer tokens that guard the admin
// API.
//
// Operators authenticate with a username and password configured under
// auth.users (bcrypt hashes) or the root account, and receive an HS256 JWT.
// Roles gate what a token may do:
//   - admin: everything, including rule changes
//   - analyst: read access plus scans and remediation transitions
//   - viewer: read access only
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const defaultTokenExpiry = 12 * time.Hour

// Role is an operator role.
type Role string

// Roles.
const (
	RoleAdmin   Role = "admin"
	RoleAnalyst Role = "analyst"
	RoleViewer  Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleAnalyst, RoleViewer:
		return true
	}

	return false
}

// Allows reports whether r includes the permissions of required.
func (r Role) Allows(required Role) bool {
	return r.rank() >= required.rank()
}

func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleAnalyst:
		return 2
	case RoleViewer:
		return 1
	}

	return 0
}

// Authentication errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrAuthDisabled       = errors.New("authentication is not configured")
)

// User is a configured operator account.
type User struct {
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
	Role         Role   `mapstructure:"role" yaml:"role"`
}

// Config holds auth service configuration.
type Config struct {
	JWTSecret    string
	RootUser     string
	RootPassword string
	Users        []User
	TokenExpiry  time.Duration
}

// Service handles authentication.
type Service struct {
	users  map[string]User
	config Config
}

// NewService creates an auth service. The root password is hashed once at
// startup and never kept in memory in the clear.
func NewService(config Config) (*Service, error) {
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = defaultTokenExpiry
	}

	s := &Service{config: config, users: make(map[string]User)}

	for _, u := range config.Users {
		if err := ValidateUsername(u.Username); err != nil {
			return nil, fmt.Errorf("user %q: %w", u.Username, err)
		}

		if u.Role == "" {
			u.Role = RoleViewer
		}

		if !u.Role.Valid() {
			return nil, fmt.Errorf("user %q: unknown role %q", u.Username, u.Role)
		}

		if err := CheckHash(u.PasswordHash); err != nil {
			return nil, fmt.Errorf("user %q: %w", u.Username, err)
		}

		s.users[u.Username] = u
	}

	if config.RootUser != "" && config.RootPassword != "" {
		if err := ValidatePasswordStrength(config.RootPassword); err != nil {
			return nil, fmt.Errorf("invalid root password: %w", err)
		}

		hash, err := HashPassword(config.RootPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to hash root password: %w", err)
		}

		s.users[config.RootUser] = User{Username: config.RootUser, PasswordHash: hash, Role: RoleAdmin}
		s.config.RootPassword = ""
	}

	log.Debug().Int("users", len(s.users)).Msg("Auth service initialized")

	return s, nil
}

// Enabled reports whether tokens are required.
func (s *Service) Enabled() bool {
	return s != nil && s.config.JWTSecret != ""
}

// TokenClaims represents JWT claims.
type TokenClaims struct {
	jwt.RegisteredClaims

	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// TokenPair is returned by Login.
type TokenPair struct {
	ExpiresAt   time.Time `json:"expires_at"`
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
}

// Login checks credentials and issues a token.
func (s *Service) Login(username, password string) (*TokenPair, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}

	user, ok := s.users[username]
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		log.Debug().Str("username", username).Err(err).Msg("Login failed")
		return nil, ErrInvalidCredentials
	}

	return s.IssueToken(user.Username, user.Role)
}

// IssueToken signs a token for username with role.
func (s *Service) IssueToken(username string, role Role) (*TokenPair, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}

	now := time.Now()
	expiry := now.Add(s.config.TokenExpiry)

	claims := TokenClaims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "nebulaguard",
			Subject:   username,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &TokenPair{AccessToken: signed, ExpiresAt: expiry, TokenType: "Bearer"}, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*TokenClaims, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		return []byte(s.config.JWTSecret), nil
	}, jwt.WithIssuer("nebulaguard"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
