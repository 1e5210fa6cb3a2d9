package auth

import (
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Options configures the authenticator
type Options struct {
	Enabled   bool
	Username  string
	Password  string // plaintext or bcrypt hash
	JWTSecret string // random per process when empty
	JWTExpiry time.Duration
}

// Authenticator handles control API authentication
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	jwtManager   *JWTManager
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(opts Options) (*Authenticator, error) {
	username := opts.Username
	if username == "" {
		username = "admin"
	}

	var passwordHash []byte
	if opts.Enabled {
		if opts.Password == "" {
			return nil, fmt.Errorf("password is required when authentication is enabled")
		}
		// Accept an existing bcrypt hash as-is
		if len(opts.Password) == 60 && opts.Password[0] == '$' {
			passwordHash = []byte(opts.Password)
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("failed to hash password: %w", err)
			}
			passwordHash = hash
		}
	}

	if opts.Enabled && opts.JWTSecret == "" {
		log.Printf("[Auth] No JWT secret configured; tokens will not survive a restart")
	}

	return &Authenticator{
		enabled:      opts.Enabled,
		username:     username,
		passwordHash: passwordHash,
		jwtManager:   NewJWTManager(opts.JWTSecret, opts.JWTExpiry),
	}, nil
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a JWT token
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}

	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwtManager.GenerateToken(username)
	if err != nil {
		return "", 0, err
	}

	return token, expiresAt.Unix(), nil
}

// ValidateToken validates a JWT token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.jwtManager.ValidateToken(token)
}

// HashPassword creates a bcrypt hash of a password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
