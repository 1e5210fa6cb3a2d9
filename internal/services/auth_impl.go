package services

import (
	"context"
	"errors"

	goa "goa.design/goa/v3/pkg"

	"visionrelay/internal/auth"
	"visionrelay/internal/middleware"
)

// LoginPayload is the body of POST /api/v1/auth/login
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult carries the issued token
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// AuthStatus reports whether auth is on and who the caller is
type AuthStatus struct {
	Enabled       bool    `json:"enabled"`
	Authenticated bool    `json:"authenticated"`
	Username      *string `json:"username,omitempty"`
}

// AuthImplementation implements the auth service
type AuthImplementation struct {
	authenticator *auth.Authenticator
}

// NewAuthService creates a new auth service implementation
func NewAuthService(authenticator *auth.Authenticator) *AuthImplementation {
	return &AuthImplementation{
		authenticator: authenticator,
	}
}

// Login authenticates a user and returns a JWT token
func (a *AuthImplementation) Login(ctx context.Context, p *LoginPayload) (*LoginResult, error) {
	if p == nil || p.Username == "" {
		return nil, goa.PermanentError(ErrNameBadRequest, "username is required")
	}

	token, expiresAt, err := a.authenticator.Authenticate(p.Username, p.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			return nil, goa.PermanentError(ErrNameUnauthorized, "invalid username or password")
		case errors.Is(err, auth.ErrAuthDisabled):
			return nil, goa.PermanentError(ErrNameUnauthorized, "authentication is disabled")
		default:
			return nil, goa.PermanentError(ErrNameUnauthorized, "%s", err.Error())
		}
	}

	return &LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// Status returns the current authentication status
func (a *AuthImplementation) Status(ctx context.Context) (*AuthStatus, error) {
	status := &AuthStatus{Enabled: a.authenticator.IsEnabled()}

	if claims := middleware.GetUserFromContext(ctx); claims != nil {
		status.Authenticated = true
		status.Username = &claims.Username
	}
	return status, nil
}
