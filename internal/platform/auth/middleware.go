package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/intakedesk/intake/internal/domain/account"
)

type contextKey string

const UserKey contextKey = "auth_user"

// DevUserHeader selects the acting user by username when running with
// DevAuthMiddleware.
const DevUserHeader = "X-Dev-User"

// UserResolver loads the provisioned account behind an authenticated
// subject. account.Service satisfies it.
type UserResolver interface {
	Get(ctx context.Context, id uuid.UUID) (*account.User, error)
	GetByUsername(ctx context.Context, username string) (*account.User, error)
}

// Claims are the token claims the API reads. The subject is either the
// user's id or their username; the role always comes from the account.
type Claims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 tokens, intended for development and tests.
	SigningKey []byte
	Users      UserResolver
	Skipper    echomw.Skipper
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyfunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyfunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		url := cfg.JWKSURL
		if url == "" && cfg.Issuer != "" {
			if discovered, err := DiscoverJWKSURL(cfg.Issuer); err == nil {
				url = discovered
			}
		}
		keyfunc = newKeySet(url, defaultJWKSCacheTTL).keyfunc
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyfunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := c.Request().Context()
			u, err := resolveSubject(ctx, cfg.Users, claims)
			if err != nil {
				return echo.NewHTTPError(http.StatusForbidden, "no account provisioned for this identity")
			}
			c.SetRequest(c.Request().WithContext(WithUser(ctx, u)))
			return next(c)
		}
	}
}

func resolveSubject(ctx context.Context, users UserResolver, claims *Claims) (*account.User, error) {
	if id, err := uuid.Parse(claims.Subject); err == nil {
		return users.Get(ctx, id)
	}
	name := claims.PreferredUsername
	if name == "" {
		name = claims.Subject
	}
	return users.GetByUsername(ctx, name)
}

// DevAuthMiddleware trusts the X-Dev-User header to name the acting user.
// It must never be installed outside development.
func DevAuthMiddleware(users UserResolver, skipper echomw.Skipper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			name := c.Request().Header.Get(DevUserHeader)
			if name == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+DevUserHeader+" header")
			}
			ctx := c.Request().Context()
			u, err := users.GetByUsername(ctx, name)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "unknown user")
			}
			c.SetRequest(c.Request().WithContext(WithUser(ctx, u)))
			return next(c)
		}
	}
}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, u *account.User) context.Context {
	return context.WithValue(ctx, UserKey, u)
}

func UserFromContext(ctx context.Context) *account.User {
	u, _ := ctx.Value(UserKey).(*account.User)
	return u
}
