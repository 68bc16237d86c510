package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by the authenticator.
var (
	ErrMissingToken = errors.New("admin: missing bearer token")
	ErrInvalidToken = errors.New("admin: invalid token")
	ErrTokenExpired = errors.New("admin: token expired")
)

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	// Secret is the HS256 signing key.
	Secret []byte

	// Issuer is the expected iss claim. Empty skips the check.
	Issuer string

	// Audience is the expected aud claim. Empty skips the check.
	Audience string

	// Now overrides the clock used for exp and nbf. Default: time.Now.
	Now func() time.Time
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator creates an authenticator. It returns nil when no secret
// is configured, which disables authentication.
func NewAuthenticator(cfg JWTConfig) *Authenticator {
	if len(cfg.Secret) == 0 {
		return nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}

	return &Authenticator{secret: cfg.Secret, parser: jwt.NewParser(opts...)}
}

// Subject is the validated principal of a request.
type Subject struct {
	ID        string
	ExpiresAt time.Time
}

type subjectKey struct{}

// SubjectFromContext returns the subject stored by the middleware.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(subjectKey{}).(Subject)
	return s, ok
}

// Authenticate validates the bearer token in the Authorization header.
func (a *Authenticator) Authenticate(r *http.Request) (Subject, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return Subject{}, ErrMissingToken
	}

	var claims jwt.RegisteredClaims
	_, err := a.parser.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Subject{}, ErrTokenExpired
	case err != nil:
		return Subject{}, ErrInvalidToken
	}

	s := Subject{ID: claims.Subject}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Middleware rejects requests without a valid token with 401. A nil
// Authenticator passes every request through.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="toolcache"`)
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, s)))
	})
}
