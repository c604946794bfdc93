package httpapi

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/token_locker/pkg/logger"
)

// RoleSettler may report transfer results.
const RoleSettler = "settler"

// Development-mode identity headers, honoured only when no verification key
// is configured.
const (
	headerAccountID = "X-Account-ID"
	headerRole      = "X-Role"
)

type ctxKey string

const (
	ctxCallerKey ctxKey = "caller"
	ctxRoleKey   ctxKey = "role"
)

var errUnauthorized = errors.New("unauthorized")

// Claims are the bearer token claims. The subject is the calling account.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies RS256 bearer tokens and stores the caller on the
// request context.
type Authenticator struct {
	publicKey *rsa.PublicKey
	issuer    string
	log       *logger.Logger
	skipPaths map[string]bool
}

// NewAuthenticator returns an authenticator. A nil key enables development
// mode, where the caller is taken from the X-Account-ID header.
func NewAuthenticator(publicKey *rsa.PublicKey, issuer string, log *logger.Logger, skipPaths ...string) *Authenticator {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &Authenticator{publicKey: publicKey, issuer: issuer, log: log, skipPaths: skip}
}

// ParsePublicKey decodes a PEM encoded RSA public key. An empty string yields
// a nil key.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	if strings.TrimSpace(pemText) == "" {
		return nil, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemText))
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return key, nil
}

// Handler returns the middleware.
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		var caller, role string
		if a.publicKey == nil {
			caller = strings.TrimSpace(r.Header.Get(headerAccountID))
			role = strings.TrimSpace(r.Header.Get(headerRole))
		} else {
			claims, err := a.verify(r.Header.Get("Authorization"))
			if err != nil {
				a.log.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Warn("token validation failed")
				writeError(w, http.StatusUnauthorized, errUnauthorized)
				return
			}
			caller, role = claims.Subject, claims.Role
		}
		if caller == "" {
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxCallerKey, caller)
		if role != "" {
			ctx = context.WithValue(ctx, ctxRoleKey, role)
		}
		ctx = logger.WithAccountID(ctx, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) verify(header string) (*Claims, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, errors.New("missing bearer token")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(parts[1], &Claims{}, func(*jwt.Token) (interface{}, error) {
		return a.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Caller returns the authenticated account id.
func Caller(ctx context.Context) string {
	v, _ := ctx.Value(ctxCallerKey).(string)
	return v
}

// Role returns the caller's role claim.
func Role(ctx context.Context) string {
	v, _ := ctx.Value(ctxRoleKey).(string)
	return v
}
