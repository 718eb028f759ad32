package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

const RoleBusiness = "business"

// Claims are the bearer token claims. The subject is the user id.
type Claims struct {
	Role       string `json:"role,omitempty"`
	BusinessID string `json:"business_id,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens and puts the caller's
// domain.Principal on the request context.
type Authenticator struct {
	secret []byte
	logger *slog.Logger
}

func NewAuthenticator(secret string, logger *slog.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), logger: logger}
}

// Issue signs a token for userID. Business owners pass their business id
// with RoleBusiness.
func (a *Authenticator) Issue(userID, role, businessID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:       role,
		BusinessID: businessID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parse(header string) (domain.Principal, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return domain.Principal{}, errors.New("missing bearer token")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return domain.Principal{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return domain.Principal{}, errors.New("token has no subject")
	}

	p := domain.Principal{UserID: claims.Subject}
	if claims.Role == RoleBusiness {
		p.BusinessID = claims.BusinessID
	}
	return p, nil
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.parse(r.Header.Get("Authorization"))
		if err != nil {
			a.logger.Debug("rejected request", "error", err, "path", r.URL.Path)
			writeMessage(w, a.logger, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// requireBusiness rejects callers whose token does not carry a business.
func (a *Authenticator) requireBusiness(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal(r.Context()).BusinessID == "" {
			writeMessage(w, a.logger, http.StatusForbidden, "business account required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principal(ctx context.Context) domain.Principal {
	p, _ := ctx.Value(principalKey{}).(domain.Principal)
	return p
}
