package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"todo-api/domain"
)

// clockSkew is tolerated on exp, nbf and iat.
const clockSkew = time.Minute

// Auth validates incoming JWT tokens.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser *jwt.Parser
	now    func() time.Time
}

// NewAuth verifies RS256 tokens against the issuer's published key set.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	return &Auth{
		JWKS:     jwks,
		Audience: audience,
		Issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation()),
		now:      time.Now,
	}
}

// NewLocalAuth verifies HS256 tokens signed with a shared secret. It is meant
// for local development and integration tests only.
func NewLocalAuth(secret []byte, audience, issuer string) *Auth {
	return &Auth{
		Audience:   audience,
		Issuer:     issuer,
		TestMode:   true,
		TestSecret: secret,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation()),
		now:        time.Now,
	}
}

// LoadJWKS fetches the key set at url and keeps it fresh. Tokens signed with
// an unknown kid trigger a refetch, at most once per rateLimit.
func LoadJWKS(url string, rateLimit time.Duration, logger *log.Logger) (*keyfunc.JWKS, error) {
	return keyfunc.Get(url, keyfunc.Options{
		RefreshUnknownKID: true,
		RefreshRateLimit:  rateLimit,
		RefreshTimeout:    10 * time.Second,
		RefreshErrorHandler: func(err error) {
			logger.WithError(err).WithField("jwks_url", url).Warn("jwks refresh failed")
		},
	})
}

// Refresh refetches the key set immediately, ignoring the rate limit.
func (a *Auth) Refresh(ctx context.Context) error {
	if a.JWKS == nil {
		return nil
	}
	return a.JWKS.Refresh(ctx, keyfunc.RefreshOptions{IgnoreRateLimit: true})
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	token, err := bearerTokenFromString(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromBearer(token)
}

// UserIDFromBearer verifies a compact JWT and returns its subject.
func (a *Auth) UserIDFromBearer(token string) (string, error) {
	if token == "" {
		return "", errBadAuthorization
	}

	parsedToken, err := a.parser.Parse(token, a.keyFor)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return "", unauthenticated("invalid claims")
	}

	now := a.now()
	if !claims.VerifyExpiresAt(now.Add(-clockSkew).Unix(), true) {
		return "", unauthenticated("token expired")
	}
	if !claims.VerifyNotBefore(now.Add(clockSkew).Unix(), false) {
		return "", unauthenticated("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now.Add(clockSkew).Unix(), false) {
		return "", unauthenticated("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, true) {
		return "", unauthenticated("invalid audience")
	}
	if a.Issuer != "" {
		iss, _ := claims["iss"].(string)
		if !sameIssuer(iss, a.Issuer) {
			return "", unauthenticated("invalid issuer")
		}
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", unauthenticated("missing sub")
	}

	return sub, nil
}

func (a *Auth) keyFor(t *jwt.Token) (any, error) {
	if a.TestMode {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.TestSecret, nil
	}
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}
	return a.JWKS.Keyfunc(t)
}

// sameIssuer compares issuer URIs ignoring a trailing slash.
func sameIssuer(got, want string) bool {
	return got != "" && strings.TrimRight(got, "/") == strings.TrimRight(want, "/")
}

func unauthenticated(reason string) error {
	return fmt.Errorf("%w: %s", domain.ErrUnauthenticated, reason)
}
