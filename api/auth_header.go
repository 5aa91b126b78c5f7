package api

import (
	"fmt"
	"strings"

	"todo-api/domain"
)

var (
	errMissingAuthorization = fmt.Errorf("%w: missing authorization header", domain.ErrUnauthenticated)
	errBadAuthorization     = fmt.Errorf("%w: bad auth header", domain.ErrUnauthenticated)
)

const bearerScheme = "Bearer"

// bearerTokenFromString accepts "Bearer <jwt>" with a case-insensitive scheme
// and a token made of exactly three dot separated segments.
func bearerTokenFromString(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	scheme, token, ok := strings.Cut(trimmed, " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", errBadAuthorization
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}
