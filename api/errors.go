package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"todo-api/domain"
)

// errorResponse is the JSON body of every non-2xx answer.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeInvalidInput       = "INVALID_INPUT"
	codeUnauthenticated    = "UNAUTHENTICATED"
	codeForbidden          = "FORBIDDEN"
	codeNotFound           = "NOT_FOUND"
	codeConflict           = "CONFLICT"
	codeStorageUnavailable = "STORAGE_UNAVAILABLE"
	codeInternal           = "INTERNAL"

	// retryAfterSeconds is advertised on 503 answers.
	retryAfterSeconds = "1"
)

var errIdempotencyInFlight = errors.New("a request with this Idempotency-Key is still in progress")

func errorFor(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, errorResponse{Code: codeInvalidInput, Message: clientMessage(err, domain.ErrInvalidInput)}
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, errorResponse{Code: codeUnauthenticated, Message: "authentication required"}
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, errorResponse{Code: codeForbidden, Message: "not allowed to modify this todo"}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorResponse{Code: codeNotFound, Message: "todo not found"}
	case errors.Is(err, errIdempotencyInFlight):
		return http.StatusConflict, errorResponse{Code: codeConflict, Message: errIdempotencyInFlight.Error()}
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, errorResponse{Code: codeStorageUnavailable, Message: "storage temporarily unavailable, retry later"}
	default:
		return http.StatusInternalServerError, errorResponse{Code: codeInternal, Message: "internal error"}
	}
}

// clientMessage keeps the validation detail and drops the sentinel prefix.
func clientMessage(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
	if msg == "" {
		return sentinel.Error()
	}
	return msg
}

// writeError answers with the status and body err maps to. Unauthenticated
// and internal failures never echo the underlying error.
func writeError(c echo.Context, err error) error {
	status, body := errorFor(err)
	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set(echo.HeaderRetryAfter, retryAfterSeconds)
	}
	return c.JSON(status, body)
}

// httpErrorHandler renders errors raised outside the handlers (routing, body
// limit, rate limiting) with the same body shape.
func httpErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			logger.WithError(err).Error("unhandled error")
			_ = writeError(c, err)
			return
		}
		body := errorResponse{Code: codeForHTTPStatus(he.Code), Message: http.StatusText(he.Code)}
		if msg, ok := he.Message.(string); ok && he.Code < http.StatusInternalServerError {
			body.Message = msg
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(he.Code)
			return
		}
		_ = c.JSON(he.Code, body)
	}
}

func codeForHTTPStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return codeInvalidInput
	case http.StatusUnauthorized:
		return codeUnauthenticated
	case http.StatusForbidden:
		return codeForbidden
	case http.StatusNotFound:
		return codeNotFound
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusServiceUnavailable:
		return codeStorageUnavailable
	default:
		return codeInternal
	}
}
