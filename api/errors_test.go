package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"todo-api/domain"
)

func TestErrorFor(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "invalid", err: fmt.Errorf("%w: task must not be empty", domain.ErrInvalidInput), wantStatus: http.StatusBadRequest, wantCode: codeInvalidInput},
		{name: "unauthenticated", err: errBadAuthorization, wantStatus: http.StatusUnauthorized, wantCode: codeUnauthenticated},
		{name: "forbidden", err: domain.ErrForbidden, wantStatus: http.StatusForbidden, wantCode: codeForbidden},
		{name: "not found", err: fmt.Errorf("%w: t1", domain.ErrNotFound), wantStatus: http.StatusNotFound, wantCode: codeNotFound},
		{name: "conflict", err: errIdempotencyInFlight, wantStatus: http.StatusConflict, wantCode: codeConflict},
		{name: "unavailable", err: fmt.Errorf("get t1: %w", domain.ErrStorageUnavailable), wantStatus: http.StatusServiceUnavailable, wantCode: codeStorageUnavailable},
		{name: "internal", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: codeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorFor(tt.err)
			if status != tt.wantStatus || body.Code != tt.wantCode {
				t.Fatalf("errorFor(%v) = %d/%s, want %d/%s", tt.err, status, body.Code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestInvalidInputMessageKeepsDetail(t *testing.T) {
	_, body := errorFor(fmt.Errorf("%w: task must not be empty", domain.ErrInvalidInput))
	if body.Message != "task must not be empty" {
		t.Fatalf("unexpected message: %q", body.Message)
	}
	_, body = errorFor(domain.ErrInvalidInput)
	if body.Message != "invalid input" {
		t.Fatalf("unexpected message for bare sentinel: %q", body.Message)
	}
}

func TestWriteErrorSetsRetryAfter(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	if err := writeError(c, domain.ErrStorageUnavailable); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get(echo.HeaderRetryAfter) != retryAfterSeconds {
		t.Fatalf("unexpected response: %d %v", rec.Code, rec.Header())
	}
}

func TestDecodeBody(t *testing.T) {
	e := echo.New()
	newCtx := func(body string) echo.Context {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		if body == "" {
			req = httptest.NewRequest(http.MethodPost, "/", nil)
		}
		return e.NewContext(req, httptest.NewRecorder())
	}

	var req createRequest
	present, err := decodeBody(newCtx(`{"task":"x","extra":1}`), &req)
	if err != nil || !present || req.Task == nil || *req.Task != "x" {
		t.Fatalf("unexpected decode: %v %v %+v", present, err, req)
	}

	present, err = decodeBody(newCtx(""), &createRequest{})
	if err != nil || present {
		t.Fatalf("empty body must be reported as absent: %v %v", present, err)
	}

	if _, err := decodeBody(newCtx(`{"task":`), &createRequest{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
