package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"todo-api/domain"
)

// SonicSerializer is an echo.JSONSerializer backed by sonic.
type SonicSerializer struct{}

func (SonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (SonicSerializer) Deserialize(c echo.Context, i any) error {
	if err := sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err)).SetInternal(err)
	}
	return nil
}

// decodeBody reads an optional JSON body into dst. It reports whether a body
// was present; malformed JSON is ErrInvalidInput.
func decodeBody(c echo.Context, dst any) (bool, error) {
	body := c.Request().Body
	if body == nil || c.Request().ContentLength == 0 {
		return false, nil
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		var httpErr *echo.HTTPError
		if errors.As(err, &maxErr) || (errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge) {
			return false, fmt.Errorf("%w: body too large", domain.ErrInvalidInput)
		}
		return false, fmt.Errorf("%w: unreadable body", domain.ErrInvalidInput)
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := sonic.ConfigStd.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidInput)
	}
	return true, nil
}
