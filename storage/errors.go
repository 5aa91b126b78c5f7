package storage

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"todo-api/domain"
)

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// classify maps table service failures onto the domain taxonomy. Throttling,
// timeouts, 5xx responses and transport errors are retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		case respErr.StatusCode == http.StatusRequestTimeout,
			respErr.StatusCode == http.StatusTooManyRequests,
			respErr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}

func isDomainNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
