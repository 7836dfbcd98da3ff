package fetch

import (
	"errors"
	"fmt"
)

// Category is the normalised failure taxonomy for authority server fetches.
type Category string

const (
	// CategoryTimeout indicates the server took too long to respond
	CategoryTimeout Category = "timeout"

	// CategoryOutage indicates the server is unreachable or returned 5xx
	CategoryOutage Category = "outage"

	// CategoryRateLimited indicates a 429 response
	CategoryRateLimited Category = "rate_limited"

	// CategoryAuthentication indicates a 401/403 response
	CategoryAuthentication Category = "authentication"

	// CategoryNotFound indicates a 404 response
	CategoryNotFound Category = "not_found"

	// CategoryBadStatus indicates any other non-2xx response
	CategoryBadStatus Category = "bad_status"

	// CategoryBadData indicates an unreadable or oversized body
	CategoryBadData Category = "bad_data"

	// CategoryCircuitOpen indicates the request was rejected locally
	CategoryCircuitOpen Category = "circuit_open"

	// CategoryInternal indicates a request that could not be built
	CategoryInternal Category = "internal"
)

// FetchError wraps a failed fetch with its category.
type FetchError struct {
	Category  Category
	URL       string
	Status    int
	Message   string
	Err       error
	Retryable bool // set from Category (timeout, outage, rate-limited -> true)
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s [%s]: %s", e.URL, e.Category, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func newFetchError(category Category, url string, status int, message string, err error) *FetchError {
	return &FetchError{
		Category:  category,
		URL:       url,
		Status:    status,
		Message:   message,
		Err:       err,
		Retryable: category == CategoryTimeout || category == CategoryOutage || category == CategoryRateLimited,
	}
}

// IsRetryable reports whether err is a transient fetch failure.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// CategoryOf extracts the category of err, defaulting to CategoryInternal.
func CategoryOf(err error) Category {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Category
	}
	return CategoryInternal
}
