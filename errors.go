package couchfeed

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ripkitten-co/couchfeed/request"
)

var (
	// ErrFatalFeed marks failures that end a run: any 4xx response other
	// than 429, such as bad credentials or an invalid since token.
	ErrFatalFeed = errors.New("fatal feed error")

	// ErrTransientFeed marks failures the loop retries: 429, 5xx and
	// network-level errors.
	ErrTransientFeed = errors.New("transient feed error")

	// ErrInvalidBatchSize is returned when a batch size below 1 is supplied.
	ErrInvalidBatchSize = errors.New("batch size must be positive")

	// ErrInvalidTimeout is returned for a negative long-poll timeout.
	ErrInvalidTimeout = errors.New("timeout must not be negative")
)

// IsFatal reports whether err ended, or will end, the run it came from.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalFeed)
}

// classify wraps a request failure with ErrFatalFeed or ErrTransientFeed.
func classify(db string, err error) error {
	code := request.StatusCode(err)
	if code >= http.StatusBadRequest && code < http.StatusInternalServerError && code != http.StatusTooManyRequests {
		return fmt.Errorf("couchfeed: %s: %w: %w", db, ErrFatalFeed, err)
	}
	return fmt.Errorf("couchfeed: %s: %w: %w", db, ErrTransientFeed, err)
}
