package transfer

import (
	"errors"
	"fmt"
)

// BadStatusError reports an origin response with a non-2xx status code. No
// output file is written when it is returned.
type BadStatusError struct {
	Item       string // Name of the file being fetched
	StatusCode int    // HTTP status code returned by the origin
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("origin returned HTTP %d for %s", e.StatusCode, e.Item)
}

// NetworkError represents connection failures, timeouts and bodies cut short
// while streaming a file from the origin.
type NetworkError struct {
	Item string // Name of the file being fetched
	Err  error  // Underlying transport error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error while fetching %s: %v", e.Item, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DirectoryError represents a failure to create a destination directory or a
// temporary file inside it.
type DirectoryError struct {
	Path string // The directory that could not be prepared
	Err  error  // Underlying filesystem error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("failed to prepare directory '%s': %v", e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err came from the origin or the network, as
// opposed to a local configuration or filesystem problem.
func IsRetryable(err error) bool {
	var (
		badStatus *BadStatusError
		network   *NetworkError
	)

	return errors.As(err, &badStatus) || errors.As(err, &network)
}
