package transfer

import "fmt"

// NetworkError represents failed requests: connection errors, timeouts and
// unexpected HTTP status codes.
type NetworkError struct {
	Operation  string // "head", "get" or "stream"
	StatusCode int    // HTTP status code, 0 for non-HTTP errors
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// SizeMismatchError is returned when the downloaded file does not match the
// size the server announced.
type SizeMismatchError struct {
	Filename string
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch for %s: expected %d bytes, got %d", e.Filename, e.Expected, e.Actual)
}

// IntegrityError is returned when the downloaded content does not match the
// digest published by the index.
type IntegrityError struct {
	Filename string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("digest mismatch for %s: expected sha256 %s, got %s", e.Filename, e.Expected, e.Actual)
}

// RangeMismatchError is returned when a partial response does not start at
// the requested resume offset.
type RangeMismatchError struct {
	Offset       int64
	ContentRange string
}

func (e *RangeMismatchError) Error() string {
	return fmt.Sprintf("requested bytes from offset %d, server answered %q", e.Offset, e.ContentRange)
}

// InvalidURLError is returned when no local filename can be derived from a URL.
type InvalidURLError struct {
	URL    string
	Reason string
	Err    error
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

func (e *InvalidURLError) Unwrap() error {
	return e.Err
}

// FilenameConflictError is returned when two URLs of one batch map to the same local file.
type FilenameConflictError struct {
	Filename string
	URL      string
	Owner    string
}

func (e *FilenameConflictError) Error() string {
	return fmt.Sprintf("%s already claimed by %s, skipping %s", e.Filename, e.Owner, e.URL)
}
