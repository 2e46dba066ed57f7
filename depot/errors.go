package depot

import (
	"errors"
	"fmt"

	"github.com/GoCodeAlone/depot/blob"
	"github.com/GoCodeAlone/depot/index"
	"github.com/GoCodeAlone/depot/locks"
)

// Sentinel errors for the depot error taxonomy. Every error leaving the
// depot wraps exactly one of these, so the ingress layer can map outcomes to
// responses without string matching.
var (
	// ErrValidation covers malformed or mismatched identifiers and bad
	// checksums. Caller's fault; no side effects.
	ErrValidation = errors.New("validation failed")
	// ErrAlreadyExists is identifier-level contention with a committed
	// artifact; the losing attempt has no effect on stored state.
	ErrAlreadyExists = errors.New("identifier already committed")
	// ErrUploadInProgress means another upload holds the identifier lock.
	ErrUploadInProgress = errors.New("upload already in progress")
	// ErrNotFound means no committed artifact matches the query.
	ErrNotFound = errors.New("package not found")
	// ErrStorage is a blob read/write failure. The upload aborts and cleans
	// up; the caller may retry.
	ErrStorage = errors.New("storage failure")
	// ErrIndexUnavailable means the metadata cache cannot serve the request
	// and no degraded answer is permitted.
	ErrIndexUnavailable = errors.New("index unavailable")
	// ErrIndexContention means index write retries were exhausted.
	ErrIndexContention = errors.New("index contention")
)

// validationErr wraps a cause as a caller-side validation failure.
func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// mapBlobErr translates blob store sentinels into the depot taxonomy.
func mapBlobErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, blob.ErrAlreadyExists):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case errors.Is(err, blob.ErrChecksumMismatch):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case errors.Is(err, blob.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
}

// mapIndexErr translates index sentinels into the depot taxonomy.
func mapIndexErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, index.ErrNotFound), errors.Is(err, index.ErrTombstoned):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, index.ErrUnavailable), errors.Is(err, index.ErrPoolExhausted):
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	case errors.Is(err, index.ErrContention):
		return fmt.Errorf("%w: %v", ErrIndexContention, err)
	default:
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
}

// mapLockErr translates lock table errors into the depot taxonomy.
func mapLockErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, locks.ErrBusy):
		return fmt.Errorf("%w: %v", ErrUploadInProgress, err)
	default:
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
}

// mapArchiveErr translates extraction failures. The archive is
// caller-supplied input, so anything the reader rejects is a validation
// failure.
func mapArchiveErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}
