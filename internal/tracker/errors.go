package tracker

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rpattn/snaptrack/internal/domain"
	"github.com/rpattn/snaptrack/internal/repository"
	"github.com/rpattn/snaptrack/pkg/validator"
)

// ErrRunInProgress is returned when another run holds the domain lock.
var ErrRunInProgress = errors.New("a run for this domain is already in progress")

// CollaboratorIOError wraps a failed load or save against the store or the
// lock service. No retry is attempted.
type CollaboratorIOError struct {
	Op     string
	Domain string
	Err    error
}

func (e *CollaboratorIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Domain, e.Err)
}

func (e *CollaboratorIOError) Unwrap() error {
	return e.Err
}

func ioError(op, domainName string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorIOError{Op: op, Domain: domainName, Err: err}
}

// HTTPStatus maps run and read errors onto response codes.
func HTTPStatus(err error) int {
	var (
		duplicate  *domain.DuplicateKeyError
		mismatch   *domain.SchemaMismatchError
		missingKey *domain.MissingKeyError
		invalid    *validator.SnapshotError
		collab     *CollaboratorIOError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, repository.ErrUnknownDomain):
		return http.StatusNotFound
	case errors.Is(err, ErrRunInProgress):
		return http.StatusConflict
	case errors.As(err, &duplicate),
		errors.As(err, &mismatch),
		errors.As(err, &missingKey),
		errors.As(err, &invalid),
		errors.Is(err, domain.ErrObservedAtRequired):
		return http.StatusBadRequest
	case errors.As(err, &collab):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
