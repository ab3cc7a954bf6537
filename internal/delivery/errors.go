package delivery

import (
	"errors"

	"reportbridge/internal/period"
)

// Validation errors. A notification failing with one of these can never
// succeed as-is, so it is rejected synchronously and never checkpointed.
var (
	ErrMissingDataSetCode = errors.New("notification has no data set code")
	ErrUnknownDataSet     = errors.New("unknown data set code")
)

// Fault causes recorded on checkpoints.
var (
	ErrNoContact       = errors.New("payload names no contact and no org unit was given")
	ErrNoResults       = errors.New("payload has no results")
	ErrUnmappedResult  = errors.New("result does not map to a data element of the data set")
	ErrImportRejected  = errors.New("registry rejected the data value set")
	ErrCompleteRefused = errors.New("registry refused the data set registration")
)

// rejection is a registry verdict other than success. Its message carries
// the registry's full answer; errors.Is matches kind.
type rejection struct {
	kind error
	msg  string
}

func (e rejection) Error() string        { return e.msg }
func (e rejection) Is(target error) bool { return target == e.kind }

// ErrCheckpoint means a failed delivery could not be stored for replay. The
// inbound message must not be acknowledged.
var ErrCheckpoint = errors.New("checkpoint store failed")

// IsValidation reports whether err is a client error that must not be retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingDataSetCode) ||
		errors.Is(err, ErrUnknownDataSet) ||
		errors.Is(err, period.ErrUnknownPeriodType)
}
