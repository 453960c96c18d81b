package model

import "errors"

var (
	ErrInvalidAmount                = errors.New("pmx: invalid amount")
	ErrInsufficientAvailableBalance = errors.New("pmx: insufficient available balance")
	ErrInsufficientLockedBalance    = errors.New("pmx: insufficient locked balance")
	ErrInvalidAccuracyScore         = errors.New("pmx: invalid accuracy score")
	ErrUngradableGame               = errors.New("pmx: game cannot be graded")
	ErrDuplicateInvocation          = errors.New("pmx: invocation already committed")
	ErrAllocationNotFound           = errors.New("pmx: prize allocation not found")
	ErrBatchInvariantViolation      = errors.New("pmx: batch invariant violated")
	ErrRepositoryUnavailable        = errors.New("pmx: repository unavailable")

	ErrNotFound         = errors.New("pmx: not found")
	ErrAlreadyExists    = errors.New("pmx: already exists")
	ErrInvalidState     = errors.New("pmx: invalid state transition")
	ErrInvalidInput     = errors.New("pmx: invalid input")
	ErrSnapshotConflict = errors.New("pmx: account modified after snapshot")
)

// userFacing lists errors whose message is safe to show to an end user.
var userFacing = []error{
	ErrInvalidAmount,
	ErrInsufficientAvailableBalance,
	ErrInsufficientLockedBalance,
	ErrInvalidAccuracyScore,
	ErrInvalidInput,
	ErrNotFound,
	ErrAlreadyExists,
	ErrInvalidState,
	ErrDuplicateInvocation,
}

// GenericFailure is what end users see for internal failures.
const GenericFailure = "temporarily unavailable, try again later"

// PublicError returns a message that can be rendered to an end user and
// whether the error is an expected, recoverable condition. Invariant
// violations and repository failures collapse into GenericFailure.
func PublicError(err error) (string, bool) {
	if err == nil {
		return "", true
	}
	for _, e := range userFacing {
		if errors.Is(err, e) {
			return err.Error(), true
		}
	}
	return GenericFailure, false
}
