package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrSealAborted is returned when proof-of-work stops before finding a hash.
	ErrSealAborted = errors.New("sealing aborted")
	// ErrPersist is returned when a block was appended in memory but the
	// snapshot could not be written.
	ErrPersist = errors.New("failed to persist chain")
	// ErrNothingPending is returned by Flush when empty blocks are disabled
	// and no commitments are waiting.
	ErrNothingPending = errors.New("no pending commitments")
	ErrNotFound       = errors.New("not found")
	ErrMinerStopped   = errors.New("sealing worker stopped")
)

// IntegrityError describes the first block that fails chain validation.
type IntegrityError struct {
	Index  uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("INTEGRITY VIOLATION at block %d: %s", e.Index, e.Reason)
}

func NewIntegrityError(index uint64, reason string) *IntegrityError {
	return &IntegrityError{
		Index:  index,
		Reason: reason,
	}
}

func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

func AsIntegrityError(err error) *IntegrityError {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie
	}
	return nil
}
