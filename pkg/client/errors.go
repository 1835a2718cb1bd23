package client

import (
	"errors"
	"fmt"

	"github.com/pixperk/tessera/pkg/types"
)

var (
	ErrClosed       = errors.New("client closed")
	ErrBusy         = errors.New("lock held by another owner")
	ErrNotSet       = errors.New("condition not met")
	ErrNotFound     = errors.New("does not exist")
	ErrInvalidInput = errors.New("invalid input")
	ErrMustRetry    = errors.New("leadership in flux, retry")
	ErrFailed       = errors.New("operation failed")
)

func lockError(t types.LockResponseType) error {
	switch t {
	case types.LockResponseLocked, types.LockResponseExtended, types.LockResponseUnlocked, types.LockResponseGot:
		return nil
	case types.LockResponseBusy:
		return ErrBusy
	case types.LockResponseDoesNotExist:
		return ErrNotFound
	case types.LockResponseInvalidInput:
		return ErrInvalidInput
	case types.LockResponseMustRetry:
		return ErrMustRetry
	default:
		return fmt.Errorf("%w: %s", ErrFailed, t)
	}
}

func keyValueError(t types.KeyValueResponseType) error {
	switch t {
	case types.KeyValueResponseSet, types.KeyValueResponseExtended, types.KeyValueResponseDeleted, types.KeyValueResponseGot:
		return nil
	case types.KeyValueResponseNotSet:
		return ErrNotSet
	case types.KeyValueResponseDoesNotExist:
		return ErrNotFound
	case types.KeyValueResponseInvalidInput:
		return ErrInvalidInput
	case types.KeyValueResponseMustRetry:
		return ErrMustRetry
	default:
		return fmt.Errorf("%w: %s", ErrFailed, t)
	}
}
