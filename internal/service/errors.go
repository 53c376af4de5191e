package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrRateLimited            = errors.New("verification code requested too recently")
	ErrCodeInvalid            = errors.New("verification code is invalid")
	ErrCodeExpired            = errors.New("verification code has expired")
	ErrPhoneAlreadyRegistered = errors.New("phone number is already registered")
	ErrNotRegistered          = errors.New("phone number is not registered")
	ErrWrongPassword          = errors.New("wrong password")
	ErrMissingCredential      = errors.New("password or verification code is required")
	ErrTermsNotAccepted       = errors.New("terms of service must be accepted")
	ErrStorageFailure         = errors.New("storage failure")
)

// storageError marks err as a storage failure while keeping the cause
// reachable through errors.Is and errors.As.
func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}
