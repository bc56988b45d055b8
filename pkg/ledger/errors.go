package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrBelowMinimum              = errors.New("below minimum conversion")
	ErrInsufficientPoints        = errors.New("insufficient points")
	ErrStorageFailure            = errors.New("storage failure")
	ErrStorageUnavailable        = errors.New("storage unavailable")
	ErrPayoutMethodMissing       = errors.New("payout method missing")
	ErrPayoutProviderRejected    = errors.New("payout provider rejected")
	ErrPayoutTimeout             = errors.New("payout timeout")
	ErrPayoutDestinationUnlinked = errors.New("payout destination not linked")
	ErrLevelTooLow               = errors.New("level too low")
	ErrBelowWithdrawalMinimum    = errors.New("below withdrawal minimum")
	ErrWithdrawalInFlight        = errors.New("withdrawal in flight")
	ErrInvalidTransition         = errors.New("invalid withdrawal transition")
	ErrWithdrawalClosed          = errors.New("withdrawal closed")
	ErrAccountNotFound           = errors.New("account not found")
	ErrAccountExists             = errors.New("account already exists")
	ErrConcurrentUpdate          = errors.New("concurrent account update")
	ErrDuplicateReward           = errors.New("duplicate reward")
	ErrInvalidUserID             = errors.New("invalid user id")
	ErrInvalidIdempotencyKey     = errors.New("invalid idempotency key")
	ErrInvalidAmountCents        = errors.New("invalid amount cents")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidLevel              = errors.New("invalid level")
	ErrInvalidPayoutMethod       = errors.New("invalid payout method")
	ErrInvalidPayoutIdentifier   = errors.New("invalid payout identifier")
	ErrInvalidWithdrawalStatus   = errors.New("invalid withdrawal status")
	ErrInvalidRewardStatus       = errors.New("invalid reward status")
	ErrInvalidProvider           = errors.New("invalid provider")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
	ErrInvalidBalance            = errors.New("invalid balance")
)

// passthroughErrors are returned to callers unchanged; anything else coming
// out of a Store is reported as a storage failure.
var passthroughErrors = []error{
	ErrInvalidAmount,
	ErrBelowMinimum,
	ErrInsufficientPoints,
	ErrStorageFailure,
	ErrStorageUnavailable,
	ErrPayoutMethodMissing,
	ErrPayoutProviderRejected,
	ErrPayoutTimeout,
	ErrPayoutDestinationUnlinked,
	ErrLevelTooLow,
	ErrBelowWithdrawalMinimum,
	ErrWithdrawalInFlight,
	ErrInvalidTransition,
	ErrWithdrawalClosed,
	ErrAccountNotFound,
	ErrDuplicateReward,
	ErrInvalidUserID,
	ErrInvalidPayoutIdentifier,
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsRetryable reports whether the caller may retry without data loss.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFailure) || errors.Is(err, ErrStorageUnavailable)
}

func storageFailure(err error) error {
	return classifyStoreError(ErrStorageFailure, err)
}

func storageUnavailable(err error) error {
	return classifyStoreError(ErrStorageUnavailable, err)
}

func classifyStoreError(sentinel error, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range passthroughErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Stable error codes reported by transports.
const (
	CodeInvalidUserID             = "invalid_user_id"
	CodeInvalidAmount             = "invalid_amount"
	CodeInvalidTransactionID      = "invalid_transaction_id"
	CodeInvalidMetadata           = "invalid_metadata_json"
	CodeInvalidProvider           = "invalid_provider"
	CodeInvalidPayoutMethod       = "invalid_payout_method"
	CodeInvalidPayoutIdentifier   = "invalid_payout_identifier"
	CodeBelowMinimum              = "below_minimum"
	CodeInsufficientPoints        = "insufficient_points"
	CodeLevelTooLow               = "level_too_low"
	CodeBelowWithdrawalMinimum    = "below_withdrawal_minimum"
	CodePayoutMethodMissing       = "payout_method_missing"
	CodePayoutDestinationUnlinked = "payout_destination_unlinked"
	CodePayoutProviderRejected    = "payout_provider_rejected"
	CodePayoutTimeout             = "payout_timeout"
	CodeWithdrawalInFlight        = "withdrawal_in_flight"
	CodeAccountNotFound           = "account_not_found"
	CodeAccountExists             = "account_exists"
	CodeDuplicateReward           = "duplicate_reward"
	CodeStorageUnavailable        = "storage_unavailable"
	CodeStorageFailure            = "storage_failure"
	CodeInternal                  = "internal"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{err: ErrInvalidUserID, code: CodeInvalidUserID},
	{err: ErrInvalidAmount, code: CodeInvalidAmount},
	{err: ErrInvalidIdempotencyKey, code: CodeInvalidTransactionID},
	{err: ErrInvalidMetadataJSON, code: CodeInvalidMetadata},
	{err: ErrInvalidProvider, code: CodeInvalidProvider},
	{err: ErrInvalidPayoutMethod, code: CodeInvalidPayoutMethod},
	{err: ErrInvalidPayoutIdentifier, code: CodeInvalidPayoutIdentifier},
	{err: ErrBelowMinimum, code: CodeBelowMinimum},
	{err: ErrInsufficientPoints, code: CodeInsufficientPoints},
	{err: ErrLevelTooLow, code: CodeLevelTooLow},
	{err: ErrBelowWithdrawalMinimum, code: CodeBelowWithdrawalMinimum},
	{err: ErrPayoutMethodMissing, code: CodePayoutMethodMissing},
	{err: ErrPayoutDestinationUnlinked, code: CodePayoutDestinationUnlinked},
	{err: ErrPayoutTimeout, code: CodePayoutTimeout},
	{err: ErrPayoutProviderRejected, code: CodePayoutProviderRejected},
	{err: ErrWithdrawalInFlight, code: CodeWithdrawalInFlight},
	{err: ErrAccountNotFound, code: CodeAccountNotFound},
	{err: ErrAccountExists, code: CodeAccountExists},
	{err: ErrDuplicateReward, code: CodeDuplicateReward},
	{err: ErrStorageUnavailable, code: CodeStorageUnavailable},
	{err: ErrStorageFailure, code: CodeStorageFailure},
}

// ErrorCode returns the stable code for err, "" for nil and CodeInternal
// for anything unrecognised.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, candidate := range errorCodes {
		if errors.Is(err, candidate.err) {
			return candidate.code
		}
	}
	return CodeInternal
}
