package ledger

import (
	"context"
	"errors"
	"fmt"
)

const (
	failureCodePayoutRejected = "payout_provider_rejected"
	failureCodePayoutTimeout  = "payout_timeout"
	staleWithdrawalBatchSize  = 100
)

// PayoutRequest is what the payout rail receives for one withdrawal.
type PayoutRequest struct {
	WithdrawalID string
	UserID       UserID
	Destination  PayoutIdentifier
	Amount       AmountCents
}

// PayoutResolution is what the payout rail reports for a withdrawal id.
type PayoutResolution string

const (
	PayoutResolutionAccepted PayoutResolution = "accepted"
	PayoutResolutionRejected PayoutResolution = "rejected"
	PayoutResolutionPending  PayoutResolution = "pending"
	// PayoutResolutionUnknown means the rail never received the withdrawal.
	PayoutResolutionUnknown PayoutResolution = "unknown"
)

// PayoutProvider submits withdrawals to an external payout rail.
// A nil error from SubmitPayout means the payout was accepted for processing.
// LookupPayout reports the rail's view of a withdrawal submitted earlier; the
// withdrawal id doubles as the submission's idempotency key.
type PayoutProvider interface {
	SubmitPayout(ctx context.Context, request PayoutRequest) error
	LookupPayout(ctx context.Context, withdrawalID string) (PayoutResolution, error)
}

// WithdrawalOutcome reports how far a withdrawal request got.
type WithdrawalOutcome struct {
	State      WithdrawalState
	Visited    []WithdrawalState
	Failure    error
	Withdrawal *Withdrawal
	Account    Account
}

// RequestWithdrawal runs the withdrawal flow for the full wallet balance.
// An empty destination selects the preferred linked method.
//
// Returned errors mean the flow never started (ineligible account, unknown
// account, bad destination). Once started, the flow ends in success or error
// and the outcome carries the failure instead.
func (service *Service) RequestWithdrawal(ctx context.Context, userID UserID, destination PayoutMethod) (WithdrawalOutcome, error) {
	outcome, operationError := service.requestWithdrawal(ctx, userID, destination)
	logged := operationError
	if logged == nil {
		logged = outcome.Failure
	}
	entry := OperationLog{
		Operation: operationWithdraw,
		UserID:    userID,
		Amount:    outcome.Account.WalletBalance,
		Error:     logged,
	}
	if outcome.Withdrawal != nil {
		entry.Amount = outcome.Withdrawal.Amount
		entry.Reference = outcome.Withdrawal.WithdrawalID
	}
	service.logOperation(ctx, entry)
	if outcome.Withdrawal != nil {
		service.notify(ctx, outcome.Account)
	}
	return outcome, operationError
}

func (service *Service) requestWithdrawal(ctx context.Context, userID UserID, destination PayoutMethod) (WithdrawalOutcome, error) {
	if service.payouts == nil {
		return WithdrawalOutcome{}, fmt.Errorf("%w: payout provider is nil", ErrInvalidServiceConfig)
	}
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return WithdrawalOutcome{}, storageUnavailable(err)
	}
	flow := NewWithdrawalFlow()
	outcome := WithdrawalOutcome{State: flow.State(), Visited: flow.Visited(), Account: account}
	if eligibility := service.policy.Eligibility(account); !eligibility.Allowed {
		return outcome, eligibility.Err()
	}

	target, err := resolveDestination(account, destination)
	if err != nil {
		return outcome, err
	}
	if err := flow.Confirm(!target.IsZero()); err != nil {
		return outcome, err
	}
	if flow.State() == WithdrawalStateError {
		return finishOutcome(outcome, flow), nil
	}

	withdrawal, account, err := service.openWithdrawal(ctx, userID, target)
	if err != nil {
		if !errors.Is(err, ErrBelowWithdrawalMinimum) && !errors.Is(err, ErrLevelTooLow) {
			err = storageFailure(err)
		}
		_ = flow.Resolve(err)
		return finishOutcome(outcome, flow), nil
	}
	outcome.Account = account

	payoutContext, cancel := context.WithTimeout(ctx, service.policy.PayoutTimeout)
	payoutError := classifyPayoutError(payoutContext, service.payouts.SubmitPayout(payoutContext, PayoutRequest{
		WithdrawalID: withdrawal.WithdrawalID,
		UserID:       userID,
		Destination:  target,
		Amount:       withdrawal.Amount,
	}))
	cancel()

	settleContext := context.WithoutCancel(ctx)
	if payoutError == nil {
		// A record left in processing is settled later by ExpireStaleWithdrawals
		// once the rail confirms the payout.
		if err := service.settleWithdrawal(settleContext, withdrawal.WithdrawalID); err == nil {
			withdrawal.Status = WithdrawalStatusSucceeded
		}
		_ = flow.Resolve(nil)
		outcome.Withdrawal = &withdrawal
		return finishOutcome(outcome, flow), nil
	}

	refunded, refundError := service.failWithdrawal(settleContext, withdrawal, failureCode(payoutError))
	if refundError == nil {
		withdrawal.Status = WithdrawalStatusFailed
		withdrawal.FailureCode = failureCode(payoutError)
		outcome.Account = refunded
	}
	_ = flow.Resolve(payoutError)
	outcome.Withdrawal = &withdrawal
	return finishOutcome(outcome, flow), nil
}

// openWithdrawal debits the full wallet balance and persists a processing
// record in one transaction.
func (service *Service) openWithdrawal(ctx context.Context, userID UserID, destination PayoutIdentifier) (Withdrawal, Account, error) {
	var (
		withdrawal Withdrawal
		account    Account
	)
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var amount AmountCents
		updated, err := service.mutateAccount(ctx, transactionStore, userID, func(current Account) (AccountUpdate, error) {
			if eligibility := service.policy.Eligibility(current); !eligibility.Allowed {
				return AccountUpdate{}, eligibility.Err()
			}
			amount = current.WalletBalance
			return AccountUpdate{BalanceDelta: -amount.Int64()}, nil
		})
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		withdrawal = Withdrawal{
			WithdrawalID:   service.newID(),
			UserID:         userID,
			Amount:         amount,
			Destination:    destination,
			Status:         WithdrawalStatusProcessing,
			CreatedUnixUTC: nowUnixUTC,
			UpdatedUnixUTC: nowUnixUTC,
		}
		if err := transactionStore.CreateWithdrawal(ctx, withdrawal); err != nil {
			return err
		}
		account = updated
		return nil
	})
	return withdrawal, account, err
}

// failWithdrawal marks a processing withdrawal failed and refunds its amount.
func (service *Service) failWithdrawal(ctx context.Context, withdrawal Withdrawal, code string) (Account, error) {
	var account Account
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.UpdateWithdrawalStatus(ctx, withdrawal.WithdrawalID, WithdrawalStatusProcessing, WithdrawalStatusFailed, code, service.nowFn()); err != nil {
			return err
		}
		refunded, err := service.mutateAccount(ctx, transactionStore, withdrawal.UserID, func(Account) (AccountUpdate, error) {
			return AccountUpdate{BalanceDelta: withdrawal.Amount.Int64()}, nil
		})
		if err != nil {
			return err
		}
		account = refunded
		return nil
	})
	return account, err
}

// settleWithdrawal marks an accepted withdrawal succeeded, retrying failed writes.
func (service *Service) settleWithdrawal(ctx context.Context, withdrawalID string) error {
	var err error
	for attempt := 0; attempt < service.policy.ConflictRetries; attempt++ {
		err = service.store.UpdateWithdrawalStatus(ctx, withdrawalID, WithdrawalStatusProcessing, WithdrawalStatusSucceeded, "", service.nowFn())
		if err == nil || errors.Is(err, ErrWithdrawalClosed) {
			return err
		}
	}
	return err
}

// ExpireStaleWithdrawals resolves withdrawals left in processing longer than
// the stale window, e.g. after a crash mid-payout. Each one is looked up on the
// payout rail: accepted payouts are marked succeeded, rejected or never
// received ones are failed and refunded, pending ones stay in processing.
// It returns the number of withdrawals resolved.
func (service *Service) ExpireStaleWithdrawals(ctx context.Context) (int, error) {
	if service.payouts == nil {
		return 0, fmt.Errorf("%w: payout provider is nil", ErrInvalidServiceConfig)
	}
	cutoff := service.nowFn() - int64(service.policy.StaleWithdrawalAfter.Seconds())
	stale, err := service.store.ListStaleWithdrawals(ctx, cutoff, staleWithdrawalBatchSize)
	if err != nil {
		return 0, storageUnavailable(err)
	}
	resolved := 0
	for _, withdrawal := range stale {
		resolution, lookupError := service.lookupPayout(ctx, withdrawal.WithdrawalID)
		if lookupError != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationReconcile,
				UserID:    withdrawal.UserID,
				Amount:    withdrawal.Amount,
				Reference: withdrawal.WithdrawalID,
				Error:     lookupError,
			})
			continue
		}
		var (
			account     Account
			operation   = operationExpire
			settleError error
		)
		switch resolution {
		case PayoutResolutionAccepted:
			operation = operationReconcile
			settleError = service.settleWithdrawal(ctx, withdrawal.WithdrawalID)
		case PayoutResolutionRejected:
			account, settleError = service.failWithdrawal(ctx, withdrawal, failureCodePayoutRejected)
		case PayoutResolutionUnknown:
			account, settleError = service.failWithdrawal(ctx, withdrawal, failureCodePayoutTimeout)
		default:
			continue
		}
		if errors.Is(settleError, ErrWithdrawalClosed) {
			continue
		}
		service.logOperation(ctx, OperationLog{
			Operation: operation,
			UserID:    withdrawal.UserID,
			Amount:    withdrawal.Amount,
			Reference: withdrawal.WithdrawalID,
			Error:     settleError,
		})
		if settleError != nil {
			return resolved, storageFailure(settleError)
		}
		resolved++
		if resolution != PayoutResolutionAccepted {
			service.notify(ctx, account)
		}
	}
	return resolved, nil
}

func (service *Service) lookupPayout(ctx context.Context, withdrawalID string) (PayoutResolution, error) {
	lookupContext, cancel := context.WithTimeout(ctx, service.policy.PayoutTimeout)
	defer cancel()
	resolution, err := service.payouts.LookupPayout(lookupContext, withdrawalID)
	if err != nil {
		return "", classifyPayoutError(lookupContext, err)
	}
	return resolution, nil
}

// ListWithdrawals returns persisted withdrawal records, newest first.
func (service *Service) ListWithdrawals(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Withdrawal, error) {
	withdrawals, err := service.store.ListWithdrawals(ctx, userID, beforeUnixUTC, limit)
	if err != nil {
		return nil, storageUnavailable(err)
	}
	return withdrawals, nil
}

func resolveDestination(account Account, destination PayoutMethod) (PayoutIdentifier, error) {
	if destination == "" {
		identifier, _ := account.PreferredPayoutIdentifier()
		return identifier, nil
	}
	method, err := ParsePayoutMethod(destination.String())
	if err != nil {
		return PayoutIdentifier{}, err
	}
	if !account.HasPayoutIdentifier() {
		return PayoutIdentifier{}, nil
	}
	identifier, ok := account.PayoutIdentifier(method)
	if !ok {
		return PayoutIdentifier{}, fmt.Errorf("%w: %s", ErrPayoutDestinationUnlinked, method)
	}
	return identifier, nil
}

func classifyPayoutError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPayoutTimeout) || errors.Is(err, ErrPayoutProviderRejected) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrPayoutTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrPayoutProviderRejected, err)
}

func failureCode(err error) string {
	if errors.Is(err, ErrPayoutTimeout) {
		return failureCodePayoutTimeout
	}
	return failureCodePayoutRejected
}

func finishOutcome(outcome WithdrawalOutcome, flow *WithdrawalFlow) WithdrawalOutcome {
	outcome.State = flow.State()
	outcome.Visited = flow.Visited()
	outcome.Failure = flow.Failure()
	return outcome
}
