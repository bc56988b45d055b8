package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
// It holds no account state of its own; every decision is made against the
// freshest snapshot read from the Store.
type Service struct {
	store    Store
	nowFn    func() int64
	logger   OperationLogger
	observer AccountObserver
	payouts  PayoutProvider
	policy   Policy
	newID    func() string
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:  store,
		nowFn:  now,
		policy: DefaultPolicy(),
		newID:  uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := service.policy.Validate(); err != nil {
		return nil, err
	}
	return service, nil
}

// Policy returns the thresholds the service enforces.
func (service *Service) Policy() Policy {
	return service.policy
}

// Account returns the current snapshot for a user.
func (service *Service) Account(ctx context.Context, userID UserID) (Account, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return Account{}, storageUnavailable(err)
	}
	return account, nil
}

// CanWithdraw reports whether the account passes the withdrawal gate.
func (service *Service) CanWithdraw(account Account) bool {
	return service.policy.CanWithdraw(account)
}

// Eligibility explains the withdrawal gate for an account.
func (service *Service) Eligibility(account Account) Eligibility {
	return service.policy.Eligibility(account)
}

// OpenAccount creates the profile at signup; an existing profile is returned as is.
func (service *Service) OpenAccount(ctx context.Context, userID UserID) (Account, error) {
	if userID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	created := false
	account, operationError := func() (Account, error) {
		err := service.store.CreateAccount(ctx, Account{
			UserID:         userID,
			Level:          initialLevel,
			UpdatedUnixUTC: service.nowFn(),
		})
		if err != nil && !errors.Is(err, ErrAccountExists) {
			return Account{}, storageFailure(err)
		}
		created = err == nil
		account, err := service.store.GetAccount(ctx, userID)
		if err != nil {
			return Account{}, storageUnavailable(err)
		}
		return account, nil
	}()
	if created || operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationOpen,
			UserID:    userID,
			Error:     operationError,
		})
	}
	if created {
		service.notify(ctx, account)
	}
	return account, operationError
}

// LinkPayoutMethods replaces the linked payout identifiers.
func (service *Service) LinkPayoutMethods(ctx context.Context, userID UserID, identifiers []PayoutIdentifier) (Account, error) {
	candidate := Account{UserID: userID, Level: initialLevel, PayoutIdentifiers: identifiers}
	var account Account
	operationError := candidate.Validate()
	if operationError == nil {
		linked := append([]PayoutIdentifier(nil), identifiers...)
		account, operationError = service.mutateAccount(ctx, service.store, userID, func(Account) (AccountUpdate, error) {
			return AccountUpdate{PayoutIdentifiers: &linked}, nil
		})
		operationError = storageFailure(operationError)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationLinkPayout,
		UserID:    userID,
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	service.notify(ctx, account)
	return account, nil
}

// mutateAccount re-reads the account, builds a conditional update from the
// fresh snapshot and retries when a concurrent writer changed the version.
func (service *Service) mutateAccount(ctx context.Context, store Store, userID UserID, build func(account Account) (AccountUpdate, error)) (Account, error) {
	lastError := ErrConcurrentUpdate
	for attempt := 0; attempt < service.policy.ConflictRetries; attempt++ {
		account, err := store.GetAccount(ctx, userID)
		if err != nil {
			return Account{}, err
		}
		update, err := build(account)
		if err != nil {
			return Account{}, err
		}
		update.UserID = userID
		update.ExpectedVersion = account.Version
		update.UpdatedUnixUTC = service.nowFn()
		updated, err := store.UpdateAccount(ctx, update)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return Account{}, err
		}
		lastError = err
	}
	return Account{}, fmt.Errorf("after %d attempts: %w", service.policy.ConflictRetries, lastError)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func (service *Service) notify(ctx context.Context, account Account) {
	if service.observer == nil {
		return
	}
	service.observer.AccountChanged(ctx, account)
}
