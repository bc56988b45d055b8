package ledger

import (
	"context"
	"fmt"
)

// EstimateConversion previews the wallet credit for converting points.
// The value equals what Convert credits for the same input.
func (service *Service) EstimateConversion(points PositivePoints) (AmountCents, error) {
	return service.policy.ConversionCredit(points)
}

// Convert moves points into wallet balance at the policy rate.
// Points debit and balance credit are applied as one conditional write; a
// rejected or failed conversion leaves the account untouched.
func (service *Service) Convert(ctx context.Context, userID UserID, requested PositivePoints) (Account, error) {
	var credit AmountCents
	account, operationError := func() (Account, error) {
		if requested <= 0 {
			return Account{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
		}
		if requested.Int64() < service.policy.MinConversionPoints {
			return Account{}, fmt.Errorf("%w: at least %d points required", ErrBelowMinimum, service.policy.MinConversionPoints)
		}
		var err error
		credit, err = service.policy.ConversionCredit(requested)
		if err != nil {
			return Account{}, err
		}
		updated, err := service.mutateAccount(ctx, service.store, userID, func(current Account) (AccountUpdate, error) {
			if requested.ToPoints() > current.Points {
				return AccountUpdate{}, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientPoints, requested, current.Points)
			}
			return AccountUpdate{
				PointsDelta:  -requested.Int64(),
				BalanceDelta: credit.Int64(),
			}, nil
		})
		if err != nil {
			return Account{}, storageFailure(err)
		}
		return updated, nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationConvert,
		UserID:    userID,
		Points:    requested.Int64(),
		Amount:    credit,
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	service.notify(ctx, account)
	return account, nil
}
