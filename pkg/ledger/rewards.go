package ledger

import (
	"context"
	"fmt"
	"strings"
)

// CreditReward records an externally sourced reward and adds its points.
// Crediting is idempotent on the transaction id: a replay returns
// ErrDuplicateReward and leaves the account unchanged.
func (service *Service) CreditReward(ctx context.Context, credit RewardCredit) (Account, error) {
	account, operationError := service.creditReward(ctx, credit, nil)
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		UserID:    credit.UserID,
		Points:    credit.Points.Int64(),
		Reference: credit.TransactionID.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	service.notify(ctx, account)
	return account, nil
}

// CompleteChallenge credits an approved challenge proof: its points reward
// plus a fixed amount of experience, levelling up every full level of exp.
func (service *Service) CompleteChallenge(ctx context.Context, userID UserID, proofID string, reward PositivePoints) (Account, error) {
	var account Account
	transactionID, operationError := NewIdempotencyKey(strings.TrimSpace(proofID))
	if operationError == nil {
		transactionID, operationError = NewIdempotencyKey(transactionPrefixProof + idempotencyKeyDelimiter + transactionID.String())
	}
	if operationError == nil {
		metadata, _ := NewMetadataJSON(fmt.Sprintf(`{"proof_id":%q}`, strings.TrimSpace(proofID)))
		account, operationError = service.creditReward(ctx, RewardCredit{
			UserID:        userID,
			Points:        reward,
			Provider:      providerChallenge,
			TransactionID: transactionID,
			Metadata:      metadata,
		}, func(current Account) *Progress {
			progress := progressAfterChallenge(current.Level, current.Exp)
			return &progress
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationChallenge,
		UserID:    userID,
		Points:    reward.Int64(),
		Reference: transactionID.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	service.notify(ctx, account)
	return account, nil
}

// ListRewards returns reward history, newest first.
func (service *Service) ListRewards(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]RewardRecord, error) {
	rewards, err := service.store.ListRewards(ctx, userID, beforeUnixUTC, limit)
	if err != nil {
		return nil, storageUnavailable(err)
	}
	return rewards, nil
}

func (service *Service) creditReward(ctx context.Context, credit RewardCredit, progress func(Account) *Progress) (Account, error) {
	if credit.UserID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if credit.Points <= 0 {
		return Account{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if credit.TransactionID.String() == "" {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	provider := strings.TrimSpace(credit.Provider)
	if provider == "" {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidProvider)
	}
	var account Account
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.InsertReward(ctx, RewardRecord{
			RewardID:       service.newID(),
			UserID:         credit.UserID,
			Points:         credit.Points,
			Provider:       provider,
			TransactionID:  credit.TransactionID,
			Status:         RewardStatusCompleted,
			Metadata:       credit.Metadata,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		updated, err := service.mutateAccount(ctx, transactionStore, credit.UserID, func(current Account) (AccountUpdate, error) {
			update := AccountUpdate{PointsDelta: credit.Points.Int64()}
			if progress != nil {
				update.Progress = progress(current)
			}
			return update, nil
		})
		if err != nil {
			return err
		}
		account = updated
		return nil
	})
	if err != nil {
		return Account{}, storageFailure(err)
	}
	return account, nil
}
