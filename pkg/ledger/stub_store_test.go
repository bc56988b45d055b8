package ledger

import (
	"context"
	"fmt"
	"sort"
	"testing"
)

type stubStore struct {
	accounts    map[string]Account
	rewards     []RewardRecord
	withdrawals map[string]Withdrawal

	getAccountError      error
	updateAccountError   error
	insertRewardError    error
	createWithdrawError  error
	updateWithdrawError  error
	updateWithdrawHook   func() error
	listError            error
	forcedConflicts      int
	updateAccountCalls   int
	beforeUpdateCallback func(store *stubStore)
}

func newStubStore(test *testing.T, accounts ...Account) *stubStore {
	test.Helper()
	store := &stubStore{
		accounts:    make(map[string]Account),
		withdrawals: make(map[string]Withdrawal),
	}
	for _, account := range accounts {
		if err := account.Validate(); err != nil {
			test.Fatalf("seed account: %v", err)
		}
		store.accounts[account.UserID.String()] = account
	}
	return store
}

// WithTx restores the previous state when fn fails.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	accounts := make(map[string]Account, len(store.accounts))
	for key, value := range store.accounts {
		accounts[key] = value
	}
	withdrawals := make(map[string]Withdrawal, len(store.withdrawals))
	for key, value := range store.withdrawals {
		withdrawals[key] = value
	}
	rewards := append([]RewardRecord(nil), store.rewards...)
	if err := fn(ctx, store); err != nil {
		store.accounts = accounts
		store.withdrawals = withdrawals
		store.rewards = rewards
		return err
	}
	return nil
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account) error {
	if _, exists := store.accounts[account.UserID.String()]; exists {
		return ErrAccountExists
	}
	account.Version = 1
	store.accounts[account.UserID.String()] = account
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[userID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	account.PayoutIdentifiers = append([]PayoutIdentifier(nil), account.PayoutIdentifiers...)
	return account, nil
}

func (store *stubStore) UpdateAccount(ctx context.Context, update AccountUpdate) (Account, error) {
	store.updateAccountCalls++
	if store.beforeUpdateCallback != nil {
		callback := store.beforeUpdateCallback
		store.beforeUpdateCallback = nil
		callback(store)
	}
	if store.updateAccountError != nil {
		return Account{}, store.updateAccountError
	}
	if store.forcedConflicts > 0 {
		store.forcedConflicts--
		return Account{}, ErrConcurrentUpdate
	}
	account, ok := store.accounts[update.UserID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if account.Version != update.ExpectedVersion {
		return Account{}, ErrConcurrentUpdate
	}
	points := account.Points.Int64() + update.PointsDelta
	balance := account.WalletBalance.Int64() + update.BalanceDelta
	if points < 0 || balance < 0 {
		return Account{}, ErrConcurrentUpdate
	}
	account.Points = Points(points)
	account.WalletBalance = AmountCents(balance)
	if update.Progress != nil {
		account.Level = update.Progress.Level
		account.Exp = update.Progress.Exp
	}
	if update.PayoutIdentifiers != nil {
		account.PayoutIdentifiers = append([]PayoutIdentifier(nil), (*update.PayoutIdentifiers)...)
	}
	account.Version++
	account.UpdatedUnixUTC = update.UpdatedUnixUTC
	store.accounts[update.UserID.String()] = account
	return account, nil
}

func (store *stubStore) InsertReward(ctx context.Context, reward RewardRecord) error {
	if store.insertRewardError != nil {
		return store.insertRewardError
	}
	for _, existing := range store.rewards {
		if existing.TransactionID == reward.TransactionID {
			return ErrDuplicateReward
		}
	}
	store.rewards = append(store.rewards, reward)
	return nil
}

func (store *stubStore) ListRewards(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]RewardRecord, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	result := make([]RewardRecord, 0, len(store.rewards))
	for index := len(store.rewards) - 1; index >= 0 && len(result) < limit; index-- {
		if store.rewards[index].UserID == userID {
			result = append(result, store.rewards[index])
		}
	}
	return result, nil
}

func (store *stubStore) CreateWithdrawal(ctx context.Context, withdrawal Withdrawal) error {
	if store.createWithdrawError != nil {
		return store.createWithdrawError
	}
	if _, exists := store.withdrawals[withdrawal.WithdrawalID]; exists {
		return fmt.Errorf("withdrawal %s exists", withdrawal.WithdrawalID)
	}
	store.withdrawals[withdrawal.WithdrawalID] = withdrawal
	return nil
}

func (store *stubStore) UpdateWithdrawalStatus(ctx context.Context, withdrawalID string, from, to WithdrawalStatus, failureCode string, updatedUnixUTC int64) error {
	if store.updateWithdrawError != nil {
		return store.updateWithdrawError
	}
	if store.updateWithdrawHook != nil {
		if err := store.updateWithdrawHook(); err != nil {
			return err
		}
	}
	withdrawal, ok := store.withdrawals[withdrawalID]
	if !ok || withdrawal.Status != from {
		return ErrWithdrawalClosed
	}
	withdrawal.Status = to
	withdrawal.FailureCode = failureCode
	withdrawal.UpdatedUnixUTC = updatedUnixUTC
	store.withdrawals[withdrawalID] = withdrawal
	return nil
}

func (store *stubStore) ListWithdrawals(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Withdrawal, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	result := make([]Withdrawal, 0, len(store.withdrawals))
	for _, withdrawal := range store.withdrawals {
		if withdrawal.UserID == userID {
			result = append(result, withdrawal)
		}
	}
	sort.Slice(result, func(left, right int) bool { return result[left].WithdrawalID > result[right].WithdrawalID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (store *stubStore) ListStaleWithdrawals(ctx context.Context, updatedBeforeUnixUTC int64, limit int) ([]Withdrawal, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	result := make([]Withdrawal, 0)
	for _, withdrawal := range store.withdrawals {
		if withdrawal.Status == WithdrawalStatusProcessing && withdrawal.UpdatedUnixUTC < updatedBeforeUnixUTC {
			result = append(result, withdrawal)
		}
	}
	sort.Slice(result, func(left, right int) bool { return result[left].WithdrawalID < result[right].WithdrawalID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (store *stubStore) mustAccount(test *testing.T, userID UserID) Account {
	test.Helper()
	account, ok := store.accounts[userID.String()]
	if !ok {
		test.Fatalf("account %s not found", userID.String())
	}
	return account
}

// stubPayouts remembers what it answered so LookupPayout reports it back.
type stubPayouts struct {
	submit      func(ctx context.Context, request PayoutRequest) error
	requests    *[]PayoutRequest
	resolutions map[string]PayoutResolution
	lookupError error
}

func (payouts *stubPayouts) SubmitPayout(ctx context.Context, request PayoutRequest) error {
	var err error
	if payouts.submit != nil {
		err = payouts.submit(ctx, request)
	}
	if payouts.resolutions == nil {
		payouts.resolutions = make(map[string]PayoutResolution)
	}
	switch {
	case err == nil:
		payouts.resolutions[request.WithdrawalID] = PayoutResolutionAccepted
		if payouts.requests != nil {
			*payouts.requests = append(*payouts.requests, request)
		}
	case ctx.Err() == nil:
		payouts.resolutions[request.WithdrawalID] = PayoutResolutionRejected
	}
	return err
}

func (payouts *stubPayouts) LookupPayout(ctx context.Context, withdrawalID string) (PayoutResolution, error) {
	if payouts.lookupError != nil {
		return "", payouts.lookupError
	}
	resolution, ok := payouts.resolutions[withdrawalID]
	if !ok {
		return PayoutResolutionUnknown, nil
	}
	return resolution, nil
}

func payoutFunc(submit func(ctx context.Context, request PayoutRequest) error) *stubPayouts {
	return &stubPayouts{submit: submit}
}

func acceptingPayouts(requests *[]PayoutRequest) *stubPayouts {
	return &stubPayouts{requests: requests}
}

func sequentialIDs(prefix string) func() string {
	counter := 0
	return func() string {
		counter++
		return fmt.Sprintf("%s-%03d", prefix, counter)
	}
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	defaults := []ServiceOption{WithIDGenerator(sequentialIDs("id"))}
	service, err := NewService(store, func() int64 { return 1_000 }, append(defaults, options...)...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustPositivePoints(test *testing.T, raw int64) PositivePoints {
	test.Helper()
	value, err := NewPositivePoints(raw)
	if err != nil {
		test.Fatalf("points: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustPayoutIdentifier(test *testing.T, raw string) PayoutIdentifier {
	test.Helper()
	value, err := ParsePayoutIdentifier(raw)
	if err != nil {
		test.Fatalf("payout identifier: %v", err)
	}
	return value
}

func newAccount(test *testing.T, userID string, points int64, balance AmountCents, level Level, payouts ...string) Account {
	test.Helper()
	identifiers := make([]PayoutIdentifier, 0, len(payouts))
	for _, raw := range payouts {
		identifiers = append(identifiers, mustPayoutIdentifier(test, raw))
	}
	return Account{
		UserID:            mustUserID(test, userID),
		Points:            Points(points),
		WalletBalance:     balance,
		Level:             level,
		PayoutIdentifiers: identifiers,
		Version:           1,
	}
}
