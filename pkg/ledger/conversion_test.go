package ledger

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestConvertScenario(test *testing.T) {
	test.Parallel()
	seed := newAccount(test, "user-1", 5000, 0, 12, "yape:999")
	store := newStubStore(test, seed)
	service := mustNewService(test, store)

	account, err := service.Convert(context.Background(), seed.UserID, mustPositivePoints(test, 2000))
	if err != nil {
		test.Fatalf("convert failed: %v", err)
	}
	if account.Points != 3000 || account.WalletBalance != 200 {
		test.Fatalf("expected 3000 points and 2.00 balance, got %d and %s", account.Points, account.WalletBalance)
	}
	if account.Version != seed.Version+1 {
		test.Fatalf("expected one version bump, got %d", account.Version)
	}
	if stored := store.mustAccount(test, seed.UserID); stored.Points != 3000 || stored.WalletBalance != 200 {
		test.Fatalf("store not updated: %+v", stored)
	}
}

func TestConvertRejections(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		points    int64
		requested PositivePoints
		err       error
	}{
		{name: "below minimum", points: 5000, requested: 999, err: ErrBelowMinimum},
		{name: "insufficient points", points: 1500, requested: 2000, err: ErrInsufficientPoints},
		{name: "zero", points: 5000, requested: 0, err: ErrInvalidAmount},
		{name: "negative", points: 5000, requested: -5, err: ErrInvalidAmount},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			seed := newAccount(test, "user-1", testCase.points, 50, 3)
			store := newStubStore(test, seed)
			service := mustNewService(test, store)
			if _, err := service.Convert(context.Background(), seed.UserID, testCase.requested); !errors.Is(err, testCase.err) {
				test.Fatalf("expected %v, got %v", testCase.err, err)
			}
			if stored := store.mustAccount(test, seed.UserID); !reflect.DeepEqual(stored, seed) {
				test.Fatalf("rejected conversion mutated account: %+v", stored)
			}
		})
	}
}

func TestConvertAcceptsExactBoundaries(test *testing.T) {
	test.Parallel()
	seed := newAccount(test, "user-1", 1000, 0, 1)
	store := newStubStore(test, seed)
	service := mustNewService(test, store)
	account, err := service.Convert(context.Background(), seed.UserID, mustPositivePoints(test, 1000))
	if err != nil {
		test.Fatalf("convert at minimum and full balance failed: %v", err)
	}
	if account.Points != 0 || account.WalletBalance != 100 {
		test.Fatalf("unexpected account: %+v", account)
	}
	if _, err := service.Convert(context.Background(), seed.UserID, mustPositivePoints(test, 1000)); !errors.Is(err, ErrInsufficientPoints) {
		test.Fatalf("expected insufficient points on second conversion, got %v", err)
	}
}

func TestConvertConservesValue(test *testing.T) {
	test.Parallel()
	seed := newAccount(test, "user-1", 50_000, 0, 1)
	store := newStubStore(test, seed)
	service := mustNewService(test, store)
	converted := int64(0)
	for _, requested := range []int64{1000, 1005, 2500, 1999, 7777} {
		before := store.mustAccount(test, seed.UserID)
		estimate, err := service.EstimateConversion(mustPositivePoints(test, requested))
		if err != nil {
			test.Fatalf("estimate: %v", err)
		}
		after, err := service.Convert(context.Background(), seed.UserID, mustPositivePoints(test, requested))
		if err != nil {
			test.Fatalf("convert %d: %v", requested, err)
		}
		if before.Points-after.Points != Points(requested) {
			test.Fatalf("expected points to drop by %d, dropped by %d", requested, before.Points-after.Points)
		}
		if after.WalletBalance-before.WalletBalance != estimate {
			test.Fatalf("expected balance to rise by estimate %d, rose by %d", estimate, after.WalletBalance-before.WalletBalance)
		}
		converted += requested
	}
	final := store.mustAccount(test, seed.UserID)
	if final.Points.Int64() != seed.Points.Int64()-converted {
		test.Fatalf("points not conserved: %d", final.Points)
	}
}

func TestConvertRetriesConcurrentUpdate(test *testing.T) {
	test.Parallel()
	seed := newAccount(test, "user-1", 3000, 0, 1)
	store := newStubStore(test, seed)
	store.beforeUpdateCallback = func(store *stubStore) {
		concurrent := store.accounts[seed.UserID.String()]
		concurrent.Points -= 1500
		concurrent.Version++
		store.accounts[seed.UserID.String()] = concurrent
	}
	service := mustNewService(test, store)
	account, err := service.Convert(context.Background(), seed.UserID, mustPositivePoints(test, 1500))
	if err != nil {
		test.Fatalf("convert after retry failed: %v", err)
	}
	if account.Points != 0 || account.WalletBalance != 150 {
		test.Fatalf("unexpected account after retry: %+v", account)
	}
	if store.updateAccountCalls != 2 {
		test.Fatalf("expected two update attempts, got %d", store.updateAccountCalls)
	}
}

func TestConvertRecheckRejectsWhenConcurrentWriterDrainsPoints(test *testing.T) {
	test.Parallel()
	seed := newAccount(test, "user-1", 2000, 0, 1)
	store := newStubStore(test, seed)
	store.beforeUpdateCallback = func(store *stubStore) {
		concurrent := store.accounts[seed.UserID.String()]
		concurrent.Points = 500
		concurrent.Version++
		store.accounts[seed.UserID.String()] = concurrent
	}
	service := mustNewService(test, store)
	if _, err := service.Convert(context.Background(), seed.UserID, mustPositivePoints(test, 2000)); !errors.Is(err, ErrInsufficientPoints) {
		test.Fatalf("expected insufficient points on fresh snapshot, got %v", err)
	}
	if stored := store.mustAccount(test, seed.UserID); stored.Points != 500 || stored.WalletBalance != 0 {
		test.Fatalf("unexpected account: %+v", stored)
	}
}

func TestConvertPersistentConflictIsRetryableStorageFailure(test *testing.T) {
	test.Parallel()
	seed := newAccount(test, "user-1", 3000, 0, 1)
	store := newStubStore(test, seed)
	store.forcedConflicts = DefaultConflictRetries
	service := mustNewService(test, store)
	_, err := service.Convert(context.Background(), seed.UserID, mustPositivePoints(test, 1000))
	if !errors.Is(err, ErrStorageFailure) || !IsRetryable(err) {
		test.Fatalf("expected retryable storage failure, got %v", err)
	}
	if stored := store.mustAccount(test, seed.UserID); !reflect.DeepEqual(stored, seed) {
		test.Fatalf("failed conversion mutated account: %+v", stored)
	}
}

func TestConvertStorageErrors(test *testing.T) {
	test.Parallel()
	seed := newAccount(test, "user-1", 3000, 0, 1)
	store := newStubStore(test, seed)
	store.updateAccountError = errors.New("disk full")
	service := mustNewService(test, store)
	if _, err := service.Convert(context.Background(), seed.UserID, mustPositivePoints(test, 1000)); !errors.Is(err, ErrStorageFailure) {
		test.Fatalf("expected storage failure, got %v", err)
	}
	unknown := mustUserID(test, "missing")
	store.updateAccountError = nil
	if _, err := service.Convert(context.Background(), unknown, mustPositivePoints(test, 1000)); !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("expected account not found, got %v", err)
	}
}
