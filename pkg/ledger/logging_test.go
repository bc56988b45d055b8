package ledger

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

type recorderObserver struct {
	accounts []Account
}

func (observer *recorderObserver) AccountChanged(_ context.Context, account Account) {
	observer.accounts = append(observer.accounts, account)
}

func TestServiceLogsConvertOperation(test *testing.T) {
	test.Parallel()
	seed := newAccount(test, "user-1", 5000, 0, 1)
	logger := &recorderLogger{}
	observer := &recorderObserver{}
	service := mustNewService(test, newStubStore(test, seed), WithOperationLogger(logger), WithAccountObserver(observer))
	if _, err := service.Convert(context.Background(), seed.UserID, mustPositivePoints(test, 2000)); err != nil {
		test.Fatalf("convert failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationConvert || entry.UserID != seed.UserID || entry.Points != 2000 || entry.Amount != 200 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
	if len(observer.accounts) != 1 || observer.accounts[0].Points != 3000 {
		test.Fatalf("expected observer notification, got %+v", observer.accounts)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	seed := newAccount(test, "user-1", 5000, 0, 1)
	store := newStubStore(test, seed)
	store.updateAccountError = errors.New("boom")
	logger := &recorderLogger{}
	observer := &recorderObserver{}
	service := mustNewService(test, store, WithOperationLogger(logger), WithAccountObserver(observer))
	if _, err := service.Convert(context.Background(), seed.UserID, mustPositivePoints(test, 2000)); err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
	if len(observer.accounts) != 0 {
		test.Fatalf("failed operation must not notify observers")
	}
}

func TestOperationLoggersFanOut(test *testing.T) {
	test.Parallel()
	first := &recorderLogger{}
	second := &recorderLogger{}
	loggers := OperationLoggers{first, nil, second}
	loggers.LogOperation(context.Background(), OperationLog{Operation: operationCredit})
	if len(first.entries) != 1 || len(second.entries) != 1 {
		test.Fatalf("expected both loggers to receive the entry")
	}
}

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil clock, got %v", err)
	}
	policy := DefaultPolicy()
	policy.ConversionRate = 0
	if _, err := NewService(newStubStore(test), func() int64 { return 0 }, WithPolicy(policy)); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid policy rejection, got %v", err)
	}
}
