package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const envTestDatabaseURL = "QUESTNET_TEST_DATABASE_URL"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv(envTestDatabaseURL)
	if databaseURL == "" {
		t.Skipf("%s not set", envTestDatabaseURL)
	}
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("pool init failed: %v", err)
	}
	t.Cleanup(pool.Close)
	store := New(pool)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return store
}

func TestServiceConvertAndCreditOverPostgres(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID, _ := ledger.NewUserID("pg-" + uuid.NewString())
	service, err := ledger.NewService(store, func() int64 { return 1_700_000_000 })
	if err != nil {
		t.Fatalf("service init: %v", err)
	}
	if _, err := service.OpenAccount(ctx, userID); err != nil {
		t.Fatalf("open account: %v", err)
	}
	transactionID, _ := ledger.NewIdempotencyKey("pg-" + uuid.NewString())
	credit := ledger.RewardCredit{UserID: userID, Points: 5000, Provider: "CPX Research", TransactionID: transactionID}
	if _, err := service.CreditReward(ctx, credit); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := service.CreditReward(ctx, credit); !errors.Is(err, ledger.ErrDuplicateReward) {
		t.Fatalf("expected duplicate reward, got %v", err)
	}
	account, err := service.Convert(ctx, userID, 2000)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if account.Points != 3000 || account.WalletBalance != 200 {
		t.Fatalf("unexpected account: %+v", account)
	}
	if _, err := store.UpdateAccount(ctx, ledger.AccountUpdate{UserID: userID, ExpectedVersion: account.Version - 1}); !errors.Is(err, ledger.ErrConcurrentUpdate) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}
}
