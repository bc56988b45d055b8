package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintProfilePrimary    = "profiles_pkey"
	constraintRewardTransaction = "uniq_reward_history_transaction"
	pgUniqueViolationCode       = "23505"
	errorOperationStore         = "store"
	errorSubjectProfile         = "profile"
	errorSubjectReward          = "reward"
	errorSubjectWithdrawal      = "withdrawal"
	errorSubjectTransaction     = "transaction"
	errorSubjectSchema          = "schema"
	errorCodeBegin              = "begin"
	errorCodeCommit             = "commit"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeMigrate            = "migrate"
	errorCodeUpdate             = "update"
	errorCodeUpdateStatus       = "update_status"

	sqlSchema = `
		create table if not exists profiles (
			user_id text primary key,
			points bigint not null default 0,
			wallet_balance_cents bigint not null default 0,
			level bigint not null default 1,
			exp bigint not null default 0,
			yape_number text not null default '',
			plin_number text not null default '',
			version bigint not null default 1,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now(),
			constraint profiles_points_non_negative check (points >= 0),
			constraint profiles_wallet_non_negative check (wallet_balance_cents >= 0)
		);
		create table if not exists reward_history (
			reward_id text primary key,
			user_id text not null,
			points bigint not null,
			provider text not null,
			transaction_id text not null,
			status text not null,
			metadata jsonb not null default '{}'::jsonb,
			created_at timestamptz not null default now()
		);
		create unique index if not exists uniq_reward_history_transaction on reward_history(transaction_id);
		create index if not exists idx_reward_history_user_created on reward_history(user_id, created_at);
		create table if not exists withdrawals (
			withdrawal_id text primary key,
			user_id text not null,
			amount_cents bigint not null,
			payout_method text not null,
			payout_handle text not null,
			status text not null,
			failure_code text not null default '',
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create index if not exists idx_withdrawals_user_created on withdrawals(user_id, created_at);
		create index if not exists idx_withdrawals_status_updated on withdrawals(status, updated_at);
	`

	sqlInsertProfile = `
		insert into profiles(user_id, points, wallet_balance_cents, level, exp, yape_number, plin_number, version, created_at, updated_at)
		values($1, $2, $3, $4, $5, $6, $7, 1, to_timestamp($8), to_timestamp($8))
	`

	sqlSelectProfile = `
		select user_id, points, wallet_balance_cents, level, exp, yape_number, plin_number, version,
			extract(epoch from updated_at)::bigint
		from profiles
		where user_id = $1
	`

	sqlUpdateProfile = `
		update profiles set
			points = points + $3,
			wallet_balance_cents = wallet_balance_cents + $4,
			level = case when $5 then $6 else level end,
			exp = case when $5 then $7 else exp end,
			yape_number = case when $8 then $9 else yape_number end,
			plin_number = case when $8 then $10 else plin_number end,
			version = version + 1,
			updated_at = to_timestamp($11)
		where user_id = $1 and version = $2
			and points + $3 >= 0 and wallet_balance_cents + $4 >= 0
		returning user_id, points, wallet_balance_cents, level, exp, yape_number, plin_number, version,
			extract(epoch from updated_at)::bigint
	`

	sqlProfileExists = `select exists(select 1 from profiles where user_id = $1)`

	sqlInsertReward = `
		insert into reward_history(reward_id, user_id, points, provider, transaction_id, status, metadata, created_at)
		values($1, $2, $3, $4, $5, $6, coalesce(nullif($7,''),'{}')::jsonb, to_timestamp($8))
	`

	sqlListRewardsBefore = `
		select reward_id, user_id, points, provider, transaction_id, status,
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from reward_history
		where user_id = $1 and ($2::bigint = 0 or created_at < to_timestamp($2::bigint))
		order by created_at desc, reward_id desc
		limit $3
	`

	sqlInsertWithdrawal = `
		insert into withdrawals(withdrawal_id, user_id, amount_cents, payout_method, payout_handle, status, failure_code, created_at, updated_at)
		values($1, $2, $3, $4, $5, $6, $7, to_timestamp($8), to_timestamp($9))
	`

	sqlUpdateWithdrawalStatus = `
		update withdrawals
		set status = $3, failure_code = $4, updated_at = to_timestamp($5)
		where withdrawal_id = $1 and status = $2
	`

	sqlWithdrawalColumns = `
		select withdrawal_id, user_id, amount_cents, payout_method, payout_handle, status, failure_code,
			extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
		from withdrawals
	`

	sqlListWithdrawalsBefore = sqlWithdrawalColumns + `
		where user_id = $1 and ($2::bigint = 0 or created_at < to_timestamp($2::bigint))
		order by created_at desc, withdrawal_id desc
		limit $3
	`

	sqlListStaleWithdrawals = sqlWithdrawalColumns + `
		where status = 'processing' and updated_at < to_timestamp($1)
		order by updated_at asc
		limit $2
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	Store
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// EnsureSchema creates the tables and indexes when missing.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{Store: Store{pool: store.pool, db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx runs fn inside the already open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	yape, plin := payoutHandles(account.PayoutIdentifiers)
	_, err := store.db.Exec(ctx, sqlInsertProfile,
		account.UserID.String(),
		account.Points.Int64(),
		account.WalletBalance.Int64(),
		account.Level.Int(),
		account.Exp,
		yape,
		plin,
		account.UpdatedUnixUTC,
	)
	if isUniqueViolation(err, constraintProfilePrimary) {
		return wrapStoreError(errorSubjectProfile, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectProfile, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	account, err := scanProfile(store.db.QueryRow(ctx, sqlSelectProfile, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) UpdateAccount(ctx context.Context, update ledger.AccountUpdate) (ledger.Account, error) {
	var (
		level int
		exp   int64
	)
	if update.Progress != nil {
		level = update.Progress.Level.Int()
		exp = update.Progress.Exp
	}
	var yape, plin string
	if update.PayoutIdentifiers != nil {
		yape, plin = payoutHandles(*update.PayoutIdentifiers)
	}
	account, err := scanProfile(store.db.QueryRow(ctx, sqlUpdateProfile,
		update.UserID.String(),
		update.ExpectedVersion,
		update.PointsDelta,
		update.BalanceDelta,
		update.Progress != nil,
		level,
		exp,
		update.PayoutIdentifiers != nil,
		yape,
		plin,
		update.UpdatedUnixUTC,
	))
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeUpdate, err)
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlProfileExists, update.UserID.String()).Scan(&exists); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeUpdate, err)
	}
	if !exists {
		return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeUpdate, ledger.ErrConcurrentUpdate)
}

func (store *Store) InsertReward(ctx context.Context, reward ledger.RewardRecord) error {
	_, err := store.db.Exec(ctx, sqlInsertReward,
		reward.RewardID,
		reward.UserID.String(),
		reward.Points.Int64(),
		reward.Provider,
		reward.TransactionID.String(),
		reward.Status.String(),
		reward.Metadata.String(),
		reward.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintRewardTransaction) {
		return wrapStoreError(errorSubjectReward, errorCodeDuplicate, ledger.ErrDuplicateReward)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReward, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListRewards(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.RewardRecord, error) {
	rows, err := store.db.Query(ctx, sqlListRewardsBefore, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReward, errorCodeList, err)
	}
	defer rows.Close()
	rewards, err := scanRewards(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReward, errorCodeInvalid, err)
	}
	return rewards, nil
}

func (store *Store) CreateWithdrawal(ctx context.Context, withdrawal ledger.Withdrawal) error {
	_, err := store.db.Exec(ctx, sqlInsertWithdrawal,
		withdrawal.WithdrawalID,
		withdrawal.UserID.String(),
		withdrawal.Amount.Int64(),
		withdrawal.Destination.Method().String(),
		withdrawal.Destination.Handle(),
		withdrawal.Status.String(),
		withdrawal.FailureCode,
		withdrawal.CreatedUnixUTC,
		withdrawal.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateWithdrawalStatus(ctx context.Context, withdrawalID string, from, to ledger.WithdrawalStatus, failureCode string, updatedUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWithdrawalStatus, withdrawalID, from.String(), to.String(), failureCode, updatedUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, ledger.ErrWithdrawalClosed)
	}
	return nil
}

func (store *Store) ListWithdrawals(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Withdrawal, error) {
	rows, err := store.db.Query(ctx, sqlListWithdrawalsBefore, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeList, err)
	}
	defer rows.Close()
	withdrawals, err := scanWithdrawals(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	return withdrawals, nil
}

func (store *Store) ListStaleWithdrawals(ctx context.Context, updatedBeforeUnixUTC int64, limit int) ([]ledger.Withdrawal, error) {
	rows, err := store.db.Query(ctx, sqlListStaleWithdrawals, updatedBeforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeList, err)
	}
	defer rows.Close()
	withdrawals, err := scanWithdrawals(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	return withdrawals, nil
}

func scanProfile(row pgx.Row) (ledger.Account, error) {
	var (
		userIDValue    string
		pointsValue    int64
		balanceValue   int64
		levelValue     int
		expValue       int64
		yapeValue      string
		plinValue      string
		versionValue   int64
		updatedUnixUTC int64
	)
	if err := row.Scan(&userIDValue, &pointsValue, &balanceValue, &levelValue, &expValue, &yapeValue, &plinValue, &versionValue, &updatedUnixUTC); err != nil {
		return ledger.Account{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Account{}, err
	}
	points, err := ledger.NewPoints(pointsValue)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewAmountCents(balanceValue)
	if err != nil {
		return ledger.Account{}, err
	}
	level, err := ledger.NewLevel(levelValue)
	if err != nil {
		return ledger.Account{}, err
	}
	identifiers, err := ledger.BuildPayoutIdentifiers(yapeValue, plinValue)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		UserID:            userID,
		Points:            points,
		WalletBalance:     balance,
		Level:             level,
		Exp:               expValue,
		PayoutIdentifiers: identifiers,
		Version:           versionValue,
		UpdatedUnixUTC:    updatedUnixUTC,
	}, nil
}

func scanRewards(rows pgx.Rows) ([]ledger.RewardRecord, error) {
	rewards := make([]ledger.RewardRecord, 0, 32)
	for rows.Next() {
		var (
			rewardIDValue    string
			userIDValue      string
			pointsValue      int64
			providerValue    string
			transactionValue string
			statusValue      string
			metadataValue    string
			createdUnixUTC   int64
		)
		if err := rows.Scan(&rewardIDValue, &userIDValue, &pointsValue, &providerValue, &transactionValue, &statusValue, &metadataValue, &createdUnixUTC); err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		points, err := ledger.NewPositivePoints(pointsValue)
		if err != nil {
			return nil, err
		}
		transactionID, err := ledger.NewIdempotencyKey(transactionValue)
		if err != nil {
			return nil, err
		}
		status, err := ledger.ParseRewardStatus(statusValue)
		if err != nil {
			return nil, err
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		rewards = append(rewards, ledger.RewardRecord{
			RewardID:       rewardIDValue,
			UserID:         userID,
			Points:         points,
			Provider:       providerValue,
			TransactionID:  transactionID,
			Status:         status,
			Metadata:       metadata,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	return rewards, rows.Err()
}

func scanWithdrawals(rows pgx.Rows) ([]ledger.Withdrawal, error) {
	withdrawals := make([]ledger.Withdrawal, 0, 16)
	for rows.Next() {
		var (
			withdrawalIDValue string
			userIDValue       string
			amountValue       int64
			methodValue       string
			handleValue       string
			statusValue       string
			failureCodeValue  string
			createdUnixUTC    int64
			updatedUnixUTC    int64
		)
		if err := rows.Scan(&withdrawalIDValue, &userIDValue, &amountValue, &methodValue, &handleValue, &statusValue, &failureCodeValue, &createdUnixUTC, &updatedUnixUTC); err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		amount, err := ledger.NewAmountCents(amountValue)
		if err != nil {
			return nil, err
		}
		destination, err := ledger.NewPayoutIdentifier(ledger.PayoutMethod(methodValue), handleValue)
		if err != nil {
			return nil, err
		}
		status, err := ledger.ParseWithdrawalStatus(statusValue)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, ledger.Withdrawal{
			WithdrawalID:   withdrawalIDValue,
			UserID:         userID,
			Amount:         amount,
			Destination:    destination,
			Status:         status,
			FailureCode:    failureCodeValue,
			CreatedUnixUTC: createdUnixUTC,
			UpdatedUnixUTC: updatedUnixUTC,
		})
	}
	return withdrawals, rows.Err()
}

func payoutHandles(identifiers []ledger.PayoutIdentifier) (string, string) {
	var yape, plin string
	for _, identifier := range identifiers {
		switch identifier.Method() {
		case ledger.PayoutMethodYape:
			yape = identifier.Handle()
		case ledger.PayoutMethodPlin:
			plin = identifier.Handle()
		}
	}
	return yape, plin
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
