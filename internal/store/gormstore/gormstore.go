package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	sqliteConstraintCode       = 19
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
	sqliteUniqueMessage        = "UNIQUE constraint failed"
	errorOperationStore        = "store"
	errorSubjectProfile        = "profile"
	errorSubjectReward         = "reward"
	errorSubjectWithdrawal     = "withdrawal"
	errorCodeCreate            = "create"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeUpdate            = "update"
	errorCodeUpdateStatus      = "update_status"
	columnPoints               = "points"
	columnWalletBalance        = "wallet_balance_cents"
	columnVersion              = "version"
	columnLevel                = "level"
	columnExp                  = "exp"
	columnYapeNumber           = "yape_number"
	columnPlinNumber           = "plin_number"
	columnUpdatedAt            = "updated_at"
	columnStatus               = "status"
	columnFailureCode          = "failure_code"
)

// uniqueKey names a unique constraint the way each driver reports it:
// Postgres by constraint name, SQLite by table.column in the message.
type uniqueKey struct {
	constraint string
	column     string
}

var (
	profilePrimaryKey    = uniqueKey{constraint: "profiles_pkey", column: "profiles.user_id"}
	rewardTransactionKey = uniqueKey{constraint: "uniq_reward_history_transaction", column: "reward_history.transaction_id"}
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the tables used by the store.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	yape, plin := payoutHandles(account.PayoutIdentifiers)
	updatedAt := unixOrNow(account.UpdatedUnixUTC)
	model := Profile{
		UserID:             account.UserID.String(),
		Points:             account.Points.Int64(),
		WalletBalanceCents: account.WalletBalance.Int64(),
		Level:              account.Level.Int(),
		Exp:                account.Exp,
		YapeNumber:         yape,
		PlinNumber:         plin,
		Version:            1,
		CreatedAt:          updatedAt,
		UpdatedAt:          updatedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, profilePrimaryKey) {
		return wrapStoreError(errorSubjectProfile, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectProfile, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var model Profile
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeGet, err)
	}
	account, err := mapProfile(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeInvalid, err)
	}
	return account, nil
}

// UpdateAccount applies the deltas only when the stored version matches and
// neither balance would go negative.
func (store *Store) UpdateAccount(ctx context.Context, update ledger.AccountUpdate) (ledger.Account, error) {
	assignments := map[string]any{
		columnPoints:        gorm.Expr(columnPoints+" + ?", update.PointsDelta),
		columnWalletBalance: gorm.Expr(columnWalletBalance+" + ?", update.BalanceDelta),
		columnVersion:       gorm.Expr(columnVersion + " + 1"),
		columnUpdatedAt:     unixOrNow(update.UpdatedUnixUTC),
	}
	if update.Progress != nil {
		assignments[columnLevel] = update.Progress.Level.Int()
		assignments[columnExp] = update.Progress.Exp
	}
	if update.PayoutIdentifiers != nil {
		yape, plin := payoutHandles(*update.PayoutIdentifiers)
		assignments[columnYapeNumber] = yape
		assignments[columnPlinNumber] = plin
	}
	result := store.db.WithContext(ctx).
		Model(&Profile{}).
		Where("user_id = ? AND version = ?", update.UserID.String(), update.ExpectedVersion).
		Where("points + ? >= 0 AND wallet_balance_cents + ? >= 0", update.PointsDelta, update.BalanceDelta).
		Updates(assignments)
	if result.Error != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", update.UserID.String()).Count(&count).Error; err != nil {
			return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeUpdate, err)
		}
		if count == 0 {
			return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeUpdate, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectProfile, errorCodeUpdate, ledger.ErrConcurrentUpdate)
	}
	return store.GetAccount(ctx, update.UserID)
}

func (store *Store) InsertReward(ctx context.Context, reward ledger.RewardRecord) error {
	model := RewardHistory{
		RewardID:      reward.RewardID,
		UserID:        reward.UserID.String(),
		Points:        reward.Points.Int64(),
		Provider:      reward.Provider,
		TransactionID: reward.TransactionID.String(),
		Status:        reward.Status.String(),
		Metadata:      datatypesJSON(reward.Metadata.String()),
		CreatedAt:     unixOrNow(reward.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, rewardTransactionKey) {
		return wrapStoreError(errorSubjectReward, errorCodeDuplicate, ledger.ErrDuplicateReward)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReward, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListRewards(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.RewardRecord, error) {
	var rows []RewardHistory
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), listCutoff(beforeUnixUTC)).
		Order("created_at DESC").
		Order("reward_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReward, errorCodeList, err)
	}
	rewards := make([]ledger.RewardRecord, 0, len(rows))
	for _, row := range rows {
		reward, err := mapReward(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReward, errorCodeInvalid, err)
		}
		rewards = append(rewards, reward)
	}
	return rewards, nil
}

func (store *Store) CreateWithdrawal(ctx context.Context, withdrawal ledger.Withdrawal) error {
	model := Withdrawal{
		WithdrawalID: withdrawal.WithdrawalID,
		UserID:       withdrawal.UserID.String(),
		AmountCents:  withdrawal.Amount.Int64(),
		PayoutMethod: withdrawal.Destination.Method().String(),
		PayoutHandle: withdrawal.Destination.Handle(),
		Status:       withdrawal.Status.String(),
		FailureCode:  withdrawal.FailureCode,
		CreatedAt:    unixOrNow(withdrawal.CreatedUnixUTC),
		UpdatedAt:    unixOrNow(withdrawal.UpdatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateWithdrawalStatus(ctx context.Context, withdrawalID string, from, to ledger.WithdrawalStatus, failureCode string, updatedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Withdrawal{}).
		Where("withdrawal_id = ? AND status = ?", withdrawalID, from.String()).
		Updates(map[string]any{
			columnStatus:      to.String(),
			columnFailureCode: failureCode,
			columnUpdatedAt:   unixOrNow(updatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, ledger.ErrWithdrawalClosed)
	}
	return nil
}

func (store *Store) ListWithdrawals(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Withdrawal, error) {
	var rows []Withdrawal
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), listCutoff(beforeUnixUTC)).
		Order("created_at DESC").
		Order("withdrawal_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeList, err)
	}
	return mapWithdrawals(rows)
}

func (store *Store) ListStaleWithdrawals(ctx context.Context, updatedBeforeUnixUTC int64, limit int) ([]ledger.Withdrawal, error) {
	var rows []Withdrawal
	err := store.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", ledger.WithdrawalStatusProcessing.String(), time.Unix(updatedBeforeUnixUTC, 0).UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeList, err)
	}
	return mapWithdrawals(rows)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapProfile(row Profile) (ledger.Account, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Account{}, err
	}
	points, err := ledger.NewPoints(row.Points)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewAmountCents(row.WalletBalanceCents)
	if err != nil {
		return ledger.Account{}, err
	}
	level, err := ledger.NewLevel(row.Level)
	if err != nil {
		return ledger.Account{}, err
	}
	identifiers, err := ledger.BuildPayoutIdentifiers(row.YapeNumber, row.PlinNumber)
	if err != nil {
		return ledger.Account{}, err
	}
	account := ledger.Account{
		UserID:            userID,
		Points:            points,
		WalletBalance:     balance,
		Level:             level,
		Exp:               row.Exp,
		PayoutIdentifiers: identifiers,
		Version:           row.Version,
		UpdatedUnixUTC:    row.UpdatedAt.Unix(),
	}
	if err := account.Validate(); err != nil {
		return ledger.Account{}, err
	}
	return account, nil
}

func mapReward(row RewardHistory) (ledger.RewardRecord, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.RewardRecord{}, err
	}
	points, err := ledger.NewPositivePoints(row.Points)
	if err != nil {
		return ledger.RewardRecord{}, err
	}
	transactionID, err := ledger.NewIdempotencyKey(row.TransactionID)
	if err != nil {
		return ledger.RewardRecord{}, err
	}
	status, err := ledger.ParseRewardStatus(row.Status)
	if err != nil {
		return ledger.RewardRecord{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.RewardRecord{}, err
	}
	return ledger.RewardRecord{
		RewardID:       row.RewardID,
		UserID:         userID,
		Points:         points,
		Provider:       row.Provider,
		TransactionID:  transactionID,
		Status:         status,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapWithdrawals(rows []Withdrawal) ([]ledger.Withdrawal, error) {
	withdrawals := make([]ledger.Withdrawal, 0, len(rows))
	for _, row := range rows {
		withdrawal, err := mapWithdrawal(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
		}
		withdrawals = append(withdrawals, withdrawal)
	}
	return withdrawals, nil
}

func mapWithdrawal(row Withdrawal) (ledger.Withdrawal, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	amount, err := ledger.NewAmountCents(row.AmountCents)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	destination, err := ledger.NewPayoutIdentifier(ledger.PayoutMethod(row.PayoutMethod), row.PayoutHandle)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	status, err := ledger.ParseWithdrawalStatus(row.Status)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	return ledger.Withdrawal{
		WithdrawalID:   row.WithdrawalID,
		UserID:         userID,
		Amount:         amount,
		Destination:    destination,
		Status:         status,
		FailureCode:    row.FailureCode,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
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

func unixOrNow(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func listCutoff(beforeUnixUTC int64) time.Time {
	if beforeUnixUTC == 0 {
		return time.Now().UTC().Add(time.Second)
	}
	return time.Unix(beforeUnixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, key uniqueKey) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == key.constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		message := sqliteErr.Error()
		switch sqliteErr.Code() {
		case sqliteConstraintUnique, sqliteConstraintPrimaryKey:
		case sqliteConstraintCode:
			if !strings.Contains(message, sqliteUniqueMessage) {
				return false
			}
		default:
			return false
		}
		return strings.Contains(message, key.column)
	}
	return false
}
