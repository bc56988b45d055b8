package ledger

import "time"

const (
	operationOpen       = "open"
	operationConvert    = "convert"
	operationWithdraw   = "withdraw"
	operationCredit     = "credit"
	operationChallenge  = "challenge"
	operationLinkPayout = "link_payout"
	operationExpire     = "expire_withdrawal"
	operationReconcile  = "reconcile_withdrawal"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter = ":"
	transactionPrefixProof  = "challenge"
	providerChallenge       = "challenge"

	centsPerUnit       int64 = 100
	challengeExpReward int64 = 50
	expPerLevel        int64 = 1000
	initialLevel             = Level(1)
	maxPayoutHandleLen       = 15
)

// Defaults applied by DefaultPolicy.
const (
	DefaultConversionRate       int64 = 1000
	DefaultMinConversionPoints  int64 = 1000
	DefaultMinWithdrawalLevel         = Level(10)
	DefaultMinWithdrawalAmount        = AmountCents(1000)
	DefaultPayoutTimeout              = 10 * time.Second
	DefaultStaleWithdrawalAfter       = 5 * time.Minute
	DefaultConflictRetries            = 3
)
