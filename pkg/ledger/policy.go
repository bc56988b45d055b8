package ledger

import (
	"fmt"
	"math"
	"time"
)

// Policy holds the fixed thresholds and rates the ledger enforces.
type Policy struct {
	// ConversionRate is points per currency unit.
	ConversionRate       int64
	MinConversionPoints  int64
	MinWithdrawalLevel   Level
	MinWithdrawalAmount  AmountCents
	PayoutTimeout        time.Duration
	StaleWithdrawalAfter time.Duration
	ConflictRetries      int
}

// EligibilityReason explains a negative withdrawal eligibility decision.
type EligibilityReason string

const (
	EligibilityOK                     EligibilityReason = "ok"
	EligibilityLevelTooLow            EligibilityReason = "level_too_low"
	EligibilityBelowWithdrawalMinimum EligibilityReason = "below_withdrawal_minimum"
)

// Eligibility is the withdrawal gate evaluated against one snapshot.
type Eligibility struct {
	Allowed       bool
	Reason        EligibilityReason
	RequiredLevel Level
	MinimumAmount AmountCents
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		ConversionRate:       DefaultConversionRate,
		MinConversionPoints:  DefaultMinConversionPoints,
		MinWithdrawalLevel:   DefaultMinWithdrawalLevel,
		MinWithdrawalAmount:  DefaultMinWithdrawalAmount,
		PayoutTimeout:        DefaultPayoutTimeout,
		StaleWithdrawalAfter: DefaultStaleWithdrawalAfter,
		ConflictRetries:      DefaultConflictRetries,
	}
}

// Validate rejects policies that would break conversion or gating math.
func (policy Policy) Validate() error {
	if policy.ConversionRate <= 0 {
		return fmt.Errorf("%w: conversion rate must be positive", ErrInvalidServiceConfig)
	}
	if policy.MinConversionPoints <= 0 {
		return fmt.Errorf("%w: minimum conversion must be positive", ErrInvalidServiceConfig)
	}
	if policy.MinWithdrawalLevel < initialLevel {
		return fmt.Errorf("%w: minimum withdrawal level must be at least %d", ErrInvalidServiceConfig, initialLevel)
	}
	if policy.MinWithdrawalAmount <= 0 {
		return fmt.Errorf("%w: minimum withdrawal amount must be positive", ErrInvalidServiceConfig)
	}
	if policy.PayoutTimeout <= 0 {
		return fmt.Errorf("%w: payout timeout must be positive", ErrInvalidServiceConfig)
	}
	if policy.StaleWithdrawalAfter <= policy.PayoutTimeout {
		return fmt.Errorf("%w: stale withdrawal window must exceed payout timeout", ErrInvalidServiceConfig)
	}
	if policy.ConflictRetries <= 0 {
		return fmt.Errorf("%w: conflict retries must be positive", ErrInvalidServiceConfig)
	}
	return nil
}

// ConversionCredit returns the wallet credit for converting points,
// rounded half-up to cents. Previews and settlement both use it.
func (policy Policy) ConversionCredit(points PositivePoints) (AmountCents, error) {
	if points <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if points.Int64() > math.MaxInt64/(2*centsPerUnit) {
		return 0, fmt.Errorf("%w: amount too large", ErrInvalidAmount)
	}
	numerator := points.Int64()*2*centsPerUnit + policy.ConversionRate
	return AmountCents(numerator / (2 * policy.ConversionRate)), nil
}

// Eligibility evaluates the withdrawal gate for an account snapshot.
func (policy Policy) Eligibility(account Account) Eligibility {
	eligibility := Eligibility{
		Allowed:       true,
		Reason:        EligibilityOK,
		RequiredLevel: policy.MinWithdrawalLevel,
		MinimumAmount: policy.MinWithdrawalAmount,
	}
	switch {
	case account.Level < policy.MinWithdrawalLevel:
		eligibility.Allowed = false
		eligibility.Reason = EligibilityLevelTooLow
	case account.WalletBalance < policy.MinWithdrawalAmount:
		eligibility.Allowed = false
		eligibility.Reason = EligibilityBelowWithdrawalMinimum
	}
	return eligibility
}

// CanWithdraw reports whether both withdrawal thresholds are met.
func (policy Policy) CanWithdraw(account Account) bool {
	return policy.Eligibility(account).Allowed
}

// Err converts a negative decision into its sentinel error.
func (eligibility Eligibility) Err() error {
	switch eligibility.Reason {
	case EligibilityLevelTooLow:
		return fmt.Errorf("%w: level %d required", ErrLevelTooLow, eligibility.RequiredLevel)
	case EligibilityBelowWithdrawalMinimum:
		return fmt.Errorf("%w: at least %s required", ErrBelowWithdrawalMinimum, eligibility.MinimumAmount)
	default:
		return nil
	}
}

// progressAfterChallenge adds challenge experience, raising the level for every full expPerLevel.
func progressAfterChallenge(level Level, exp int64) Progress {
	total := exp + challengeExpReward
	return Progress{
		Level: level + Level(total/expPerLevel),
		Exp:   total % expPerLevel,
	}
}
