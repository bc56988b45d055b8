package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// UserID identifies an account owner.
type UserID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for externally sourced credits.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// Points counts non-monetary reward currency.
type Points int64

// PositivePoints is a strictly positive points amount.
type PositivePoints int64

// AmountCents is wallet currency expressed in hundredths of a unit.
type AmountCents int64

// Level gates withdrawal eligibility.
type Level int

// PayoutMethod names a payout rail slot.
type PayoutMethod string

const (
	PayoutMethodYape PayoutMethod = "yape"
	PayoutMethodPlin PayoutMethod = "plin"
)

// payoutMethodPreference orders slots when the caller does not pick one.
var payoutMethodPreference = []PayoutMethod{PayoutMethodYape, PayoutMethodPlin}

// PayoutIdentifier is a linked external payment handle.
type PayoutIdentifier struct {
	method PayoutMethod
	handle string
}

// Account is a snapshot of a user's balances.
type Account struct {
	UserID            UserID
	Points            Points
	WalletBalance     AmountCents
	Level             Level
	Exp               int64
	PayoutIdentifiers []PayoutIdentifier
	Version           int64
	UpdatedUnixUTC    int64
}

// Progress holds absolute level and experience values.
type Progress struct {
	Level Level
	Exp   int64
}

// AccountUpdate is a conditional write against one account.
// Stores apply it only when the stored version equals ExpectedVersion and
// neither points nor wallet balance would become negative.
type AccountUpdate struct {
	UserID            UserID
	ExpectedVersion   int64
	PointsDelta       int64
	BalanceDelta      int64
	Progress          *Progress
	PayoutIdentifiers *[]PayoutIdentifier
	UpdatedUnixUTC    int64
}

// RewardStatus describes a reward history record.
type RewardStatus string

const (
	RewardStatusCompleted RewardStatus = "completed"
	RewardStatusPending   RewardStatus = "pending"
)

// RewardRecord is one append-only reward history line.
type RewardRecord struct {
	RewardID       string
	UserID         UserID
	Points         PositivePoints
	Provider       string
	TransactionID  IdempotencyKey
	Status         RewardStatus
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// RewardCredit requests an out-of-band points credit.
type RewardCredit struct {
	UserID        UserID
	Points        PositivePoints
	Provider      string
	TransactionID IdempotencyKey
	Metadata      MetadataJSON
}

// WithdrawalStatus defines the persisted withdrawal lifecycle.
type WithdrawalStatus string

const (
	WithdrawalStatusProcessing WithdrawalStatus = "processing"
	WithdrawalStatusSucceeded  WithdrawalStatus = "succeeded"
	WithdrawalStatusFailed     WithdrawalStatus = "failed"
)

// Withdrawal is the durable record of a request that reached processing.
type Withdrawal struct {
	WithdrawalID   string
	UserID         UserID
	Amount         AmountCents
	Destination    PayoutIdentifier
	Status         WithdrawalStatus
	FailureCode    string
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	UpdateAccount(ctx context.Context, update AccountUpdate) (Account, error)
	InsertReward(ctx context.Context, reward RewardRecord) error
	ListRewards(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]RewardRecord, error)
	CreateWithdrawal(ctx context.Context, withdrawal Withdrawal) error
	UpdateWithdrawalStatus(ctx context.Context, withdrawalID string, from, to WithdrawalStatus, failureCode string, updatedUnixUTC int64) error
	ListWithdrawals(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Withdrawal, error)
	ListStaleWithdrawals(ctx context.Context, updatedBeforeUnixUTC int64, limit int) ([]Withdrawal, error)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialized.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewPoints validates a non-negative points balance.
func NewPoints(raw int64) (Points, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: points must not be negative", ErrInvalidBalance)
	}
	return Points(raw), nil
}

// Int64 returns the raw value.
func (points Points) Int64() int64 {
	return int64(points)
}

// NewPositivePoints validates a strictly positive points amount.
func NewPositivePoints(raw int64) (PositivePoints, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositivePoints(raw), nil
}

// ParseConversionPoints parses user input for a conversion request.
// Non-numeric, non-integer, zero and negative inputs are rejected.
func ParseConversionPoints(raw string) (PositivePoints, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, trimmed)
	}
	return NewPositivePoints(parsed)
}

// Int64 returns the raw value.
func (points PositivePoints) Int64() int64 {
	return int64(points)
}

// ToPoints converts into a balance value.
func (points PositivePoints) ToPoints() Points {
	return Points(points)
}

// NewAmountCents validates a non-negative currency amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// String formats the amount with two decimals.
func (amount AmountCents) String() string {
	sign := ""
	value := amount.Int64()
	if value < 0 {
		sign = "-"
		value = -value
	}
	return fmt.Sprintf("%s%d.%02d", sign, value/centsPerUnit, value%centsPerUnit)
}

// NewLevel validates a level (levels start at 1).
func NewLevel(raw int) (Level, error) {
	if raw < int(initialLevel) {
		return 0, fmt.Errorf("%w: must be at least %d", ErrInvalidLevel, initialLevel)
	}
	return Level(raw), nil
}

// Int returns the raw value.
func (level Level) Int() int {
	return int(level)
}

// ParsePayoutMethod validates a payout method name.
func ParsePayoutMethod(raw string) (PayoutMethod, error) {
	method := PayoutMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch method {
	case PayoutMethodYape, PayoutMethodPlin:
		return method, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPayoutMethod, raw)
	}
}

// String returns the method name.
func (method PayoutMethod) String() string {
	return string(method)
}

// NewPayoutIdentifier validates a method and a digits-only handle.
func NewPayoutIdentifier(method PayoutMethod, handle string) (PayoutIdentifier, error) {
	validMethod, err := ParsePayoutMethod(method.String())
	if err != nil {
		return PayoutIdentifier{}, err
	}
	normalized := strings.ReplaceAll(strings.TrimSpace(handle), " ", "")
	if normalized == "" || len(normalized) > maxPayoutHandleLen {
		return PayoutIdentifier{}, fmt.Errorf("%w: handle length", ErrInvalidPayoutIdentifier)
	}
	for _, character := range normalized {
		if character < '0' || character > '9' {
			return PayoutIdentifier{}, fmt.Errorf("%w: handle must be digits", ErrInvalidPayoutIdentifier)
		}
	}
	return PayoutIdentifier{method: validMethod, handle: normalized}, nil
}

// ParsePayoutIdentifier parses the "method:handle" form.
func ParsePayoutIdentifier(raw string) (PayoutIdentifier, error) {
	method, handle, found := strings.Cut(strings.TrimSpace(raw), idempotencyKeyDelimiter)
	if !found {
		return PayoutIdentifier{}, fmt.Errorf("%w: expected method:handle", ErrInvalidPayoutIdentifier)
	}
	return NewPayoutIdentifier(PayoutMethod(method), handle)
}

// BuildPayoutIdentifiers assembles the named slots, skipping empty handles.
func BuildPayoutIdentifiers(yapeHandle string, plinHandle string) ([]PayoutIdentifier, error) {
	identifiers := make([]PayoutIdentifier, 0, len(payoutMethodPreference))
	for _, slot := range []struct {
		method PayoutMethod
		handle string
	}{
		{method: PayoutMethodYape, handle: yapeHandle},
		{method: PayoutMethodPlin, handle: plinHandle},
	} {
		if strings.TrimSpace(slot.handle) == "" {
			continue
		}
		identifier, err := NewPayoutIdentifier(slot.method, slot.handle)
		if err != nil {
			return nil, err
		}
		identifiers = append(identifiers, identifier)
	}
	return identifiers, nil
}

// Method returns the payout rail.
func (identifier PayoutIdentifier) Method() PayoutMethod {
	return identifier.method
}

// Handle returns the linked handle.
func (identifier PayoutIdentifier) Handle() string {
	return identifier.handle
}

// IsZero reports whether the identifier was never initialized.
func (identifier PayoutIdentifier) IsZero() bool {
	return identifier.method == "" && identifier.handle == ""
}

// String returns the "method:handle" form.
func (identifier PayoutIdentifier) String() string {
	if identifier.IsZero() {
		return ""
	}
	return identifier.method.String() + idempotencyKeyDelimiter + identifier.handle
}

// Validate rejects negative balances and malformed payout handles.
func (account Account) Validate() error {
	if account.UserID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if account.Points < 0 {
		return fmt.Errorf("%w: negative points", ErrInvalidBalance)
	}
	if account.WalletBalance < 0 {
		return fmt.Errorf("%w: negative wallet balance", ErrInvalidBalance)
	}
	if account.Level < initialLevel {
		return fmt.Errorf("%w: must be at least %d", ErrInvalidLevel, initialLevel)
	}
	if account.Exp < 0 {
		return fmt.Errorf("%w: negative exp", ErrInvalidBalance)
	}
	seen := make(map[PayoutMethod]struct{}, len(account.PayoutIdentifiers))
	for _, identifier := range account.PayoutIdentifiers {
		if identifier.IsZero() {
			return fmt.Errorf("%w: empty identifier", ErrInvalidPayoutIdentifier)
		}
		if _, duplicate := seen[identifier.Method()]; duplicate {
			return fmt.Errorf("%w: duplicate %s slot", ErrInvalidPayoutIdentifier, identifier.Method())
		}
		seen[identifier.Method()] = struct{}{}
	}
	return nil
}

// HasPayoutIdentifier reports whether at least one payout handle is linked.
func (account Account) HasPayoutIdentifier() bool {
	return len(account.PayoutIdentifiers) > 0
}

// PayoutIdentifier returns the identifier linked for a method.
func (account Account) PayoutIdentifier(method PayoutMethod) (PayoutIdentifier, bool) {
	for _, identifier := range account.PayoutIdentifiers {
		if identifier.Method() == method {
			return identifier, true
		}
	}
	return PayoutIdentifier{}, false
}

// PreferredPayoutIdentifier returns yape when linked, then plin.
func (account Account) PreferredPayoutIdentifier() (PayoutIdentifier, bool) {
	for _, method := range payoutMethodPreference {
		if identifier, ok := account.PayoutIdentifier(method); ok {
			return identifier, true
		}
	}
	return PayoutIdentifier{}, false
}

// ParseWithdrawalStatus validates a stored withdrawal status.
func ParseWithdrawalStatus(raw string) (WithdrawalStatus, error) {
	status := WithdrawalStatus(strings.TrimSpace(raw))
	switch status {
	case WithdrawalStatusProcessing, WithdrawalStatusSucceeded, WithdrawalStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidWithdrawalStatus, raw)
	}
}

// String returns the status name.
func (status WithdrawalStatus) String() string {
	return string(status)
}

// ParseRewardStatus validates a stored reward status.
func ParseRewardStatus(raw string) (RewardStatus, error) {
	status := RewardStatus(strings.TrimSpace(raw))
	switch status {
	case RewardStatusCompleted, RewardStatusPending:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRewardStatus, raw)
	}
}

// String returns the status name.
func (status RewardStatus) String() string {
	return string(status)
}
