package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Profile represents the profiles table.
type Profile struct {
	UserID             string    `gorm:"primaryKey"`
	Points             int64     `gorm:"not null;default:0"`
	WalletBalanceCents int64     `gorm:"not null;default:0"`
	Level              int       `gorm:"not null;default:1"`
	Exp                int64     `gorm:"not null;default:0"`
	YapeNumber         string    `gorm:"not null;default:''"`
	PlinNumber         string    `gorm:"not null;default:''"`
	Version            int64     `gorm:"not null;default:1"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Profile) TableName() string { return "profiles" }

// RewardHistory mirrors the reward_history table.
type RewardHistory struct {
	RewardID      string         `gorm:"primaryKey"`
	UserID        string         `gorm:"not null;index:idx_reward_history_user_created,priority:1"`
	Points        int64          `gorm:"not null"`
	Provider      string         `gorm:"not null"`
	TransactionID string         `gorm:"not null;uniqueIndex:uniq_reward_history_transaction"`
	Status        string         `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_reward_history_user_created,priority:2"`
}

func (RewardHistory) TableName() string { return "reward_history" }

func (reward *RewardHistory) BeforeCreate(tx *gorm.DB) error {
	if reward.RewardID == "" {
		reward.RewardID = uuid.NewString()
	}
	return nil
}

// Withdrawal mirrors the withdrawals table.
type Withdrawal struct {
	WithdrawalID string    `gorm:"primaryKey"`
	UserID       string    `gorm:"not null;index:idx_withdrawals_user_created,priority:1"`
	AmountCents  int64     `gorm:"not null"`
	PayoutMethod string    `gorm:"not null"`
	PayoutHandle string    `gorm:"not null"`
	Status       string    `gorm:"not null;index:idx_withdrawals_status_updated,priority:1"`
	FailureCode  string    `gorm:"not null;default:''"`
	CreatedAt    time.Time `gorm:"not null;index:idx_withdrawals_user_created,priority:2"`
	UpdatedAt    time.Time `gorm:"not null;index:idx_withdrawals_status_updated,priority:2"`
}

func (Withdrawal) TableName() string { return "withdrawals" }

func (withdrawal *Withdrawal) BeforeCreate(tx *gorm.DB) error {
	if withdrawal.WithdrawalID == "" {
		withdrawal.WithdrawalID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&Profile{}, &RewardHistory{}, &Withdrawal{}}
}
