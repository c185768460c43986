package model

import "time"

// Wallet holds one credit balance per customer/project. Balance is the
// available balance: reserving debits it immediately, so outstanding
// pending reservations are already subtracted.
type Wallet struct {
	ID        uint64    `gorm:"primaryKey"`
	Name      string    `gorm:"size:140;uniqueIndex;not null"`
	Balance   int64     `gorm:"not null;default:0;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }
