package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// ApiKey maps an opaque bearer token to its owning wallet. Resolution
// happens at the transport layer; the ledger core only ever sees the
// resolved wallet id.
type ApiKey struct {
	ID        uint64    `gorm:"primaryKey"`
	WalletID  uint64    `gorm:"not null;index"`
	Key       string    `gorm:"size:64;uniqueIndex;not null"`
	Label     string    `gorm:"size:140"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ApiKey) TableName() string { return "api_key" }

// GenerateKey returns a fresh random 64-hex-char token.
func GenerateKey() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
