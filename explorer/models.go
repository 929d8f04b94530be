package explorer

import "time"

// OfferRecord is the indexed view of a listing, updated as lifecycle events
// arrive.
type OfferRecord struct {
	OfferID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	AssetID   uint64 `gorm:"index"`
	Seller    string `gorm:"index;size:90"`
	Price     string `gorm:"size:80"`
	Status    string `gorm:"index;size:16"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SettlementRecord captures one completed sale.
type SettlementRecord struct {
	ID        uint64 `gorm:"primaryKey"`
	Sequence  uint64 `gorm:"uniqueIndex"`
	OfferID   uint64 `gorm:"index"`
	AssetID   uint64 `gorm:"index"`
	Seller    string `gorm:"index;size:90"`
	Buyer     string `gorm:"index;size:90"`
	Paid      string `gorm:"size:80"`
	CreatedAt time.Time
}

// ClaimRecord captures one payout of accumulated proceeds.
type ClaimRecord struct {
	ID        uint64 `gorm:"primaryKey"`
	Sequence  uint64 `gorm:"uniqueIndex"`
	Account   string `gorm:"index;size:90"`
	Amount    string `gorm:"size:80"`
	CreatedAt time.Time
}

// RegistrySwapRecord captures an administrative registry change.
type RegistrySwapRecord struct {
	ID        uint64 `gorm:"primaryKey"`
	Sequence  uint64 `gorm:"uniqueIndex"`
	Admin     string `gorm:"size:90"`
	Registry  string `gorm:"size:64"`
	CreatedAt time.Time
}

// Cursor remembers the last indexed event sequence per consumer.
type Cursor struct {
	Name     string `gorm:"primaryKey;size:32"`
	Sequence uint64
}
