package explorer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"assetmarket/core/events"
	"assetmarket/core/types"
	"assetmarket/native/market"
)

const cursorName = "market-indexer"

// Open connects to the explorer database. DSNs starting with postgres:// (or
// containing key=value pairs) use the Postgres driver, anything else is
// treated as a SQLite path.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") || strings.Contains(trimmed, "host=") {
		return gorm.Open(postgres.Open(trimmed), cfg)
	}
	return gorm.Open(sqlite.Open(trimmed), cfg)
}

// EventSource provides the journaled backlog plus a live feed, the contract
// exposed by the node.
type EventSource interface {
	SubscribeEvents(cursor uint64) ([]events.Sequenced, <-chan events.Sequenced, func(), error)
}

// Indexer folds marketplace events into relational records for querying.
type Indexer struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewIndexer migrates the schema and returns a ready indexer.
func NewIndexer(db *gorm.DB) (*Indexer, error) {
	if db == nil {
		return nil, fmt.Errorf("explorer: nil database")
	}
	if err := db.AutoMigrate(&OfferRecord{}, &SettlementRecord{}, &ClaimRecord{}, &RegistrySwapRecord{}, &Cursor{}); err != nil {
		return nil, fmt.Errorf("explorer: migrate: %w", err)
	}
	return &Indexer{db: db, nowFn: time.Now}, nil
}

// SetNowFunc overrides the wall clock, used by tests.
func (ix *Indexer) SetNowFunc(now func() time.Time) {
	if now != nil {
		ix.nowFn = now
	}
}

// LastSequence reports the highest event sequence already indexed.
func (ix *Indexer) LastSequence() (uint64, error) {
	var cursor Cursor
	err := ix.db.Where("name = ?", cursorName).First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cursor.Sequence, nil
}

// Apply indexes a single sequenced event. Events at or below the stored
// cursor are skipped so restarts and backlog/live overlap stay idempotent.
func (ix *Indexer) Apply(seq uint64, evt *types.Event) error {
	if evt == nil {
		return nil
	}
	last, err := ix.LastSequence()
	if err != nil {
		return err
	}
	if seq != 0 && seq <= last {
		return nil
	}
	return ix.db.Transaction(func(tx *gorm.DB) error {
		if err := ix.fold(tx, seq, evt); err != nil {
			return err
		}
		cursor := Cursor{Name: cursorName, Sequence: seq}
		return tx.Save(&cursor).Error
	})
}

func (ix *Indexer) fold(tx *gorm.DB, seq uint64, evt *types.Event) error {
	now := ix.nowFn().UTC()
	attrs := evt.Attributes
	switch evt.Type {
	case market.EventTypeOfferCreated:
		offerID, err := parseUint(attrs["offerId"])
		if err != nil {
			return err
		}
		assetID, err := parseUint(attrs["assetId"])
		if err != nil {
			return err
		}
		record := OfferRecord{
			OfferID:   offerID,
			AssetID:   assetID,
			Seller:    attrs["seller"],
			Price:     attrs["price"],
			Status:    "active",
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Save(&record).Error
	case market.EventTypeOfferPaused:
		return ix.setOfferStatus(tx, attrs["offerId"], "paused", now)
	case market.EventTypeOfferResumed:
		return ix.setOfferStatus(tx, attrs["offerId"], "active", now)
	case market.EventTypeOfferCancelled:
		return ix.setOfferStatus(tx, attrs["offerId"], "cancelled", now)
	case market.EventTypeOfferFilled:
		offerID, err := parseUint(attrs["offerId"])
		if err != nil {
			return err
		}
		assetID, err := parseUint(attrs["assetId"])
		if err != nil {
			return err
		}
		if err := ix.setOfferStatus(tx, attrs["offerId"], "fulfilled", now); err != nil {
			return err
		}
		settlement := SettlementRecord{
			Sequence:  seq,
			OfferID:   offerID,
			AssetID:   assetID,
			Seller:    attrs["seller"],
			Buyer:     attrs["buyer"],
			Paid:      attrs["paid"],
			CreatedAt: now,
		}
		return tx.Create(&settlement).Error
	case market.EventTypeFundsClaimed:
		claim := ClaimRecord{
			Sequence:  seq,
			Account:   attrs["account"],
			Amount:    attrs["amount"],
			CreatedAt: now,
		}
		return tx.Create(&claim).Error
	case market.EventTypeRegistrySwapped:
		swap := RegistrySwapRecord{
			Sequence:  seq,
			Admin:     attrs["admin"],
			Registry:  attrs["registry"],
			CreatedAt: now,
		}
		return tx.Create(&swap).Error
	default:
		// Registry custody events and future types are not indexed yet.
		return nil
	}
}

func (ix *Indexer) setOfferStatus(tx *gorm.DB, rawOfferID, status string, now time.Time) error {
	offerID, err := parseUint(rawOfferID)
	if err != nil {
		return err
	}
	return tx.Model(&OfferRecord{}).
		Where("offer_id = ?", offerID).
		Updates(map[string]interface{}{"status": status, "updated_at": now}).Error
}

// Run replays the journal backlog and then folds live events until the
// context is cancelled.
func (ix *Indexer) Run(ctx context.Context, source EventSource) error {
	last, err := ix.LastSequence()
	if err != nil {
		return err
	}
	backlog, live, cancel, err := source.SubscribeEvents(last)
	if err != nil {
		return err
	}
	defer cancel()

	for _, evt := range backlog {
		if err := ix.Apply(evt.Seq, evt.Event); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-live:
			if !ok {
				return nil
			}
			if err := ix.Apply(evt.Seq, evt.Event); err != nil {
				return err
			}
		}
	}
}

// OpenOffers returns all offers currently listed as active or paused.
func (ix *Indexer) OpenOffers() ([]OfferRecord, error) {
	var offers []OfferRecord
	err := ix.db.Where("status IN ?", []string{"active", "paused"}).Order("offer_id").Find(&offers).Error
	return offers, err
}

// SettlementsBySeller returns completed sales for one seller, newest first.
func (ix *Indexer) SettlementsBySeller(seller string) ([]SettlementRecord, error) {
	var settlements []SettlementRecord
	err := ix.db.Where("seller = ?", seller).Order("sequence DESC").Find(&settlements).Error
	return settlements, err
}

// ClaimsByAccount returns payouts received by one account, newest first.
func (ix *Indexer) ClaimsByAccount(account string) ([]ClaimRecord, error) {
	var claims []ClaimRecord
	err := ix.db.Where("account = ?", account).Order("sequence DESC").Find(&claims).Error
	return claims, err
}

func parseUint(raw string) (uint64, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("explorer: invalid numeric attribute %q", raw)
	}
	return value, nil
}
