package market

import (
	"fmt"
	"math/big"
)

// OfferStatus reflects the lifecycle state of a listing. Fulfilled and
// Cancelled are terminal: the detailed record is erased and the offer id is
// permanently marked deleted, so those statuses only ever appear in events
// and historical indexes.
type OfferStatus uint8

const (
	OfferActive OfferStatus = iota
	OfferPaused
	OfferFulfilled
	OfferCancelled
)

// String renders the status for events and RPC responses.
func (s OfferStatus) String() string {
	switch s {
	case OfferActive:
		return "active"
	case OfferPaused:
		return "paused"
	case OfferFulfilled:
		return "fulfilled"
	case OfferCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Offer captures one listing: a seller's standing proposal to exchange a
// specific asset for a fixed price. The price is immutable after creation.
type Offer struct {
	ID        uint64
	AssetID   uint64
	Seller    [20]byte
	Price     *big.Int
	Fulfilled bool
	Paused    bool
	CreatedAt int64
}

// Status derives the lifecycle state from the stored flags.
func (o *Offer) Status() OfferStatus {
	switch {
	case o == nil:
		return OfferCancelled
	case o.Fulfilled:
		return OfferFulfilled
	case o.Paused:
		return OfferPaused
	default:
		return OfferActive
	}
}

// Clone returns a deep copy of the offer so callers can safely mutate the copy
// without affecting the stored instance.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Price != nil {
		clone.Price = new(big.Int).Set(o.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// SanitizeOffer validates and normalises the supplied offer, returning a
// cloned instance with a non-nil price. The function does not mutate the
// original value.
func SanitizeOffer(o *Offer) (*Offer, error) {
	if o == nil {
		return nil, fmt.Errorf("nil offer")
	}
	clone := o.Clone()
	if clone.Price == nil || clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("offer price must be positive")
	}
	if clone.Fulfilled && clone.Paused {
		return nil, fmt.Errorf("offer cannot be fulfilled and paused at once")
	}
	return clone, nil
}
