package market

import (
	"math/big"
	"strconv"

	"assetmarket/core/types"
	"assetmarket/crypto"
)

const (
	EventTypeOfferCreated    = "market.offer.created"
	EventTypeOfferFilled     = "market.offer.filled"
	EventTypeOfferPaused     = "market.offer.paused"
	EventTypeOfferResumed    = "market.offer.resumed"
	EventTypeOfferCancelled  = "market.offer.cancelled"
	EventTypeFundsClaimed    = "market.funds.claimed"
	EventTypeRegistrySwapped = "market.registry.swapped"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

func renderAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.MarketPrefix, addr[:]).String()
}

func offerAttributes(o *Offer) map[string]string {
	attrs := map[string]string{
		"offerId": strconv.FormatUint(o.ID, 10),
		"assetId": strconv.FormatUint(o.AssetID, 10),
		"seller":  renderAddress(o.Seller),
		"price":   "0",
	}
	if o.Price != nil {
		attrs["price"] = o.Price.String()
	}
	return attrs
}

func newOfferEvent(eventType string, o *Offer) marketEvent {
	return marketEvent{evt: &types.Event{Type: eventType, Attributes: offerAttributes(o)}}
}

// NewOfferCreatedEvent returns the canonical payload for a new listing.
func NewOfferCreatedEvent(o *Offer) marketEvent {
	return newOfferEvent(EventTypeOfferCreated, o)
}

// NewOfferFilledEvent returns the canonical payload emitted when a buyer pays
// the asking price and takes custody of the asset.
func NewOfferFilledEvent(o *Offer, buyer [20]byte, paid *big.Int) marketEvent {
	evt := newOfferEvent(EventTypeOfferFilled, o)
	evt.evt.Attributes["buyer"] = renderAddress(buyer)
	if paid != nil {
		evt.evt.Attributes["paid"] = paid.String()
	}
	return evt
}

// NewOfferPausedEvent returns the canonical payload for a paused offer.
func NewOfferPausedEvent(o *Offer) marketEvent {
	return newOfferEvent(EventTypeOfferPaused, o)
}

// NewOfferResumedEvent returns the canonical payload for a resumed offer.
func NewOfferResumedEvent(o *Offer) marketEvent {
	return newOfferEvent(EventTypeOfferResumed, o)
}

// NewOfferCancelledEvent returns the canonical payload emitted when a seller
// withdraws a listing.
func NewOfferCancelledEvent(o *Offer) marketEvent {
	return newOfferEvent(EventTypeOfferCancelled, o)
}

// NewFundsClaimedEvent reports the amount actually paid out to the claimer.
func NewFundsClaimedEvent(account [20]byte, amount *big.Int) marketEvent {
	paid := big.NewInt(0)
	if amount != nil {
		paid = new(big.Int).Set(amount)
	}
	return marketEvent{evt: &types.Event{
		Type: EventTypeFundsClaimed,
		Attributes: map[string]string{
			"account": renderAddress(account),
			"amount":  paid.String(),
		},
	}}
}

// NewRegistrySwappedEvent records an administrative change of the active
// asset registry.
func NewRegistrySwappedEvent(admin [20]byte, registry string) marketEvent {
	return marketEvent{evt: &types.Event{
		Type: EventTypeRegistrySwapped,
		Attributes: map[string]string{
			"admin":    renderAddress(admin),
			"registry": registry,
		},
	}}
}
