package market

import (
	"errors"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"assetmarket/core/events"
	nativecommon "assetmarket/native/common"
)

var (
	// ErrInvalidPrice rejects listings with a zero or negative price.
	ErrInvalidPrice = errors.New("market engine: price must be positive")
	// ErrNotAssetController rejects listings by callers that do not control
	// the asset in the custody registry.
	ErrNotAssetController = errors.New("market engine: caller does not control asset")
	// ErrAssetListed rejects a second open offer for an already-listed asset.
	ErrAssetListed = errors.New("market engine: asset already listed")
	// ErrOfferNotFound is returned when no record exists for the offer id.
	ErrOfferNotFound = errors.New("market engine: offer not found")
	// ErrOfferDeleted is returned for ids that reached a terminal state. A
	// deleted id is permanently inert; acting on it is an explicit error,
	// never a silent no-op.
	ErrOfferDeleted = errors.New("market engine: offer already fulfilled or cancelled")
	// ErrOfferPaused rejects purchases while the seller has suspended the offer.
	ErrOfferPaused = errors.New("market engine: offer is paused")
	// ErrOfferNotPaused rejects resuming an offer that is already active.
	ErrOfferNotPaused = errors.New("market engine: offer is not paused")
	// ErrNotSeller rejects seller-only operations from other callers.
	ErrNotSeller = errors.New("market engine: caller is not the seller")
	// ErrSelfFill rejects a seller buying their own listing.
	ErrSelfFill = errors.New("market engine: seller cannot fill own offer")
	// ErrPaymentMismatch enforces exact payment; overpayment is rejected
	// rather than partially refunded.
	ErrPaymentMismatch = errors.New("market engine: payment must equal offer price")
	// ErrInsufficientFunds rejects purchases the buyer cannot cover.
	ErrInsufficientFunds = errors.New("market engine: insufficient funds")
	// ErrNothingToClaim is returned when the caller's fund ledger balance is zero.
	ErrNothingToClaim = errors.New("market engine: nothing to claim")

	errNilState   = errors.New("market engine: state not configured")
	errNilGateway = errors.New("market engine: custody gateway not configured")
)

const moduleName = "market"

// CustodyGateway is the narrow interface the engine consumes from the asset
// registry. The engine never mutates ownership records directly; it only
// checks control and requests transfers. TransferCustody is all-or-nothing:
// when it fails the caller must discard every state change made earlier in
// the same operation.
type CustodyGateway interface {
	IsOwnerOrApproved(actor [20]byte, assetID uint64) bool
	TransferCustody(from, to [20]byte, assetID uint64) error
}

// engineState is the state surface the engine owns exclusively. The listed
// guard and deleted marker are independent presence sets, deliberately not
// derived from offer-registry membership: "was this id ever used" and "is
// this asset currently available" stay queryable after the offer record is
// erased.
type engineState interface {
	MarketNextOfferID() (uint64, error)
	OfferPut(*Offer) error
	OfferGet(id uint64) (*Offer, bool, error)
	OfferErase(id uint64) error
	OfferList() ([]*Offer, error)
	ListedMark(assetID uint64) error
	ListedClear(assetID uint64) error
	ListedHas(assetID uint64) (bool, error)
	DeletedMark(offerID uint64) error
	DeletedHas(offerID uint64) (bool, error)
	LedgerBalance(addr [20]byte) (*big.Int, error)
	LedgerCredit(addr [20]byte, amount *big.Int) error
	LedgerZero(addr [20]byte) (*big.Int, error)
	AccountBalance(addr [20]byte) (*big.Int, error)
	AccountDebit(addr [20]byte, amount *big.Int) error
	AccountCredit(addr [20]byte, amount *big.Int) error
}

// vaultAddress is the engine's holding identity: listed assets are parked
// under this address until the offer is filled or cancelled.
var vaultAddress = func() [20]byte {
	var addr [20]byte
	hash := ethcrypto.Keccak256([]byte("assetmarket/market/vault"))
	copy(addr[:], hash[12:])
	return addr
}()

// VaultAddress returns the custody holding identity used by the engine.
func VaultAddress() [20]byte { return vaultAddress }

// Engine enforces the offer state machine and fund ledger. Every public
// method must run inside a single critical section with journaled state: the
// engine commits its own bookkeeping first and invokes the custody gateway
// last, and the caller reverts the journal when the gateway call fails.
type Engine struct {
	state   engineState
	gateway CustodyGateway
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64
}

// NewEngine creates a market engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetGateway configures the custody gateway consulted for asset control and
// transfers.
func (e *Engine) SetGateway(gateway CustodyGateway) { e.gateway = gateway }

// SetPauses configures the module pause view used to halt the engine.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.gateway == nil {
		return errNilGateway
	}
	return nil
}

// CreateOffer lists an asset at a fixed price and moves its custody into the
// engine vault. The asset must not already be tied to an open offer.
func (e *Engine) CreateOffer(caller [20]byte, assetID uint64, price *big.Int) (*Offer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if !e.gateway.IsOwnerOrApproved(caller, assetID) {
		return nil, ErrNotAssetController
	}
	listed, err := e.state.ListedHas(assetID)
	if err != nil {
		return nil, err
	}
	if listed {
		return nil, ErrAssetListed
	}
	id, err := e.state.MarketNextOfferID()
	if err != nil {
		return nil, err
	}
	offer := &Offer{
		ID:        id,
		AssetID:   assetID,
		Seller:    caller,
		Price:     new(big.Int).Set(price),
		CreatedAt: e.now(),
	}
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	if err := e.state.ListedMark(assetID); err != nil {
		return nil, err
	}
	// Engine bookkeeping is final; the custody transfer is the last step so
	// a gateway failure unwinds cleanly via the caller's journal.
	if err := e.gateway.TransferCustody(caller, vaultAddress, assetID); err != nil {
		return nil, err
	}
	e.emit(NewOfferCreatedEvent(offer))
	return offer.Clone(), nil
}

// FillOffer sells the listed asset to the caller for exact payment. The
// seller is credited in the fund ledger and the asset custody moves from the
// vault to the buyer.
func (e *Engine) FillOffer(caller [20]byte, offerID uint64, payment *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	offer, err := e.loadOpenOffer(offerID)
	if err != nil {
		return err
	}
	if offer.Paused {
		return ErrOfferPaused
	}
	if caller == offer.Seller {
		return ErrSelfFill
	}
	if payment == nil || payment.Cmp(offer.Price) != 0 {
		return ErrPaymentMismatch
	}
	balance, err := e.state.AccountBalance(caller)
	if err != nil {
		return err
	}
	if balance.Cmp(payment) < 0 {
		return ErrInsufficientFunds
	}
	if err := e.state.AccountDebit(caller, payment); err != nil {
		return err
	}
	if err := e.state.LedgerCredit(offer.Seller, payment); err != nil {
		return err
	}
	if err := e.retireOffer(offer); err != nil {
		return err
	}
	if err := e.gateway.TransferCustody(vaultAddress, caller, offer.AssetID); err != nil {
		return err
	}
	e.emit(NewOfferFilledEvent(offer, caller, payment))
	return nil
}

// PauseOffer temporarily suspends purchasability. Seller only.
func (e *Engine) PauseOffer(caller [20]byte, offerID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	offer, err := e.loadOpenOffer(offerID)
	if err != nil {
		return err
	}
	if caller != offer.Seller {
		return ErrNotSeller
	}
	if offer.Paused {
		return ErrOfferPaused
	}
	offer.Paused = true
	if err := e.state.OfferPut(offer); err != nil {
		return err
	}
	e.emit(NewOfferPausedEvent(offer))
	return nil
}

// ResumeOffer reactivates a paused offer. Seller only.
func (e *Engine) ResumeOffer(caller [20]byte, offerID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	offer, err := e.loadOpenOffer(offerID)
	if err != nil {
		return err
	}
	if caller != offer.Seller {
		return ErrNotSeller
	}
	if !offer.Paused {
		return ErrOfferNotPaused
	}
	offer.Paused = false
	if err := e.state.OfferPut(offer); err != nil {
		return err
	}
	e.emit(NewOfferResumedEvent(offer))
	return nil
}

// RemoveOffer cancels the listing and returns asset custody to the seller.
// Valid from both active and paused states.
func (e *Engine) RemoveOffer(caller [20]byte, offerID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	offer, err := e.loadOpenOffer(offerID)
	if err != nil {
		return err
	}
	if caller != offer.Seller {
		return ErrNotSeller
	}
	if err := e.retireOffer(offer); err != nil {
		return err
	}
	if err := e.gateway.TransferCustody(vaultAddress, offer.Seller, offer.AssetID); err != nil {
		return err
	}
	e.emit(NewOfferCancelledEvent(offer))
	return nil
}

// ClaimFunds pays out the caller's accumulated proceeds. The ledger balance
// is zeroed BEFORE the value transfer: a nested or reentrant claim observes
// an empty ledger and fails with ErrNothingToClaim instead of double paying.
func (e *Engine) ClaimFunds(caller [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	amount, err := e.state.LedgerZero(caller)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() == 0 {
		return nil, ErrNothingToClaim
	}
	if err := e.state.AccountCredit(caller, amount); err != nil {
		return nil, err
	}
	// Report the paid-out amount, not the (always zero) post-withdrawal
	// ledger balance.
	e.emit(NewFundsClaimedEvent(caller, amount))
	return new(big.Int).Set(amount), nil
}

// GetOffer returns the open offer for the id, distinguishing "never existed"
// from "already fulfilled or cancelled".
func (e *Engine) GetOffer(offerID uint64) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadOpenOffer(offerID)
}

// ListOffers returns every open offer in creation order.
func (e *Engine) ListOffers() ([]*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	offers, err := e.state.OfferList()
	if err != nil {
		return nil, err
	}
	cloned := make([]*Offer, 0, len(offers))
	for _, offer := range offers {
		cloned = append(cloned, offer.Clone())
	}
	return cloned, nil
}

// Balance reports the caller's withdrawable fund-ledger balance.
func (e *Engine) Balance(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	balance, err := e.state.LedgerBalance(addr)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

func (e *Engine) loadOpenOffer(offerID uint64) (*Offer, error) {
	deleted, err := e.state.DeletedHas(offerID)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, ErrOfferDeleted
	}
	offer, ok, err := e.state.OfferGet(offerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOfferNotFound
	}
	return offer, nil
}

// retireOffer erases the offer record and updates both guard sets. Storage
// reclamation is intentional: existence queries survive through the deleted
// marker, not the registry.
func (e *Engine) retireOffer(offer *Offer) error {
	if err := e.state.ListedClear(offer.AssetID); err != nil {
		return err
	}
	if err := e.state.DeletedMark(offer.ID); err != nil {
		return err
	}
	return e.state.OfferErase(offer.ID)
}
