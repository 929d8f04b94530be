package market

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"assetmarket/core/events"
	nativecommon "assetmarket/native/common"
)

// mockState is an in-memory engineState for exercising the engine without the
// journaled manager.
type mockState struct {
	nextID   uint64
	offers   map[uint64]*Offer
	order    []uint64
	listed   map[uint64]struct{}
	deleted  map[uint64]struct{}
	ledger   map[[20]byte]*big.Int
	accounts map[[20]byte]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		offers:   make(map[uint64]*Offer),
		listed:   make(map[uint64]struct{}),
		deleted:  make(map[uint64]struct{}),
		ledger:   make(map[[20]byte]*big.Int),
		accounts: make(map[[20]byte]*big.Int),
	}
}

func (m *mockState) MarketNextOfferID() (uint64, error) {
	id := m.nextID
	m.nextID++
	return id, nil
}

func (m *mockState) OfferPut(offer *Offer) error {
	if _, ok := m.offers[offer.ID]; !ok {
		m.order = append(m.order, offer.ID)
	}
	m.offers[offer.ID] = offer.Clone()
	return nil
}

func (m *mockState) OfferGet(id uint64) (*Offer, bool, error) {
	offer, ok := m.offers[id]
	if !ok {
		return nil, false, nil
	}
	return offer.Clone(), true, nil
}

func (m *mockState) OfferErase(id uint64) error {
	delete(m.offers, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *mockState) OfferList() ([]*Offer, error) {
	out := make([]*Offer, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.offers[id].Clone())
	}
	return out, nil
}

func (m *mockState) ListedMark(assetID uint64) error {
	m.listed[assetID] = struct{}{}
	return nil
}

func (m *mockState) ListedClear(assetID uint64) error {
	delete(m.listed, assetID)
	return nil
}

func (m *mockState) ListedHas(assetID uint64) (bool, error) {
	_, ok := m.listed[assetID]
	return ok, nil
}

func (m *mockState) DeletedMark(offerID uint64) error {
	m.deleted[offerID] = struct{}{}
	return nil
}

func (m *mockState) DeletedHas(offerID uint64) (bool, error) {
	_, ok := m.deleted[offerID]
	return ok, nil
}

func (m *mockState) LedgerBalance(addr [20]byte) (*big.Int, error) {
	if balance, ok := m.ledger[addr]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) LedgerCredit(addr [20]byte, amount *big.Int) error {
	balance, _ := m.LedgerBalance(addr)
	m.ledger[addr] = balance.Add(balance, amount)
	return nil
}

func (m *mockState) LedgerZero(addr [20]byte) (*big.Int, error) {
	balance, _ := m.LedgerBalance(addr)
	delete(m.ledger, addr)
	return balance, nil
}

func (m *mockState) AccountBalance(addr [20]byte) (*big.Int, error) {
	if balance, ok := m.accounts[addr]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) AccountDebit(addr [20]byte, amount *big.Int) error {
	balance, _ := m.AccountBalance(addr)
	if balance.Cmp(amount) < 0 {
		return errors.New("mock: insufficient balance")
	}
	m.accounts[addr] = balance.Sub(balance, amount)
	return nil
}

func (m *mockState) AccountCredit(addr [20]byte, amount *big.Int) error {
	balance, _ := m.AccountBalance(addr)
	m.accounts[addr] = balance.Add(balance, amount)
	return nil
}

// mockGateway tracks custody in a plain map and can be told to fail.
type mockGateway struct {
	owners        map[uint64][20]byte
	approved      map[uint64][20]byte
	transferError error
	transfers     int
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		owners:   make(map[uint64][20]byte),
		approved: make(map[uint64][20]byte),
	}
}

func (g *mockGateway) IsOwnerOrApproved(actor [20]byte, assetID uint64) bool {
	if owner, ok := g.owners[assetID]; ok && owner == actor {
		return true
	}
	if operator, ok := g.approved[assetID]; ok && operator == actor {
		return true
	}
	return false
}

func (g *mockGateway) TransferCustody(from, to [20]byte, assetID uint64) error {
	if g.transferError != nil {
		return g.transferError
	}
	owner, ok := g.owners[assetID]
	if !ok {
		return errors.New("mock gateway: unknown asset")
	}
	if owner != from {
		if operator, approved := g.approved[assetID]; !approved || operator != from {
			return errors.New("mock gateway: not custodian")
		}
	}
	g.owners[assetID] = to
	delete(g.approved, assetID)
	g.transfers++
	return nil
}

type recordingEmitter struct {
	types []string
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.types = append(r.types, evt.EventType())
}

type pauseAll struct{}

func (pauseAll) IsPaused(string) bool { return true }

var (
	seller = [20]byte{0x01}
	buyer  = [20]byte{0x02}
	other  = [20]byte{0x03}
)

func newTestEngine(t *testing.T) (*Engine, *mockState, *mockGateway, *recordingEmitter) {
	t.Helper()
	state := newMockState()
	gateway := newMockGateway()
	gateway.owners[7] = seller
	emitter := &recordingEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetGateway(gateway)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, state, gateway, emitter
}

func TestCreateOfferAssignsMonotonicIDsFromZero(t *testing.T) {
	engine, _, gateway, _ := newTestEngine(t)
	gateway.owners[8] = seller

	first, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.ID)

	second, err := engine.CreateOffer(seller, 8, big.NewInt(200))
	require.NoError(t, err)
	require.Equal(t, uint64(1), second.ID)
}

func TestCreateOfferMovesCustodyToVault(t *testing.T) {
	engine, _, gateway, emitter := newTestEngine(t)

	offer, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, VaultAddress(), gateway.owners[7])
	require.Equal(t, 1, gateway.transfers)
	require.Equal(t, OfferActive, offer.Status())
	require.Equal(t, int64(1_700_000_000), offer.CreatedAt)
	require.Equal(t, []string{EventTypeOfferCreated}, emitter.types)
}

func TestCreateOfferValidation(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	_, err := engine.CreateOffer(seller, 7, big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidPrice)
	_, err = engine.CreateOffer(seller, 7, big.NewInt(-5))
	require.ErrorIs(t, err, ErrInvalidPrice)
	_, err = engine.CreateOffer(seller, 7, nil)
	require.ErrorIs(t, err, ErrInvalidPrice)

	_, err = engine.CreateOffer(other, 7, big.NewInt(100))
	require.ErrorIs(t, err, ErrNotAssetController)
}

func TestCreateOfferByApprovedOperator(t *testing.T) {
	engine, _, gateway, _ := newTestEngine(t)
	gateway.owners[7] = other
	gateway.approved[7] = seller

	offer, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, seller, offer.Seller, "the lister is recorded as the seller")
	require.Equal(t, VaultAddress(), gateway.owners[7])
}

func TestCreateOfferRejectsDoubleListing(t *testing.T) {
	engine, _, gateway, _ := newTestEngine(t)

	_, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)

	// The asset now sits in the vault; even the seller cannot list it again.
	gateway.owners[7] = seller
	_, err = engine.CreateOffer(seller, 7, big.NewInt(100))
	require.ErrorIs(t, err, ErrAssetListed)
}

func TestFillOfferSettles(t *testing.T) {
	engine, state, gateway, emitter := newTestEngine(t)
	state.accounts[buyer] = big.NewInt(150)

	offer, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)

	require.NoError(t, engine.FillOffer(buyer, offer.ID, big.NewInt(100)))

	require.Equal(t, buyer, gateway.owners[7], "custody moves to the buyer")
	buyerBalance, _ := state.AccountBalance(buyer)
	require.Equal(t, int64(50), buyerBalance.Int64())
	sellerProceeds, _ := engine.Balance(seller)
	require.Equal(t, int64(100), sellerProceeds.Int64())
	require.Equal(t, []string{EventTypeOfferCreated, EventTypeOfferFilled}, emitter.types)

	_, err = engine.GetOffer(offer.ID)
	require.ErrorIs(t, err, ErrOfferDeleted)
}

func TestFillOfferRejections(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	state.accounts[buyer] = big.NewInt(1000)

	offer, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)

	require.ErrorIs(t, engine.FillOffer(seller, offer.ID, big.NewInt(100)), ErrSelfFill)
	require.ErrorIs(t, engine.FillOffer(buyer, offer.ID, big.NewInt(99)), ErrPaymentMismatch)
	require.ErrorIs(t, engine.FillOffer(buyer, offer.ID, big.NewInt(101)), ErrPaymentMismatch)
	require.ErrorIs(t, engine.FillOffer(buyer, offer.ID, nil), ErrPaymentMismatch)
	require.ErrorIs(t, engine.FillOffer(buyer, 42, big.NewInt(100)), ErrOfferNotFound)

	state.accounts[buyer] = big.NewInt(10)
	require.ErrorIs(t, engine.FillOffer(buyer, offer.ID, big.NewInt(100)), ErrInsufficientFunds)
}

func TestPausedOfferCannotBeFilled(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	state.accounts[buyer] = big.NewInt(100)

	offer, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)

	require.ErrorIs(t, engine.PauseOffer(other, offer.ID), ErrNotSeller)
	require.NoError(t, engine.PauseOffer(seller, offer.ID))
	require.ErrorIs(t, engine.PauseOffer(seller, offer.ID), ErrOfferPaused)

	require.ErrorIs(t, engine.FillOffer(buyer, offer.ID, big.NewInt(100)), ErrOfferPaused)

	require.ErrorIs(t, engine.ResumeOffer(other, offer.ID), ErrNotSeller)
	require.NoError(t, engine.ResumeOffer(seller, offer.ID))
	require.ErrorIs(t, engine.ResumeOffer(seller, offer.ID), ErrOfferNotPaused)

	require.NoError(t, engine.FillOffer(buyer, offer.ID, big.NewInt(100)))
}

func TestRemoveOfferReturnsCustody(t *testing.T) {
	engine, _, gateway, emitter := newTestEngine(t)

	offer, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)

	require.ErrorIs(t, engine.RemoveOffer(other, offer.ID), ErrNotSeller)
	require.NoError(t, engine.RemoveOffer(seller, offer.ID))
	require.Equal(t, seller, gateway.owners[7])
	require.Contains(t, emitter.types, EventTypeOfferCancelled)

	// Terminal ids stay inert for every operation.
	require.ErrorIs(t, engine.PauseOffer(seller, offer.ID), ErrOfferDeleted)
	require.ErrorIs(t, engine.RemoveOffer(seller, offer.ID), ErrOfferDeleted)
	_, err = engine.GetOffer(offer.ID)
	require.ErrorIs(t, err, ErrOfferDeleted)
}

func TestRemovePausedOfferAllowed(t *testing.T) {
	engine, _, gateway, _ := newTestEngine(t)

	offer, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, engine.PauseOffer(seller, offer.ID))
	require.NoError(t, engine.RemoveOffer(seller, offer.ID))
	require.Equal(t, seller, gateway.owners[7])
}

func TestRelistAfterRemovalGetsFreshID(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	first, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, engine.RemoveOffer(seller, first.ID))

	second, err := engine.CreateOffer(seller, 7, big.NewInt(120))
	require.NoError(t, err)
	require.Equal(t, first.ID+1, second.ID, "ids are never reused")
}

func TestClaimFundsZeroesBeforePayout(t *testing.T) {
	engine, state, _, emitter := newTestEngine(t)
	state.accounts[buyer] = big.NewInt(100)

	offer, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, engine.FillOffer(buyer, offer.ID, big.NewInt(100)))

	paid, err := engine.ClaimFunds(seller)
	require.NoError(t, err)
	require.Equal(t, int64(100), paid.Int64())

	remaining, err := engine.Balance(seller)
	require.NoError(t, err)
	require.Zero(t, remaining.Sign())

	account, _ := state.AccountBalance(seller)
	require.Equal(t, int64(100), account.Int64())

	_, err = engine.ClaimFunds(seller)
	require.ErrorIs(t, err, ErrNothingToClaim)

	require.Contains(t, emitter.types, EventTypeFundsClaimed)
}

func TestClaimWithEmptyLedger(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	_, err := engine.ClaimFunds(other)
	require.ErrorIs(t, err, ErrNothingToClaim)
}

func TestValueConservationAcrossSales(t *testing.T) {
	engine, state, gateway, _ := newTestEngine(t)
	gateway.owners[8] = seller
	state.accounts[buyer] = big.NewInt(300)
	state.accounts[other] = big.NewInt(200)

	one, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)
	two, err := engine.CreateOffer(seller, 8, big.NewInt(200))
	require.NoError(t, err)

	require.NoError(t, engine.FillOffer(buyer, one.ID, big.NewInt(100)))
	require.NoError(t, engine.FillOffer(other, two.ID, big.NewInt(200)))

	proceeds, err := engine.Balance(seller)
	require.NoError(t, err)
	require.Equal(t, int64(300), proceeds.Int64())

	paid, err := engine.ClaimFunds(seller)
	require.NoError(t, err)
	require.Equal(t, int64(300), paid.Int64())

	// Sum of all account balances equals the initial total supply.
	total := big.NewInt(0)
	for _, balance := range state.accounts {
		total.Add(total, balance)
	}
	require.Equal(t, int64(500), total.Int64())
}

func TestListOffersReturnsClones(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	offer, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.NoError(t, err)

	offers, err := engine.ListOffers()
	require.NoError(t, err)
	require.Len(t, offers, 1)

	offers[0].Price.SetInt64(1)
	stored, err := engine.GetOffer(offer.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), stored.Price.Int64())
}

func TestModulePauseHaltsOperations(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	engine.SetPauses(pauseAll{})

	_, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	require.ErrorIs(t, engine.FillOffer(buyer, 0, big.NewInt(100)), nativecommon.ErrModulePaused)
	_, err = engine.ClaimFunds(seller)
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
}

func TestEngineRequiresStateAndGateway(t *testing.T) {
	engine := NewEngine()
	_, err := engine.CreateOffer(seller, 7, big.NewInt(100))
	require.ErrorIs(t, err, errNilState)

	engine.SetState(newMockState())
	_, err = engine.CreateOffer(seller, 7, big.NewInt(100))
	require.ErrorIs(t, err, errNilGateway)
}
