package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"assetmarket/core/types"
	"assetmarket/native/market"
	"assetmarket/native/registry"
	"assetmarket/storage"
)

var (
	addrA = [20]byte{0x0a}
	addrB = [20]byte{0x0b}
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(storage.NewMemDB())
}

func testOffer(id uint64) *market.Offer {
	return &market.Offer{ID: id, AssetID: id + 100, Seller: addrA, Price: big.NewInt(50), CreatedAt: 1_700_000_000}
}

func TestOfferIDsAreMonotonicFromZero(t *testing.T) {
	m := newManager(t)

	first, err := m.MarketNextOfferID()
	require.NoError(t, err)
	require.Equal(t, uint64(0), first)

	second, err := m.MarketNextOfferID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), second)
}

func TestOfferIDSequenceSurvivesCommit(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	_, err := m.MarketNextOfferID()
	require.NoError(t, err)
	require.NoError(t, m.Commit())

	reopened := NewManager(db)
	next, err := reopened.MarketNextOfferID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)
}

func TestOfferRoundTripAndIndexOrder(t *testing.T) {
	m := newManager(t)

	require.NoError(t, m.OfferPut(testOffer(2)))
	require.NoError(t, m.OfferPut(testOffer(0)))
	require.NoError(t, m.OfferPut(testOffer(1)))

	offer, ok, err := m.OfferGet(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(102), offer.AssetID)
	require.Equal(t, int64(50), offer.Price.Int64())
	require.Equal(t, int64(1_700_000_000), offer.CreatedAt)

	// Insertion order, not id order.
	offers, err := m.OfferList()
	require.NoError(t, err)
	require.Len(t, offers, 3)
	require.Equal(t, uint64(2), offers[0].ID)
	require.Equal(t, uint64(0), offers[1].ID)
	require.Equal(t, uint64(1), offers[2].ID)
}

func TestOfferPutRejectsInvalid(t *testing.T) {
	m := newManager(t)
	require.Error(t, m.OfferPut(nil))
	require.Error(t, m.OfferPut(&market.Offer{ID: 1, Price: big.NewInt(0)}))
}

func TestOfferEraseRemovesFromIndex(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.OfferPut(testOffer(0)))
	require.NoError(t, m.OfferPut(testOffer(1)))

	require.NoError(t, m.OfferErase(0))

	_, ok, err := m.OfferGet(0)
	require.NoError(t, err)
	require.False(t, ok)

	offers, err := m.OfferList()
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, uint64(1), offers[0].ID)
}

func TestListedAndDeletedMarkersAreIndependent(t *testing.T) {
	m := newManager(t)

	listed, err := m.ListedHas(7)
	require.NoError(t, err)
	require.False(t, listed)

	require.NoError(t, m.ListedMark(7))
	require.NoError(t, m.DeletedMark(7))

	listed, err = m.ListedHas(7)
	require.NoError(t, err)
	require.True(t, listed)

	require.NoError(t, m.ListedClear(7))
	listed, err = m.ListedHas(7)
	require.NoError(t, err)
	require.False(t, listed)

	// Clearing the listed guard never touches the deletion marker.
	deleted, err := m.DeletedHas(7)
	require.NoError(t, err)
	require.True(t, deleted)
}

func TestLedgerCreditAndZero(t *testing.T) {
	m := newManager(t)

	balance, err := m.LedgerBalance(addrA)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Int64())

	require.NoError(t, m.LedgerCredit(addrA, big.NewInt(30)))
	require.NoError(t, m.LedgerCredit(addrA, big.NewInt(12)))

	held, err := m.LedgerZero(addrA)
	require.NoError(t, err)
	require.Equal(t, int64(42), held.Int64())

	balance, err = m.LedgerBalance(addrA)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Int64())

	require.Error(t, m.LedgerCredit(addrA, big.NewInt(0)))
	require.Error(t, m.LedgerCredit(addrA, nil))
}

func TestAccountDebitCredit(t *testing.T) {
	m := newManager(t)

	require.NoError(t, m.PutAccount(addrA, &types.Account{Balance: big.NewInt(100)}))

	require.NoError(t, m.AccountDebit(addrA, big.NewInt(60)))
	require.ErrorIs(t, m.AccountDebit(addrA, big.NewInt(41)), ErrInsufficientBalance)

	require.NoError(t, m.AccountCredit(addrB, big.NewInt(60)))
	balance, err := m.AccountBalance(addrB)
	require.NoError(t, err)
	require.Equal(t, int64(60), balance.Int64())

	// Unknown accounts read as zero-balance.
	account, err := m.GetAccount([20]byte{0x0c})
	require.NoError(t, err)
	require.Equal(t, int64(0), account.Balance.Int64())
}

func TestSnapshotRevertUnwindsWrites(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.OfferPut(testOffer(0)))
	require.NoError(t, m.ListedMark(100))

	rev := m.Snapshot()
	require.NoError(t, m.OfferErase(0))
	require.NoError(t, m.ListedClear(100))
	require.NoError(t, m.LedgerCredit(addrA, big.NewInt(10)))
	m.RevertToSnapshot(rev)

	_, ok, err := m.OfferGet(0)
	require.NoError(t, err)
	require.True(t, ok)

	listed, err := m.ListedHas(100)
	require.NoError(t, err)
	require.True(t, listed)

	balance, err := m.LedgerBalance(addrA)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Int64())
}

func TestRevertRestoresCommittedValueOverOverlay(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	require.NoError(t, m.LedgerCredit(addrA, big.NewInt(5)))
	require.NoError(t, m.Commit())

	rev := m.Snapshot()
	require.NoError(t, m.LedgerCredit(addrA, big.NewInt(7)))
	m.RevertToSnapshot(rev)

	balance, err := m.LedgerBalance(addrA)
	require.NoError(t, err)
	require.Equal(t, int64(5), balance.Int64())
}

func TestCommitFlushesToBackingStore(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	require.NoError(t, m.OfferPut(testOffer(3)))
	require.NoError(t, m.ListedMark(103))
	require.NoError(t, m.Commit())

	reopened := NewManager(db)
	offer, ok, err := reopened.OfferGet(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), offer.ID)

	listed, err := reopened.ListedHas(103)
	require.NoError(t, err)
	require.True(t, listed)
}

func TestCommitAppliesDeletes(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	require.NoError(t, m.ListedMark(9))
	require.NoError(t, m.Commit())

	m2 := NewManager(db)
	require.NoError(t, m2.ListedClear(9))
	require.NoError(t, m2.Commit())

	m3 := NewManager(db)
	listed, err := m3.ListedHas(9)
	require.NoError(t, err)
	require.False(t, listed)
}

func TestAssetRoundTripPerNamespace(t *testing.T) {
	m := newManager(t)
	asset := &registry.Asset{ID: 7, Owner: addrA, Approved: addrB, MintedAt: 1_700_000_000}
	require.NoError(t, m.AssetPut("primary", asset))

	got, ok, err := m.AssetGet("primary", 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, addrA, got.Owner)
	require.Equal(t, addrB, got.Approved)

	_, ok, err = m.AssetGet("secondary", 7)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAdminAndActiveRegistry(t *testing.T) {
	m := newManager(t)

	_, err := m.Admin()
	require.ErrorIs(t, err, ErrNoAdmin)

	require.NoError(t, m.SetAdmin(addrA))
	admin, err := m.Admin()
	require.NoError(t, err)
	require.Equal(t, addrA, admin)

	_, ok, err := m.ActiveRegistry()
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, m.SetActiveRegistry(""))
	require.NoError(t, m.SetActiveRegistry("secondary"))
	namespace, ok, err := m.ActiveRegistry()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "secondary", namespace)
}
