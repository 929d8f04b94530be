package core

import (
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"assetmarket/core/events"
	"assetmarket/crypto"
	"assetmarket/native/market"
	"assetmarket/native/registry"
	"assetmarket/storage"
)

var (
	adminAddr  = [20]byte{0xaa}
	sellerAddr = [20]byte{0x01}
	buyerAddr  = [20]byte{0x02}
)

func bech(addr [20]byte) string {
	return crypto.NewAddress(crypto.MarketPrefix, addr[:]).String()
}

func testGenesis() *Genesis {
	return &Genesis{
		Network:  "markettest",
		Admin:    bech(adminAddr),
		Registry: "primary",
		Accounts: []GenesisAccount{
			{Address: bech(sellerAddr), Balance: "0"},
			{Address: bech(buyerAddr), Balance: "1000"},
		},
		Assets: []registry.SeedAsset{
			{ID: 7, Owner: bech(sellerAddr)},
		},
	}
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	node, err := NewNode(storage.NewMemDB(), nil)
	require.NoError(t, err)
	require.NoError(t, node.ApplyGenesis(testGenesis()))
	return node
}

func TestApplyGenesisSeedsState(t *testing.T) {
	node, err := NewNode(storage.NewMemDB(), nil)
	require.NoError(t, err)

	initialized, err := node.Initialized()
	require.NoError(t, err)
	require.False(t, initialized)

	require.NoError(t, node.ApplyGenesis(testGenesis()))

	initialized, err = node.Initialized()
	require.NoError(t, err)
	require.True(t, initialized)

	admin, err := node.Admin()
	require.NoError(t, err)
	require.Equal(t, adminAddr, admin)

	balance, err := node.AccountBalance(buyerAddr)
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance.Int64())

	owner, err := node.AssetOwner(7)
	require.NoError(t, err)
	require.Equal(t, sellerAddr, owner)

	require.Equal(t, "primary", node.ActiveRegistry())

	// Genesis is one-shot.
	require.Error(t, node.ApplyGenesis(testGenesis()))
}

func TestSaleLifecycle(t *testing.T) {
	node := newTestNode(t)

	offer, err := node.CreateOffer(sellerAddr, 7, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, uint64(0), offer.ID)

	owner, err := node.AssetOwner(7)
	require.NoError(t, err)
	require.Equal(t, market.VaultAddress(), owner)

	require.NoError(t, node.FillOffer(buyerAddr, offer.ID, big.NewInt(100)))

	owner, err = node.AssetOwner(7)
	require.NoError(t, err)
	require.Equal(t, buyerAddr, owner)

	balance, err := node.AccountBalance(buyerAddr)
	require.NoError(t, err)
	require.Equal(t, int64(900), balance.Int64())

	proceeds, err := node.LedgerBalance(sellerAddr)
	require.NoError(t, err)
	require.Equal(t, int64(100), proceeds.Int64())

	paid, err := node.ClaimFunds(sellerAddr)
	require.NoError(t, err)
	require.Equal(t, int64(100), paid.Int64())

	balance, err = node.AccountBalance(sellerAddr)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance.Int64())

	_, err = node.ClaimFunds(sellerAddr)
	require.ErrorIs(t, err, market.ErrNothingToClaim)
}

func TestFillRollsBackWhenCustodyTransferFails(t *testing.T) {
	node := newTestNode(t)

	offer, err := node.CreateOffer(sellerAddr, 7, big.NewInt(100))
	require.NoError(t, err)

	// Rebinding to an empty registry makes the trailing custody transfer
	// fail after the fund bookkeeping already ran.
	require.NoError(t, node.SwapRegistry(adminAddr, "secondary"))

	err = node.FillOffer(buyerAddr, offer.ID, big.NewInt(100))
	require.ErrorIs(t, err, registry.ErrAssetNotFound)

	// The whole operation unwound: no debit, no proceeds, offer still open.
	balance, err := node.AccountBalance(buyerAddr)
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance.Int64())

	proceeds, err := node.LedgerBalance(sellerAddr)
	require.NoError(t, err)
	require.Equal(t, int64(0), proceeds.Int64())

	got, err := node.GetOffer(offer.ID)
	require.NoError(t, err)
	require.Equal(t, market.OfferActive, got.Status())

	// Swapping back restores the sale path.
	require.NoError(t, node.SwapRegistry(adminAddr, "primary"))
	require.NoError(t, node.FillOffer(buyerAddr, offer.ID, big.NewInt(100)))
}

func TestSwapRegistryIsAdminOnly(t *testing.T) {
	node := newTestNode(t)

	require.ErrorIs(t, node.SwapRegistry(buyerAddr, "secondary"), ErrNotAdmin)
	require.ErrorIs(t, node.SwapRegistry(adminAddr, "  "), ErrEmptyRegistry)

	require.NoError(t, node.SwapRegistry(adminAddr, "secondary"))
	require.Equal(t, "secondary", node.ActiveRegistry())
}

func TestConcurrentSwapsKeepStateAndBindingAligned(t *testing.T) {
	db := storage.NewMemDB()
	node, err := NewNode(db, nil)
	require.NoError(t, err)
	require.NoError(t, node.ApplyGenesis(testGenesis()))

	// Racing swaps must never leave the persisted namespace diverging from
	// the live engine binding: persist and rebind share one critical section.
	for i := 0; i < 300; i++ {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs[0] = node.SwapRegistry(adminAddr, "primary")
		}()
		go func() {
			defer wg.Done()
			errs[1] = node.SwapRegistry(adminAddr, "secondary")
		}()
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		reopened, err := NewNode(db, nil)
		require.NoError(t, err)
		require.Equal(t, node.ActiveRegistry(), reopened.ActiveRegistry())
	}
}

func TestSwapRegistryPersistsAcrossRestart(t *testing.T) {
	db := storage.NewMemDB()
	node, err := NewNode(db, nil)
	require.NoError(t, err)
	require.NoError(t, node.ApplyGenesis(testGenesis()))
	require.NoError(t, node.SwapRegistry(adminAddr, "secondary"))

	reopened, err := NewNode(db, nil)
	require.NoError(t, err)
	require.Equal(t, "secondary", reopened.ActiveRegistry())
}

func TestDepositIsRejected(t *testing.T) {
	node := newTestNode(t)
	require.ErrorIs(t, node.Deposit(buyerAddr, big.NewInt(10)), ErrDirectTransfer)
}

func TestMintAndApproveThroughNode(t *testing.T) {
	node := newTestNode(t)

	require.NoError(t, node.MintAsset(buyerAddr, 9))
	owner, err := node.AssetOwner(9)
	require.NoError(t, err)
	require.Equal(t, buyerAddr, owner)

	require.ErrorIs(t, node.MintAsset(sellerAddr, 9), registry.ErrAssetExists)

	require.NoError(t, node.ApproveAsset(buyerAddr, sellerAddr, 9))
	require.ErrorIs(t, node.ApproveAsset(sellerAddr, adminAddr, 9), registry.ErrNotOwner)
}

func TestFailedOperationLeavesNoState(t *testing.T) {
	node := newTestNode(t)

	_, err := node.CreateOffer(buyerAddr, 7, big.NewInt(100))
	require.ErrorIs(t, err, market.ErrNotAssetController)

	// The failed create must not consume an offer id.
	offer, err := node.CreateOffer(sellerAddr, 7, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, uint64(0), offer.ID)
}

// flakyDB fails every Put once armed, forcing state.Manager.Commit to error
// after the engine logic already succeeded.
type flakyDB struct {
	storage.Database
	failPuts bool
}

func (db *flakyDB) Put(key, value []byte) error {
	if db.failPuts {
		return errors.New("disk full")
	}
	return db.Database.Put(key, value)
}

func TestFailedCommitEmitsNoEvents(t *testing.T) {
	journal, err := events.NewJournal(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer journal.Close()

	db := &flakyDB{Database: storage.NewMemDB()}
	node, err := NewNode(db, journal)
	require.NoError(t, err)
	require.NoError(t, node.ApplyGenesis(testGenesis()))

	before, err := journal.LastSequence()
	require.NoError(t, err)

	_, live, cancel, err := node.SubscribeEvents(before)
	require.NoError(t, err)
	defer cancel()

	db.failPuts = true
	_, err = node.CreateOffer(sellerAddr, 7, big.NewInt(100))
	require.Error(t, err)

	// The operation never persisted, so nothing may reach the journal or
	// live subscribers.
	after, err := journal.LastSequence()
	require.NoError(t, err)
	require.Equal(t, before, after)
	select {
	case evt := <-live:
		t.Fatalf("unexpected event %q after failed commit", evt.Event.Type)
	default:
	}

	// The same operation succeeds once the store recovers, and only then
	// are its events journaled and published. The failed attempt consumed
	// neither the offer id nor the listed guard.
	db.failPuts = false
	offer, err := node.CreateOffer(sellerAddr, 7, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, uint64(0), offer.ID)

	after, err = journal.LastSequence()
	require.NoError(t, err)
	require.Equal(t, before+1, after)
	evt := <-live
	require.Equal(t, market.EventTypeOfferCreated, evt.Event.Type)
}

func TestSubscribeEventsReplaysJournal(t *testing.T) {
	journal, err := events.NewJournal(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer journal.Close()

	node, err := NewNode(storage.NewMemDB(), journal)
	require.NoError(t, err)
	require.NoError(t, node.ApplyGenesis(testGenesis()))

	_, err = node.CreateOffer(sellerAddr, 7, big.NewInt(100))
	require.NoError(t, err)

	backlog, _, cancel, err := node.SubscribeEvents(0)
	require.NoError(t, err)
	defer cancel()
	require.NotEmpty(t, backlog)

	last := backlog[len(backlog)-1]
	require.Equal(t, market.EventTypeOfferCreated, last.Event.Type)
	require.Equal(t, "0", last.Event.Attributes["offerId"])
	for i := 1; i < len(backlog); i++ {
		require.Greater(t, backlog[i].Seq, backlog[i-1].Seq)
	}

	// A cursor at the head yields an empty backlog.
	tail, _, cancelTail, err := node.SubscribeEvents(last.Seq)
	require.NoError(t, err)
	defer cancelTail()
	require.Empty(t, tail)
}
