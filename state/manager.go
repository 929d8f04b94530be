package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"assetmarket/core/types"
	"assetmarket/native/market"
	"assetmarket/native/registry"
	"assetmarket/storage"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the account balance.
	ErrInsufficientBalance = errors.New("state: insufficient account balance")
	// ErrNoAdmin is returned when the privileged admin address was never set.
	ErrNoAdmin = errors.New("state: admin address not configured")
)

const (
	keyOfferPrefix   = "market/offer/"
	keyOfferIndex    = "market/offers/index"
	keyListedPrefix  = "market/listed/"
	keyDeletedPrefix = "market/deleted/"
	keyLedgerPrefix  = "market/ledger/"
	keyOfferSeq      = "market/seq"
	keyAccountPrefix = "account/"
	keyAdmin         = "node/admin"
	keyRegistry      = "node/registry"
)

// Manager buffers all state writes in an overlay journal so a whole operation
// can be reverted when its trailing custody-gateway call fails, and flushed to
// the backing store in one Commit once it succeeds. It implements the state
// interfaces of both the market engine and the registry engine.
//
// The manager is not safe for concurrent use; the node serializes operations.
type Manager struct {
	db      storage.Database
	overlay map[string]overlayValue
	journal []journalEntry
}

type overlayValue struct {
	value   []byte
	deleted bool
}

type journalEntry struct {
	key     string
	prev    overlayValue
	existed bool
}

// NewManager wraps the database in a journaled state manager.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		overlay: make(map[string]overlayValue),
	}
}

// Snapshot returns a revision id for the current journal position.
func (m *Manager) Snapshot() int {
	return len(m.journal)
}

// RevertToSnapshot unwinds every write made after the snapshot was taken.
func (m *Manager) RevertToSnapshot(revision int) {
	if revision < 0 || revision > len(m.journal) {
		return
	}
	for i := len(m.journal) - 1; i >= revision; i-- {
		entry := m.journal[i]
		if entry.existed {
			m.overlay[entry.key] = entry.prev
		} else {
			delete(m.overlay, entry.key)
		}
	}
	m.journal = m.journal[:revision]
}

// Commit flushes the overlay to the backing store and resets the journal.
func (m *Manager) Commit() error {
	for key, entry := range m.overlay {
		if entry.deleted {
			if err := m.db.Delete([]byte(key)); err != nil {
				return err
			}
			continue
		}
		if err := m.db.Put([]byte(key), entry.value); err != nil {
			return err
		}
	}
	m.overlay = make(map[string]overlayValue)
	m.journal = nil
	return nil
}

func (m *Manager) record(key string) {
	prev, existed := m.overlay[key]
	m.journal = append(m.journal, journalEntry{key: key, prev: prev, existed: existed})
}

func (m *Manager) write(key string, value []byte) {
	m.record(key)
	m.overlay[key] = overlayValue{value: value}
}

func (m *Manager) erase(key string) {
	m.record(key)
	m.overlay[key] = overlayValue{deleted: true}
}

func (m *Manager) read(key string) ([]byte, bool, error) {
	if entry, ok := m.overlay[key]; ok {
		if entry.deleted {
			return nil, false, nil
		}
		return entry.value, true, nil
	}
	value, err := m.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) has(key string) (bool, error) {
	if entry, ok := m.overlay[key]; ok {
		return !entry.deleted, nil
	}
	return m.db.Has([]byte(key))
}

func idKey(prefix string, id uint64) string {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return string(key)
}

func addrKey(prefix string, addr [20]byte) string {
	return prefix + string(addr[:])
}

// --- RLP wire formats ---

// storedOffer mirrors market.Offer with RLP-encodable field types.
type storedOffer struct {
	ID        uint64
	AssetID   uint64
	Seller    [20]byte
	Price     *big.Int
	Fulfilled bool
	Paused    bool
	CreatedAt uint64
}

type storedAsset struct {
	ID       uint64
	Owner    [20]byte
	Approved [20]byte
	MintedAt uint64
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// --- market engine state ---

// MarketNextOfferID allocates the next monotonic offer id, starting at zero.
// Ids are never reused, including after deletion.
func (m *Manager) MarketNextOfferID() (uint64, error) {
	raw, ok, err := m.read(keyOfferSeq)
	if err != nil {
		return 0, err
	}
	var next uint64
	if ok {
		if len(raw) != 8 {
			return 0, fmt.Errorf("state: corrupt offer sequence")
		}
		next = binary.BigEndian.Uint64(raw)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next+1)
	m.write(keyOfferSeq, buf)
	return next, nil
}

func (m *Manager) OfferPut(offer *market.Offer) error {
	sanitized, err := market.SanitizeOffer(offer)
	if err != nil {
		return err
	}
	stored := storedOffer{
		ID:        sanitized.ID,
		AssetID:   sanitized.AssetID,
		Seller:    sanitized.Seller,
		Price:     sanitized.Price,
		Fulfilled: sanitized.Fulfilled,
		Paused:    sanitized.Paused,
		CreatedAt: uint64(sanitized.CreatedAt),
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	index, err := m.offerIndex()
	if err != nil {
		return err
	}
	present := false
	for _, id := range index {
		if id == sanitized.ID {
			present = true
			break
		}
	}
	if !present {
		index = append(index, sanitized.ID)
		if err := m.writeOfferIndex(index); err != nil {
			return err
		}
	}
	m.write(idKey(keyOfferPrefix, sanitized.ID), encoded)
	return nil
}

func (m *Manager) OfferGet(id uint64) (*market.Offer, bool, error) {
	raw, ok, err := m.read(idKey(keyOfferPrefix, id))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedOffer
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("state: decode offer %d: %w", id, err)
	}
	return &market.Offer{
		ID:        stored.ID,
		AssetID:   stored.AssetID,
		Seller:    stored.Seller,
		Price:     stored.Price,
		Fulfilled: stored.Fulfilled,
		Paused:    stored.Paused,
		CreatedAt: int64(stored.CreatedAt),
	}, true, nil
}

func (m *Manager) OfferErase(id uint64) error {
	index, err := m.offerIndex()
	if err != nil {
		return err
	}
	filtered := index[:0]
	for _, existing := range index {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	if err := m.writeOfferIndex(filtered); err != nil {
		return err
	}
	m.erase(idKey(keyOfferPrefix, id))
	return nil
}

// OfferList returns every open offer in creation order.
func (m *Manager) OfferList() ([]*market.Offer, error) {
	index, err := m.offerIndex()
	if err != nil {
		return nil, err
	}
	offers := make([]*market.Offer, 0, len(index))
	for _, id := range index {
		offer, ok, err := m.OfferGet(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("state: offer index references missing offer %d", id)
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

func (m *Manager) offerIndex() ([]uint64, error) {
	raw, ok, err := m.read(keyOfferIndex)
	if err != nil || !ok {
		return nil, err
	}
	var index []uint64
	if err := rlp.DecodeBytes(raw, &index); err != nil {
		return nil, fmt.Errorf("state: decode offer index: %w", err)
	}
	return index, nil
}

func (m *Manager) writeOfferIndex(index []uint64) error {
	encoded, err := rlp.EncodeToBytes(index)
	if err != nil {
		return err
	}
	m.write(keyOfferIndex, encoded)
	return nil
}

func (m *Manager) ListedMark(assetID uint64) error {
	m.write(idKey(keyListedPrefix, assetID), []byte{1})
	return nil
}

func (m *Manager) ListedClear(assetID uint64) error {
	m.erase(idKey(keyListedPrefix, assetID))
	return nil
}

func (m *Manager) ListedHas(assetID uint64) (bool, error) {
	return m.has(idKey(keyListedPrefix, assetID))
}

func (m *Manager) DeletedMark(offerID uint64) error {
	m.write(idKey(keyDeletedPrefix, offerID), []byte{1})
	return nil
}

func (m *Manager) DeletedHas(offerID uint64) (bool, error) {
	return m.has(idKey(keyDeletedPrefix, offerID))
}

func (m *Manager) LedgerBalance(addr [20]byte) (*big.Int, error) {
	raw, ok, err := m.read(addrKey(keyLedgerPrefix, addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(raw), nil
}

func (m *Manager) LedgerCredit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: ledger credit must be positive")
	}
	balance, err := m.LedgerBalance(addr)
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	m.write(addrKey(keyLedgerPrefix, addr), balance.Bytes())
	return nil
}

// LedgerZero clears the balance and returns the amount that was held. The
// zeroing happens before any payout so a reentrant claim finds nothing.
func (m *Manager) LedgerZero(addr [20]byte) (*big.Int, error) {
	balance, err := m.LedgerBalance(addr)
	if err != nil {
		return nil, err
	}
	m.erase(addrKey(keyLedgerPrefix, addr))
	return balance, nil
}

// --- accounts ---

func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	raw, ok, err := m.read(addrKey(keyAccountPrefix, addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.EnsureAccount(nil), nil
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	return types.EnsureAccount(&types.Account{Nonce: stored.Nonce, Balance: stored.Balance}), nil
}

func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	account = types.EnsureAccount(account)
	encoded, err := rlp.EncodeToBytes(&storedAccount{Nonce: account.Nonce, Balance: account.Balance})
	if err != nil {
		return err
	}
	m.write(addrKey(keyAccountPrefix, addr), encoded)
	return nil
}

func (m *Manager) AccountBalance(addr [20]byte) (*big.Int, error) {
	account, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Balance), nil
}

func (m *Manager) AccountDebit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: debit amount must be non-negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	if account.Balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	account.Balance = new(big.Int).Sub(account.Balance, amount)
	return m.PutAccount(addr, account)
}

func (m *Manager) AccountCredit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return m.PutAccount(addr, account)
}

// --- registry engine state ---

func registryAssetKey(namespace string, id uint64) string {
	return idKey("registry/"+namespace+"/asset/", id)
}

func (m *Manager) AssetPut(namespace string, asset *registry.Asset) error {
	if asset == nil {
		return fmt.Errorf("state: nil asset")
	}
	stored := storedAsset{
		ID:       asset.ID,
		Owner:    asset.Owner,
		Approved: asset.Approved,
		MintedAt: uint64(asset.MintedAt),
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	m.write(registryAssetKey(namespace, asset.ID), encoded)
	return nil
}

func (m *Manager) AssetGet(namespace string, id uint64) (*registry.Asset, bool, error) {
	raw, ok, err := m.read(registryAssetKey(namespace, id))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedAsset
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("state: decode asset %d: %w", id, err)
	}
	return &registry.Asset{
		ID:       stored.ID,
		Owner:    stored.Owner,
		Approved: stored.Approved,
		MintedAt: int64(stored.MintedAt),
	}, true, nil
}

// --- node metadata ---

func (m *Manager) SetAdmin(addr [20]byte) error {
	m.write(keyAdmin, addr[:])
	return nil
}

func (m *Manager) Admin() ([20]byte, error) {
	var admin [20]byte
	raw, ok, err := m.read(keyAdmin)
	if err != nil {
		return admin, err
	}
	if !ok {
		return admin, ErrNoAdmin
	}
	if len(raw) != 20 {
		return admin, fmt.Errorf("state: corrupt admin record")
	}
	copy(admin[:], raw)
	return admin, nil
}

// SetActiveRegistry persists the namespace of the registry in use.
func (m *Manager) SetActiveRegistry(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("state: registry namespace must not be empty")
	}
	m.write(keyRegistry, []byte(namespace))
	return nil
}

// ActiveRegistry returns the persisted registry namespace, if any.
func (m *Manager) ActiveRegistry() (string, bool, error) {
	raw, ok, err := m.read(keyRegistry)
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}
