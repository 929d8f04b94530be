package core

import (
	"errors"
	"math/big"
	"strings"
	"sync"

	"assetmarket/core/events"
	"assetmarket/core/types"
	"assetmarket/native/market"
	"assetmarket/native/registry"
	"assetmarket/observability"
	"assetmarket/state"
	"assetmarket/storage"
)

var (
	// ErrNotAdmin rejects privileged operations from non-admin callers.
	ErrNotAdmin = errors.New("node: caller is not the admin")
	// ErrEmptyRegistry rejects swapping to an empty registry reference.
	ErrEmptyRegistry = errors.New("node: registry reference must not be empty")
	// ErrDirectTransfer rejects value arriving outside the fill/claim paths.
	ErrDirectTransfer = errors.New("node: direct transfers to the marketplace are not accepted")
)

// DefaultRegistryNamespace is used when no genesis or stored reference exists.
const DefaultRegistryNamespace = "primary"

// Node owns the storage, state manager and engines, and serializes every
// public operation: each call runs to completion as a single critical section
// over the offer registry, guard sets and fund ledger. Engine bookkeeping and
// the trailing custody-gateway call are coupled through the state journal:
// when any step fails the whole operation is reverted, when all succeed the
// journal is committed in one batch.
type Node struct {
	mu sync.Mutex

	db       storage.Database
	state    *state.Manager
	market   *market.Engine
	registry *registry.Engine
	bus      *events.Bus
	journal  *events.Journal

	// pending holds events emitted inside the current critical section.
	// They are journaled and published only after the state commit
	// succeeds, so subscribers never see events for reverted operations.
	pending []*types.Event
}

// NewNode wires the engines to a fresh state manager over the database. The
// registry engine binds to the persisted active namespace when one exists.
func NewNode(db storage.Database, journal *events.Journal) (*Node, error) {
	manager := state.NewManager(db)
	node := &Node{
		db:      db,
		state:   manager,
		bus:     events.NewBus(),
		journal: journal,
	}

	namespace := DefaultRegistryNamespace
	if stored, ok, err := manager.ActiveRegistry(); err != nil {
		return nil, err
	} else if ok {
		namespace = stored
	}

	node.registry = registry.NewEngine(namespace)
	node.registry.SetState(manager)
	node.registry.SetEmitter(node)

	node.market = market.NewEngine()
	node.market.SetState(manager)
	node.market.SetGateway(node.registry)
	node.market.SetEmitter(node)

	return node, nil
}

// Emit buffers the event for the current operation. Part of the
// events.Emitter contract consumed by both engines; buffered events reach the
// journal and subscribers only once the operation commits.
func (n *Node) Emit(evt events.Event) {
	if n == nil || evt == nil {
		return
	}
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	payload := carrier.Event()
	if payload == nil {
		return
	}
	n.pending = append(n.pending, payload)
}

// flushPending journals, counts and publishes the buffered events. Called
// with n.mu held, after a successful commit.
func (n *Node) flushPending() {
	for _, payload := range n.pending {
		seq := uint64(0)
		if n.journal != nil {
			if appended, err := n.journal.Append(payload); err == nil {
				seq = appended
			}
		}
		observability.Events().RecordEvent(payload.Type)
		n.bus.Publish(events.Sequenced{Seq: seq, Event: payload})
	}
	n.pending = n.pending[:0]
}

// withState runs fn inside a journal snapshot and commits only on success.
// Events emitted by fn are flushed after the commit; a failed operation
// leaves no trace in either the state or the event journal.
func (n *Node) withState(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = n.pending[:0]
	snapshot := n.state.Snapshot()
	if err := fn(); err != nil {
		n.state.RevertToSnapshot(snapshot)
		n.pending = n.pending[:0]
		return err
	}
	if err := n.state.Commit(); err != nil {
		// Unwind the overlay so a later operation does not observe the
		// writes of one that never persisted.
		n.state.RevertToSnapshot(snapshot)
		n.pending = n.pending[:0]
		return err
	}
	n.flushPending()
	return nil
}

// --- marketplace operations ---

func (n *Node) CreateOffer(caller [20]byte, assetID uint64, price *big.Int) (*market.Offer, error) {
	var offer *market.Offer
	err := n.withState(func() error {
		created, err := n.market.CreateOffer(caller, assetID, price)
		if err != nil {
			return err
		}
		offer = created
		return nil
	})
	observability.Market().RecordOperation("createOffer", err)
	if err != nil {
		return nil, err
	}
	observability.Market().SetOpenOffers(n.countOpenOffers())
	return offer, nil
}

func (n *Node) FillOffer(caller [20]byte, offerID uint64, payment *big.Int) error {
	err := n.withState(func() error {
		return n.market.FillOffer(caller, offerID, payment)
	})
	observability.Market().RecordOperation("fillOffer", err)
	if err == nil {
		observability.Market().AddEscrowedValue(payment)
		observability.Market().SetOpenOffers(n.countOpenOffers())
	}
	return err
}

func (n *Node) PauseOffer(caller [20]byte, offerID uint64) error {
	err := n.withState(func() error {
		return n.market.PauseOffer(caller, offerID)
	})
	observability.Market().RecordOperation("pauseOffer", err)
	return err
}

func (n *Node) ResumeOffer(caller [20]byte, offerID uint64) error {
	err := n.withState(func() error {
		return n.market.ResumeOffer(caller, offerID)
	})
	observability.Market().RecordOperation("resumeOffer", err)
	return err
}

func (n *Node) RemoveOffer(caller [20]byte, offerID uint64) error {
	err := n.withState(func() error {
		return n.market.RemoveOffer(caller, offerID)
	})
	observability.Market().RecordOperation("removeOffer", err)
	if err == nil {
		observability.Market().SetOpenOffers(n.countOpenOffers())
	}
	return err
}

func (n *Node) ClaimFunds(caller [20]byte) (*big.Int, error) {
	var paid *big.Int
	err := n.withState(func() error {
		amount, err := n.market.ClaimFunds(caller)
		if err != nil {
			return err
		}
		paid = amount
		return nil
	})
	observability.Market().RecordOperation("claimFunds", err)
	if err != nil {
		return nil, err
	}
	observability.Market().SubEscrowedValue(paid)
	return paid, nil
}

func (n *Node) GetOffer(offerID uint64) (*market.Offer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.market.GetOffer(offerID)
}

func (n *Node) ListOffers() ([]*market.Offer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.market.ListOffers()
}

// LedgerBalance reports the withdrawable proceeds of the address.
func (n *Node) LedgerBalance(addr [20]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.market.Balance(addr)
}

// AccountBalance reports the spendable balance of the address.
func (n *Node) AccountBalance(addr [20]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.AccountBalance(addr)
}

// --- administrative operations ---

// SwapRegistry rebinds the marketplace to another asset registry namespace.
// Privileged: only the configured admin may call it. The namespace persist
// and the engine rebind happen under one mutex acquisition so no operation
// can settle through the swapped-out registry and concurrent swaps cannot
// leave the stored namespace diverging from the live binding.
func (n *Node) SwapRegistry(caller [20]byte, namespace string) error {
	namespace = strings.TrimSpace(namespace)
	err := n.swapRegistryLocked(caller, namespace)
	observability.Market().RecordOperation("swapRegistry", err)
	return err
}

func (n *Node) swapRegistryLocked(caller [20]byte, namespace string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = n.pending[:0]
	admin, err := n.state.Admin()
	if err != nil {
		return err
	}
	if caller != admin {
		return ErrNotAdmin
	}
	if namespace == "" {
		return ErrEmptyRegistry
	}
	snapshot := n.state.Snapshot()
	if err := n.state.SetActiveRegistry(namespace); err != nil {
		n.state.RevertToSnapshot(snapshot)
		return err
	}
	if err := n.state.Commit(); err != nil {
		n.state.RevertToSnapshot(snapshot)
		return err
	}
	next := registry.NewEngine(namespace)
	next.SetState(n.state)
	next.SetEmitter(n)
	n.registry = next
	n.market.SetGateway(next)
	n.Emit(market.NewRegistrySwappedEvent(caller, namespace))
	n.flushPending()
	return nil
}

// Deposit exists only to reject stray value transfers: funds enter the
// marketplace exclusively through FillOffer and leave through ClaimFunds.
func (n *Node) Deposit([20]byte, *big.Int) error {
	return ErrDirectTransfer
}

// MintAsset registers a new asset in the active registry.
func (n *Node) MintAsset(owner [20]byte, assetID uint64) error {
	return n.withState(func() error {
		return n.registry.Mint(owner, assetID)
	})
}

// ApproveAsset grants an operator transfer rights in the active registry.
func (n *Node) ApproveAsset(caller, operator [20]byte, assetID uint64) error {
	return n.withState(func() error {
		return n.registry.Approve(caller, operator, assetID)
	})
}

// AssetOwner resolves the current custodian in the active registry.
func (n *Node) AssetOwner(assetID uint64) ([20]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry.OwnerOf(assetID)
}

// ActiveRegistry returns the namespace of the registry currently in use.
func (n *Node) ActiveRegistry() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry.Namespace()
}

// Admin returns the privileged admin address.
func (n *Node) Admin() ([20]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Admin()
}

// --- event streaming ---

// SubscribeEvents registers a live subscriber and returns the journaled
// backlog after the supplied cursor. Consumers dedupe on sequence number when
// an event lands in both.
func (n *Node) SubscribeEvents(cursor uint64) ([]events.Sequenced, <-chan events.Sequenced, func(), error) {
	ch, cancel := n.bus.Subscribe(256)
	var backlog []events.Sequenced
	if n.journal != nil {
		err := n.journal.Range(cursor, func(seq uint64, evt *types.Event) error {
			backlog = append(backlog, events.Sequenced{Seq: seq, Event: evt})
			return nil
		})
		if err != nil {
			cancel()
			return nil, nil, nil, err
		}
	}
	return backlog, ch, cancel, nil
}

func (n *Node) countOpenOffers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	offers, err := n.market.ListOffers()
	if err != nil {
		return 0
	}
	return len(offers)
}
