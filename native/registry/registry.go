package registry

import (
	"errors"
	"time"

	"assetmarket/core/events"
	nativecommon "assetmarket/native/common"
)

var (
	// ErrAssetNotFound is returned when no custody record exists for the id.
	ErrAssetNotFound = errors.New("asset registry: asset not found")
	// ErrAssetExists rejects minting an id that is already registered.
	ErrAssetExists = errors.New("asset registry: asset already exists")
	// ErrNotOwner rejects approvals from callers that do not own the asset.
	ErrNotOwner = errors.New("asset registry: caller is not the owner")
	// ErrNotCustodian rejects transfers where the transferor neither owns nor
	// is approved for the asset.
	ErrNotCustodian = errors.New("asset registry: transferor is not the custodian")

	errNilState = errors.New("asset registry: state not configured")
)

const moduleName = "registry"

// Asset is one custody record: the authoritative owner plus at most one
// approved operator. Approval is cleared on every transfer.
type Asset struct {
	ID       uint64
	Owner    [20]byte
	Approved [20]byte
	MintedAt int64
}

// Clone returns a copy callers can mutate safely.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// engineState is the custody-record surface the registry owns exclusively.
// Records are namespaced so an administrator can swap the active registry
// without destroying the previous one.
type engineState interface {
	AssetPut(namespace string, asset *Asset) error
	AssetGet(namespace string, id uint64) (*Asset, bool, error)
}

// Engine is the reference Asset Custody Gateway. It satisfies the market
// engine's CustodyGateway interface and owns asset-ownership records
// exclusively; the market engine only requests transfers.
type Engine struct {
	state     engineState
	namespace string
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	nowFn     func() int64
}

// NewEngine creates a registry engine bound to the given namespace.
func NewEngine(namespace string) *Engine {
	return &Engine{
		namespace: namespace,
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses configures the module pause view.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Namespace returns the state namespace the engine operates on.
func (e *Engine) Namespace() string { return e.namespace }

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Mint registers a new asset under the supplied owner.
func (e *Engine) Mint(owner [20]byte, assetID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if _, ok, err := e.state.AssetGet(e.namespace, assetID); err != nil {
		return err
	} else if ok {
		return ErrAssetExists
	}
	asset := &Asset{ID: assetID, Owner: owner, MintedAt: e.nowFn()}
	if err := e.state.AssetPut(e.namespace, asset); err != nil {
		return err
	}
	e.emit(NewAssetMintedEvent(e.namespace, asset))
	return nil
}

// Approve grants a single operator transfer rights over the asset. Owner only.
func (e *Engine) Approve(caller, operator [20]byte, assetID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	asset, err := e.load(assetID)
	if err != nil {
		return err
	}
	if asset.Owner != caller {
		return ErrNotOwner
	}
	asset.Approved = operator
	if err := e.state.AssetPut(e.namespace, asset); err != nil {
		return err
	}
	e.emit(NewAssetApprovedEvent(e.namespace, asset))
	return nil
}

// OwnerOf returns the current custodian of the asset.
func (e *Engine) OwnerOf(assetID uint64) ([20]byte, error) {
	var zero [20]byte
	if e == nil || e.state == nil {
		return zero, errNilState
	}
	asset, err := e.load(assetID)
	if err != nil {
		return zero, err
	}
	return asset.Owner, nil
}

// IsOwnerOrApproved reports whether the actor currently controls the asset.
// Part of the market engine's CustodyGateway contract.
func (e *Engine) IsOwnerOrApproved(actor [20]byte, assetID uint64) bool {
	if e == nil || e.state == nil {
		return false
	}
	asset, ok, err := e.state.AssetGet(e.namespace, assetID)
	if err != nil || !ok {
		return false
	}
	var zero [20]byte
	if asset.Owner == actor {
		return true
	}
	return asset.Approved != zero && asset.Approved == actor
}

// TransferCustody atomically reassigns custody. The transferor must be the
// current owner or its approved operator; anything else leaves the record
// untouched. Approvals do not survive a transfer.
func (e *Engine) TransferCustody(from, to [20]byte, assetID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	asset, err := e.load(assetID)
	if err != nil {
		return err
	}
	var zero [20]byte
	if asset.Owner != from && (asset.Approved == zero || asset.Approved != from) {
		return ErrNotCustodian
	}
	asset.Owner = to
	asset.Approved = [20]byte{}
	if err := e.state.AssetPut(e.namespace, asset); err != nil {
		return err
	}
	e.emit(NewCustodyTransferredEvent(e.namespace, asset, from))
	return nil
}

func (e *Engine) load(assetID uint64) (*Asset, error) {
	asset, ok, err := e.state.AssetGet(e.namespace, assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAssetNotFound
	}
	return asset, nil
}
