package registry

import (
	"strconv"

	"assetmarket/core/types"
	"assetmarket/crypto"
)

const (
	EventTypeAssetMinted        = "registry.asset.minted"
	EventTypeAssetApproved      = "registry.asset.approved"
	EventTypeCustodyTransferred = "registry.custody.transferred"
)

type registryEvent struct {
	evt *types.Event
}

func (e registryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e registryEvent) Event() *types.Event { return e.evt }

func assetAttributes(namespace string, a *Asset) map[string]string {
	return map[string]string{
		"registry": namespace,
		"assetId":  strconv.FormatUint(a.ID, 10),
		"owner":    crypto.NewAddress(crypto.MarketPrefix, a.Owner[:]).String(),
	}
}

// NewAssetMintedEvent returns the canonical payload for a freshly registered
// asset.
func NewAssetMintedEvent(namespace string, a *Asset) registryEvent {
	return registryEvent{evt: &types.Event{Type: EventTypeAssetMinted, Attributes: assetAttributes(namespace, a)}}
}

// NewAssetApprovedEvent records an operator grant.
func NewAssetApprovedEvent(namespace string, a *Asset) registryEvent {
	attrs := assetAttributes(namespace, a)
	attrs["operator"] = crypto.NewAddress(crypto.MarketPrefix, a.Approved[:]).String()
	return registryEvent{evt: &types.Event{Type: EventTypeAssetApproved, Attributes: attrs}}
}

// NewCustodyTransferredEvent records a completed custody transfer.
func NewCustodyTransferredEvent(namespace string, a *Asset, from [20]byte) registryEvent {
	attrs := assetAttributes(namespace, a)
	attrs["from"] = crypto.NewAddress(crypto.MarketPrefix, from[:]).String()
	return registryEvent{evt: &types.Event{Type: EventTypeCustodyTransferred, Attributes: attrs}}
}
