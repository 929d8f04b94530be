package core

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"assetmarket/core/types"
	"assetmarket/crypto"
	"assetmarket/native/registry"
	"assetmarket/state"
)

// GenesisAccount seeds one account balance.
type GenesisAccount struct {
	Address string `yaml:"address"`
	Balance string `yaml:"balance"`
}

// Genesis declares the initial state of a fresh marketplace node: the
// privileged admin, the active registry namespace, funded accounts and
// pre-registered asset custody records.
type Genesis struct {
	Network  string               `yaml:"network"`
	Admin    string               `yaml:"admin"`
	Registry string               `yaml:"registry"`
	Accounts []GenesisAccount     `yaml:"accounts"`
	Assets   []registry.SeedAsset `yaml:"assets"`
}

// LoadGenesis parses a YAML genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	gen := &Genesis{}
	if err := yaml.Unmarshal(raw, gen); err != nil {
		return nil, fmt.Errorf("parse genesis: %w", err)
	}
	if strings.TrimSpace(gen.Admin) == "" {
		return nil, fmt.Errorf("genesis: admin address required")
	}
	return gen, nil
}

// Initialized reports whether the node state already carries an admin record,
// i.e. genesis has been applied before.
func (n *Node) Initialized() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.state.Admin()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, state.ErrNoAdmin) {
		return false, nil
	}
	return false, err
}

// ApplyGenesis seeds a fresh node. It must run before the node serves
// operations and is rejected when state already exists.
func (n *Node) ApplyGenesis(gen *Genesis) error {
	if gen == nil {
		return fmt.Errorf("nil genesis")
	}
	initialized, err := n.Initialized()
	if err != nil {
		return err
	}
	if initialized {
		return fmt.Errorf("genesis: state already initialized")
	}
	admin, err := decodeAddr(gen.Admin)
	if err != nil {
		return fmt.Errorf("genesis admin: %w", err)
	}
	namespace := strings.TrimSpace(gen.Registry)
	if namespace == "" {
		namespace = DefaultRegistryNamespace
	}
	if namespace != n.registry.Namespace() {
		next := registry.NewEngine(namespace)
		next.SetState(n.state)
		next.SetEmitter(n)
		n.mu.Lock()
		n.registry = next
		n.market.SetGateway(next)
		n.mu.Unlock()
	}
	return n.withState(func() error {
		if err := n.state.SetAdmin(admin); err != nil {
			return err
		}
		if err := n.state.SetActiveRegistry(namespace); err != nil {
			return err
		}
		for _, account := range gen.Accounts {
			addr, err := decodeAddr(account.Address)
			if err != nil {
				return fmt.Errorf("genesis account %s: %w", account.Address, err)
			}
			balance, ok := new(big.Int).SetString(strings.TrimSpace(account.Balance), 10)
			if !ok || balance.Sign() < 0 {
				return fmt.Errorf("genesis account %s: invalid balance %q", account.Address, account.Balance)
			}
			if err := n.state.PutAccount(addr, &types.Account{Balance: balance}); err != nil {
				return err
			}
		}
		return n.registry.ApplySeed(gen.Assets)
	})
}

func decodeAddr(raw string) ([20]byte, error) {
	var addr [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return addr, err
	}
	copy(addr[:], decoded.Bytes())
	return addr, nil
}
