package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"assetmarket/crypto"
)

// SeedAsset is one custody record in a genesis seed file.
type SeedAsset struct {
	ID    uint64 `yaml:"id"`
	Owner string `yaml:"owner"`
}

// LoadSeed parses a YAML seed file of initial custody records.
func LoadSeed(path string) ([]SeedAsset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry seed: %w", err)
	}
	var doc struct {
		Assets []SeedAsset `yaml:"assets"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse registry seed: %w", err)
	}
	return doc.Assets, nil
}

// ApplySeed mints every seed record. Duplicate ids in the seed file are a
// configuration error and abort the whole seeding pass.
func (e *Engine) ApplySeed(assets []SeedAsset) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	for _, seed := range assets {
		owner, err := crypto.DecodeAddress(seed.Owner)
		if err != nil {
			return fmt.Errorf("registry seed asset %d: %w", seed.ID, err)
		}
		var addr [20]byte
		copy(addr[:], owner.Bytes())
		if err := e.Mint(addr, seed.ID); err != nil {
			return fmt.Errorf("registry seed asset %d: %w", seed.ID, err)
		}
	}
	return nil
}
