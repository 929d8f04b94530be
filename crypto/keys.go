package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable prefix used for account addresses.
type AddressPrefix string

// MarketPrefix is the bech32 prefix for marketplace account addresses.
const MarketPrefix AddressPrefix = "mkt"

// Address represents a 20-byte marketplace account address.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: b}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("address must be 20 bytes long, got %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey creates a fresh secp256k1 private key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: key}, nil
}

// PubKey returns the public key associated with the private key.
func (p *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{PublicKey: &p.PrivateKey.PublicKey}
}

type PublicKey struct {
	*ecdsa.PublicKey
}

// Address derives the bech32 marketplace address for the public key.
func (p *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*p.PublicKey).Bytes()
	return NewAddress(MarketPrefix, addrBytes)
}
