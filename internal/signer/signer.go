package signer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoKey = errors.New("signer: no key loaded")

// Signer holds a secp256k1 private key in locked memory and signs ledger
// transactions with it. The key is encrypted at rest via memguard.Enclave
// and only opened momentarily during SignTx.
type Signer struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
	address common.Address
}

// NewFromHex loads a private key from its hex encoding (with or without the
// 0x prefix). The plaintext key material is wiped after sealing.
func NewFromHex(keyHex string) (*Signer, error) {
	keyHex = strings.TrimPrefix(keyHex, "0x")
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("signer: decode key hex: %w", err)
	}

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("signer: parse key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	buf := memguard.NewBufferFromBytes(raw) // wipes raw
	return &Signer{
		enclave: buf.Seal(),
		address: addr,
	}, nil
}

// Address returns the derived signer address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs a transaction for the given chain. The key buffer is open
// only for the duration of the signature.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enclave == nil {
		return nil, ErrNoKey
	}

	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("signer: open enclave: %w", err)
	}
	defer buf.Destroy()

	key, err := crypto.ToECDSA(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("signer: rebuild key: %w", err)
	}

	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("signer: sign tx: %w", err)
	}

	return signed, nil
}

// Destroy wipes the held key. The signer is unusable afterwards.
func (s *Signer) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enclave = nil
}
