package engine

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Identity 具名签名身份：写连接必须绑定其中之一
type Identity struct {
	Name    string
	Address common.Address
	key     *ecdsa.PrivateKey
}

// SignerSet holds the configured signing identities, keyed by name.
// Assembled once at startup, immutable afterwards.
type SignerSet struct {
	chainID    *big.Int
	signer     types.Signer
	identities map[string]*Identity
}

// NewSignerSet parses name→hex-key pairs into identities.
func NewSignerSet(chainID int64, keys map[string]string) (*SignerSet, error) {
	id := big.NewInt(chainID)
	s := &SignerSet{
		chainID:    id,
		signer:     types.LatestSignerForChainID(id),
		identities: make(map[string]*Identity, len(keys)),
	}
	for name, hexKey := range keys {
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, fmt.Errorf("signer %q: invalid private key: %w", name, err)
		}
		s.identities[name] = &Identity{
			Name:    name,
			Address: crypto.PubkeyToAddress(key.PublicKey),
			key:     key,
		}
	}
	return s, nil
}

// Get returns the identity by name.
func (s *SignerSet) Get(name string) (*Identity, error) {
	id, ok := s.identities[name]
	if !ok {
		return nil, fmt.Errorf("%w: identity %q not configured", ErrSignerRequired, name)
	}
	return id, nil
}

// ChainID returns the configured chain id.
func (s *SignerSet) ChainID() *big.Int { return s.chainID }

// Sign signs a transaction with the named identity.
func (s *SignerSet) Sign(name string, tx *types.Transaction) (*types.Transaction, error) {
	id, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return types.SignTx(tx, s.signer, id.key)
}
