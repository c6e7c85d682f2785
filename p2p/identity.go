package p2p

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
)

// Identity is the node's long-lived secp256k1 key pair; its public half,
// stripped of the uncompressed-point format byte, is the NodeId.
type Identity struct {
	private *ecdsa.PrivateKey
	id      NodeId
}

// GenerateIdentity creates a fresh identity backed by a new secp256k1 key.
func GenerateIdentity() (*Identity, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("p2p: generate identity: %w", err)
	}
	return identityFromKey(key), nil
}

// LoadOrCreateIdentity reads a raw 32-byte secp256k1 private key from path,
// creating and persisting a new one (in the same raw form) if the file does
// not exist.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		key, err := crypto.ToECDSA(b)
		if err != nil {
			return nil, fmt.Errorf("p2p: parse identity key %s: %w", path, err)
		}
		return identityFromKey(key), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("p2p: read identity key %s: %w", path, err)
	}

	identity, genErr := GenerateIdentity()
	if genErr != nil {
		return nil, genErr
	}
	if err := os.WriteFile(path, crypto.FromECDSA(identity.private), 0o600); err != nil {
		return nil, fmt.Errorf("p2p: persist identity key %s: %w", path, err)
	}
	return identity, nil
}

func identityFromKey(key *ecdsa.PrivateKey) *Identity {
	return &Identity{private: key, id: deriveNodeID(&key.PublicKey)}
}

func deriveNodeID(pub *ecdsa.PublicKey) NodeId {
	raw := crypto.FromECDSAPub(pub) // 0x04 || X(32) || Y(32)
	var id NodeId
	copy(id[:], raw[1:])
	return id
}

// NodeID returns the identity's public NodeId.
func (i *Identity) NodeID() NodeId {
	return i.id
}

// NodeIDToPublicKey reconstructs the ecdsa.PublicKey for a given NodeId, for
// verifying handshake claims against a peer's TLS-presented key.
func NodeIDToPublicKey(id NodeId) (*ecdsa.PublicKey, error) {
	raw := make([]byte, 0, 65)
	raw = append(raw, 0x04)
	raw = append(raw, id[:]...)
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("p2p: invalid node id public key: %w", err)
	}
	return pub, nil
}
