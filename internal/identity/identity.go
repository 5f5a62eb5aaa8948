package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
)

// NodeID uniquely identifies a cluster participant.
type NodeID string

// Keypair is a node's long-term ed25519 identity used to sign attestations
// and consensus votes.
type Keypair struct {
	Node    NodeID
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func Generate(node NodeID) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &Keypair{Node: node, Public: pub, Private: priv}, nil
}

func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.Private, message)
}

// Save writes the private key seed to path as hex, readable only by the owner.
func (k *Keypair) Save(path string) error {
	seed := hex.EncodeToString(k.Private.Seed())
	if err := os.WriteFile(path, []byte(seed), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func Load(node NodeID, path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	seed, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid key seed length: %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{
		Node:    node,
		Public:  priv.Public().(ed25519.PublicKey),
		Private: priv,
	}, nil
}

// Registry maps node identities to their registered public keys. Signatures
// from nodes without a registered key never verify.
type Registry struct {
	mu   sync.RWMutex
	keys map[NodeID]ed25519.PublicKey
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[NodeID]ed25519.PublicKey)}
}

func (r *Registry) Register(node NodeID, key ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[node] = key
}

func (r *Registry) Lookup(node NodeID) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[node]
	return key, ok
}

// Verify checks that signature over message was produced by node's
// registered key.
func (r *Registry) Verify(node NodeID, message, signature []byte) bool {
	key, ok := r.Lookup(node)
	if !ok {
		return false
	}
	return ed25519.Verify(key, message, signature)
}
