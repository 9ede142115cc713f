// Package cryptosuite is a minimal stand-in for the "cryptographic
// primitives... provided by the environment" Non-goal: a real deployment
// plugs in its own key-management and signing service, but the demo
// process wired up in main.go needs something concrete to hand the
// engine, so this uses the standard library's ed25519 directly rather
// than inventing a bespoke suite.
package cryptosuite

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/pbft-core/message"
)

// HashData computes the digest a leader assigns to a proposed block's raw
// data before it enters the PrePrepare phase.
func HashData(data []byte) message.Digest {
	return sha256.Sum256(data)
}

// KeySet implements message.Signer and message.Verifier over a fixed table
// of per-node ed25519 keys: this node's private key for Sign, every node's
// public key for Verify.
type KeySet struct {
	self       message.NodeIndex
	priv       ed25519.PrivateKey
	publicKeys map[message.NodeIndex]ed25519.PublicKey
}

// GenerateKeySet deterministically derives an ed25519 keypair per node
// from seeds (one seed per node, indexed by position) and returns the
// KeySet for self plus every node's public key for verification.
func GenerateKeySet(self message.NodeIndex, seeds [][]byte) (*KeySet, error) {
	publicKeys := make(map[message.NodeIndex]ed25519.PublicKey, len(seeds))
	var selfPriv ed25519.PrivateKey

	for i, seed := range seeds {
		if len(seed) != ed25519.SeedSize {
			return nil, errors.Errorf("cryptosuite: seed %d must be %d bytes, got %d", i, ed25519.SeedSize, len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		idx := message.NodeIndex(i)
		publicKeys[idx] = priv.Public().(ed25519.PublicKey)
		if idx == self {
			selfPriv = priv
		}
	}
	if selfPriv == nil {
		return nil, errors.Errorf("cryptosuite: no seed supplied for self index %d", self)
	}

	return &KeySet{self: self, priv: selfPriv, publicKeys: publicKeys}, nil
}

// RandomKeySet generates an independent random keypair per node; useful for
// tests and single-process demos where persistence across restarts does
// not matter.
func RandomKeySet(self message.NodeIndex, nodeCount int) (*KeySet, error) {
	publicKeys := make(map[message.NodeIndex]ed25519.PublicKey, nodeCount)
	var selfPriv ed25519.PrivateKey

	for i := 0; i < nodeCount; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "cryptosuite: generate key")
		}
		idx := message.NodeIndex(i)
		publicKeys[idx] = pub
		if idx == self {
			selfPriv = priv
		}
	}
	if selfPriv == nil {
		return nil, errors.Errorf("cryptosuite: self index %d out of range for %d nodes", self, nodeCount)
	}
	return &KeySet{self: self, priv: selfPriv, publicKeys: publicKeys}, nil
}

// Sign implements message.Signer. node is expected to equal this KeySet's
// self index; callers never need another node's private key.
func (k *KeySet) Sign(node message.NodeIndex, payload []byte) ([]byte, error) {
	if node != k.self {
		return nil, errors.Errorf("cryptosuite: cannot sign on behalf of node %d from node %d", node, k.self)
	}
	return ed25519.Sign(k.priv, payload), nil
}

// Verify implements message.Verifier.
func (k *KeySet) Verify(node message.NodeIndex, payload, sig []byte) error {
	pub, ok := k.publicKeys[node]
	if !ok {
		return errors.Errorf("cryptosuite: no public key registered for node %d", node)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return errors.Errorf("cryptosuite: signature verification failed for node %d", node)
	}
	return nil
}
