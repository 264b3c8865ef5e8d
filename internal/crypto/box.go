package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

const (
	labelBoxKey = "iris:box:v1"
	labelBoxAAD = "iris:box:aad:v1"

	maxBoxCache = 1024
)

// Box seals payloads for one specific peer. The key for a peer is derived from
// the X25519 shared secret of both static keys, so only the two endpoints of a
// pair can open what the other sealed.
type Box struct {
	pub  []byte
	priv []byte

	mu   sync.Mutex
	keys map[string][]byte
}

func NewBox(pub, priv []byte) (*Box, error) {
	if len(priv) == 0 {
		return nil, errors.New("empty private key")
	}
	derived, err := PublicFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	if len(pub) != 0 && !bytes.Equal(pub, derived) {
		return nil, errors.New("public key does not match private key")
	}
	return &Box{
		pub:  derived,
		priv: append([]byte(nil), priv...),
		keys: make(map[string][]byte),
	}, nil
}

func (b *Box) Public() []byte {
	out := make([]byte, len(b.pub))
	copy(out, b.pub)
	return out
}

func (b *Box) String() string {
	return "Box{REDACTED}"
}

// SealFor encrypts plaintext so that only the holder of peerPub's private key
// (or this box) can open it. Output is nonce || ciphertext.
func (b *Box) SealFor(peerPub, plaintext []byte) ([]byte, error) {
	key, err := b.pairKey(peerPub)
	if err != nil {
		return nil, err
	}
	nonce, ct, err := XSeal(key, plaintext, []byte(labelBoxAAD))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// OpenFrom reverses SealFor for a payload sealed by peerPub's owner.
func (b *Box) OpenFrom(peerPub, sealed []byte) ([]byte, error) {
	if len(sealed) < XNonceSize {
		return nil, fmt.Errorf("%w: short ciphertext", ErrDecrypt)
	}
	key, err := b.pairKey(peerPub)
	if err != nil {
		return nil, err
	}
	pt, err := XOpen(key, sealed[:XNonceSize], sealed[XNonceSize:], []byte(labelBoxAAD))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}

func (b *Box) pairKey(peerPub []byte) ([]byte, error) {
	if !IsPublicKey(peerPub) {
		return nil, fmt.Errorf("%w: peer public key", ErrBadKeySize)
	}
	cacheKey := hex.EncodeToString(peerPub)
	b.mu.Lock()
	if k, ok := b.keys[cacheKey]; ok {
		b.mu.Unlock()
		return k, nil
	}
	b.mu.Unlock()

	ss, err := X25519Shared(b.priv, peerPub)
	if err != nil {
		return nil, err
	}
	lo, hi := b.pub, peerPub
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	key := KDF(labelBoxKey, ss, lo, hi)
	zeroBytes(ss)

	b.mu.Lock()
	if len(b.keys) >= maxBoxCache {
		for k := range b.keys {
			delete(b.keys, k)
			break
		}
	}
	b.keys[cacheKey] = key
	b.mu.Unlock()
	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
