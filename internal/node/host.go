package node

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"iris/internal/crypto"
	"iris/internal/metrics"
	"iris/internal/peer"
	"iris/internal/proto"
	"iris/internal/store"
)

// Transport moves whole envelopes. Receive blocks until one arrives or the
// connection is gone.
type Transport interface {
	Send(b []byte) error
	Receive() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Cipher is the per-peer encryption capability.
type Cipher interface {
	EncryptFor(id peer.Identity, plaintext []byte) ([]byte, error)
	DecryptFrom(id peer.Identity, ciphertext []byte) ([]byte, error)
}

type ShardStore interface {
	Lookup(id uint64) (store.Shard, error)
	IDs() mapset.Set[uint64]
}

// Registry is the node-wide view sessions consult during gossip.
type Registry interface {
	Sessions() []*Session
	ConnectTo(addr string)
	Release(s *Session)
}

// Host is the context every session of one node shares.
type Host struct {
	Self     peer.Descriptor
	Cipher   Cipher
	Shards   ShardStore
	Registry Registry

	HandshakeTimeout time.Duration
	MaxClockSkew     time.Duration
	MaxPeersPerList  int
	MaxSessions      int

	Log      zerolog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
	OnShards func(s *Session, shards []proto.ShardDescriptor)
}

func (h *Host) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Host) sessions() []*Session {
	if h.Registry == nil {
		return nil
	}
	return h.Registry.Sessions()
}

func (h *Host) shardIDs() []uint64 {
	if h.Shards == nil {
		return nil
	}
	ids := h.Shards.IDs().ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BoxCipher adapts a crypto.Box to Cipher, keying on the identity's public key.
type BoxCipher struct {
	Box *crypto.Box
}

func (c BoxCipher) EncryptFor(id peer.Identity, plaintext []byte) ([]byte, error) {
	return c.Box.SealFor(id.PubKey, plaintext)
}

func (c BoxCipher) DecryptFrom(id peer.Identity, ciphertext []byte) ([]byte, error) {
	return c.Box.OpenFrom(id.PubKey, ciphertext)
}
