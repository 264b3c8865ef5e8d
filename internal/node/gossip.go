package node

import (
	"errors"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"iris/internal/peer"
	"iris/internal/proto"
	"iris/internal/store"
)

// RequestPeers asks the peer for up to max of its authenticated peers.
func (s *Session) RequestPeers(max int) error {
	if s.Phase() != PhaseAuthenticated {
		return ErrNotAuthenticated
	}
	return s.send(proto.RequestPeers{MaxSize: max, Shards: s.host.shardIDs()})
}

// RequestShards asks the peer for the descriptors of the given shards it hosts.
func (s *Session) RequestShards(ids []uint64) error {
	if s.Phase() != PhaseAuthenticated {
		return ErrNotAuthenticated
	}
	return s.send(proto.RequestShards{Shards: ids})
}

func (s *Session) handleRequestPeers(m proto.RequestPeers) error {
	limit := m.MaxSize
	if s.host.MaxPeersPerList > 0 && limit > s.host.MaxPeersPerList {
		limit = s.host.MaxPeersPerList
	}
	requester, _ := s.Identity()

	// enumerate all, exclude the requester, then truncate
	var out []peer.Descriptor
	for _, other := range s.host.sessions() {
		if other == s || other.Phase() != PhaseAuthenticated {
			continue
		}
		d, ok := other.Descriptor()
		if !ok || d.Identity.Equal(requester) || d.Validate() != nil {
			continue
		}
		out = append(out, d)
	}
	if limit < 0 {
		limit = 0
	}
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []peer.Descriptor{}
	}
	return s.send(proto.ListPeers{Peers: out})
}

func (s *Session) handleListPeers(m proto.ListPeers) error {
	if s.host.Registry == nil {
		return nil
	}
	live := mapset.NewThreadUnsafeSet[[32]byte]()
	for _, other := range s.host.sessions() {
		if id, ok := other.Identity(); ok {
			live.Add(id.ID)
		}
	}
	for _, d := range m.Peers {
		if d.Validate() != nil {
			continue
		}
		if d.Identity.Equal(s.host.Self.Identity) {
			continue
		}
		// Add reports false when the identity is already live or already
		// requested earlier in this list.
		if !live.Add(d.Identity.ID) {
			continue
		}
		s.logger().Debug().Str("addr", d.Addr()).Str("candidate", d.Identity.Short()).Msg("connecting to gossiped peer")
		s.host.Registry.ConnectTo(d.Addr())
	}
	return nil
}

func (s *Session) handleRequestShards(m proto.RequestShards) error {
	out := []proto.ShardDescriptor{}
	if len(m.Shards) > 0 && s.host.Shards != nil {
		wanted := mapset.NewThreadUnsafeSet[uint64](m.Shards...)
		matched := wanted.Intersect(s.host.Shards.IDs()).ToSlice()
		sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
		for _, id := range matched {
			sh, err := s.host.Shards.Lookup(id)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					s.logger().Warn().Err(err).Uint64("shard", id).Msg("shard lookup failed")
				}
				continue
			}
			out = append(out, shardDescriptor(sh))
		}
	}
	return s.send(proto.ListShards{Shards: out})
}

// shardDescriptor leaves Peers empty: no source for per-shard peers exists yet.
func shardDescriptor(sh store.Shard) proto.ShardDescriptor {
	return proto.ShardDescriptor{
		ID:          sh.ID,
		Name:        sh.Name,
		Description: sh.Description,
		Public:      sh.Public,
		Meta:        sh.Meta,
		Peers:       []peer.Descriptor{},
	}
}

func (s *Session) handleListShards(m proto.ListShards) error {
	s.logger().Debug().Int("shards", len(m.Shards)).Msg("shards listed")
	if s.host.OnShards != nil {
		s.host.OnShards(s, m.Shards)
	}
	return nil
}
