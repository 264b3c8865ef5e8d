package node

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"iris/internal/peer"
	"iris/internal/proto"
)

// newChallenge returns a random non-zero nonce. Zero means "no challenge".
func newChallenge() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		if c := binary.BigEndian.Uint64(buf[:]); c != 0 {
			return c, nil
		}
	}
}

// encodeChallenge is the plaintext a peer must encrypt to prove key possession.
func encodeChallenge(c uint64) []byte {
	return []byte(strconv.FormatUint(c, 10))
}

// BeginHandshake starts the handshake as initiator.
func (s *Session) BeginHandshake() error {
	c, err := newChallenge()
	if err != nil {
		return err
	}
	s.mu.Lock()
	switch {
	case s.phase == PhaseClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.phase != PhaseFresh || s.identity != nil || s.challenge != 0:
		s.mu.Unlock()
		return ErrHandshakeStarted
	}
	s.challenge = c
	s.mu.Unlock()

	return s.send(proto.BeginHandshake{
		Timestamp: s.host.now().Unix(),
		Peer:      s.host.Self,
		Challenge: c,
	})
}

func (s *Session) checkPeerDescriptor(d peer.Descriptor) error {
	if err := d.Validate(); err != nil {
		return protocolErr(CodeInvalidHandshake, reasonInvalidHandshake, err)
	}
	if d.Identity.Equal(s.host.Self.Identity) {
		return protocolErr(CodeInvalidHandshake, reasonInvalidHandshake, ErrSelfConnect)
	}
	return nil
}

// skewSeconds is |now - ts| in seconds. The unsigned difference cannot
// overflow for any pair of int64 timestamps.
func skewSeconds(now, ts int64) uint64 {
	if ts > now {
		return uint64(ts) - uint64(now)
	}
	return uint64(now) - uint64(ts)
}

func (s *Session) handleBegin(m proto.BeginHandshake) error {
	s.mu.Lock()
	bound, outstanding := s.identity != nil, s.challenge != 0
	s.mu.Unlock()
	if bound {
		return protocolErr(CodeInvalidHandshake, reasonInvalidHandshake, ErrRenegotiation)
	}
	if outstanding {
		return protocolErr(CodeInvalidHandshake, reasonInvalidHandshake, ErrHandshakeStarted)
	}

	if skew := skewSeconds(s.host.now().Unix(), m.Timestamp); skew > uint64(s.host.MaxClockSkew/time.Second) {
		return protocolErr(CodeTimestampSkew, reasonTimestampSkew,
			fmt.Errorf("%w: %ds", ErrTimestampSkew, skew))
	}
	if err := s.checkPeerDescriptor(m.Peer); err != nil {
		return err
	}
	if s.atCapacity() {
		if err := s.sendPlain(proto.DenyHandshake{Reason: reasonTooManyPeers}); err != nil {
			return err
		}
		return protocolErr(CodeDenied, "", ErrTooManyPeers)
	}

	response, err := s.host.Cipher.EncryptFor(m.Peer.Identity, encodeChallenge(m.Challenge))
	if err != nil {
		return protocolErr(CodeInvalidHandshake, reasonInvalidHandshake, err)
	}
	c, err := newChallenge()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.identity != nil || s.challenge != 0 {
		s.mu.Unlock()
		return protocolErr(CodeInvalidHandshake, reasonInvalidHandshake, ErrRenegotiation)
	}
	if err := s.bindLocked(m.Peer); err != nil {
		s.mu.Unlock()
		return protocolErr(CodeInvalidHandshake, reasonInvalidHandshake, err)
	}
	s.challenge = c
	log := s.log
	s.mu.Unlock()

	log.Debug().Msg("handshake begun by peer")
	return s.sendPlain(proto.AcceptHandshake{
		Peer:      s.host.Self,
		Response:  response,
		Challenge: c,
	})
}

// atCapacity reports whether the node already holds MaxSessions
// authenticated sessions besides this one.
func (s *Session) atCapacity() bool {
	if s.host.MaxSessions <= 0 {
		return false
	}
	n := 0
	for _, other := range s.host.sessions() {
		if other != s && other.Phase() == PhaseAuthenticated {
			n++
		}
	}
	return n >= s.host.MaxSessions
}

func (s *Session) handleAccept(m proto.AcceptHandshake) error {
	s.mu.Lock()
	expected, bound := s.challenge, s.identity != nil
	s.mu.Unlock()
	if expected == 0 || bound {
		return protocolErr(CodeInvalidHandshake, reasonUnexpectedAccept, ErrUnexpectedAccept)
	}
	if err := s.checkPeerDescriptor(m.Peer); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.bindLocked(m.Peer); err != nil {
		s.mu.Unlock()
		return protocolErr(CodeInvalidHandshake, reasonUnexpectedAccept, err)
	}
	s.mu.Unlock()

	got, err := s.host.Cipher.DecryptFrom(m.Peer.Identity, m.Response)
	if err != nil || subtle.ConstantTimeCompare(got, encodeChallenge(expected)) != 1 {
		if err == nil {
			err = ErrChallengeMismatch
		}
		return protocolErr(CodeChallengeMismatch, reasonChallengeMismatch, err)
	}
	response, err := s.host.Cipher.EncryptFor(m.Peer.Identity, encodeChallenge(m.Challenge))
	if err != nil {
		return protocolErr(CodeInvalidHandshake, reasonInvalidHandshake, err)
	}

	s.mu.Lock()
	if err := s.authenticateLocked(); err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrSessionClosed) {
			// the auth timer claimed the session and reports the failure
			return nil
		}
		return protocolErr(CodeInvalidHandshake, reasonInvalidHandshake, err)
	}
	log := s.log
	s.mu.Unlock()
	s.host.Metrics.HandshakeCompleted("initiator")
	log.Info().Str("addr", m.Peer.Addr()).Msg("session authenticated")

	if err := s.sendPlain(proto.CompleteHandshake{Response: response}); err != nil {
		return err
	}
	return s.send(proto.RequestPeers{
		MaxSize: s.host.MaxPeersPerList,
		Shards:  s.host.shardIDs(),
	})
}

func (s *Session) handleComplete(m proto.CompleteHandshake) error {
	s.mu.Lock()
	expected, ident, phase := s.challenge, s.identity, s.phase
	s.mu.Unlock()
	if expected == 0 || ident == nil || phase == PhaseAuthenticated {
		return protocolErr(CodeInvalidHandshake, reasonUnexpectedComplete, ErrUnexpectedComplete)
	}

	got, err := s.host.Cipher.DecryptFrom(*ident, m.Response)
	if err != nil || subtle.ConstantTimeCompare(got, encodeChallenge(expected)) != 1 {
		if err == nil {
			err = ErrChallengeMismatch
		}
		return protocolErr(CodeChallengeMismatch, reasonChallengeMismatch, err)
	}

	s.mu.Lock()
	if err := s.authenticateLocked(); err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrSessionClosed) {
			// the auth timer claimed the session and reports the failure
			return nil
		}
		return protocolErr(CodeInvalidHandshake, reasonInvalidHandshake, err)
	}
	log := s.log
	s.mu.Unlock()
	s.host.Metrics.HandshakeCompleted("responder")
	log.Info().Msg("session authenticated")
	return nil
}

// handleDeny closes a session whose handshake the peer refused. Nothing is
// sent back.
func (s *Session) handleDeny(m proto.DenyHandshake) error {
	return protocolErr(CodeDenied, "", fmt.Errorf("%w: %s", ErrHandshakeDenied, m.Reason))
}

func (s *Session) handleClose(m proto.Close) error {
	s.logger().Info().Str("reason", m.Reason).Msg("peer closed session")
	s.shutdown("remote", "", nil)
	return nil
}
