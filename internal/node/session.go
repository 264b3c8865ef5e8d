package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iris/internal/debuglog"
	"iris/internal/peer"
	"iris/internal/proto"
)

// Phase is the authentication progress of a session.
type Phase int

const (
	PhaseFresh Phase = iota
	PhaseHandshakeInFlight
	PhaseAuthenticated
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseFresh:
		return "fresh"
	case PhaseHandshakeInFlight:
		return "handshake_in_flight"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	gossipDropLogInterval = 10 * time.Second
)

// Session is the protocol state of one connection. Inbound messages are
// handled by Run, one at a time.
type Session struct {
	id        uuid.UUID
	host      *Host
	transport Transport
	direction string
	log       zerolog.Logger

	mu        sync.Mutex
	phase     Phase
	identity  *peer.Identity
	desc      peer.Descriptor
	challenge uint64
	timer     *time.Timer
	err       error

	sendMu    sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(host *Host, t Transport, direction string) *Session {
	s := &Session{
		id:        uuid.New(),
		host:      host,
		transport: t,
		direction: direction,
		done:      make(chan struct{}),
	}
	s.log = host.Log.With().
		Str("session", s.id.String()).
		Str("remote", t.RemoteAddr()).
		Str("direction", direction).
		Logger()
	timeout := host.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s.timer = time.AfterFunc(timeout, s.expire)
	return s
}

func (s *Session) ID() uuid.UUID      { return s.id }
func (s *Session) Direction() string  { return s.direction }
func (s *Session) RemoteAddr() string { return s.transport.RemoteAddr() }

// Done is closed once the close sequence has run.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) Identity() (peer.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return peer.Identity{}, false
	}
	return *s.identity, true
}

// Descriptor is the peer's advertised address and identity, known once the
// handshake has bound an identity.
func (s *Session) Descriptor() (peer.Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return peer.Descriptor{}, false
	}
	return s.desc, true
}

func (s *Session) logger() *zerolog.Logger {
	s.mu.Lock()
	l := s.log
	s.mu.Unlock()
	return &l
}

// Err is the fault that closed the session, nil for orderly closes.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// advanceLocked moves the phase one step forward. Skips and regressions are
// refused.
func (s *Session) advanceLocked(to Phase) error {
	if s.phase == PhaseClosed {
		return ErrSessionClosed
	}
	if to != s.phase+1 || to == PhaseClosed {
		return fmt.Errorf("node: illegal phase transition %s -> %s", s.phase, to)
	}
	if to >= PhaseHandshakeInFlight && s.identity == nil {
		return fmt.Errorf("node: phase %s requires a bound identity", to)
	}
	s.phase = to
	return nil
}

func (s *Session) bindLocked(d peer.Descriptor) error {
	id := d.Identity
	s.identity = &id
	s.desc = d
	s.log = s.log.With().Str("peer", id.Short()).Logger()
	return s.advanceLocked(PhaseHandshakeInFlight)
}

func (s *Session) authenticateLocked() error {
	if err := s.advanceLocked(PhaseAuthenticated); err != nil {
		return err
	}
	s.challenge = 0
	s.timer.Stop()
	return nil
}

// Run reads and dispatches inbound messages until the session closes. It
// returns the fatal protocol error that ended the session, if any.
func (s *Session) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown("shutdown", reasonShutdown, nil)
		case <-s.done:
		}
	}()
	for {
		raw, err := s.transport.Receive()
		if err != nil {
			s.shutdown("transport", "", nil)
			return nil
		}
		if err := s.handleFrame(raw); err != nil {
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				s.logger().Debug().Err(err).Msg("session write failed")
				s.shutdown("transport", "", nil)
				return nil
			}
			s.fail(perr)
			return perr
		}
		select {
		case <-s.done:
			return nil
		default:
		}
	}
}

func (s *Session) handleFrame(raw []byte) error {
	tag, payload, err := proto.DecodeEnvelope(raw)
	if err != nil {
		return protocolErr(CodeFraming, reasonFraming, err)
	}
	s.mu.Lock()
	phase, ident := s.phase, s.identity
	s.mu.Unlock()
	if phase == PhaseClosed {
		return nil
	}
	if phase == PhaseAuthenticated {
		plain, err := s.host.Cipher.DecryptFrom(*ident, payload)
		if err != nil {
			return s.undecryptable(tag, payload, err)
		}
		payload = plain
	}
	msg, err := proto.Unmarshal(tag, payload)
	if err != nil {
		if tag.Kind() == proto.KindGossip {
			s.dropGossip(tag, "malformed", err)
			return nil
		}
		return protocolErr(CodeFraming, reasonFraming, err)
	}
	s.host.Metrics.Received(tag.String())
	return s.dispatch(msg)
}

// undecryptable ends an authenticated session whose peer sent a frame that
// does not open. A responder that rejected our Complete is still in flight
// and closes in plaintext, so a readable Close ends the session quietly with
// the peer's reason.
func (s *Session) undecryptable(tag proto.MsgType, payload []byte, err error) error {
	if tag == proto.MsgTypeClose {
		if msg, uerr := proto.Unmarshal(tag, payload); uerr == nil {
			reason := msg.(proto.Close).Reason
			return protocolErr(CodeChallengeMismatch, "", fmt.Errorf("%w: %q", ErrRejectedByPeer, reason))
		}
	}
	return protocolErr(CodeChallengeMismatch, reasonUndecryptable, err)
}

func (s *Session) dropGossip(tag proto.MsgType, why string, err error) {
	s.host.Metrics.GossipDrop(tag.String())
	if debuglog.RateLimited(s.id.String()+":"+tag.String()+":"+why, gossipDropLogInterval) {
		s.logger().Warn().Err(err).Str("type", tag.String()).Str("why", why).Msg("gossip dropped")
	}
}

// send encrypts msg for the bound identity, if there is one.
func (s *Session) send(msg proto.Message) error {
	s.mu.Lock()
	phase, ident := s.phase, s.identity
	s.mu.Unlock()
	if phase == PhaseClosed {
		return ErrSessionClosed
	}
	return s.write(msg, ident)
}

// sendPlain bypasses the encryption gate. Only Accept, Complete and Deny go
// out this way.
func (s *Session) sendPlain(msg proto.Message) error {
	if s.Phase() == PhaseClosed {
		return ErrSessionClosed
	}
	return s.write(msg, nil)
}

func (s *Session) write(msg proto.Message, encryptFor *peer.Identity) error {
	tag, payload, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	if encryptFor != nil {
		payload, err = s.host.Cipher.EncryptFor(*encryptFor, payload)
		if err != nil {
			return err
		}
	}
	env, err := proto.EncodeEnvelope(tag, payload)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	err = s.transport.Send(env)
	s.sendMu.Unlock()
	if err != nil {
		return err
	}
	s.host.Metrics.Sent(tag.String())
	s.logger().Trace().Str("type", tag.String()).Bool("encrypted", encryptFor != nil).Msg("sent")
	return nil
}

// Close ends the session, telling the peer why. Repeated calls are no-ops.
func (s *Session) Close(reason string) {
	s.shutdown("local", reason, nil)
}

func (s *Session) fail(perr *ProtocolError) {
	s.host.Metrics.HandshakeFailed(perr.Code)
	s.logger().Warn().Str("code", perr.Code).Err(perr.Err).Msg(perr.Reason)
	s.shutdown("protocol", perr.Reason, perr)
}

func (s *Session) expire() {
	s.mu.Lock()
	if s.phase == PhaseAuthenticated || s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	// claim the session so a racing Complete cannot authenticate it
	s.phase = PhaseClosed
	s.mu.Unlock()
	s.fail(protocolErr(CodeAuthTimeout, reasonAuthTimeout, ErrAuthTimeout))
}

func (s *Session) shutdown(cause, reason string, err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		authenticated := s.phase == PhaseAuthenticated
		ident := s.identity
		s.phase = PhaseClosed
		s.challenge = 0
		s.timer.Stop()
		if err != nil {
			s.err = err
		}
		s.mu.Unlock()

		if reason != "" {
			var encryptFor *peer.Identity
			if authenticated {
				encryptFor = ident
			}
			if werr := s.write(proto.Close{Reason: reason}, encryptFor); werr != nil {
				s.logger().Debug().Err(werr).Msg("close notify failed")
			}
		}
		_ = s.transport.Close()
		close(s.done)
		if s.host.Registry != nil {
			s.host.Registry.Release(s)
		}
		s.host.Metrics.SessionClosed(cause)
		s.logger().Info().Str("cause", cause).Str("reason", reason).Msg("session closed")
	})
}
