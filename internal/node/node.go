package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iris/internal/config"
	"iris/internal/crypto"
	"iris/internal/debuglog"
	"iris/internal/metrics"
	"iris/internal/peer"
	"iris/internal/proto"
	"iris/internal/store"
)

const (
	dialAttempts       = 3
	dialInitialBackoff = 100 * time.Millisecond
	dialMaxBackoff     = time.Second
)

// Dialer opens an outbound transport to addr.
type Dialer func(ctx context.Context, addr string) (Transport, error)

// Listener yields inbound transports.
type Listener interface {
	Accept(ctx context.Context) (Transport, error)
	Close() error
	Addr() string
}

type Options struct {
	Dial     Dialer
	Metrics  *metrics.Metrics
	Log      *zerolog.Logger
	Now      func() time.Time
	Shards   ShardStore
	OnShards func(s *Session, shards []proto.ShardDescriptor)
}

// Node owns the registry of live sessions and the shared Host context.
type Node struct {
	cfg        config.Config
	host       *Host
	shards     ShardStore
	dial       Dialer
	candidates *peer.CandidatePool
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	closed   bool
}

func New(cfg config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.LoadOrCreateKeypair(cfg.KeysDir())
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	box, err := crypto.NewBox(pub, priv)
	if err != nil {
		return nil, err
	}
	ident, err := peer.NewIdentity(pub)
	if err != nil {
		return nil, err
	}
	self, err := selfDescriptor(cfg, ident)
	if err != nil {
		return nil, err
	}
	shards := opts.Shards
	if shards == nil {
		st, err := store.Open(cfg.ShardsPath())
		if err != nil {
			return nil, fmt.Errorf("open shard store: %w", err)
		}
		shards = st
	}
	log := debuglog.New("node")
	if opts.Log != nil {
		log = *opts.Log
	}
	log = log.With().Str("self", ident.Short()).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:        cfg,
		shards:     shards,
		dial:       opts.Dial,
		candidates: peer.NewCandidatePool(peer.DefaultCandidateCap, peer.DefaultCandidateTTL),
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[uuid.UUID]*Session),
	}
	n.host = &Host{
		Self:             self,
		Cipher:           BoxCipher{Box: box},
		Shards:           shards,
		Registry:         n,
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxClockSkew:     cfg.MaxClockSkew,
		MaxPeersPerList:  cfg.MaxPeersPerList,
		MaxSessions:      cfg.MaxSessions,
		Log:              log,
		Metrics:          opts.Metrics,
		Now:              opts.Now,
		OnShards:         opts.OnShards,
	}
	return n, nil
}

func selfDescriptor(cfg config.Config, ident peer.Identity) (peer.Descriptor, error) {
	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return peer.Descriptor{}, fmt.Errorf("listen_addr: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return peer.Descriptor{}, fmt.Errorf("listen_addr port: %w", err)
	}
	if cfg.AdvertiseHost != "" {
		host = cfg.AdvertiseHost
	}
	if cfg.AdvertisePort != 0 {
		port = uint64(cfg.AdvertisePort)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return peer.Descriptor{Host: host, Port: uint16(port), Identity: ident}, nil
}

func (n *Node) Self() peer.Descriptor { return n.host.Self }
func (n *Node) Shards() ShardStore    { return n.shards }

// Sessions is a snapshot of the registry.
func (n *Node) Sessions() []*Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

// Release removes s from the registry. Called from the session close sequence.
func (n *Node) Release(s *Session) {
	n.mu.Lock()
	_, ok := n.sessions[s.ID()]
	delete(n.sessions, s.ID())
	n.mu.Unlock()
	if ok {
		n.log.Debug().Str("session", s.ID().String()).Msg("session released")
	}
}

// Attach registers a session over an established transport and starts its
// reader. With initiate set the session sends Begin first.
func (n *Node) Attach(t Transport, initiate bool) (*Session, error) {
	direction := DirectionInbound
	if initiate {
		direction = DirectionOutbound
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = t.Close()
		return nil, ErrSessionClosed
	}
	s := newSession(n.host, t, direction)
	n.sessions[s.ID()] = s
	n.wg.Add(1)
	n.mu.Unlock()
	n.host.Metrics.SessionOpened(direction)

	if initiate {
		if err := s.BeginHandshake(); err != nil {
			s.shutdown("transport", "", nil)
			n.wg.Done()
			return nil, err
		}
	}
	go func() {
		defer n.wg.Done()
		if err := s.Run(n.ctx); err != nil {
			n.log.Debug().Err(err).Str("session", s.ID().String()).Msg("session ended with protocol error")
		}
	}()
	return s, nil
}

// Serve accepts inbound transports until ctx is done or the listener fails.
func (n *Node) Serve(ctx context.Context, l Listener) error {
	n.log.Info().Str("addr", l.Addr()).Str("advertise", n.host.Self.Addr()).Msg("serving")
	for {
		t, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || n.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := n.Attach(t, false); errors.Is(err, ErrSessionClosed) {
			return nil
		}
	}
}

// ConnectTo dials addr in the background and starts a handshake. Addresses
// that are our own, already connected, or recently dialed are skipped.
func (n *Node) ConnectTo(addr string) {
	if addr == "" || addr == n.host.Self.Addr() || n.dial == nil {
		return
	}
	if n.connectedTo(addr) {
		return
	}
	if !n.candidates.TryAdd(addr) {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()
	go func() {
		defer n.wg.Done()
		n.dialAndAttach(addr)
	}()
}

func (n *Node) connectedTo(addr string) bool {
	for _, s := range n.Sessions() {
		if s.RemoteAddr() == addr {
			return true
		}
		if d, ok := s.Descriptor(); ok && d.Addr() == addr {
			return true
		}
	}
	return false
}

func (n *Node) dialAndAttach(addr string) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = dialInitialBackoff
	policy.MaxInterval = dialMaxBackoff
	policy.MaxElapsedTime = n.cfg.DialTimeout

	var t Transport
	op := func() error {
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.DialTimeout)
		defer cancel()
		conn, err := n.dial(ctx, addr)
		if err != nil {
			return err
		}
		t = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		n.host.Metrics.Dial("retry")
		n.log.Debug().Err(err).Str("addr", addr).Dur("wait", wait).Msg("dial failed, retrying")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, dialAttempts-1), n.ctx), notify)
	if err != nil {
		n.host.Metrics.Dial("error")
		n.log.Warn().Err(err).Str("addr", addr).Msg("dial failed")
		return
	}
	n.host.Metrics.Dial("ok")
	if _, err := n.Attach(t, true); err != nil {
		n.log.Warn().Err(err).Str("addr", addr).Msg("attach failed")
	}
}

// Close ends every session and waits for readers and dials to finish.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	n.cancel()
	for _, s := range n.Sessions() {
		s.Close(reasonShutdown)
	}
	n.wg.Wait()
}
