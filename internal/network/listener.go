package network

import (
	"context"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"iris/internal/debuglog"
	"iris/internal/node"
)

const capLogInterval = 10 * time.Second

var ErrListenerClosed = errors.New("network: listener closed")

type ListenOptions struct {
	MaxConnsPerIP int
	Log           *zerolog.Logger
}

// Listener accepts QUIC connections and yields one Transport per connection
// once the dialer has opened its stream.
type Listener struct {
	ql      *quic.Listener
	limiter *ipLimiter
	log     zerolog.Logger

	incoming chan *Transport
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

func Listen(addr string, opts ListenOptions) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	log := debuglog.New("network")
	if opts.Log != nil {
		log = *opts.Log
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		ql:       ql,
		limiter:  newIPLimiter(opts.MaxConnsPerIP),
		log:      log,
		incoming: make(chan *Transport),
		ctx:      ctx,
		cancel:   cancel,
	}
	l.wg.Add(1)
	go l.acceptLoop()
	log.Info().Str("addr", l.Addr()).Msg("quic listen ready")
	return l, nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ql.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("quic accept failed")
			}
			return
		}
		ip := remoteIP(conn.RemoteAddr())
		if !l.limiter.acquire(ip) {
			if debuglog.RateLimited("conn-cap:"+ip, capLogInterval) {
				l.log.Warn().Str("ip", ip).Msg("connection cap reached")
			}
			_ = conn.CloseWithError(codeBusy, "too many connections")
			continue
		}
		l.wg.Add(1)
		go l.awaitStream(conn, ip)
	}
}

// awaitStream waits for the dialer's first stream. Streams become visible
// only once the dialer writes, so this also bounds how long a silent
// connection may hold a limiter slot.
func (l *Listener) awaitStream(conn *quic.Conn, ip string) {
	defer l.wg.Done()
	ctx, cancel := context.WithTimeout(l.ctx, handshakeIdleTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.limiter.release(ip)
		_ = conn.CloseWithError(codeClosed, "no stream")
		l.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection without stream")
		return
	}
	var release sync.Once
	t := newTransport(conn, stream, func() { release.Do(func() { l.limiter.release(ip) }) })
	select {
	case l.incoming <- t:
	case <-l.ctx.Done():
		_ = t.Close()
	}
}

// Accept returns the next inbound transport.
func (l *Listener) Accept(ctx context.Context) (node.Transport, error) {
	select {
	case t := <-l.incoming:
		return t, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ql.Close()
		l.wg.Wait()
	})
	return err
}

func (l *Listener) Addr() string { return l.ql.Addr().String() }
