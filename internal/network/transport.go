package network

import (
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"iris/internal/proto"
)

const (
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamWriteTimeout   = 8 * time.Second
	closeLinger          = 500 * time.Millisecond

	codeClosed quic.ApplicationErrorCode = 0
	codeBusy   quic.ApplicationErrorCode = 1
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// Transport carries length-prefixed envelopes over one bidirectional QUIC
// stream. One session owns one connection.
type Transport struct {
	conn   *quic.Conn
	stream *quic.Stream
	remote string

	sendMu    sync.Mutex
	closeOnce sync.Once
	onClose   func()
}

func newTransport(conn *quic.Conn, stream *quic.Stream, onClose func()) *Transport {
	return &Transport{
		conn:    conn,
		stream:  stream,
		remote:  conn.RemoteAddr().String(),
		onClose: onClose,
	}
}

func (t *Transport) Send(b []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.stream.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return proto.WriteFrame(t.stream, b)
}

func (t *Transport) Receive() ([]byte, error) {
	return proto.ReadFrame(t.stream)
}

// Close finishes the send side so queued frames still reach the peer, then
// tears the connection down once the peer hangs up or closeLinger passes.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.sendMu.Lock()
		err = t.stream.Close()
		t.sendMu.Unlock()
		t.stream.CancelRead(quic.StreamErrorCode(codeClosed))
		if t.onClose != nil {
			t.onClose()
		}
		go func() {
			select {
			case <-t.conn.Context().Done():
			case <-time.After(closeLinger):
			}
			_ = t.conn.CloseWithError(codeClosed, "closed")
		}()
	})
	return err
}

func (t *Transport) RemoteAddr() string { return t.remote }
