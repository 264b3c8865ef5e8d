package network

import (
	"context"
	"crypto/tls"
	"fmt"

	quic "github.com/quic-go/quic-go"

	"iris/internal/node"
)

type Dialer struct {
	tls *tls.Config
}

// NewDialer builds a dialer that verifies listeners against caPath, or skips
// verification when insecure is set or no CA is configured.
func NewDialer(insecure bool, caPath string) (*Dialer, error) {
	conf, err := clientTLSConfig(insecure, caPath)
	if err != nil {
		return nil, err
	}
	return &Dialer{tls: conf}, nil
}

// Dial opens a connection and its single session stream.
func (d *Dialer) Dial(ctx context.Context, addr string) (node.Transport, error) {
	conn, err := quic.DialAddr(ctx, addr, d.tls, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(codeClosed, "open stream failed")
		return nil, fmt.Errorf("open stream %s: %w", addr, err)
	}
	return newTransport(conn, stream, nil), nil
}
