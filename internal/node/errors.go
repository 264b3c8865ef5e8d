package node

import (
	"errors"
	"fmt"
)

// Reason codes carried by ProtocolError.
const (
	CodeInvalidHandshake  = "R001"
	CodeTimestampSkew     = "R002"
	CodeChallengeMismatch = "R003"
	CodeDenied            = "R004"
	CodeFraming           = "R005"
	CodeAuthTimeout       = "R006"
)

const (
	reasonInvalidHandshake   = "invalid handshake packet"
	reasonTimestampSkew      = "timestamp is too skewed to complete handshake"
	reasonUnexpectedAccept   = "unexpected Accept"
	reasonUnexpectedComplete = "unexpected Complete"
	reasonChallengeMismatch  = "invalid challenge response"
	reasonUndecryptable      = "failed to decrypt message"
	reasonFraming            = "malformed message"
	reasonAuthTimeout        = "failed to authenticate in time"
	reasonTooManyPeers       = "too many peers"
	reasonShutdown           = "node shutting down"
)

var (
	ErrUnexpectedAccept   = errors.New("node: unexpected accept")
	ErrUnexpectedComplete = errors.New("node: unexpected complete")
	ErrRenegotiation      = errors.New("node: handshake renegotiation")
	ErrTimestampSkew      = errors.New("node: timestamp skew")
	ErrChallengeMismatch  = errors.New("node: challenge mismatch")
	ErrHandshakeDenied    = errors.New("node: handshake denied")
	ErrHandshakeStarted   = errors.New("node: handshake already started")
	ErrSessionClosed      = errors.New("node: session closed")
	ErrAuthTimeout        = errors.New("node: authentication timed out")
	ErrSelfConnect        = errors.New("node: connection to self")
	ErrTooManyPeers       = errors.New("node: too many peers")
	ErrNotAuthenticated   = errors.New("node: session not authenticated")
	ErrRejectedByPeer     = errors.New("node: peer closed before authenticating")
)

// ProtocolError is a fatal session fault. Reason is sent to the peer in a
// Close message before the transport is torn down; an empty Reason closes
// without notifying.
type ProtocolError struct {
	Code   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErr(code, reason string, err error) *ProtocolError {
	return &ProtocolError{Code: code, Reason: reason, Err: err}
}
