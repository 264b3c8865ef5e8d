package node

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"iris/internal/config"
	"iris/internal/metrics"
	"iris/internal/proto"
)

func TestHandshakeBetweenNodes(t *testing.T) {
	mA, mB := metrics.New(), metrics.New()
	nodeA := newTestNode(t, 4001, nil, Options{Metrics: mA})
	nodeB := newTestNode(t, 4002, nil, Options{Metrics: mB})

	endA, endB := newPipe(nodeA.Self().Addr(), nodeB.Self().Addr())
	rec := &recordingTransport{Transport: endA}
	sessA, err := nodeA.Attach(rec, true)
	if err != nil {
		t.Fatalf("attach A: %v", err)
	}
	sessB, err := nodeB.Attach(endB, false)
	if err != nil {
		t.Fatalf("attach B: %v", err)
	}
	waitPhase(t, sessA, PhaseAuthenticated)
	waitPhase(t, sessB, PhaseAuthenticated)

	idB, ok := sessA.Identity()
	if !ok || !idB.Equal(nodeB.Self().Identity) {
		t.Fatalf("A bound wrong identity")
	}
	idA, ok := sessB.Identity()
	if !ok || !idA.Equal(nodeA.Self().Identity) {
		t.Fatalf("B bound wrong identity")
	}
	descA, _ := sessB.Descriptor()
	if descA.Addr() != nodeA.Self().Addr() {
		t.Fatalf("B recorded address %s, want %s", descA.Addr(), nodeA.Self().Addr())
	}

	// B answers the RequestPeers, so A has received a ListPeers
	waitReceived(t, mA, "list_peers")
	sent := rec.sent()
	want := []proto.MsgType{proto.MsgTypeBeginHandshake, proto.MsgTypeCompleteHandshake, proto.MsgTypeRequestPeers}
	if len(sent) < len(want) {
		t.Fatalf("A sent %v, want prefix %v", sent, want)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Fatalf("A sent %v, want prefix %v", sent, want)
		}
	}
	if got := testutil.ToFloat64(mA.HandshakesDone.WithLabelValues("initiator")); got != 1 {
		t.Fatalf("initiator handshakes %v", got)
	}
	if got := testutil.ToFloat64(mB.HandshakesDone.WithLabelValues("responder")); got != 1 {
		t.Fatalf("responder handshakes %v", got)
	}
}

func waitReceived(t *testing.T, m *metrics.Metrics, msgType string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.MessagesReceived.WithLabelValues(msgType)) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("no %s received", msgType)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBeginRejectsSkewedTimestamp(t *testing.T) {
	n := newTestNode(t, 4010, nil, Options{})
	raw := newRawPeer(t, 5000)
	s := raw.attach(n)

	raw.send(proto.BeginHandshake{Timestamp: time.Now().Unix() - 60, Peer: raw.desc, Challenge: 111}, nil)
	raw.expectClose(nil, "timestamp is too skewed to complete handshake")
	waitClosed(t, s)
	if _, ok := s.Identity(); ok {
		t.Fatalf("identity bound despite skew")
	}
	if !errors.Is(s.Err(), ErrTimestampSkew) {
		t.Fatalf("expected ErrTimestampSkew, got %v", s.Err())
	}
	var perr *ProtocolError
	if !errors.As(s.Err(), &perr) || perr.Code != CodeTimestampSkew {
		t.Fatalf("expected %s, got %v", CodeTimestampSkew, s.Err())
	}
}

func TestBeginSkewAppliesToFutureTimestamps(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	n := newTestNode(t, 4011, nil, Options{Now: func() time.Time { return now }})

	inBound := newRawPeer(t, 5000)
	sOK := inBound.attach(n)
	inBound.send(proto.BeginHandshake{Timestamp: now.Unix() + 30, Peer: inBound.desc, Challenge: 1}, nil)
	if _, ok := inBound.recv(nil).(proto.AcceptHandshake); !ok {
		t.Fatalf("expected accept at the skew bound")
	}
	if sOK.Phase() != PhaseHandshakeInFlight {
		t.Fatalf("phase %s, want in flight", sOK.Phase())
	}

	future := newRawPeer(t, 5001)
	s := future.attach(n)
	future.send(proto.BeginHandshake{Timestamp: now.Unix() + 31, Peer: future.desc, Challenge: 1}, nil)
	future.expectClose(nil, reasonTimestampSkew)
	waitClosed(t, s)
}

func TestBeginRejectsExtremeTimestamps(t *testing.T) {
	n := newTestNode(t, 4013, nil, Options{})
	for i, ts := range []int64{1 << 62, math.MaxInt64, math.MinInt64, 0} {
		raw := newRawPeer(t, uint16(5000+i))
		s := raw.attach(n)
		raw.send(proto.BeginHandshake{Timestamp: ts, Peer: raw.desc, Challenge: 1}, nil)
		raw.expectClose(nil, reasonTimestampSkew)
		waitClosed(t, s)
		if !errors.Is(s.Err(), ErrTimestampSkew) {
			t.Fatalf("timestamp %d: expected ErrTimestampSkew, got %v", ts, s.Err())
		}
	}
}

func TestSkewSeconds(t *testing.T) {
	cases := []struct {
		now, ts int64
		want    uint64
	}{
		{100, 70, 30},
		{100, 131, 31},
		{0, math.MaxInt64, math.MaxInt64},
		{0, math.MinInt64, 1 << 63},
		{math.MaxInt64, math.MinInt64, math.MaxUint64},
	}
	for _, c := range cases {
		if got := skewSeconds(c.now, c.ts); got != c.want {
			t.Fatalf("skewSeconds(%d, %d) = %d, want %d", c.now, c.ts, got, c.want)
		}
	}
}

func TestSecondBeginAfterAuthIsFatal(t *testing.T) {
	n := newTestNode(t, 4012, nil, Options{})
	raw := newRawPeer(t, 5000)
	s := raw.attach(n)
	nodeID := raw.handshake(s)

	raw.send(proto.BeginHandshake{Timestamp: time.Now().Unix(), Peer: raw.desc, Challenge: 5}, &nodeID)
	raw.expectClose(&nodeID, reasonInvalidHandshake)
	waitClosed(t, s)
	if !errors.Is(s.Err(), ErrRenegotiation) {
		t.Fatalf("expected ErrRenegotiation, got %v", s.Err())
	}
}

func TestHandshakeMessagesAfterAuthAreFatal(t *testing.T) {
	cases := []struct {
		name   string
		msg    func(r *rawPeer) proto.Message
		reason string
		err    error
	}{
		{"accept", func(r *rawPeer) proto.Message {
			return proto.AcceptHandshake{Peer: r.desc, Response: []byte("x"), Challenge: 1}
		}, reasonUnexpectedAccept, ErrUnexpectedAccept},
		{"complete", func(r *rawPeer) proto.Message {
			return proto.CompleteHandshake{Response: []byte("x")}
		}, reasonUnexpectedComplete, ErrUnexpectedComplete},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := newTestNode(t, 4020+i, nil, Options{})
			raw := newRawPeer(t, 5000)
			s := raw.attach(n)
			nodeID := raw.handshake(s)
			raw.send(tc.msg(raw), &nodeID)
			raw.expectClose(&nodeID, tc.reason)
			waitClosed(t, s)
			if !errors.Is(s.Err(), tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, s.Err())
			}
		})
	}
}

func TestUnsolicitedAcceptIsFatal(t *testing.T) {
	n := newTestNode(t, 4030, nil, Options{})
	raw := newRawPeer(t, 5000)
	s := raw.attach(n)

	raw.send(proto.AcceptHandshake{Peer: raw.desc, Response: []byte("x"), Challenge: 222}, nil)
	raw.expectClose(nil, reasonUnexpectedAccept)
	waitClosed(t, s)
	if !errors.Is(s.Err(), ErrUnexpectedAccept) {
		t.Fatalf("expected ErrUnexpectedAccept, got %v", s.Err())
	}
	if _, ok := s.Identity(); ok {
		t.Fatalf("unsolicited accept bound an identity")
	}
}

func TestUnsolicitedCompleteIsFatal(t *testing.T) {
	n := newTestNode(t, 4031, nil, Options{})
	raw := newRawPeer(t, 5000)
	s := raw.attach(n)

	raw.send(proto.CompleteHandshake{Response: []byte("x")}, nil)
	raw.expectClose(nil, reasonUnexpectedComplete)
	waitClosed(t, s)
	if !errors.Is(s.Err(), ErrUnexpectedComplete) {
		t.Fatalf("expected ErrUnexpectedComplete, got %v", s.Err())
	}
}

func TestCompleteWithWrongChallengeIsFatal(t *testing.T) {
	n := newTestNode(t, 4032, nil, Options{})
	raw := newRawPeer(t, 5000)
	s := raw.attach(n)

	raw.send(proto.BeginHandshake{Timestamp: time.Now().Unix(), Peer: raw.desc, Challenge: 111}, nil)
	acc, ok := raw.recv(nil).(proto.AcceptHandshake)
	if !ok {
		t.Fatalf("expected accept")
	}
	wrong, err := raw.box.SealFor(acc.Peer.Identity.PubKey, encodeChallenge(acc.Challenge+1))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw.send(proto.CompleteHandshake{Response: wrong}, nil)
	raw.expectClose(nil, reasonChallengeMismatch)
	waitClosed(t, s)
	if !errors.Is(s.Err(), ErrChallengeMismatch) {
		t.Fatalf("expected ErrChallengeMismatch, got %v", s.Err())
	}
}

func TestCompleteWithTamperedCiphertextIsFatal(t *testing.T) {
	n := newTestNode(t, 4033, nil, Options{})
	raw := newRawPeer(t, 5000)
	s := raw.attach(n)

	raw.send(proto.BeginHandshake{Timestamp: time.Now().Unix(), Peer: raw.desc, Challenge: 111}, nil)
	acc := raw.recv(nil).(proto.AcceptHandshake)
	resp, err := raw.box.SealFor(acc.Peer.Identity.PubKey, encodeChallenge(acc.Challenge))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	resp[len(resp)-1] ^= 0x01
	raw.send(proto.CompleteHandshake{Response: resp}, nil)
	raw.expectClose(nil, reasonChallengeMismatch)
	waitClosed(t, s)
	if s.Phase() != PhaseClosed {
		t.Fatalf("phase %s after tampered complete", s.Phase())
	}
}

func TestAcceptWithWrongResponseIsFatal(t *testing.T) {
	n := newTestNode(t, 4034, nil, Options{})
	endRaw, endNode := newPipe("10.0.0.1:5000", n.Self().Addr())
	raw := newRawPeer(t, 5000)
	raw.tr = endRaw
	t.Cleanup(func() { _ = endRaw.Close() })

	s, err := n.Attach(endNode, true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	begin, ok := raw.recv(nil).(proto.BeginHandshake)
	if !ok {
		t.Fatalf("expected begin")
	}
	nodeID := begin.Peer.Identity
	bad, err := raw.box.SealFor(nodeID.PubKey, encodeChallenge(begin.Challenge+1))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw.send(proto.AcceptHandshake{Peer: raw.desc, Response: bad, Challenge: 9}, nil)
	raw.expectClose(nil, reasonChallengeMismatch)
	waitClosed(t, s)
	if !errors.Is(s.Err(), ErrChallengeMismatch) {
		t.Fatalf("expected ErrChallengeMismatch, got %v", s.Err())
	}
}

func TestOutboundHandshakeAgainstRawResponder(t *testing.T) {
	n := newTestNode(t, 4035, nil, Options{})
	endRaw, endNode := newPipe("10.0.0.1:5000", n.Self().Addr())
	raw := newRawPeer(t, 5000)
	raw.tr = endRaw
	t.Cleanup(func() { _ = endRaw.Close() })

	s, err := n.Attach(endNode, true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if s.Phase() != PhaseFresh {
		t.Fatalf("initiator phase %s before accept, want fresh", s.Phase())
	}
	begin := raw.recv(nil).(proto.BeginHandshake)
	nodeID := begin.Peer.Identity
	resp, err := raw.box.SealFor(nodeID.PubKey, encodeChallenge(begin.Challenge))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw.send(proto.AcceptHandshake{Peer: raw.desc, Response: resp, Challenge: 222}, nil)

	complete, ok := raw.recv(nil).(proto.CompleteHandshake)
	if !ok {
		t.Fatalf("expected complete")
	}
	got, err := raw.box.OpenFrom(nodeID.PubKey, complete.Response)
	if err != nil || string(got) != "222" {
		t.Fatalf("complete response %q err %v", got, err)
	}
	// the first authenticated message is encrypted
	if _, ok := raw.recv(&nodeID).(proto.RequestPeers); !ok {
		t.Fatalf("expected request peers")
	}
	if s.Phase() != PhaseAuthenticated {
		t.Fatalf("phase %s, want authenticated", s.Phase())
	}
}

func TestInitiatorSeesPlaintextRejection(t *testing.T) {
	m := metrics.New()
	n := newTestNode(t, 4042, nil, Options{Metrics: m})
	endRaw, endNode := newPipe("10.0.0.1:5000", n.Self().Addr())
	raw := newRawPeer(t, 5000)
	raw.tr = endRaw
	t.Cleanup(func() { _ = endRaw.Close() })

	s, err := n.Attach(endNode, true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	begin := raw.recv(nil).(proto.BeginHandshake)
	nodeID := begin.Peer.Identity
	resp, err := raw.box.SealFor(nodeID.PubKey, encodeChallenge(begin.Challenge))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw.send(proto.AcceptHandshake{Peer: raw.desc, Response: resp, Challenge: 222}, nil)
	if _, ok := raw.recv(nil).(proto.CompleteHandshake); !ok {
		t.Fatalf("expected complete")
	}
	if _, ok := raw.recv(&nodeID).(proto.RequestPeers); !ok {
		t.Fatalf("expected request peers")
	}

	// a responder still in flight rejects in plaintext
	raw.send(proto.Close{Reason: reasonChallengeMismatch}, nil)
	waitClosed(t, s)
	raw.expectEOF()
	if !errors.Is(s.Err(), ErrRejectedByPeer) {
		t.Fatalf("expected ErrRejectedByPeer, got %v", s.Err())
	}
	var perr *ProtocolError
	if !errors.As(s.Err(), &perr) || perr.Code != CodeChallengeMismatch {
		t.Fatalf("expected %s, got %v", CodeChallengeMismatch, s.Err())
	}
	if got := testutil.ToFloat64(m.HandshakeFailures.WithLabelValues(CodeChallengeMismatch)); got != 1 {
		t.Fatalf("challenge failures %v", got)
	}
}

func TestCompleteAfterTimerClaimIsQuiet(t *testing.T) {
	m := metrics.New()
	n := newTestNode(t, 4043, nil, Options{Metrics: m})
	raw := newRawPeer(t, 5000)
	s := raw.attach(n)
	raw.send(proto.BeginHandshake{Timestamp: time.Now().Unix(), Peer: raw.desc, Challenge: 111}, nil)
	acc, ok := raw.recv(nil).(proto.AcceptHandshake)
	if !ok {
		t.Fatalf("expected accept")
	}
	resp, err := raw.box.SealFor(acc.Peer.Identity.PubKey, encodeChallenge(acc.Challenge))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// the timer has claimed the session but not yet torn it down
	s.mu.Lock()
	s.phase = PhaseClosed
	s.mu.Unlock()
	if err := s.handleComplete(proto.CompleteHandshake{Response: resp}); err != nil {
		t.Fatalf("complete after timer claim: %v", err)
	}
	if s.Phase() != PhaseClosed {
		t.Fatalf("phase %s, want closed", s.Phase())
	}
	for _, code := range []string{CodeAuthTimeout, CodeInvalidHandshake} {
		if got := testutil.ToFloat64(m.HandshakeFailures.WithLabelValues(code)); got != 0 {
			t.Fatalf("%s failures %v", code, got)
		}
	}
}

func TestSimultaneousBeginRejected(t *testing.T) {
	n := newTestNode(t, 4036, nil, Options{})
	endRaw, endNode := newPipe("10.0.0.1:5000", n.Self().Addr())
	raw := newRawPeer(t, 5000)
	raw.tr = endRaw
	t.Cleanup(func() { _ = endRaw.Close() })

	s, err := n.Attach(endNode, true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, ok := raw.recv(nil).(proto.BeginHandshake); !ok {
		t.Fatalf("expected begin")
	}
	raw.send(proto.BeginHandshake{Timestamp: time.Now().Unix(), Peer: raw.desc, Challenge: 3}, nil)
	raw.expectClose(nil, reasonInvalidHandshake)
	waitClosed(t, s)
	if !errors.Is(s.Err(), ErrHandshakeStarted) {
		t.Fatalf("expected ErrHandshakeStarted, got %v", s.Err())
	}
}

func TestBeginFromSelfRejected(t *testing.T) {
	n := newTestNode(t, 4037, nil, Options{})
	raw := newRawPeer(t, 5000)
	s := raw.attach(n)
	raw.send(proto.BeginHandshake{Timestamp: time.Now().Unix(), Peer: n.Self(), Challenge: 3}, nil)
	raw.expectClose(nil, reasonInvalidHandshake)
	waitClosed(t, s)
	if !errors.Is(s.Err(), ErrSelfConnect) {
		t.Fatalf("expected ErrSelfConnect, got %v", s.Err())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	m := metrics.New()
	n := newTestNode(t, 4038, func(c *config.Config) { c.HandshakeTimeout = 50 * time.Millisecond }, Options{Metrics: m})
	raw := newRawPeer(t, 5000)
	s := raw.attach(n)

	raw.expectClose(nil, reasonAuthTimeout)
	waitClosed(t, s)
	if !errors.Is(s.Err(), ErrAuthTimeout) {
		t.Fatalf("expected ErrAuthTimeout, got %v", s.Err())
	}
	if got := testutil.ToFloat64(m.HandshakeFailures.WithLabelValues(CodeAuthTimeout)); got != 1 {
		t.Fatalf("timeout failures %v", got)
	}
}

func TestAuthenticatedSessionOutlivesTimeout(t *testing.T) {
	n := newTestNode(t, 4039, func(c *config.Config) { c.HandshakeTimeout = 100 * time.Millisecond }, Options{})
	raw := newRawPeer(t, 5000)
	s := raw.attach(n)
	raw.handshake(s)
	time.Sleep(250 * time.Millisecond)
	if s.Phase() != PhaseAuthenticated {
		t.Fatalf("authenticated session closed by timer: %v", s.Err())
	}
}

func TestDenyClosesWithoutReply(t *testing.T) {
	n := newTestNode(t, 4040, nil, Options{})
	raw := newRawPeer(t, 5000)
	s := raw.attach(n)
	raw.send(proto.DenyHandshake{Reason: "go away"}, nil)
	waitClosed(t, s)
	raw.expectEOF()
	if !errors.Is(s.Err(), ErrHandshakeDenied) {
		t.Fatalf("expected ErrHandshakeDenied, got %v", s.Err())
	}
}

func TestBeginDeniedAtCapacity(t *testing.T) {
	n := newTestNode(t, 4041, func(c *config.Config) { c.MaxSessions = 1 }, Options{})
	first := newRawPeer(t, 5000)
	sFirst := first.attach(n)
	first.handshake(sFirst)

	second := newRawPeer(t, 5001)
	s := second.attach(n)
	second.send(proto.BeginHandshake{Timestamp: time.Now().Unix(), Peer: second.desc, Challenge: 1}, nil)
	deny, ok := second.recv(nil).(proto.DenyHandshake)
	if !ok || deny.Reason != reasonTooManyPeers {
		t.Fatalf("expected deny, got %+v", deny)
	}
	waitClosed(t, s)
	second.expectEOF()
	if !errors.Is(s.Err(), ErrTooManyPeers) {
		t.Fatalf("expected ErrTooManyPeers, got %v", s.Err())
	}
	if sFirst.Phase() != PhaseAuthenticated {
		t.Fatalf("first session disturbed")
	}
}

func TestChallengeEncoding(t *testing.T) {
	if got := string(encodeChallenge(111)); got != "111" {
		t.Fatalf("encode 111 = %q", got)
	}
	for i := 0; i < 64; i++ {
		c, err := newChallenge()
		if err != nil {
			t.Fatalf("challenge: %v", err)
		}
		if c == 0 {
			t.Fatalf("zero challenge")
		}
	}
}
