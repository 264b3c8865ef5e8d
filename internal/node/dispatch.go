package node

import (
	"fmt"

	"iris/internal/proto"
)

// dispatch routes one decoded message. Handshake messages after
// authentication are fatal; gossip before it is dropped.
func (s *Session) dispatch(msg proto.Message) error {
	phase := s.Phase()
	if phase == PhaseClosed {
		return nil
	}
	authenticated := phase == PhaseAuthenticated

	switch m := msg.(type) {
	case proto.BeginHandshake:
		if authenticated {
			return protocolErr(CodeInvalidHandshake, reasonInvalidHandshake, ErrRenegotiation)
		}
		return s.handleBegin(m)
	case proto.AcceptHandshake:
		if authenticated {
			return protocolErr(CodeInvalidHandshake, reasonUnexpectedAccept, ErrUnexpectedAccept)
		}
		return s.handleAccept(m)
	case proto.CompleteHandshake:
		if authenticated {
			return protocolErr(CodeInvalidHandshake, reasonUnexpectedComplete, ErrUnexpectedComplete)
		}
		return s.handleComplete(m)
	case proto.DenyHandshake:
		if authenticated {
			s.logger().Warn().Str("reason", m.Reason).Msg("deny after authentication ignored")
			return nil
		}
		return s.handleDeny(m)
	case proto.RequestPeers:
		if !authenticated {
			s.dropGossip(m.Type(), "unauthenticated", nil)
			return nil
		}
		return s.handleRequestPeers(m)
	case proto.ListPeers:
		if !authenticated {
			s.dropGossip(m.Type(), "unauthenticated", nil)
			return nil
		}
		return s.handleListPeers(m)
	case proto.RequestShards:
		if !authenticated {
			s.dropGossip(m.Type(), "unauthenticated", nil)
			return nil
		}
		return s.handleRequestShards(m)
	case proto.ListShards:
		if !authenticated {
			s.dropGossip(m.Type(), "unauthenticated", nil)
			return nil
		}
		return s.handleListShards(m)
	case proto.Close:
		return s.handleClose(m)
	default:
		return protocolErr(CodeFraming, reasonFraming, fmt.Errorf("%w: %T", proto.ErrUnknownType, msg))
	}
}
