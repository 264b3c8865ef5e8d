package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"iris/internal/peer"
)

// MsgType is the envelope type tag. Zero is reserved.
type MsgType uint32

const (
	MsgTypeBeginHandshake    MsgType = 1
	MsgTypeDenyHandshake     MsgType = 2
	MsgTypeAcceptHandshake   MsgType = 3
	MsgTypeCompleteHandshake MsgType = 4
	MsgTypeRequestPeers      MsgType = 5
	MsgTypeListPeers         MsgType = 6
	MsgTypeRequestShards     MsgType = 7
	MsgTypeListShards        MsgType = 8
	MsgTypeClose             MsgType = 9
)

var (
	ErrUnknownType = errors.New("proto: unknown message type")
	ErrMalformed   = errors.New("proto: malformed payload")
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeBeginHandshake:
		return "begin_handshake"
	case MsgTypeDenyHandshake:
		return "deny_handshake"
	case MsgTypeAcceptHandshake:
		return "accept_handshake"
	case MsgTypeCompleteHandshake:
		return "complete_handshake"
	case MsgTypeRequestPeers:
		return "request_peers"
	case MsgTypeListPeers:
		return "list_peers"
	case MsgTypeRequestShards:
		return "request_shards"
	case MsgTypeListShards:
		return "list_shards"
	case MsgTypeClose:
		return "close"
	default:
		return "unknown_" + strconv.FormatUint(uint64(t), 10)
	}
}

// Kind groups message types for the session permission gate.
type Kind int

const (
	KindUnknown Kind = iota
	KindHandshake
	KindGossip
	KindControl
)

func (t MsgType) Kind() Kind {
	switch t {
	case MsgTypeBeginHandshake, MsgTypeDenyHandshake, MsgTypeAcceptHandshake, MsgTypeCompleteHandshake:
		return KindHandshake
	case MsgTypeRequestPeers, MsgTypeListPeers, MsgTypeRequestShards, MsgTypeListShards:
		return KindGossip
	case MsgTypeClose:
		return KindControl
	default:
		return KindUnknown
	}
}

// Message is the closed set of wire messages. Only types in this package
// implement it.
type Message interface {
	Type() MsgType
	isMessage()
}

type BeginHandshake struct {
	Timestamp int64           `json:"timestamp"`
	Peer      peer.Descriptor `json:"peer"`
	Challenge uint64          `json:"challenge"`
}

type AcceptHandshake struct {
	Peer      peer.Descriptor `json:"peer"`
	Response  []byte          `json:"response"`
	Challenge uint64          `json:"challenge"`
}

type CompleteHandshake struct {
	Response []byte `json:"response"`
}

type DenyHandshake struct {
	Reason string `json:"reason"`
}

type RequestPeers struct {
	MaxSize int      `json:"max_size"`
	Shards  []uint64 `json:"shards,omitempty"`
}

type ListPeers struct {
	Peers []peer.Descriptor `json:"peers"`
}

type RequestShards struct {
	Shards []uint64 `json:"shards"`
}

type ShardDescriptor struct {
	ID          uint64            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Public      bool              `json:"public"`
	Meta        []byte            `json:"meta,omitempty"`
	Peers       []peer.Descriptor `json:"peers"`
}

type ListShards struct {
	Shards []ShardDescriptor `json:"shards"`
}

type Close struct {
	Reason string `json:"reason"`
}

func (BeginHandshake) Type() MsgType    { return MsgTypeBeginHandshake }
func (DenyHandshake) Type() MsgType     { return MsgTypeDenyHandshake }
func (AcceptHandshake) Type() MsgType   { return MsgTypeAcceptHandshake }
func (CompleteHandshake) Type() MsgType { return MsgTypeCompleteHandshake }
func (RequestPeers) Type() MsgType      { return MsgTypeRequestPeers }
func (ListPeers) Type() MsgType         { return MsgTypeListPeers }
func (RequestShards) Type() MsgType     { return MsgTypeRequestShards }
func (ListShards) Type() MsgType        { return MsgTypeListShards }
func (Close) Type() MsgType             { return MsgTypeClose }

func (BeginHandshake) isMessage()    {}
func (DenyHandshake) isMessage()     {}
func (AcceptHandshake) isMessage()   {}
func (CompleteHandshake) isMessage() {}
func (RequestPeers) isMessage()      {}
func (ListPeers) isMessage()         {}
func (RequestShards) isMessage()     {}
func (ListShards) isMessage()        {}
func (Close) isMessage()             {}

// Marshal encodes the inner payload of msg. The caller wraps it with
// EncodeEnvelope, possibly after encrypting it.
func Marshal(msg Message) (MsgType, []byte, error) {
	if msg == nil {
		return 0, nil, fmt.Errorf("%w: nil message", ErrUnknownType)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, nil, err
	}
	return msg.Type(), data, nil
}

// Unmarshal decodes an inner payload for the given tag.
func Unmarshal(tag MsgType, payload []byte) (Message, error) {
	switch tag {
	case MsgTypeBeginHandshake:
		return decodeInto[BeginHandshake](tag, payload)
	case MsgTypeDenyHandshake:
		return decodeInto[DenyHandshake](tag, payload)
	case MsgTypeAcceptHandshake:
		return decodeInto[AcceptHandshake](tag, payload)
	case MsgTypeCompleteHandshake:
		return decodeInto[CompleteHandshake](tag, payload)
	case MsgTypeRequestPeers:
		return decodeInto[RequestPeers](tag, payload)
	case MsgTypeListPeers:
		return decodeInto[ListPeers](tag, payload)
	case MsgTypeRequestShards:
		return decodeInto[RequestShards](tag, payload)
	case MsgTypeListShards:
		return decodeInto[ListShards](tag, payload)
	case MsgTypeClose:
		return decodeInto[Close](tag, payload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint32(tag))
	}
}

type wireMessage interface {
	BeginHandshake | DenyHandshake | AcceptHandshake | CompleteHandshake |
		RequestPeers | ListPeers | RequestShards | ListShards | Close
	Message
}

func decodeInto[T wireMessage](tag MsgType, payload []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
	}
	return m, nil
}
