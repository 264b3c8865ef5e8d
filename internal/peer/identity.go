package peer

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"

	"iris/internal/crypto"
)

const idLabel = "iris:nodeid:v1"

var (
	ErrBadIdentity   = errors.New("peer: bad identity")
	ErrBadDescriptor = errors.New("peer: bad descriptor")
)

// Identity names a node and carries the public key the crypto box needs to
// seal for it. The ID is bound to the key, see DeriveID.
type Identity struct {
	ID     [32]byte
	PubKey []byte
}

func DeriveID(pub []byte) [32]byte {
	sum := crypto.KDF(idLabel, pub)
	var id [32]byte
	copy(id[:], sum)
	return id
}

func NewIdentity(pub []byte) (Identity, error) {
	if !crypto.IsPublicKey(pub) {
		return Identity{}, fmt.Errorf("%w: pubkey", ErrBadIdentity)
	}
	return Identity{ID: DeriveID(pub), PubKey: append([]byte(nil), pub...)}, nil
}

func (i Identity) IsZero() bool {
	return i.ID == [32]byte{}
}

func (i Identity) Equal(o Identity) bool {
	return i.ID == o.ID
}

func (i Identity) Hex() string {
	return hex.EncodeToString(i.ID[:])
}

// Short is the log form of the node id.
func (i Identity) Short() string {
	return hex.EncodeToString(i.ID[:6])
}

func (i Identity) String() string {
	return i.Short()
}

type wireIdentity struct {
	NodeID string `json:"node_id"`
	PubKey string `json:"pubkey"`
}

func (i Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireIdentity{
		NodeID: hex.EncodeToString(i.ID[:]),
		PubKey: hex.EncodeToString(i.PubKey),
	})
}

func (i *Identity) UnmarshalJSON(data []byte) error {
	var w wireIdentity
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id, err := fromWireFields(w)
	if err != nil {
		return err
	}
	*i = id
	return nil
}

// ToWire is the serialized identity as carried inside peer descriptors.
func (i Identity) ToWire() ([]byte, error) {
	return i.MarshalJSON()
}

// FromWire parses and validates a serialized identity. The advertised node id
// must match the one derived from the public key.
func FromWire(data []byte) (Identity, error) {
	var w wireIdentity
	if err := json.Unmarshal(data, &w); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrBadIdentity, err)
	}
	return fromWireFields(w)
}

func fromWireFields(w wireIdentity) (Identity, error) {
	idBytes, err := hex.DecodeString(w.NodeID)
	if err != nil || len(idBytes) != 32 {
		return Identity{}, fmt.Errorf("%w: node_id", ErrBadIdentity)
	}
	pub, err := hex.DecodeString(w.PubKey)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: pubkey", ErrBadIdentity)
	}
	id, err := NewIdentity(pub)
	if err != nil {
		return Identity{}, err
	}
	if hex.EncodeToString(id.ID[:]) != hex.EncodeToString(idBytes) {
		return Identity{}, fmt.Errorf("%w: node_id does not match pubkey", ErrBadIdentity)
	}
	return id, nil
}

// Descriptor is what a node advertises about a peer: where to reach it and who
// it is. Host/Port is the advertised listen address, not the socket address.
type Descriptor struct {
	Host     string   `json:"ip"`
	Port     uint16   `json:"port"`
	Identity Identity `json:"user"`
}

func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
}

func (d Descriptor) Validate() error {
	if d.Host == "" || d.Port == 0 {
		return fmt.Errorf("%w: address", ErrBadDescriptor)
	}
	if d.Identity.IsZero() {
		return fmt.Errorf("%w: identity", ErrBadDescriptor)
	}
	return nil
}

// ParseAddr splits host:port into the descriptor address fields.
func ParseAddr(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	if host == "" || port == 0 {
		return "", 0, fmt.Errorf("incomplete addr %q", addr)
	}
	return host, uint16(port), nil
}
