package proto

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrZeroTag   = errors.New("proto: zero type tag")
	ErrTruncated = errors.New("proto: truncated envelope")
)

const (
	fieldType protowire.Number = 1
	fieldData protowire.Number = 2
)

// EncodeEnvelope wraps payload in the outer envelope. The layout is a
// protobuf message {uint32 type = 1; bytes data = 2;}.
func EncodeEnvelope(tag MsgType, payload []byte) ([]byte, error) {
	if tag == 0 {
		return nil, ErrZeroTag
	}
	out := make([]byte, 0, len(payload)+16)
	out = protowire.AppendTag(out, fieldType, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(tag))
	out = protowire.AppendTag(out, fieldData, protowire.BytesType)
	out = protowire.AppendBytes(out, payload)
	return out, nil
}

// DecodeEnvelope splits an envelope into its tag and opaque payload. Unknown
// fields are skipped. It never looks inside the payload.
func DecodeEnvelope(b []byte) (MsgType, []byte, error) {
	var (
		tag     uint64
		payload []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return 0, nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(m))
			}
			tag = v
			b = b[m:]
		case num == fieldData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return 0, nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(m))
			}
			payload = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return 0, nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if tag > math.MaxUint32 {
		return 0, nil, fmt.Errorf("%w: tag overflows uint32", ErrTruncated)
	}
	if tag == 0 {
		return 0, nil, ErrZeroTag
	}
	return MsgType(tag), append([]byte(nil), payload...), nil
}
