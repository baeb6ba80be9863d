package ipc

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrProtocol marks a control message that could not be decoded or had an
// unexpected shape.
var ErrProtocol = errors.New("protocol error")

const fieldKind protowire.Number = 1

// skipField is returned by a field callback for fields it does not know.
const skipField = -1

// Frame carries a message body that has not been decoded yet. The codec
// hands raw bodies to handlers so decode failures surface as protocol
// errors instead of transport errors.
type Frame struct {
	Data []byte
}

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func appendKind(b []byte, k Kind) []byte {
	return appendUint(b, fieldKind, uint64(k))
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// decode walks a top-level message and checks that it is of kind want.
func decode(b []byte, want Kind, fn fieldFunc) error {
	var got Kind
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != fieldKind {
			return fn(num, typ, v)
		}
		var k uint64
		n, err := consumeUint64(typ, v, &k)
		got = Kind(k)
		return n, err
	})
	if err != nil {
		return err
	}
	if got == 0 {
		return fmt.Errorf("%w: missing message kind, want %s", ErrProtocol, want)
	}
	if got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrProtocol, got, want)
	}
	return nil
}

func decodeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrProtocol, num, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func expectType(got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("%w: wire type %d, want %d", ErrProtocol, got, want)
	}
	return nil
}

func consumeUint64(typ protowire.Type, b []byte, out *uint64) (int, error) {
	if err := expectType(typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
	}
	*out = v
	return n, nil
}

func consumeUint32(typ protowire.Type, b []byte, out *uint32) (int, error) {
	var v uint64
	n, err := consumeUint64(typ, b, &v)
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: value %d overflows uint32", ErrProtocol, v)
	}
	*out = uint32(v)
	return n, nil
}

func consumeBool(typ protowire.Type, b []byte, out *bool) (int, error) {
	var v uint64
	n, err := consumeUint64(typ, b, &v)
	if err != nil {
		return 0, err
	}
	*out = protowire.DecodeBool(v)
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, out *[]byte) (int, error) {
	if err := expectType(typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
	}
	*out = v
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, out *string) (int, error) {
	var v []byte
	n, err := consumeBytes(typ, b, &v)
	if err != nil {
		return 0, err
	}
	*out = string(v)
	return n, nil
}
