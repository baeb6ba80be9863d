package ipc

import (
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind identifies a control message on the wire. Every encoded message
// carries its kind in field 1 so a body of the wrong type is rejected.
type Kind uint64

const (
	KindAttachRequest Kind = iota + 1
	KindAttachResponse
	KindDetachRequest
	KindDetachResponse
	KindListRequest
	KindListResponse
)

var kindNames = map[Kind]string{
	KindAttachRequest:  "AttachRequest",
	KindAttachResponse: "AttachResponse",
	KindDetachRequest:  "DetachRequest",
	KindDetachResponse: "DetachResponse",
	KindListRequest:    "ListRequest",
	KindListResponse:   "ListResponse",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint64(k))
}

// Message is a control message with a hand-written wire encoding.
type Message interface {
	Kind() Kind
	MarshalWire() []byte
	UnmarshalWire(b []byte) error
}

// AttachResult is the outcome of an attach request.
type AttachResult uint32

const (
	AttachOK AttachResult = iota
	AttachProcessNotFound
	AttachAlreadyAttached
)

func (r AttachResult) String() string {
	switch r {
	case AttachOK:
		return "Ok"
	case AttachProcessNotFound:
		return "ProcessNotFound"
	case AttachAlreadyAttached:
		return "AlreadyAttached"
	default:
		return fmt.Sprintf("AttachResult(%d)", uint32(r))
	}
}

func (r AttachResult) valid() bool { return r <= AttachAlreadyAttached }

// DetachResult is the outcome of a detach request.
type DetachResult uint32

const (
	DetachOK DetachResult = iota
	DetachProcessNotFound
	DetachUnknownError
)

func (r DetachResult) String() string {
	switch r {
	case DetachOK:
		return "Ok"
	case DetachProcessNotFound:
		return "ProcessNotFound"
	case DetachUnknownError:
		return "UnknownError"
	default:
		return fmt.Sprintf("DetachResult(%d)", uint32(r))
	}
}

func (r DetachResult) valid() bool { return r <= DetachUnknownError }

// AttachRequest asks the daemon to monitor PID. DelayMS is ignored when
// DefaultDelay is set; the daemon then applies its configured delay.
type AttachRequest struct {
	PID          uint32
	DelayMS      uint32
	DefaultDelay bool
}

func (*AttachRequest) Kind() Kind { return KindAttachRequest }

func (m *AttachRequest) MarshalWire() []byte {
	b := appendKind(nil, m.Kind())
	b = appendUint(b, 2, uint64(m.PID))
	b = appendUint(b, 3, uint64(m.DelayMS))
	if m.DefaultDelay {
		b = appendUint(b, 4, 1)
	}
	return b
}

func (m *AttachRequest) UnmarshalWire(b []byte) error {
	*m = AttachRequest{}
	return decode(b, m.Kind(), func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 2:
			return consumeUint32(typ, v, &m.PID)
		case 3:
			return consumeUint32(typ, v, &m.DelayMS)
		case 4:
			return consumeBool(typ, v, &m.DefaultDelay)
		}
		return skipField, nil
	})
}

// AttachResponse answers an AttachRequest after the first poll.
type AttachResponse struct {
	Result AttachResult
}

func (*AttachResponse) Kind() Kind { return KindAttachResponse }

func (m *AttachResponse) MarshalWire() []byte {
	b := appendKind(nil, m.Kind())
	return appendUint(b, 2, uint64(m.Result))
}

func (m *AttachResponse) UnmarshalWire(b []byte) error {
	*m = AttachResponse{}
	err := decode(b, m.Kind(), func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 2 {
			return consumeUint32(typ, v, (*uint32)(&m.Result))
		}
		return skipField, nil
	})
	if err == nil && !m.Result.valid() {
		err = fmt.Errorf("%w: unknown attach result %d", ErrProtocol, uint32(m.Result))
	}
	return err
}

// DetachRequest asks the daemon to stop monitoring PID.
type DetachRequest struct {
	PID uint32
}

func (*DetachRequest) Kind() Kind { return KindDetachRequest }

func (m *DetachRequest) MarshalWire() []byte {
	b := appendKind(nil, m.Kind())
	return appendUint(b, 2, uint64(m.PID))
}

func (m *DetachRequest) UnmarshalWire(b []byte) error {
	*m = DetachRequest{}
	return decode(b, m.Kind(), func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 2 {
			return consumeUint32(typ, v, &m.PID)
		}
		return skipField, nil
	})
}

// DetachResponse answers a DetachRequest.
type DetachResponse struct {
	Result DetachResult
}

func (*DetachResponse) Kind() Kind { return KindDetachResponse }

func (m *DetachResponse) MarshalWire() []byte {
	b := appendKind(nil, m.Kind())
	return appendUint(b, 2, uint64(m.Result))
}

func (m *DetachResponse) UnmarshalWire(b []byte) error {
	*m = DetachResponse{}
	err := decode(b, m.Kind(), func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 2 {
			return consumeUint32(typ, v, (*uint32)(&m.Result))
		}
		return skipField, nil
	})
	if err == nil && !m.Result.valid() {
		err = fmt.Errorf("%w: unknown detach result %d", ErrProtocol, uint32(m.Result))
	}
	return err
}

// ListRequest asks for a snapshot of the registry and attached processes.
type ListRequest struct{}

func (*ListRequest) Kind() Kind { return KindListRequest }

func (m *ListRequest) MarshalWire() []byte { return appendKind(nil, m.Kind()) }

func (m *ListRequest) UnmarshalWire(b []byte) error {
	return decode(b, m.Kind(), func(protowire.Number, protowire.Type, []byte) (int, error) {
		return skipField, nil
	})
}

// ConnectionInfo is one registry entry as reported by List.
type ConnectionInfo struct {
	Address   netip.Addr
	Routed    bool
	PendingMS uint64
}

// ProcessInfo is one attached process as reported by List.
type ProcessInfo struct {
	PID      uint32
	Session  string
	DelayMS  uint32
	UptimeMS uint64
}

// ListResponse answers a ListRequest.
type ListResponse struct {
	Connections []ConnectionInfo
	Processes   []ProcessInfo
}

func (*ListResponse) Kind() Kind { return KindListResponse }

func (m *ListResponse) MarshalWire() []byte {
	b := appendKind(nil, m.Kind())
	for _, c := range m.Connections {
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.BytesType)
		sub = protowire.AppendBytes(sub, c.Address.AsSlice())
		if c.Routed {
			sub = appendUint(sub, 2, 1)
		}
		sub = appendUint(sub, 3, c.PendingMS)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	for _, p := range m.Processes {
		var sub []byte
		sub = appendUint(sub, 1, uint64(p.PID))
		sub = protowire.AppendTag(sub, 2, protowire.BytesType)
		sub = protowire.AppendString(sub, p.Session)
		sub = appendUint(sub, 3, uint64(p.DelayMS))
		sub = appendUint(sub, 4, p.UptimeMS)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}

func (m *ListResponse) UnmarshalWire(b []byte) error {
	*m = ListResponse{}
	return decode(b, m.Kind(), func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 2:
			var raw []byte
			n, err := consumeBytes(typ, v, &raw)
			if err != nil {
				return n, err
			}
			c, err := decodeConnectionInfo(raw)
			if err != nil {
				return n, err
			}
			m.Connections = append(m.Connections, c)
			return n, nil
		case 3:
			var raw []byte
			n, err := consumeBytes(typ, v, &raw)
			if err != nil {
				return n, err
			}
			p, err := decodeProcessInfo(raw)
			if err != nil {
				return n, err
			}
			m.Processes = append(m.Processes, p)
			return n, nil
		}
		return skipField, nil
	})
}

func decodeConnectionInfo(b []byte) (ConnectionInfo, error) {
	var c ConnectionInfo
	var addr []byte
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, v, &addr)
		case 2:
			return consumeBool(typ, v, &c.Routed)
		case 3:
			return consumeUint64(typ, v, &c.PendingMS)
		}
		return skipField, nil
	})
	if err != nil {
		return c, err
	}
	a, ok := netip.AddrFromSlice(addr)
	if !ok {
		return c, fmt.Errorf("%w: bad connection address %x", ErrProtocol, addr)
	}
	c.Address = a
	return c, nil
}

func decodeProcessInfo(b []byte) (ProcessInfo, error) {
	var p ProcessInfo
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint32(typ, v, &p.PID)
		case 2:
			return consumeString(typ, v, &p.Session)
		case 3:
			return consumeUint32(typ, v, &p.DelayMS)
		case 4:
			return consumeUint64(typ, v, &p.UptimeMS)
		}
		return skipField, nil
	})
	return p, err
}
