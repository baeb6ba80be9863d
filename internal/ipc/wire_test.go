package ipc

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestAttachRequestRoundTrip(t *testing.T) {
	in := &AttachRequest{PID: 4242, DelayMS: 5000}
	out := new(AttachRequest)
	require.NoError(t, out.UnmarshalWire(in.MarshalWire()))
	assert.Equal(t, in, out)

	in = &AttachRequest{PID: 1, DefaultDelay: true}
	require.NoError(t, out.UnmarshalWire(in.MarshalWire()))
	assert.Equal(t, in, out)
}

func TestListResponseRoundTrip(t *testing.T) {
	in := &ListResponse{
		Connections: []ConnectionInfo{
			{Address: netip.MustParseAddr("10.0.0.5"), Routed: true},
			{Address: netip.MustParseAddr("10.0.0.9"), PendingMS: 1500},
		},
		Processes: []ProcessInfo{{PID: 7, Session: "s-1", DelayMS: 30000, UptimeMS: 12}},
	}
	out := new(ListResponse)
	require.NoError(t, out.UnmarshalWire(in.MarshalWire()))
	assert.Equal(t, in, out)
}

func TestDecodeRejectsWrongKind(t *testing.T) {
	body := (&DetachRequest{PID: 5}).MarshalWire()

	err := new(AttachRequest).UnmarshalWire(body)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "DetachRequest")
}

func TestDecodeRejectsMissingKind(t *testing.T) {
	body := appendUint(nil, 2, 5)
	assert.ErrorIs(t, new(DetachRequest).UnmarshalWire(body), ErrProtocol)
	assert.ErrorIs(t, new(ListRequest).UnmarshalWire(nil), ErrProtocol)
}

func TestDecodeRejectsTruncatedAndMistyped(t *testing.T) {
	body := (&AttachRequest{PID: 300, DelayMS: 70000}).MarshalWire()
	assert.ErrorIs(t, new(AttachRequest).UnmarshalWire(body[:len(body)-1]), ErrProtocol)

	mistyped := appendKind(nil, KindDetachRequest)
	mistyped = protowire.AppendTag(mistyped, 2, protowire.BytesType)
	mistyped = protowire.AppendString(mistyped, "5")
	assert.ErrorIs(t, new(DetachRequest).UnmarshalWire(mistyped), ErrProtocol)

	overflow := appendKind(nil, KindDetachRequest)
	overflow = appendUint(overflow, 2, 1<<40)
	assert.ErrorIs(t, new(DetachRequest).UnmarshalWire(overflow), ErrProtocol)
}

func TestDecodeRejectsUnknownResult(t *testing.T) {
	body := appendUint(appendKind(nil, KindAttachResponse), 2, 9)
	assert.ErrorIs(t, new(AttachResponse).UnmarshalWire(body), ErrProtocol)

	body = appendUint(appendKind(nil, KindDetachResponse), 2, 3)
	assert.ErrorIs(t, new(DetachResponse).UnmarshalWire(body), ErrProtocol)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	body := (&DetachRequest{PID: 5}).MarshalWire()
	body = protowire.AppendTag(body, 99, protowire.BytesType)
	body = protowire.AppendString(body, "future")

	out := new(DetachRequest)
	require.NoError(t, out.UnmarshalWire(body))
	assert.Equal(t, uint32(5), out.PID)
}

func TestResultStrings(t *testing.T) {
	assert.Equal(t, "Ok", AttachOK.String())
	assert.Equal(t, "ProcessNotFound", AttachProcessNotFound.String())
	assert.Equal(t, "AlreadyAttached", AttachAlreadyAttached.String())
	assert.Equal(t, "UnknownError", DetachUnknownError.String())
	assert.Equal(t, "ListResponse", KindListResponse.String())
}
