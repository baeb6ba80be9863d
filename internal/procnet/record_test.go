package procnet

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tableHeader = "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"

func tcpLine(sl int, local, remote, st string) string {
	return "   " + string(rune('0'+sl)) + ": " + local + " " + remote + " " + st +
		" 00000000:00000000 01:00000064 00000000  1000        0 123456 2 0000000000000000 20 4 0 10 -1\n"
}

func TestParseAddrPortReversesBytes(t *testing.T) {
	ap, err := ParseAddrPort("0101A8C0:01BB")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), ap.Addr())
	assert.Equal(t, uint16(443), ap.Port())

	ap, err = ParseAddrPort("0500000A:0050")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:80", ap.String())

	ap, err = ParseAddrPort("0100007F:0277")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:631", ap.String())
}

func TestParseAddrPortRejectsMalformed(t *testing.T) {
	for _, field := range []string{
		"0101A8C0",       // no port
		"0101A8C:01BB",   // short address
		"0101A8ZZ:01BB",  // not hex
		"0101A8C0:1FFFF", // port overflow
		"00000000000000000000000000000001:0050",
	} {
		_, err := ParseAddrPort(field)
		assert.ErrorIs(t, err, ErrMalformedLine, field)
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("02")
	require.NoError(t, err)
	assert.Equal(t, StatusSynSent, st)
	assert.True(t, st.Pending())
	assert.Equal(t, "SYN_SENT", st.String())

	st, err = ParseStatus("0C")
	require.NoError(t, err)
	assert.Equal(t, StatusNewSynRecv, st)
	assert.False(t, st.Pending())

	for _, bad := range []string{"00", "0D", "FF", "x"} {
		_, err := ParseStatus(bad)
		assert.ErrorIs(t, err, ErrMalformedLine, bad)
	}
}

func TestOnlySynSentIsPending(t *testing.T) {
	for s := StatusEstablished; s <= StatusNewSynRecv; s++ {
		assert.Equal(t, s == StatusSynSent, s.Pending(), s.String())
	}
}

func TestParseTableSkipsBadLines(t *testing.T) {
	table := tableHeader +
		tcpLine(0, "0100007F:0277", "00000000:0000", "0A") +
		tcpLine(1, "0F02000A:C350", "0500000A:01BB", "02") +
		"   2: garbage\n" +
		tcpLine(3, "0F02000A:C351", "0500000A:01BB", "0D") +
		tcpLine(4, "0F02000A:C352", "0101A8C0:0050", "01")

	records, skipped, err := ParseTable(strings.NewReader(table))
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, records, 3)
	assert.Equal(t, StatusListen, records[0].Status)
	assert.Equal(t, "10.0.0.5:443", records[1].Remote.String())
	assert.Equal(t, StatusSynSent, records[1].Status)
}

func TestPendingRemotes(t *testing.T) {
	mk := func(remote string, st TCPStatus) Record {
		return Record{Remote: netip.MustParseAddrPort(remote), Status: st}
	}
	records := []Record{
		mk("10.0.0.9:443", StatusSynSent),
		mk("10.0.0.5:80", StatusSynSent),
		mk("10.0.0.5:443", StatusSynSent),
		mk("1.1.1.1:53", StatusEstablished),
		mk("8.8.8.8:443", StatusTimeWait),
	}
	assert.Equal(t,
		[]netip.Addr{netip.MustParseAddr("10.0.0.5"), netip.MustParseAddr("10.0.0.9")},
		PendingRemotes(records))
	assert.Empty(t, PendingRemotes(nil))
}

func TestParseLineErrorsAreLineScoped(t *testing.T) {
	_, err := ParseLine("0: 0100007F:0277")
	assert.True(t, errors.Is(err, ErrMalformedLine))
}
