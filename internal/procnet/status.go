package procnet

import (
	"fmt"
	"strconv"
)

// TCPStatus is the kernel's TCP socket state as exposed in the st column of
// /proc/net/tcp (include/net/tcp_states.h).
type TCPStatus uint8

const (
	StatusEstablished TCPStatus = iota + 1
	StatusSynSent
	StatusSynRecv
	StatusFinWait1
	StatusFinWait2
	StatusTimeWait
	StatusClose
	StatusCloseWait
	StatusLastAck
	StatusListen
	StatusClosing
	StatusNewSynRecv
)

var statusNames = [...]string{
	StatusEstablished: "ESTABLISHED",
	StatusSynSent:     "SYN_SENT",
	StatusSynRecv:     "SYN_RECV",
	StatusFinWait1:    "FIN_WAIT1",
	StatusFinWait2:    "FIN_WAIT2",
	StatusTimeWait:    "TIME_WAIT",
	StatusClose:       "CLOSE",
	StatusCloseWait:   "CLOSE_WAIT",
	StatusLastAck:     "LAST_ACK",
	StatusListen:      "LISTEN",
	StatusClosing:     "CLOSING",
	StatusNewSynRecv:  "NEW_SYN_RECV",
}

// Valid reports whether s is one of the twelve known states.
func (s TCPStatus) Valid() bool {
	return s >= StatusEstablished && s <= StatusNewSynRecv
}

func (s TCPStatus) String() string {
	if !s.Valid() {
		return fmt.Sprintf("TCPStatus(%d)", uint8(s))
	}
	return statusNames[s]
}

// Pending reports whether the state counts as a connection attempt that has
// not completed yet.
func (s TCPStatus) Pending() bool {
	return s == StatusSynSent
}

// ParseStatus decodes the hex st column ("02").
func ParseStatus(field string) (TCPStatus, error) {
	v, err := strconv.ParseUint(field, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: status %q: %v", ErrMalformedLine, field, err)
	}
	s := TCPStatus(v)
	if !s.Valid() {
		return 0, fmt.Errorf("%w: status %q out of range", ErrMalformedLine, field)
	}
	return s, nil
}

// statusFromName maps a state name ("SYN_SENT") back to its code.
func statusFromName(name string) (TCPStatus, bool) {
	for i, n := range statusNames {
		if n != "" && n == name {
			return TCPStatus(i), true
		}
	}
	return 0, false
}
