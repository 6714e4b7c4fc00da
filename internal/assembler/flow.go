package assembler

import (
	"fmt"
	"time"
)

// State mirrors the subset of TCP connection states the assembler tracks,
// the way the teacher's stream.TCPState does, trimmed to what flow
// termination actually needs (spec §4.3 does not model the full RFC 793
// state machine, only open/closing/closed).
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Flags is the subset of TCP flag bits the assembler inspects.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagACK
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Packet is one TCP segment handed to the Assembler, already decoded from
// the wire by the PCAP Session Manager.
type Packet struct {
	SrcIP, DstIP     string
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            Flags
	Payload          []byte
	Timestamp        time.Time
}

// Flow is one TCP connection's live reassembly state.
type Flow struct {
	Key string

	ClientIP, ServerIP     string
	ClientPort, ServerPort uint16
	ServicePort            int // spec §4.3: the side whose port looks like a listening service

	State State

	ClientISN, ServerISN uint32
	ClientData           *HalfStream
	ServerData           *HalfStream

	StartedAt time.Time
	LastSeen  time.Time
	ClosedAt  time.Time

	ClientFinSeen, ServerFinSeen bool
	SawRST                       bool

	// DirectionKnown is false when the flow was reconstructed mid-stream
	// (no SYN observed); ServicePort is then a port-number heuristic
	// rather than a certainty.
	DirectionKnown bool
}

// FlowKey normalizes a 4-tuple so both directions of a connection map to
// the same key, the way the teacher's stream.StreamKey does.
func FlowKey(srcIP, dstIP string, srcPort, dstPort uint16) string {
	if srcIP < dstIP || (srcIP == dstIP && srcPort < dstPort) {
		return fmt.Sprintf("%s:%d-%s:%d", srcIP, srcPort, dstIP, dstPort)
	}
	return fmt.Sprintf("%s:%d-%s:%d", dstIP, dstPort, srcIP, srcPort)
}

// IsDone reports whether the flow has reached a terminal state.
func (f *Flow) IsDone() bool { return f.State == StateClosed }

// commonServicePorts backs the mid-stream heuristic of spec §4.3 when no
// SYN was observed to settle which side is the server, grounded on the
// teacher's isLikelyServerPort table.
var commonServicePorts = map[uint16]bool{
	21: true, 22: true, 23: true, 25: true, 53: true, 80: true, 110: true,
	143: true, 443: true, 3306: true, 5432: true, 6379: true, 8080: true,
	8443: true, 9000: true, 27017: true,
}

func isLikelyServicePort(port uint16) bool {
	return port < 1024 || commonServicePorts[port]
}
