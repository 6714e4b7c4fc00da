package assembler

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Completed is a Flow that has reached a terminal state and is ready for
// the Stream Persister to chunk and scan.
type Completed struct {
	Flow   *Flow
	Reason string
}

// Assembler feeds decoded TCP packets into a sharded Table of Flows,
// applying the block-gap and flow-termination rules of spec §4.3. It is
// the generalization of the teacher's StreamManager.ProcessPacket, which
// only ever tracked one direction's bytes with no block bookkeeping and
// no idle sweep.
type Assembler struct {
	table     *Table
	blockGap  time.Duration
	idleFlow  time.Duration
	onDone    func(Completed)
	log       *logrus.Entry
}

// New creates an Assembler. onDone is invoked once per Flow, exactly
// once, either when the flow closes gracefully, is forcibly flushed by an
// idle sweep, or is flushed on shutdown.
func New(blockGap, idleFlow time.Duration, onDone func(Completed), log *logrus.Entry) *Assembler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Assembler{table: NewTable(), blockGap: blockGap, idleFlow: idleFlow, onDone: onDone, log: log}
}

// Feed processes one packet, creating, updating, or closing its Flow.
func (a *Assembler) Feed(pkt Packet) {
	key := FlowKey(pkt.SrcIP, pkt.DstIP, pkt.SrcPort, pkt.DstPort)

	flow, created := a.table.GetOrCreate(key, func() *Flow {
		return a.newFlow(key, pkt)
	})
	if created {
		a.log.WithFields(logrus.Fields{"flow": key}).Debug("flow created")
	}

	var finished *Completed
	a.table.WithLock(key, func(f *Flow) {
		a.updateFlow(f, pkt)
		if f.State == StateClosed {
			finished = &Completed{Flow: f, Reason: "closed"}
		}
	})
	if finished != nil {
		a.table.Remove(key)
		a.onDone(*finished)
	}
	_ = flow
}

// newFlow constructs a Flow for the first packet observed on a 4-tuple.
// Service-port selection follows the SYN's destination port when a SYN is
// seen; otherwise it falls back to the teacher's well-known-port
// heuristic for mid-stream captures.
func (a *Assembler) newFlow(key string, pkt Packet) *Flow {
	clientIP, serverIP := pkt.SrcIP, pkt.DstIP
	clientPort, serverPort := pkt.SrcPort, pkt.DstPort
	clientSeq, serverSeq := pkt.Seq, uint32(0)
	directionKnown := pkt.Flags.Has(FlagSYN)

	if !directionKnown && isLikelyServicePort(pkt.SrcPort) && !isLikelyServicePort(pkt.DstPort) {
		clientIP, serverIP = serverIP, clientIP
		clientPort, serverPort = serverPort, clientPort
		clientSeq, serverSeq = pkt.Ack, pkt.Seq
	}

	return &Flow{
		Key:            key,
		ClientIP:       clientIP,
		ServerIP:       serverIP,
		ClientPort:     clientPort,
		ServerPort:     serverPort,
		ServicePort:    int(serverPort),
		State:          StateOpen,
		ClientISN:      clientSeq,
		ServerISN:      serverSeq,
		ClientData:     NewHalfStream(clientSeq+1, a.blockGap),
		ServerData:     NewHalfStream(serverSeq, a.blockGap),
		StartedAt:      pkt.Timestamp,
		LastSeen:       pkt.Timestamp,
		DirectionKnown: directionKnown,
	}
}

func (a *Assembler) updateFlow(f *Flow, pkt Packet) {
	f.LastSeen = pkt.Timestamp

	fromClient := pkt.SrcIP == f.ClientIP && pkt.SrcPort == f.ClientPort
	if fromClient {
		f.ClientData.AddSegment(pkt.Seq, pkt.Payload, pkt.Timestamp)
		if pkt.Flags.Has(FlagFIN) {
			f.ClientFinSeen = true
		}
	} else {
		// The server's SYN/ACK is the first packet we see from its side;
		// it carries the ISN the client's newFlow guess (ServerISN: 0)
		// couldn't know yet.
		if f.ServerISN == 0 && pkt.Flags.Has(FlagSYN) {
			f.ServerISN = pkt.Seq
			f.ServerData = NewHalfStream(pkt.Seq+1, a.blockGap)
		}
		f.ServerData.AddSegment(pkt.Seq, pkt.Payload, pkt.Timestamp)
		if pkt.Flags.Has(FlagFIN) {
			f.ServerFinSeen = true
		}
	}

	if pkt.Flags.Has(FlagRST) {
		f.SawRST = true
		a.closeFlow(f, pkt.Timestamp)
		return
	}
	if f.ClientFinSeen && f.ServerFinSeen {
		a.closeFlow(f, pkt.Timestamp)
		return
	}
	if f.ClientFinSeen || f.ServerFinSeen {
		f.State = StateClosing
	}
}

func (a *Assembler) closeFlow(f *Flow, at time.Time) {
	f.ClientData.ForceFlush()
	f.ServerData.ForceFlush()
	f.State = StateClosed
	f.ClosedAt = at
}

// SweepIdle flushes every flow idle for longer than T_idle_flow, the way
// spec §4.3 requires a flow to terminate even with no FIN/RST ever
// observed (e.g. the capture ends mid-conversation). Call periodically
// from the PCAP Session Manager's ingestion loop.
func (a *Assembler) SweepIdle(now time.Time) {
	a.table.Sweep(now, a.idleFlow, func(f *Flow) {
		a.closeFlow(f, f.LastSeen)
		a.onDone(Completed{Flow: f, Reason: "idle"})
	})
}

// FlushAll force-closes every remaining flow, used at the end of a PCAP
// session (spec §4.6's flush_all semantics) so no data is left
// unpersisted just because the capture ended without clean teardown.
func (a *Assembler) FlushAll() {
	a.table.Sweep(time.Now(), -1, func(f *Flow) {
		a.closeFlow(f, f.LastSeen)
		a.onDone(Completed{Flow: f, Reason: "flush_all"})
	})
}

// Len reports the number of flows currently open.
func (a *Assembler) Len() int { return a.table.Len() }
