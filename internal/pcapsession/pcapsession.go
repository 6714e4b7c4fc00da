// Package pcapsession implements the PCAP Session Manager of spec §4.6:
// it opens a pcap file or live interface with gopacket/pcap, decodes each
// packet down to its TCP segment, feeds the Assembler, and tracks the
// per-session counters (processed/invalid packets, packets_per_service).
// Grounded directly on the teacher's capture.Capturer (pcap.OpenLive/
// OpenOffline, a buffered packet channel drained by a capture loop) and
// pkg/ingest.Pipeline.Run's ingest-then-flush lifecycle.
package pcapsession

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/caronte/caronte/internal/assembler"
	"github.com/caronte/caronte/internal/caronteerr"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
)

// Manager runs one ingestion session over a pcap source.
type Manager struct {
	assembler *assembler.Assembler
	log       *logrus.Entry

	sweepInterval time.Duration
}

// New creates a Manager driving asm with packets decoded from a pcap
// source.
func New(asm *assembler.Assembler, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{assembler: asm, log: log, sweepInterval: time.Second}
}

// Result is the outcome of one ingestion run, used to build the
// model.PcapSession row.
type Result struct {
	Size              int64
	ProcessedPackets  uint64
	InvalidPackets    uint64
	PacketsPerService map[int]uint64
	// CaptureToken identifies a live-interface run; empty for FileSession.
	CaptureToken string
}

// FileSession ingests an entire pcap file, blocking until EOF. flushAll
// controls spec §4.6's flush_all semantics: when true, every flow still
// open at EOF is force-closed so its data reaches the Persister instead
// of waiting, unflushed, for packets that will never come because the
// file has ended; when false the flows are left open for a later
// session (a different file, or a live interface) to continue feeding.
// deleteOriginal removes path once ingestion succeeds, so a one-shot
// upload-to-disk-then-ingest caller doesn't have to clean up after itself.
func (m *Manager) FileSession(path string, flushAll, deleteOriginal bool) (Result, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return Result{}, fmt.Errorf("open pcap file %s: %w", path, err)
	}
	defer handle.Close()

	result, err := m.run(handle, flushAll)
	if err != nil {
		return result, err
	}
	if deleteOriginal {
		if rmErr := os.Remove(path); rmErr != nil {
			m.log.WithError(rmErr).WithField("path", path).Warn("failed to delete source pcap file")
		}
	}
	return result, nil
}

// UploadSession parses a whole capture already held in memory, the way
// an uploaded file arrives over HTTP instead of being read off disk.
// Only the classic pcap container is supported; data failing the magic
// number check is rejected before gopacket ever sees it.
func (m *Manager) UploadSession(data []byte, flushAll bool) (Result, error) {
	if !looksLikePcap(data) {
		return Result{}, caronteerr.InvalidInput("not a recognized pcap capture")
	}
	reader, err := pcapgo.NewReader(bytes.NewReader(data))
	if err != nil {
		return Result{}, caronteerr.Wrap(caronteerr.KindInvalidInput, "parse pcap", err)
	}

	result := Result{PacketsPerService: make(map[int]uint64)}
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	for pkt := range source.Packets() {
		m.ingestOne(pkt, &result)
	}
	if flushAll {
		m.assembler.FlushAll()
	}
	result.Size = int64(len(data))
	return result, nil
}

var pcapMagics = [][]byte{
	{0xd4, 0xc3, 0xb2, 0xa1}, // classic, little-endian, microsecond
	{0xa1, 0xb2, 0xc3, 0xd4}, // classic, big-endian, microsecond
	{0x4d, 0x3c, 0xb2, 0xa1}, // classic, little-endian, nanosecond
	{0xa1, 0xb2, 0x3c, 0x4d}, // classic, big-endian, nanosecond
}

func looksLikePcap(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	for _, magic := range pcapMagics {
		if bytes.Equal(data[:4], magic) {
			return true
		}
	}
	// pcapng: the file opens with a Section Header Block, whose block
	// type 0x0A0D0D0A is its first word.
	if len(data) >= 8 && binary.BigEndian.Uint32(data[:4]) == 0x0a0d0d0a {
		return true
	}
	return false
}

// LiveSession ingests from a network interface until stop is closed.
// flush_all does not apply to a live capture: it stops only when told to,
// so every remaining flow is always force-closed on the way out.
func (m *Manager) LiveSession(iface string, stop <-chan struct{}) (Result, error) {
	handle, err := pcap.OpenLive(iface, 65536, true, pcap.BlockForever)
	if err != nil {
		return Result{}, fmt.Errorf("open interface %s: %w", iface, err)
	}
	defer handle.Close()

	token := uuid.NewString()
	m.log.WithFields(logrus.Fields{"interface": iface, "capture_token": token}).Info("starting live capture")

	result := Result{PacketsPerService: make(map[int]uint64), CaptureToken: token}
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			m.assembler.FlushAll()
			return result, nil
		case pkt, ok := <-packets:
			if !ok {
				m.assembler.FlushAll()
				return result, nil
			}
			m.ingestOne(pkt, &result)
		case now := <-ticker.C:
			m.assembler.SweepIdle(now)
		}
	}
}

func (m *Manager) run(handle *pcap.Handle, flushAll bool) (Result, error) {
	result := Result{PacketsPerService: make(map[int]uint64)}
	source := gopacket.NewPacketSource(handle, handle.LinkType())

	for pkt := range source.Packets() {
		m.ingestOne(pkt, &result)
	}
	if flushAll {
		m.assembler.FlushAll()
	}
	return result, nil
}

func (m *Manager) ingestOne(pkt gopacket.Packet, result *Result) {
	result.Size += int64(len(pkt.Data()))

	tcpPkt, servicePort, ok := decodeTCP(pkt)
	if !ok {
		result.InvalidPackets++
		return
	}
	result.ProcessedPackets++
	result.PacketsPerService[servicePort]++
	m.assembler.Feed(tcpPkt)
}

// decodeTCP pulls IPv4/IPv6 + TCP layers out of a packet, the way the
// teacher's capture.parsePacket walks each layer in order. The returned
// port is the packet's literal TCP destination port, used only to key
// the packets_per_service counter; it is unrelated to the Assembler's
// own SYN-based ServicePort selection for a flow.
func decodeTCP(pkt gopacket.Packet) (assembler.Packet, int, bool) {
	var srcIP, dstIP string
	if ipv4 := pkt.Layer(layers.LayerTypeIPv4); ipv4 != nil {
		ip := ipv4.(*layers.IPv4)
		srcIP, dstIP = ip.SrcIP.String(), ip.DstIP.String()
	} else if ipv6 := pkt.Layer(layers.LayerTypeIPv6); ipv6 != nil {
		ip := ipv6.(*layers.IPv6)
		srcIP, dstIP = ip.SrcIP.String(), ip.DstIP.String()
	} else {
		return assembler.Packet{}, 0, false
	}

	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return assembler.Packet{}, 0, false
	}
	tcp := tcpLayer.(*layers.TCP)

	var flags assembler.Flags
	if tcp.SYN {
		flags |= assembler.FlagSYN
	}
	if tcp.FIN {
		flags |= assembler.FlagFIN
	}
	if tcp.RST {
		flags |= assembler.FlagRST
	}
	if tcp.ACK {
		flags |= assembler.FlagACK
	}

	ts := pkt.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	servicePort := int(tcp.DstPort)

	return assembler.Packet{
		SrcIP:     srcIP,
		DstIP:     dstIP,
		SrcPort:   uint16(tcp.SrcPort),
		DstPort:   uint16(tcp.DstPort),
		Seq:       tcp.Seq,
		Ack:       tcp.Ack,
		Flags:     flags,
		Payload:   tcp.Payload,
		Timestamp: ts,
	}, servicePort, true
}

// BuildSessionRow assembles the persisted model.PcapSession for a
// finished run.
func BuildSessionRow(id rowid.RowID, startedAt time.Time, result Result) model.PcapSession {
	return model.PcapSession{
		ID:                id,
		StartedAt:         startedAt,
		CaptureToken:      result.CaptureToken,
		CompletedAt:       time.Now(),
		Size:              result.Size,
		ProcessedPackets:  result.ProcessedPackets,
		InvalidPackets:    result.InvalidPackets,
		PacketsPerService: result.PacketsPerService,
	}
}
