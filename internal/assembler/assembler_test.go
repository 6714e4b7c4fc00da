package assembler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemblerReassemblesFullConversationAndClosesOnFIN(t *testing.T) {
	var completed []Completed
	a := New(100*time.Millisecond, time.Minute, func(c Completed) { completed = append(completed, c) }, nil)

	now := time.Now()
	clientISN, serverISN := uint32(1000), uint32(5000)

	a.Feed(Packet{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 1337,
		Seq: clientISN, Flags: FlagSYN, Timestamp: now})
	a.Feed(Packet{SrcIP: "10.0.0.2", DstIP: "10.0.0.1", SrcPort: 1337, DstPort: 40000,
		Seq: serverISN, Ack: clientISN + 1, Flags: FlagSYN | FlagACK, Timestamp: now})

	a.Feed(Packet{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 1337,
		Seq: clientISN + 1, Payload: []byte("GET /flag"), Timestamp: now})
	a.Feed(Packet{SrcIP: "10.0.0.2", DstIP: "10.0.0.1", SrcPort: 1337, DstPort: 40000,
		Seq: serverISN + 1, Payload: []byte("FLAG{ok}"), Timestamp: now})

	require.Equal(t, 1, a.Len())

	a.Feed(Packet{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 1337,
		Seq: clientISN + 1 + 9, Flags: FlagFIN, Timestamp: now})
	a.Feed(Packet{SrcIP: "10.0.0.2", DstIP: "10.0.0.1", SrcPort: 1337, DstPort: 40000,
		Seq: serverISN + 1 + 8, Flags: FlagFIN, Timestamp: now})

	require.Len(t, completed, 1)
	assert.Equal(t, 0, a.Len())

	f := completed[0].Flow
	assert.Equal(t, "closed", completed[0].Reason)
	assert.Equal(t, 1337, f.ServicePort)
	assert.True(t, f.DirectionKnown)
	assert.Equal(t, "GET /flag", string(f.ClientData.Assembled()))
	assert.Equal(t, "FLAG{ok}", string(f.ServerData.Assembled()))
}

func TestAssemblerClosesOnRST(t *testing.T) {
	var completed []Completed
	a := New(time.Second, time.Minute, func(c Completed) { completed = append(completed, c) }, nil)
	now := time.Now()

	a.Feed(Packet{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 1337,
		Seq: 1, Flags: FlagSYN, Timestamp: now})
	a.Feed(Packet{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 1337,
		Seq: 2, Flags: FlagRST, Timestamp: now})

	require.Len(t, completed, 1)
	assert.True(t, completed[0].Flow.SawRST)
}

func TestSweepIdleFlushesAndRemovesFlow(t *testing.T) {
	var completed []Completed
	a := New(time.Second, 10*time.Second, func(c Completed) { completed = append(completed, c) }, nil)
	now := time.Now()

	a.Feed(Packet{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 1337,
		Seq: 1, Flags: FlagSYN, Timestamp: now})

	a.SweepIdle(now.Add(time.Minute))

	require.Len(t, completed, 1)
	assert.Equal(t, "idle", completed[0].Reason)
	assert.Equal(t, 0, a.Len())
}
