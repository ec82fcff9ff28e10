package plugins

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// fakeTSP is a stage with a fixed bitrate that records joint termination.
type fakeTSP struct {
	bitrate mpegts.BitRate
	packets atomic.Uint64

	mu         sync.Mutex
	jtUse      bool
	terminated int
}

func (f *fakeTSP) Log() *slog.Logger           { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
func (f *fakeTSP) Bitrate() mpegts.BitRate     { return f.bitrate }
func (f *fakeTSP) PluginPackets() uint64       { return f.packets.Load() }
func (f *fakeTSP) TotalPackets() uint64        { return f.packets.Load() }
func (f *fakeTSP) Aborting() bool              { return false }
func (f *fakeTSP) RealTime() bool              { return false }
func (f *fakeTSP) UseJointTermination(on bool) { f.mu.Lock(); f.jtUse = on; f.mu.Unlock() }
func (f *fakeTSP) JointTerminate()             { f.mu.Lock(); f.terminated++; f.mu.Unlock() }
func (f *fakeTSP) jointTerminations() int      { f.mu.Lock(); defer f.mu.Unlock(); return f.terminated }
func (f *fakeTSP) usesJointTermination() bool  { f.mu.Lock(); defer f.mu.Unlock(); return f.jtUse }

// pidPacket returns a payload-only packet on pid with continuity counter cc.
func pidPacket(pid uint16, cc uint8) mpegts.Packet {
	var p mpegts.Packet
	p[0] = mpegts.SyncByte
	p.SetPID(pid)
	p[3] = 0x10 | cc&0x0F
	for i := 4; i < mpegts.PacketSize; i++ {
		p[i] = byte(i)
	}
	return p
}

// pidPackets returns n consecutive packets on pid.
func pidPackets(pid uint16, n int) []mpegts.Packet {
	pkts := make([]mpegts.Packet, n)
	for i := range pkts {
		pkts[i] = pidPacket(pid, uint8(i))
	}
	return pkts
}

// process runs every packet through p and returns the statuses.
func process(p plugin.Processor, pkts []mpegts.Packet, tsp *fakeTSP) []plugin.Status {
	out := make([]plugin.Status, len(pkts))
	for i := range pkts {
		var md plugin.Metadata
		out[i] = p.ProcessPacket(&pkts[i], &md)
		if tsp != nil {
			tsp.packets.Add(1)
		}
	}
	return out
}

func startProcessor(t *testing.T, p plugin.Processor, args ...string) {
	t.Helper()
	require.NoError(t, p.Configure(args))
	require.NoError(t, p.Start())
}

// receiveAll reads from in until io.EOF.
func receiveAll(t *testing.T, in plugin.Input) []mpegts.Packet {
	t.Helper()
	var all []mpegts.Packet
	pkts := make([]mpegts.Packet, 64)
	meta := make([]plugin.Metadata, 64)
	for {
		n, err := in.Receive(pkts, meta)
		all = append(all, pkts[:n]...)
		if err == io.EOF {
			return all
		}
		require.NoError(t, err)
	}
}
