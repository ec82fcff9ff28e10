package tsp

import (
	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// PacketBuffer is the circular packet area shared by all stages, with one
// metadata slot per packet. Its size never changes once allocated; stages
// exchange ownership of slots, never copies of packets.
type PacketBuffer struct {
	pkts []mpegts.Packet
	meta []plugin.Metadata
}

// NewPacketBuffer allocates a buffer of size bytes, rounded down to whole
// packets.
func NewPacketBuffer(size int) *PacketBuffer {
	n := max(size/mpegts.PacketSize, 1)
	return &PacketBuffer{
		pkts: make([]mpegts.Packet, n),
		meta: make([]plugin.Metadata, n),
	}
}

// Count returns the number of packet slots.
func (b *PacketBuffer) Count() int { return len(b.pkts) }
