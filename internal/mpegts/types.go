// Package mpegts implements the transport stream primitives used by the
// packet processor: 188-byte packets, PSI sections, a section packetizer and
// its inverse (section demux), and PCR/DTS based bitrate analysis.
package mpegts

import "fmt"

const (
	// PacketSize is the size of a transport stream packet in bytes.
	PacketSize = 188
	// SyncByte starts every transport stream packet.
	SyncByte = 0x47

	// PIDNull is the PID of null (stuffing) packets.
	PIDNull uint16 = 0x1FFF
	// PIDMax is the highest valid PID value.
	PIDMax uint16 = 0x1FFF

	// SystemClock is the MPEG system clock frequency in Hz (PCR units).
	SystemClock = 27_000_000
	// PTSClock is the PES timestamp frequency in Hz (PTS/DTS units).
	PTSClock = 90_000

	packetBits = PacketSize * 8
)

// BitRate is a transport bitrate in bits per second. Zero means unknown.
type BitRate int64

func (b BitRate) String() string {
	if b <= 0 {
		return "unknown"
	}
	return fmt.Sprintf("%d b/s", int64(b))
}

// PacketRate returns the number of packets per second at this bitrate.
func (b BitRate) PacketRate() float64 {
	return float64(b) / packetBits
}
