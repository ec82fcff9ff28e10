package mpegts

import "fmt"

// Packet is a raw 188-byte transport stream packet. Accessors decode header
// fields in place; a Packet is never reallocated once placed in a buffer.
type Packet [PacketSize]byte

// NullPacket is a stuffing packet on PIDNull with a 0xFF payload.
var NullPacket = func() Packet {
	var p Packet
	p[0] = SyncByte
	p[1] = byte(PIDNull >> 8)
	p[2] = byte(PIDNull & 0xFF)
	p[3] = 0x10
	for i := 4; i < PacketSize; i++ {
		p[i] = 0xFF
	}
	return p
}()

// ParsePacket copies buf into a Packet after checking its size and sync byte.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != SyncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}
	p := &Packet{}
	copy(p[:], buf)
	return p, nil
}

// HasValidSync reports whether the packet starts with the sync byte.
func (p *Packet) HasValidSync() bool { return p[0] == SyncByte }

// PID returns the 13-bit packet identifier.
func (p *Packet) PID() uint16 { return uint16(p[1]&0x1F)<<8 | uint16(p[2]) }

// SetPID rewrites the packet identifier, keeping the other header bits.
func (p *Packet) SetPID(pid uint16) {
	p[1] = p[1]&0xE0 | byte(pid>>8)&0x1F
	p[2] = byte(pid)
}

// IsNull reports whether the packet is on the null PID.
func (p *Packet) IsNull() bool { return p.PID() == PIDNull }

// TEI returns the transport_error_indicator.
func (p *Packet) TEI() bool { return p[1]&0x80 != 0 }

// PUSI returns the payload_unit_start_indicator.
func (p *Packet) PUSI() bool { return p[1]&0x40 != 0 }

// SetPUSI sets or clears the payload_unit_start_indicator.
func (p *Packet) SetPUSI(on bool) {
	if on {
		p[1] |= 0x40
	} else {
		p[1] &^= 0x40
	}
}

// CC returns the 4-bit continuity counter.
func (p *Packet) CC() uint8 { return p[3] & 0x0F }

// SetCC rewrites the continuity counter.
func (p *Packet) SetCC(cc uint8) { p[3] = p[3]&0xF0 | cc&0x0F }

// HasAdaptationField reports whether an adaptation field is present.
func (p *Packet) HasAdaptationField() bool { return p[3]&0x20 != 0 }

// HasPayload reports whether the packet carries a payload.
func (p *Packet) HasPayload() bool { return p[3]&0x10 != 0 }

// AdaptationFieldSize returns the size of the adaptation field including its
// length byte, or 0 when there is none.
func (p *Packet) AdaptationFieldSize() int {
	if !p.HasAdaptationField() {
		return 0
	}
	n := 1 + int(p[4])
	if 4+n > PacketSize {
		n = PacketSize - 4
	}
	return n
}

// DiscontinuityIndicator returns the discontinuity_indicator of the
// adaptation field.
func (p *Packet) DiscontinuityIndicator() bool {
	return p.AdaptationFieldSize() > 1 && p[5]&0x80 != 0
}

// HeaderSize returns the offset of the payload in the packet.
func (p *Packet) HeaderSize() int { return 4 + p.AdaptationFieldSize() }

// Payload returns the payload bytes, aliasing the packet.
func (p *Packet) Payload() []byte {
	if !p.HasPayload() {
		return nil
	}
	return p[p.HeaderSize():]
}

// PCR returns the program clock reference in 27 MHz units.
func (p *Packet) PCR() (uint64, bool) {
	if !p.HasAdaptationField() || p[4] < 7 || p[5]&0x10 == 0 {
		return 0, false
	}
	base := uint64(p[6])<<25 | uint64(p[7])<<17 | uint64(p[8])<<9 | uint64(p[9])<<1 | uint64(p[10])>>7
	ext := uint64(p[10]&0x01)<<8 | uint64(p[11])
	return base*300 + ext, true
}
