package mpegts

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
)

// SectionProvider supplies sections to a Packetizer on demand.
type SectionProvider interface {
	// ProvideSection returns the next section to packetize, or nil when
	// none is available. counter is the running number of requests made by
	// the packetizer.
	ProvideSection(counter uint64) *Section
	// DoStuffing reports whether the next section must start at the
	// beginning of a packet, that is, whether the packet ending the current
	// section must be padded with 0xFF stuffing.
	DoStuffing() bool
}

// pointerAndShortHeader is the room a section needs to start inside a packet:
// 4-byte TS header, pointer_field, short section header.
const pointerAndShortHeader = 4 + 1 + ShortSectionHeaderSize

// Packetizer converts a stream of sections into transport packets on a
// single PID. A section header never straddles two packets; a section may
// start in the middle of a packet when the provider allows it.
//
// A Packetizer is not safe for concurrent use.
type Packetizer struct {
	pid      uint16
	provider SectionProvider
	cc       uint8

	section  *Section
	nextByte int

	packets     uint64
	sectionsOut uint64
	sectionsIn  uint64
}

// NewPacketizer creates a packetizer for pid. provider may be nil, in which
// case only null packets are produced.
func NewPacketizer(pid uint16, provider SectionProvider) *Packetizer {
	return &Packetizer{pid: pid & PIDMax, provider: provider}
}

// PID returns the output PID.
func (p *Packetizer) PID() uint16 { return p.pid }

// SetPID changes the output PID for subsequent packets.
func (p *Packetizer) SetPID(pid uint16) { p.pid = pid & PIDMax }

// Continuity returns the continuity counter of the next packet.
func (p *Packetizer) Continuity() uint8 { return p.cc }

// SetContinuity sets the continuity counter of the next packet.
func (p *Packetizer) SetContinuity(cc uint8) { p.cc = cc & 0x0F }

// PacketCount returns the number of NextPacket calls.
func (p *Packetizer) PacketCount() uint64 { return p.packets }

// SectionCount returns the number of sections completely packetized.
func (p *Packetizer) SectionCount() uint64 { return p.sectionsOut }

// ProvidedCount returns the number of section requests made to the provider.
func (p *Packetizer) ProvidedCount() uint64 { return p.sectionsIn }

// AtSectionBoundary reports whether the next packet starts a new section.
func (p *Packetizer) AtSectionBoundary() bool { return p.nextByte == 0 }

// HoldsSection reports whether a section was taken from the provider and
// is not completely packetized yet. A section fetched ahead while deciding
// on stuffing is held even though none of its bytes were output.
func (p *Packetizer) HoldsSection() bool { return p.section != nil }

// Reset drops the section in progress. The continuity counter and the
// counters are kept.
func (p *Packetizer) Reset() {
	p.section = nil
	p.nextByte = 0
}

func (p *Packetizer) provide() *Section {
	s := p.provider.ProvideSection(p.sectionsIn)
	p.sectionsIn++
	return s
}

// NextPacket builds the next packet into pkt. When no section is available
// it writes a null packet, leaves the continuity counter unchanged and
// returns false.
func (p *Packetizer) NextPacket(pkt *Packet) bool {
	p.packets++

	if p.section == nil && p.provider != nil {
		p.section = p.provide()
		p.nextByte = 0
	}
	if p.section == nil {
		*pkt = NullPacket
		return false
	}

	var (
		pusi         uint16
		pointerField byte
		remainInSect = p.section.Size() - p.nextByte
		doStuffing   = true
		next         *Section
	)

	// Can another section start in this packet after the current one? We
	// need room for a pointer field and at least a short header.
	if remainInSect <= PacketSize-pointerAndShortHeader {
		doStuffing = p.provider == nil || p.provider.DoStuffing()
		if !doStuffing {
			next = p.provide()
			if next == nil {
				doStuffing = true
			} else {
				doStuffing = remainInSect > PacketSize-5-next.HeaderSize()
			}
		}
	}

	switch {
	case p.nextByte == 0:
		pusi = 0x4000
		pointerField = 0
	case !doStuffing:
		pusi = 0x4000
		pointerField = byte(remainInSect)
	}

	pkt[0] = SyncByte
	binary.BigEndian.PutUint16(pkt[1:3], pusi|p.pid)
	pkt[3] = 0x10 | p.cc
	p.cc = (p.cc + 1) & 0x0F

	data := pkt[4:]
	if pusi != 0 {
		data[0] = pointerField
		data = data[1:]
	}

	for len(data) > 0 {
		n := copy(data, p.section.Content()[p.nextByte:p.nextByte+min(remainInSect, len(data))])
		data = data[n:]
		remainInSect -= n
		p.nextByte += n
		if remainInSect > 0 {
			continue
		}

		p.sectionsOut++
		p.section = next
		p.nextByte = 0
		next = nil
		if doStuffing {
			break
		}
		if p.section == nil {
			if p.provider == nil || p.provider.DoStuffing() {
				break
			}
			if p.section = p.provide(); p.section == nil {
				break
			}
		}
		doStuffing = false
		// Never split a section header across packets.
		if len(data) < p.section.HeaderSize() {
			break
		}
		remainInSect = p.section.Size()
	}

	for i := range data {
		data[i] = 0xFF
	}
	return true
}

func (p *Packetizer) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PID: %d (0x%X)\n", p.pid, p.pid)
	fmt.Fprintf(&b, "Next CC: %d\n", p.cc)
	if p.section == nil {
		b.WriteString("Current section: none\n")
	} else {
		fmt.Fprintf(&b, "Current section: %s, offset %d\n", p.section, p.nextByte)
	}
	fmt.Fprintf(&b, "Output packets: %d\n", p.packets)
	fmt.Fprintf(&b, "Output sections: %d\n", p.sectionsOut)
	fmt.Fprintf(&b, "Provided sections: %d\n", p.sectionsIn)
	return b.String()
}

// SectionQueue is a FIFO SectionProvider. Push is safe for concurrent use
// with a packetizer draining the queue.
type SectionQueue struct {
	mu       sync.Mutex
	sections []*Section
	stuffing bool
}

// NewSectionQueue creates a queue. With stuffing set, every section starts
// at the beginning of a packet.
func NewSectionQueue(stuffing bool, sections ...*Section) *SectionQueue {
	return &SectionQueue{sections: append([]*Section(nil), sections...), stuffing: stuffing}
}

// Push appends sections to the queue.
func (q *SectionQueue) Push(sections ...*Section) {
	q.mu.Lock()
	q.sections = append(q.sections, sections...)
	q.mu.Unlock()
}

// Len returns the number of queued sections.
func (q *SectionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sections)
}

func (q *SectionQueue) ProvideSection(uint64) *Section {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.sections) == 0 {
		return nil
	}
	s := q.sections[0]
	q.sections[0] = nil
	q.sections = q.sections[1:]
	return s
}

func (q *SectionQueue) DoStuffing() bool { return q.stuffing }

// SectionCycle provides a fixed list of sections forever, in order. With
// stuffAtEnd set, the last section of each cycle is padded so that every
// cycle starts on a packet boundary.
type SectionCycle struct {
	sections   []*Section
	stuffAtEnd bool
	next       int
}

// NewSectionCycle creates a cyclic provider over sections.
func NewSectionCycle(stuffAtEnd bool, sections ...*Section) *SectionCycle {
	return &SectionCycle{sections: sections, stuffAtEnd: stuffAtEnd}
}

func (c *SectionCycle) ProvideSection(uint64) *Section {
	if len(c.sections) == 0 {
		return nil
	}
	s := c.sections[c.next]
	c.next = (c.next + 1) % len(c.sections)
	return s
}

func (c *SectionCycle) DoStuffing() bool {
	return c.stuffAtEnd && c.next == 0
}
