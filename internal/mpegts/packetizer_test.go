package mpegts

import (
	"bytes"
	"strings"
	"testing"
)

// sectionOfSize builds a short private section of exactly size bytes whose
// payload is a recognizable byte pattern.
func sectionOfSize(t *testing.T, tid uint8, size int) *Section {
	t.Helper()
	payload := make([]byte, size-ShortSectionHeaderSize)
	for i := range payload {
		payload[i] = byte(i + int(tid))
	}
	s, err := NewShortSection(tid, true, payload)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// drain runs the packetizer until it reports no data, returning the packets.
func drain(t *testing.T, p *Packetizer, limit int) []Packet {
	t.Helper()
	var out []Packet
	for i := 0; i < limit; i++ {
		var pkt Packet
		if !p.NextPacket(&pkt) {
			return out
		}
		out = append(out, pkt)
	}
	t.Fatalf("packetizer still producing after %d packets", limit)
	return nil
}

func TestPacketizer_ThreeSections(t *testing.T) {
	t.Parallel()
	q := NewSectionQueue(false,
		sectionOfSize(t, 0x80, 10),
		sectionOfSize(t, 0x81, 500),
		sectionOfSize(t, 0x82, 3))
	p := NewPacketizer(100, q)

	pkts := drain(t, p, 10)
	if len(pkts) != 3 {
		t.Fatalf("got %d packets, want 3", len(pkts))
	}

	for i, pkt := range pkts {
		if pkt.PID() != 100 {
			t.Errorf("packet %d PID = %d, want 100", i, pkt.PID())
		}
		if pkt.CC() != uint8(i) {
			t.Errorf("packet %d CC = %d, want %d", i, pkt.CC(), i)
		}
	}

	if !pkts[0].PUSI() || pkts[0].Payload()[0] != 0 {
		t.Error("first packet must start a section with pointer_field 0")
	}
	if pkts[1].PUSI() {
		t.Error("second packet only continues the 500-byte section")
	}
	// 500 - 173 - 184 = 143 bytes of section 2 remain in packet 3.
	if !pkts[2].PUSI() || pkts[2].Payload()[0] != 143 {
		t.Errorf("third packet PUSI=%v pointer=%d, want pointer 143", pkts[2].PUSI(), pkts[2].Payload()[0])
	}
	// Section 3 follows right after, then stuffing.
	tail := pkts[2].Payload()[1+143:]
	if tail[0] != 0x82 || tail[3] != 0xFF || tail[len(tail)-1] != 0xFF {
		t.Errorf("unexpected tail %x", tail[:8])
	}

	if p.SectionCount() != 3 {
		t.Errorf("SectionCount = %d, want 3", p.SectionCount())
	}
	if p.PacketCount() != 4 {
		t.Errorf("PacketCount = %d, want 4 (including the empty call)", p.PacketCount())
	}
}

func TestPacketizer_NoSectionGivesNullPacket(t *testing.T) {
	t.Parallel()
	p := NewPacketizer(0x30, NewSectionQueue(false))
	p.SetContinuity(7)

	var pkt Packet
	if p.NextPacket(&pkt) {
		t.Fatal("NextPacket should report no data")
	}
	if pkt != NullPacket {
		t.Error("expected a null packet")
	}
	if p.Continuity() != 7 {
		t.Errorf("continuity = %d, want 7 (unchanged)", p.Continuity())
	}

	nilProvider := NewPacketizer(0x30, nil)
	if nilProvider.NextPacket(&pkt) {
		t.Error("packetizer without provider should not produce data")
	}
}

func TestPacketizer_StuffingPolicy(t *testing.T) {
	t.Parallel()
	q := NewSectionQueue(true, sectionOfSize(t, 0x90, 20), sectionOfSize(t, 0x91, 20))
	p := NewPacketizer(0x40, q)

	pkts := drain(t, p, 10)
	if len(pkts) != 2 {
		t.Fatalf("got %d packets, want 2 (one section per packet)", len(pkts))
	}
	for i, pkt := range pkts {
		pl := pkt.Payload()
		if !pkt.PUSI() || pl[0] != 0 {
			t.Errorf("packet %d should start a section at offset 0", i)
		}
		if pl[1+20] != 0xFF {
			t.Errorf("packet %d should be stuffed after the section", i)
		}
	}
}

func TestPacketizer_HeaderNeverSplit(t *testing.T) {
	t.Parallel()
	// First section leaves 183-178 = 5 bytes: too small for a long header
	// (8 bytes) but enough for a short one.
	long, err := NewLongSection(LongSectionHeader{TableID: 0x42, CurrentNext: true}, make([]byte, 20))
	if err != nil {
		t.Fatal(err)
	}
	q := NewSectionQueue(false, sectionOfSize(t, 0x80, 178), long)
	p := NewPacketizer(0x50, q)

	pkts := drain(t, p, 10)
	if len(pkts) != 2 {
		t.Fatalf("got %d packets, want 2", len(pkts))
	}
	if pkts[0].Payload()[1+178] != 0xFF {
		t.Error("first packet must be stuffed when the long header does not fit")
	}
	if !pkts[1].PUSI() || pkts[1].Payload()[0] != 0 || pkts[1].Payload()[1] != 0x42 {
		t.Error("long section must start at the beginning of the second packet")
	}
}

func TestPacketizer_HoldsLookaheadSection(t *testing.T) {
	t.Parallel()
	long, err := NewLongSection(LongSectionHeader{TableID: 0x42, CurrentNext: true}, make([]byte, 20))
	if err != nil {
		t.Fatal(err)
	}
	q := NewSectionQueue(false, sectionOfSize(t, 0x80, 178), long)
	p := NewPacketizer(0x50, q)

	var pkt Packet
	p.NextPacket(&pkt)
	// The long section was fetched to decide on stuffing, then deferred.
	if q.Len() != 0 || !p.AtSectionBoundary() {
		t.Fatalf("queue len %d, boundary %v: want 0, true", q.Len(), p.AtSectionBoundary())
	}
	if !p.HoldsSection() {
		t.Fatal("deferred section must still be held")
	}

	if !p.NextPacket(&pkt) || pkt.Payload()[1] != 0x42 {
		t.Fatal("second packet should carry the deferred section")
	}
	if p.HoldsSection() {
		t.Error("no section should be held once everything is packetized")
	}
}

func TestPacketizer_ContinuityWraps(t *testing.T) {
	t.Parallel()
	p := NewPacketizer(0x100, NewSectionCycle(true, sectionOfSize(t, 0xA0, 100)))
	var pkt Packet
	for i := 0; i < 40; i++ {
		if !p.NextPacket(&pkt) {
			t.Fatal("cycle provider should never run dry")
		}
		if pkt.CC() != uint8(i%16) {
			t.Fatalf("packet %d CC = %d, want %d", i, pkt.CC(), i%16)
		}
	}
}

func TestPacketizer_Reset(t *testing.T) {
	t.Parallel()
	q := NewSectionQueue(false, sectionOfSize(t, 0x80, 400), sectionOfSize(t, 0x81, 10))
	p := NewPacketizer(0x60, q)

	var pkt Packet
	p.NextPacket(&pkt)
	if p.AtSectionBoundary() {
		t.Fatal("400-byte section should still be in progress")
	}
	p.Reset()
	if !p.AtSectionBoundary() {
		t.Fatal("Reset should drop the section in progress")
	}

	p.NextPacket(&pkt)
	if !pkt.PUSI() || pkt.Payload()[1] != 0x81 {
		t.Error("after Reset the next section should start")
	}
	if pkt.CC() != 1 {
		t.Errorf("CC = %d, want 1 (continuity kept across Reset)", pkt.CC())
	}
}

func TestPacketizer_String(t *testing.T) {
	t.Parallel()
	p := NewPacketizer(0x21, nil)
	s := p.String()
	if !strings.Contains(s, "PID: 33 (0x21)") || !strings.Contains(s, "Current section: none") {
		t.Errorf("unexpected dump:\n%s", s)
	}
}

func TestPacketizer_DemuxRoundTrip(t *testing.T) {
	t.Parallel()
	sizes := []int{3, 10, 180, 181, 183, 184, 500, 1021, 4, 3, 4096, 77}
	var sections []*Section
	for i, n := range sizes {
		sections = append(sections, sectionOfSize(t, byte(0x80+i), n))
	}
	long, err := NewLongSection(LongSectionHeader{TableID: 0x02, TableIDExtension: 1, CurrentNext: true}, bytes.Repeat([]byte{0x5A}, 300))
	if err != nil {
		t.Fatal(err)
	}
	sections = append(sections, long)

	for _, stuffing := range []bool{false, true} {
		p := NewPacketizer(0x200, NewSectionQueue(stuffing, sections...))
		var got []*Section
		d := NewSectionDemux(func(pid uint16, s *Section) {
			if pid != 0x200 {
				t.Errorf("section on PID %d", pid)
			}
			got = append(got, s)
		}, 0x200)

		for _, pkt := range drain(t, p, 200) {
			d.Feed(&pkt)
		}

		if len(got) != len(sections) {
			t.Fatalf("stuffing=%v: got %d sections, want %d", stuffing, len(got), len(sections))
		}
		for i := range sections {
			if !bytes.Equal(got[i].Content(), sections[i].Content()) {
				t.Errorf("stuffing=%v: section %d differs", stuffing, i)
			}
		}
		if d.InvalidCount() != 0 {
			t.Errorf("InvalidCount = %d, want 0", d.InvalidCount())
		}
	}
}
