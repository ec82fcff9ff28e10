package mpegts

import (
	"testing"
)

// splitSection packetizes one section with stuffing and returns its packets.
func splitSection(t *testing.T, pid uint16, s *Section) []Packet {
	t.Helper()
	return drain(t, NewPacketizer(pid, NewSectionQueue(true, s)), 50)
}

func collect(pids ...uint16) (*SectionDemux, *[]*Section) {
	var got []*Section
	d := NewSectionDemux(func(_ uint16, s *Section) { got = append(got, s) }, pids...)
	return d, &got
}

func TestSectionDemux_CCDiscontinuity(t *testing.T) {
	t.Parallel()
	pkts := splitSection(t, 0x100, sectionOfSize(t, 0x80, 400))
	if len(pkts) != 3 {
		t.Fatalf("setup: %d packets", len(pkts))
	}
	d, got := collect(0x100)

	d.Feed(&pkts[0])
	pkts[2].SetCC(5) // jump from 0 to 5, packet 1 lost
	d.Feed(&pkts[2])
	if len(*got) != 0 {
		t.Fatal("section with a lost packet must be dropped")
	}

	// The next complete section is still found.
	for _, p := range splitSection(t, 0x100, sectionOfSize(t, 0x81, 20)) {
		p.SetCC(6)
		d.Feed(&p)
	}
	if len(*got) != 1 || (*got)[0].TableID() != 0x81 {
		t.Fatalf("got %d sections, want the 0x81 section", len(*got))
	}
}

func TestSectionDemux_DuplicateFilter(t *testing.T) {
	t.Parallel()
	pkts := splitSection(t, 0x100, sectionOfSize(t, 0x80, 300))
	d, got := collect()

	d.Feed(&pkts[0])
	d.Feed(&pkts[0]) // duplicate with same CC
	d.Feed(&pkts[1])
	if len(*got) != 1 {
		t.Fatalf("got %d sections, want 1", len(*got))
	}
	if (*got)[0].Size() != 300 {
		t.Errorf("size = %d, want 300", (*got)[0].Size())
	}
}

func TestSectionDemux_TEIDiscard(t *testing.T) {
	t.Parallel()
	pkts := splitSection(t, 0x100, sectionOfSize(t, 0x80, 300))
	d, got := collect(0x100)

	d.Feed(&pkts[0])
	pkts[1][1] |= 0x80 // set TEI
	d.Feed(&pkts[1])
	if len(*got) != 0 {
		t.Error("section with an errored packet must be dropped")
	}
}

func TestSectionDemux_AdaptationOnlySkipped(t *testing.T) {
	t.Parallel()
	pkts := splitSection(t, 0x100, sectionOfSize(t, 0x80, 300))
	d, got := collect(0x100)

	d.Feed(&pkts[0])
	af := &Packet{}
	copy(af[:], makePacketWithAF(0x100, 0, 183, nil))
	d.Feed(af)
	d.Feed(&pkts[1])
	if len(*got) != 1 {
		t.Errorf("adaptation-only packet broke reassembly, got %d sections", len(*got))
	}
}

func TestSectionDemux_PIDSelection(t *testing.T) {
	t.Parallel()
	d, got := collect(0x200)
	for _, p := range splitSection(t, 0x100, sectionOfSize(t, 0x80, 10)) {
		d.Feed(&p)
	}
	if len(*got) != 0 {
		t.Error("unselected PID was demuxed")
	}

	d.AddPID(0x100)
	for _, p := range splitSection(t, 0x100, sectionOfSize(t, 0x80, 10)) {
		d.Feed(&p)
	}
	if len(*got) != 1 {
		t.Errorf("got %d sections after AddPID, want 1", len(*got))
	}

	d.RemovePID(0x100)
	for _, p := range splitSection(t, 0x100, sectionOfSize(t, 0x80, 10)) {
		d.Feed(&p)
	}
	if len(*got) != 1 {
		t.Error("removed PID was demuxed")
	}
}

func TestSectionDemux_BadCRC(t *testing.T) {
	t.Parallel()
	s, err := NewLongSection(LongSectionHeader{TableID: 0x00, TableIDExtension: 1, CurrentNext: true}, []byte{0, 1, 0xF0, 0})
	if err != nil {
		t.Fatal(err)
	}
	pkts := splitSection(t, 0, s)
	pkts[0][5+10] ^= 0x01 // inside the section payload
	d, got := collect(0)
	d.Feed(&pkts[0])
	if len(*got) != 0 {
		t.Error("section with a bad CRC was delivered")
	}
	if d.InvalidCount() != 1 {
		t.Errorf("InvalidCount = %d, want 1", d.InvalidCount())
	}
}
