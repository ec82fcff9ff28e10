package mpegts

import "testing"

func TestPCRAnalyzer_ConstantBitrate(t *testing.T) {
	t.Parallel()
	// One PCR every 10 packets at 1,504,000 b/s: 10 packets = 15040 bits
	// = 10 ms = 270,000 ticks of 27 MHz.
	const want = 1_504_000
	a := NewPCRAnalyzer(1, 32)

	var pcr uint64
	for i := 0; i < 400; i++ {
		if i%10 == 0 {
			a.Feed(makePCRPacket(0x100, 0, pcr))
			pcr += 270_000
		} else {
			p := NullPacket
			a.Feed(&p)
		}
	}

	if !a.Valid() {
		t.Fatal("analyzer should be valid after 39 PCR intervals")
	}
	if got := a.Bitrate188(); got < want-1 || got > want+1 {
		t.Errorf("Bitrate188 = %d, want %d", got, want)
	}
}

func TestPCRAnalyzer_NotEnoughSamples(t *testing.T) {
	t.Parallel()
	a := NewPCRAnalyzer(1, 32)
	for i := 0; i < 10; i++ {
		a.Feed(makePCRPacket(0x100, 0, uint64(i)*270_000))
	}
	if a.Valid() || a.Bitrate188() != 0 {
		t.Error("analyzer must not be valid with 9 intervals")
	}
	a.Reset()
	if a.PacketCount() != 0 {
		t.Error("Reset should clear the packet count")
	}
}

func TestPCRAnalyzer_BackwardsPCRResets(t *testing.T) {
	t.Parallel()
	a := NewPCRAnalyzer(1, 1)
	a.Feed(makePCRPacket(0x100, 0, 1_000_000))
	a.Feed(makePCRPacket(0x100, 0, 500_000))
	if a.Valid() {
		t.Error("a backwards PCR must not produce a sample")
	}
	a.Feed(makePCRPacket(0x100, 0, 770_000))
	if !a.Valid() {
		t.Error("interval after the reset should count")
	}
}

func TestDTSAnalyzer(t *testing.T) {
	t.Parallel()
	// One PES every 20 packets, 40 ms apart (3600 ticks of 90 kHz):
	// 20*1504 bits / 0.04 s = 752,000 b/s.
	const want = 752_000
	a := NewDTSAnalyzer(1, 32)
	pcrOnly := NewPCRAnalyzer(1, 32)

	dts := uint64(90_000)
	for i := 0; i < 20*40; i++ {
		var p *Packet
		if i%20 == 0 {
			p = makePESPacket(0x101, 0, dts+3600, dts)
			dts += 3600
		} else {
			n := NullPacket
			p = &n
		}
		a.Feed(p)
		pcrOnly.Feed(p)
	}

	if got := a.Bitrate188(); got < want-1 || got > want+1 {
		t.Errorf("Bitrate188 = %d, want %d", got, want)
	}
	if pcrOnly.Valid() {
		t.Error("PCR analyzer should find no PCR in a PES-only stream")
	}
}
