package mpegts

// pidClock tracks the last clock sample seen on one PID.
type pidClock struct {
	last    uint64
	lastPkt uint64
	samples int
}

// BitrateAnalyzer estimates the transport bitrate from clock references. In
// PCR mode it uses the PCR of adaptation fields; in DTS mode it uses the DTS
// (or PTS when alone) of PES headers, converted to system clock units.
//
// Each pair of consecutive samples on one PID yields an instantaneous
// bitrate: packets elapsed times 188*8 bits over the clock delta. The
// estimate is the average of all instantaneous bitrates.
type BitrateAnalyzer struct {
	useDTS  bool
	minPIDs int
	minVals int

	packets   uint64
	clocks    map[uint16]*pidClock
	validPIDs int
	values    int
	sum       float64
}

// NewPCRAnalyzer creates an analyzer based on PCR values. The estimate is
// valid once minPIDs PIDs have produced at least one interval and minPCRs
// intervals were measured overall.
func NewPCRAnalyzer(minPIDs, minPCRs int) *BitrateAnalyzer {
	return &BitrateAnalyzer{minPIDs: minPIDs, minVals: minPCRs, clocks: make(map[uint16]*pidClock)}
}

// NewDTSAnalyzer creates an analyzer based on PES decoding timestamps.
func NewDTSAnalyzer(minPIDs, minDTSs int) *BitrateAnalyzer {
	a := NewPCRAnalyzer(minPIDs, minDTSs)
	a.useDTS = true
	return a
}

// Reset forgets all samples.
func (a *BitrateAnalyzer) Reset() {
	a.packets = 0
	clear(a.clocks)
	a.validPIDs = 0
	a.values = 0
	a.sum = 0
}

func (a *BitrateAnalyzer) sample(pkt *Packet) (uint64, bool) {
	if a.useDTS {
		dts, ok := pkt.DTS()
		return dts * (SystemClock / PTSClock), ok
	}
	return pkt.PCR()
}

// Feed processes one packet. It reports whether the estimate is valid.
func (a *BitrateAnalyzer) Feed(pkt *Packet) bool {
	a.packets++
	v, ok := a.sample(pkt)
	if !ok {
		return a.Valid()
	}

	pid := pkt.PID()
	c, found := a.clocks[pid]
	if !found {
		a.clocks[pid] = &pidClock{last: v, lastPkt: a.packets}
		return a.Valid()
	}

	if v <= c.last || pkt.DiscontinuityIndicator() {
		c.last, c.lastPkt = v, a.packets
		return a.Valid()
	}

	ticks := v - c.last
	bits := float64(a.packets-c.lastPkt) * packetBits
	a.sum += bits * SystemClock / float64(ticks)
	a.values++
	if c.samples == 0 {
		a.validPIDs++
	}
	c.samples++
	c.last, c.lastPkt = v, a.packets
	return a.Valid()
}

// Valid reports whether enough samples were collected.
func (a *BitrateAnalyzer) Valid() bool {
	return a.values > 0 && a.validPIDs >= a.minPIDs && a.values >= a.minVals
}

// Bitrate188 returns the estimated bitrate based on 188-byte packets, or 0
// when the estimate is not valid.
func (a *BitrateAnalyzer) Bitrate188() BitRate {
	if !a.Valid() {
		return 0
	}
	return BitRate(a.sum / float64(a.values))
}

// PacketCount returns the number of packets fed since the last reset.
func (a *BitrateAnalyzer) PacketCount() uint64 { return a.packets }
