package mpegts

// SectionHandler receives each complete section extracted by a SectionDemux.
type SectionHandler func(pid uint16, s *Section)

// pidContext reassembles sections on a single PID.
type pidContext struct {
	buf    []byte
	synced bool
	lastCC uint8
	hasCC  bool
}

func (c *pidContext) reset() {
	c.buf = c.buf[:0]
	c.synced = false
}

// SectionDemux extracts complete sections from the packets of selected PIDs.
// It is the inverse of a Packetizer: pointer fields, several sections in one
// packet and 0xFF stuffing are handled. A continuity error drops the section
// in progress. Duplicate packets are ignored.
//
// A SectionDemux is not safe for concurrent use.
type SectionDemux struct {
	handler SectionHandler
	pids    map[uint16]bool
	ctx     map[uint16]*pidContext

	invalid uint64
}

// NewSectionDemux creates a demux calling handler for each section found on
// pids. With no pids, every PID is demuxed.
func NewSectionDemux(handler SectionHandler, pids ...uint16) *SectionDemux {
	d := &SectionDemux{
		handler: handler,
		ctx:     make(map[uint16]*pidContext),
	}
	for _, pid := range pids {
		d.AddPID(pid)
	}
	return d
}

// AddPID adds pid to the demuxed set.
func (d *SectionDemux) AddPID(pid uint16) {
	if d.pids == nil {
		d.pids = make(map[uint16]bool)
	}
	d.pids[pid] = true
}

// RemovePID stops demuxing pid and drops its partial section.
func (d *SectionDemux) RemovePID(pid uint16) {
	delete(d.pids, pid)
	delete(d.ctx, pid)
}

// Reset drops every partial section.
func (d *SectionDemux) Reset() {
	clear(d.ctx)
}

// InvalidCount returns the number of sections discarded because of a bad
// length or CRC32.
func (d *SectionDemux) InvalidCount() uint64 { return d.invalid }

// Feed processes one packet.
func (d *SectionDemux) Feed(pkt *Packet) {
	pid := pkt.PID()
	if d.pids != nil && !d.pids[pid] {
		return
	}
	c, ok := d.ctx[pid]
	if !ok {
		c = &pidContext{}
		d.ctx[pid] = c
	}

	if pkt.TEI() {
		c.reset()
		c.hasCC = false
		return
	}
	if !pkt.HasPayload() {
		return
	}

	cc := pkt.CC()
	if c.hasCC && !pkt.DiscontinuityIndicator() {
		if cc == c.lastCC {
			return // duplicate packet
		}
		if cc != (c.lastCC+1)&0x0F {
			c.reset()
		}
	}
	c.lastCC = cc
	c.hasCC = true

	data := pkt.Payload()
	if pkt.PUSI() {
		if len(data) == 0 {
			c.reset()
			return
		}
		ptr := int(data[0])
		data = data[1:]
		if ptr > len(data) {
			c.reset()
			return
		}
		if c.synced {
			c.buf = append(c.buf, data[:ptr]...)
			d.extract(pid, c)
		}
		c.buf = c.buf[:0]
		c.synced = true
		data = data[ptr:]
	} else if !c.synced {
		return
	}

	c.buf = append(c.buf, data...)
	d.extract(pid, c)
}

func (d *SectionDemux) extract(pid uint16, c *pidContext) {
	off := 0
	for len(c.buf)-off >= ShortSectionHeaderSize {
		if c.buf[off] == 0xFF {
			// Stuffing up to the end of the packet. Next section on PUSI.
			c.reset()
			return
		}
		size := ShortSectionHeaderSize + (int(c.buf[off+1]&0x0F)<<8 | int(c.buf[off+2]))
		if len(c.buf)-off < size {
			break
		}
		s, err := NewSection(c.buf[off : off+size])
		off += size
		if err != nil || !s.CRCValid() {
			d.invalid++
			continue
		}
		if d.handler != nil {
			d.handler(pid, s)
		}
	}
	n := copy(c.buf, c.buf[off:])
	c.buf = c.buf[:n]
}
