package plugins

import (
	"fmt"
	"os"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
	"github.com/zsiec/tsproc/internal/scte35"
)

// Inject packetizes sections on a PID and inserts the packets in place of
// null packets. The sections come from a binary file of concatenated
// sections or are built SCTE-35 commands. They are repeated in a loop
// unless --once is given.
//
//	-P inject --pid P [--file F] [--splice-null] [--time-signal PTS]
//	          [--interval N] [--once]
type Inject struct {
	plugin.Base

	pid      uint16
	sections []*mpegts.Section
	interval uint64
	once     bool

	queue    *mpegts.SectionQueue
	pzer     *mpegts.Packetizer
	since    uint64
	injected uint64
	done     bool
	conflict bool
}

// NewInject creates the inject plugin.
func NewInject(tsp plugin.TSP) plugin.Processor {
	return &Inject{Base: plugin.NewBase(tsp, "inject", plugin.KindProcessor)}
}

func (p *Inject) Configure(args []string) error {
	fs := p.FlagSet()
	pid := fs.UintP("pid", "p", 0, "PID of the injected sections")
	file := fs.StringP("file", "f", "", "binary file of concatenated sections")
	spliceNull := fs.Bool("splice-null", false, "inject an SCTE-35 splice_null section")
	timeSignal := fs.Int64("time-signal", -1, "inject an SCTE-35 time_signal section with this PTS")
	interval := fs.Uint64P("interval", "i", 1, "minimum number of packets between two injected packets")
	once := fs.Bool("once", false, "inject the sections once instead of repeating them")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if *pid == 0 || *pid >= uint(mpegts.PIDNull) {
		return fmt.Errorf("inject: a valid --pid is required")
	}
	if *interval == 0 {
		return fmt.Errorf("inject: --interval must be at least 1")
	}

	var sections []*mpegts.Section
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("inject: %w", err)
		}
		loaded, err := SplitSections(data)
		if err != nil {
			return fmt.Errorf("inject: %s: %w", *file, err)
		}
		sections = append(sections, loaded...)
	}
	if *spliceNull {
		s, err := (&scte35.SpliceInfoSection{SAPType: 3, Tier: 0xFFF, Command: &scte35.SpliceNull{}}).Section()
		if err != nil {
			return fmt.Errorf("inject: %w", err)
		}
		sections = append(sections, s)
	}
	if *timeSignal >= 0 {
		pts := uint64(*timeSignal) & (1<<33 - 1)
		cmd := &scte35.TimeSignal{SpliceTime: scte35.SpliceTime{PTSTime: &pts}}
		s, err := (&scte35.SpliceInfoSection{SAPType: 3, Tier: 0xFFF, Command: cmd}).Section()
		if err != nil {
			return fmt.Errorf("inject: %w", err)
		}
		sections = append(sections, s)
	}
	if len(sections) == 0 {
		return fmt.Errorf("inject: no section to inject")
	}

	p.pid, p.sections, p.interval, p.once = uint16(*pid), sections, *interval, *once
	return nil
}

// SplitSections splits a buffer of concatenated sections.
func SplitSections(data []byte) ([]*mpegts.Section, error) {
	var sections []*mpegts.Section
	for len(data) > 0 {
		if len(data) < mpegts.ShortSectionHeaderSize {
			return nil, fmt.Errorf("truncated section header at end of data")
		}
		size := mpegts.ShortSectionHeaderSize + (int(data[1]&0x0F)<<8 | int(data[2]))
		if size > len(data) {
			return nil, fmt.Errorf("truncated section of %d bytes", size)
		}
		s, err := mpegts.NewSection(data[:size])
		if err != nil {
			return nil, err
		}
		if !s.CRCValid() {
			return nil, fmt.Errorf("section %s has an invalid CRC32", s)
		}
		sections = append(sections, s)
		data = data[size:]
	}
	return sections, nil
}

func (p *Inject) Start() error {
	var provider mpegts.SectionProvider
	if p.once {
		p.queue = mpegts.NewSectionQueue(false, p.sections...)
		provider = p.queue
	} else {
		p.queue = nil
		provider = mpegts.NewSectionCycle(true, p.sections...)
	}
	p.pzer = mpegts.NewPacketizer(p.pid, provider)
	p.since = p.interval
	p.injected, p.done, p.conflict = 0, false, false
	return nil
}

func (p *Inject) Stop() error {
	p.Log().Debug("injection summary", "packets", p.injected, "sections", p.pzer.SectionCount())
	return nil
}

// Injected returns the number of injected packets.
func (p *Inject) Injected() uint64 { return p.injected }

func (p *Inject) finished() bool {
	return p.queue != nil && p.queue.Len() == 0 && !p.pzer.HoldsSection()
}

func (p *Inject) ProcessPacket(pkt *mpegts.Packet, _ *plugin.Metadata) plugin.Status {
	p.since++
	if pkt.PID() == p.pid && !p.conflict {
		p.conflict = true
		p.Log().Warn("PID already present in the stream", "pid", p.pid)
	}
	if p.done || !pkt.IsNull() || p.since < p.interval {
		return plugin.StatusOK
	}
	if p.pzer.NextPacket(pkt) {
		p.since = 0
		p.injected++
	}
	if p.finished() {
		p.done = true
		p.Log().Info("all sections injected", "packets", p.injected)
		if p.JointTermination() {
			p.TSP.JointTerminate()
		}
	}
	return plugin.StatusOK
}
