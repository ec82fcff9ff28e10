package plugins

import (
	"fmt"
	"time"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// Filter passes the packets of selected PIDs and drops the others. With
// --set-label, all packets pass and the selected ones are labelled instead.
//
//	-P filter --pid P ... [--negate] [--stuffing] [--set-label L]
type Filter struct {
	plugin.Base

	pids     pidSet
	negate   bool
	stuffing bool
	label    int
}

// NewFilter creates the filter plugin.
func NewFilter(tsp plugin.TSP) plugin.Processor {
	return &Filter{Base: plugin.NewBase(tsp, "filter", plugin.KindProcessor)}
}

func (p *Filter) Configure(args []string) error {
	fs := p.FlagSet()
	pids := fs.UintSliceP("pid", "p", nil, "select packets with these PIDs")
	negate := fs.BoolP("negate", "n", false, "select packets not matching the criteria")
	stuffing := fs.BoolP("stuffing", "s", false, "replace unselected packets with null packets instead of dropping them")
	label := fs.Int("set-label", -1, "label the selected packets and pass all packets")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if len(*pids) == 0 {
		return fmt.Errorf("filter: at least one --pid is required")
	}
	set, err := newPIDSet(*pids)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if *label > plugin.MaxLabel {
		return fmt.Errorf("filter: label %d out of range 0-%d", *label, plugin.MaxLabel)
	}
	p.pids, p.negate, p.stuffing, p.label = set, *negate, *stuffing, *label
	return nil
}

func (p *Filter) ProcessPacket(pkt *mpegts.Packet, meta *plugin.Metadata) plugin.Status {
	selected := p.pids[pkt.PID()] != p.negate
	switch {
	case p.label >= 0:
		if selected {
			meta.Labels = meta.Labels.With(p.label)
		}
		return plugin.StatusOK
	case selected:
		return plugin.StatusOK
	case p.stuffing:
		return plugin.StatusNull
	default:
		return plugin.StatusDrop
	}
}

// Continuity checks continuity counters. With --fix, the counters of the
// output are rewritten so that each PID counts continuously.
//
//	-P continuity [--pid P ...] [--fix]
type Continuity struct {
	plugin.Base

	pids pidSet
	fix  bool

	state  map[uint16]*ccState
	errors uint64
}

// ccState is the last counter of a PID, as received and as output.
type ccState struct {
	in, out uint8
	dup     bool
}

// NewContinuity creates the continuity plugin.
func NewContinuity(tsp plugin.TSP) plugin.Processor {
	return &Continuity{Base: plugin.NewBase(tsp, "continuity", plugin.KindProcessor)}
}

func (p *Continuity) Configure(args []string) error {
	fs := p.FlagSet()
	pids := fs.UintSliceP("pid", "p", nil, "check only these PIDs")
	fix := fs.BoolP("fix", "f", false, "rewrite continuity counters")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	set, err := newPIDSet(*pids)
	if err != nil {
		return fmt.Errorf("continuity: %w", err)
	}
	p.pids, p.fix = set, *fix
	return nil
}

func (p *Continuity) Start() error {
	p.state = make(map[uint16]*ccState)
	p.errors = 0
	return nil
}

func (p *Continuity) Stop() error {
	p.Log().Info("continuity summary", "errors", p.errors, "pids", len(p.state))
	return nil
}

// Errors returns the number of discontinuities found.
func (p *Continuity) Errors() uint64 { return p.errors }

func nextCC(cc uint8, payload bool) uint8 {
	if payload {
		return (cc + 1) & 0x0F
	}
	return cc
}

func (p *Continuity) ProcessPacket(pkt *mpegts.Packet, _ *plugin.Metadata) plugin.Status {
	pid := pkt.PID()
	if pid == mpegts.PIDNull || !p.pids.has(pid) {
		return plugin.StatusOK
	}
	cc := pkt.CC()
	st, seen := p.state[pid]
	if !seen {
		p.state[pid] = &ccState{in: cc, out: cc}
		return plugin.StatusOK
	}

	payload := pkt.HasPayload()
	switch expected := nextCC(st.in, payload); {
	case cc == expected, pkt.DiscontinuityIndicator():
		st.dup = false
	case payload && cc == st.in && !st.dup:
		// A single duplicate packet is allowed.
		st.dup = true
		if p.fix {
			pkt.SetCC(st.out)
		}
		return plugin.StatusOK
	default:
		p.errors++
		st.dup = false
		p.Log().Warn("continuity error", "pid", pid, "expected", expected, "got", cc,
			"packet", p.TSP.PluginPackets())
	}
	st.in = cc
	if p.fix {
		st.out = nextCC(st.out, payload)
		pkt.SetCC(st.out)
	} else {
		st.out = cc
	}
	return plugin.StatusOK
}

// Count counts packets per PID and logs the totals, periodically with
// --interval and at the end.
//
//	-P count [--pid P ...] [--interval N]
type Count struct {
	plugin.Base

	pids     pidSet
	interval uint64

	counts map[uint16]uint64
	total  uint64
}

// NewCount creates the count plugin.
func NewCount(tsp plugin.TSP) plugin.Processor {
	return &Count{Base: plugin.NewBase(tsp, "count", plugin.KindProcessor)}
}

func (p *Count) Configure(args []string) error {
	fs := p.FlagSet()
	pids := fs.UintSliceP("pid", "p", nil, "count only these PIDs")
	interval := fs.Uint64P("interval", "i", 0, "log the counts every N packets")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	set, err := newPIDSet(*pids)
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	p.pids, p.interval = set, *interval
	return nil
}

func (p *Count) Start() error {
	p.counts = make(map[uint16]uint64)
	p.total = 0
	return nil
}

func (p *Count) Stop() error {
	p.report("final count")
	return nil
}

// Total returns the number of counted packets.
func (p *Count) Total() uint64 { return p.total }

// PIDCount returns the number of counted packets on pid.
func (p *Count) PIDCount(pid uint16) uint64 { return p.counts[pid] }

func (p *Count) report(msg string) {
	p.Log().Info(msg, "packets", p.total, "pids", len(p.counts), "bitrate", p.TSP.Bitrate().String())
	for pid, n := range p.counts {
		p.Log().Debug(msg, "pid", pid, "packets", n)
	}
}

func (p *Count) ProcessPacket(pkt *mpegts.Packet, _ *plugin.Metadata) plugin.Status {
	pid := pkt.PID()
	if !p.pids.has(pid) {
		return plugin.StatusOK
	}
	p.counts[pid]++
	p.total++
	if p.interval > 0 && p.total%p.interval == 0 {
		p.report("count")
	}
	return plugin.StatusOK
}

// Until passes packets until a packet count or a duration is reached, then
// ends the stream, or declares joint termination with -j.
//
//	-P until [--packets N] [--seconds S]
type Until struct {
	plugin.Base

	packets  uint64
	duration time.Duration

	now   func() time.Time
	first time.Time
	count uint64
	done  bool
}

// NewUntil creates the until plugin.
func NewUntil(tsp plugin.TSP) plugin.Processor {
	return &Until{Base: plugin.NewBase(tsp, "until", plugin.KindProcessor), now: time.Now}
}

func (p *Until) Configure(args []string) error {
	fs := p.FlagSet()
	packets := fs.Uint64P("packets", "p", 0, "stop after this number of packets")
	seconds := fs.Float64P("seconds", "s", 0, "stop after this number of seconds")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if *packets == 0 && *seconds <= 0 {
		return fmt.Errorf("until: one of --packets and --seconds is required")
	}
	p.packets = *packets
	p.duration = time.Duration(*seconds * float64(time.Second))
	return nil
}

func (p *Until) Start() error {
	p.count, p.done = 0, false
	p.first = time.Time{}
	return nil
}

func (p *Until) ProcessPacket(*mpegts.Packet, *plugin.Metadata) plugin.Status {
	if p.done {
		return plugin.StatusOK
	}
	now := p.now()
	if p.first.IsZero() {
		p.first = now
	}
	reached := (p.packets > 0 && p.count >= p.packets) ||
		(p.duration > 0 && now.Sub(p.first) >= p.duration)
	if !reached {
		p.count++
		return plugin.StatusOK
	}
	if p.JointTermination() {
		p.done = true
		p.TSP.JointTerminate()
		return plugin.StatusOK
	}
	return plugin.StatusEnd
}
