package plugins

import (
	"bufio"
	"fmt"
	"os"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
	"github.com/zsiec/tsproc/internal/scte35"
)

// Tables extracts the sections of selected PIDs, logs them and optionally
// saves them in a binary file. SCTE-35 splice commands are decoded.
//
//	-P tables [--pid P ...] [--output F] [--max N]
type Tables struct {
	plugin.Base

	pids   []uint16
	output string
	limit  uint64

	demux    *mpegts.SectionDemux
	f        *os.File
	w        *bufio.Writer
	count    uint64
	writeErr error
	done     bool
}

// NewTables creates the tables plugin.
func NewTables(tsp plugin.TSP) plugin.Processor {
	return &Tables{Base: plugin.NewBase(tsp, "tables", plugin.KindProcessor)}
}

func (p *Tables) Configure(args []string) error {
	fs := p.FlagSet()
	pids := fs.UintSliceP("pid", "p", []uint{0}, "extract sections from these PIDs")
	output := fs.StringP("output", "o", "", "save the sections in this binary file")
	limit := fs.Uint64P("max", "x", 0, "stop after this number of sections")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	set, err := newPIDSet(*pids)
	if err != nil {
		return fmt.Errorf("tables: %w", err)
	}
	p.pids = p.pids[:0]
	for pid := range set {
		p.pids = append(p.pids, pid)
	}
	p.output, p.limit = *output, *limit
	return nil
}

func (p *Tables) Start() error {
	p.count, p.writeErr, p.done = 0, nil, false
	p.demux = mpegts.NewSectionDemux(p.onSection, p.pids...)
	if p.output != "" {
		f, err := os.Create(p.output)
		if err != nil {
			return fmt.Errorf("tables: %w", err)
		}
		p.f, p.w = f, bufio.NewWriter(f)
	}
	return nil
}

func (p *Tables) Stop() error {
	p.Log().Info("tables summary", "sections", p.count, "invalid", p.demux.InvalidCount())
	if p.f == nil {
		return p.writeErr
	}
	err := p.w.Flush()
	if cerr := p.f.Close(); err == nil {
		err = cerr
	}
	p.f, p.w = nil, nil
	if p.writeErr != nil {
		return p.writeErr
	}
	return err
}

// Count returns the number of extracted sections.
func (p *Tables) Count() uint64 { return p.count }

func (p *Tables) onSection(pid uint16, s *mpegts.Section) {
	if p.done {
		return
	}
	p.count++
	p.Log().Debug("section", "pid", pid, "table_id", fmt.Sprintf("0x%02X", s.TableID()),
		"size", s.Size(), "version", s.Version(), "section", s.SectionNumber())

	if s.TableID() == scte35.TableID {
		if sis, err := scte35.DecodeSection(s); err != nil {
			p.Log().Warn("invalid SCTE-35 section", "pid", pid, "error", err)
		} else {
			p.Log().Info("SCTE-35", "pid", pid, "command", fmt.Sprintf("0x%02X", sis.Command.Type()),
				"pts_adjustment", sis.PTSAdjustment, "descriptors", len(sis.Descriptors))
		}
	}

	if p.w != nil && p.writeErr == nil {
		if _, err := p.w.Write(s.Content()); err != nil {
			p.writeErr = fmt.Errorf("tables: %w", err)
			p.Log().Error("cannot save section", "error", err)
		}
	}
	if p.limit > 0 && p.count >= p.limit {
		p.done = true
	}
}

func (p *Tables) ProcessPacket(pkt *mpegts.Packet, _ *plugin.Metadata) plugin.Status {
	if p.done {
		if p.JointTermination() {
			return plugin.StatusOK
		}
		return plugin.StatusEnd
	}
	p.demux.Feed(pkt)
	if p.done && p.JointTermination() {
		p.TSP.JointTerminate()
	}
	return plugin.StatusOK
}
