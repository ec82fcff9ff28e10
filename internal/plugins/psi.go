package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/asticode/go-astits"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// Program is the description of one program found by the psi plugin.
type Program struct {
	Number  uint16
	PMTPID  uint16
	PCRPID  uint16
	Streams []Stream
}

// Stream is one elementary stream of a program.
type Stream struct {
	PID  uint16
	Type uint8
}

// Service is one service of the SDT.
type Service struct {
	ID       uint16
	Name     string
	Provider string
	Type     uint8
}

// PSI logs the programs and services of the stream as the PAT, PMT and SDT
// are found or change. Packets are not modified.
//
//	-P psi
type PSI struct {
	plugin.Base

	pw   *io.PipeWriter
	done chan struct{}

	mu       sync.Mutex
	programs map[uint16]*Program
	services map[uint16]Service
	seen     map[string]string
	broken   bool
}

// NewPSI creates the psi plugin.
func NewPSI(tsp plugin.TSP) plugin.Processor {
	return &PSI{Base: plugin.NewBase(tsp, "psi", plugin.KindProcessor)}
}

func (p *PSI) Configure(args []string) error {
	fs := p.FlagSet()
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("psi: unexpected argument %q", fs.Arg(0))
	}
	return nil
}

func (p *PSI) Start() error {
	p.mu.Lock()
	p.programs = make(map[uint16]*Program)
	p.services = make(map[uint16]Service)
	p.seen = make(map[string]string)
	p.mu.Unlock()
	p.broken = false

	pr, pw := io.Pipe()
	p.pw = pw
	p.done = make(chan struct{})
	dmx := astits.NewDemuxer(context.Background(), pr, astits.DemuxerOptPacketSize(mpegts.PacketSize))
	go p.demux(dmx, pr)
	return nil
}

func (p *PSI) demux(dmx *astits.Demuxer, pr *io.PipeReader) {
	defer close(p.done)
	for {
		d, err := dmx.NextData()
		if err != nil {
			if !errors.Is(err, astits.ErrNoMorePackets) && !errors.Is(err, io.EOF) {
				p.Log().Error("PSI demux stopped", "error", err)
			}
			pr.CloseWithError(err)
			return
		}
		switch {
		case d.PAT != nil:
			p.onPAT(d.PAT)
		case d.PMT != nil:
			p.onPMT(d.PID, d.PMT)
		case d.SDT != nil:
			p.onSDT(d.SDT)
		}
	}
}

// changed records the summary of a table and reports whether it differs
// from the previous one with the same key.
func (p *PSI) changed(key, summary string) bool {
	if p.seen[key] == summary {
		return false
	}
	p.seen[key] = summary
	return true
}

func (p *PSI) onPAT(pat *astits.PATData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.changed("pat", fmt.Sprint(pat.TransportStreamID, len(pat.Programs), patKey(pat))) {
		return
	}
	p.Log().Info("PAT", "ts_id", pat.TransportStreamID, "programs", len(pat.Programs))
	for _, prg := range pat.Programs {
		if prg.ProgramNumber == 0 {
			continue
		}
		cur, ok := p.programs[prg.ProgramNumber]
		if !ok {
			cur = &Program{Number: prg.ProgramNumber}
			p.programs[prg.ProgramNumber] = cur
		}
		cur.PMTPID = prg.ProgramMapID
		p.Log().Info("program", "number", prg.ProgramNumber, "pmt_pid", prg.ProgramMapID)
	}
}

func patKey(pat *astits.PATData) string {
	var s string
	for _, prg := range pat.Programs {
		s += fmt.Sprintf("%d:%d,", prg.ProgramNumber, prg.ProgramMapID)
	}
	return s
}

func (p *PSI) onPMT(pid uint16, pmt *astits.PMTData) {
	prg := &Program{Number: pmt.ProgramNumber, PMTPID: pid, PCRPID: pmt.PCRPID}
	for _, es := range pmt.ElementaryStreams {
		prg.Streams = append(prg.Streams, Stream{PID: es.ElementaryPID, Type: uint8(es.StreamType)})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.changed(fmt.Sprintf("pmt:%d", prg.Number), fmt.Sprint(*prg)) {
		return
	}
	p.programs[prg.Number] = prg
	p.Log().Info("PMT", "program", prg.Number, "pid", pid, "pcr_pid", prg.PCRPID, "streams", len(prg.Streams))
	for _, s := range prg.Streams {
		p.Log().Info("elementary stream", "program", prg.Number, "pid", s.PID, "type", fmt.Sprintf("0x%02X", s.Type))
	}
}

func (p *PSI) onSDT(sdt *astits.SDTData) {
	var services []Service
	for _, srv := range sdt.Services {
		s := Service{ID: srv.ServiceID}
		for _, d := range srv.Descriptors {
			if d.Service != nil {
				s.Name, s.Provider, s.Type = string(d.Service.Name), string(d.Service.Provider), d.Service.Type
			}
		}
		services = append(services, s)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.changed(fmt.Sprintf("sdt:%d", sdt.TransportStreamID), fmt.Sprint(services)) {
		return
	}
	for _, s := range services {
		p.services[s.ID] = s
		p.Log().Info("service", "id", s.ID, "name", s.Name, "provider", s.Provider, "type", s.Type)
	}
}

// Stop flushes the demux and waits for the last tables.
func (p *PSI) Stop() error {
	if p.pw == nil {
		return nil
	}
	p.pw.Close()
	<-p.done
	p.pw = nil
	return nil
}

// Programs returns the known programs sorted by program number.
func (p *PSI) Programs() []Program {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Program, 0, len(p.programs))
	for _, prg := range p.programs {
		out = append(out, *prg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Services returns the known services sorted by service id.
func (p *PSI) Services() []Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Service, 0, len(p.services))
	for _, s := range p.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *PSI) ProcessPacket(pkt *mpegts.Packet, _ *plugin.Metadata) plugin.Status {
	if p.broken || pkt.IsNull() {
		return plugin.StatusOK
	}
	if _, err := p.pw.Write(pkt[:]); err != nil {
		p.broken = true
		p.Log().Warn("PSI analysis disabled", "error", err)
	}
	return plugin.StatusOK
}
