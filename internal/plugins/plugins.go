// Package plugins holds the built-in input, packet processor and output
// plugins of tsp.
package plugins

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// Register adds all built-in plugins to reg.
func Register(reg *plugin.Registry) {
	reg.RegisterInput("file", NewFileInput)
	reg.RegisterInput("null", NewNullInput)
	reg.RegisterInput("ip", NewIPInput)
	reg.RegisterInput("srt", NewSRTInput)
	reg.RegisterInput("quic", NewQUICInput)
	reg.RegisterInput("http", NewHTTPInput)

	reg.RegisterProcessor("filter", NewFilter)
	reg.RegisterProcessor("continuity", NewContinuity)
	reg.RegisterProcessor("count", NewCount)
	reg.RegisterProcessor("regulate", NewRegulate)
	reg.RegisterProcessor("inject", NewInject)
	reg.RegisterProcessor("psi", NewPSI)
	reg.RegisterProcessor("tables", NewTables)
	reg.RegisterProcessor("until", NewUntil)

	reg.RegisterOutput("file", NewFileOutput)
	reg.RegisterOutput("drop", NewDropOutput)
	reg.RegisterOutput("ip", NewIPOutput)
	reg.RegisterOutput("srt", NewSRTOutput)
	reg.RegisterOutput("quic", NewQUICOutput)
}

// readBufferSize is the read buffer of stream inputs, in packets.
const readBufferSize = 1024

// packetReader reads whole packets from a byte stream. It blocks for the
// first packet only, then takes what is already buffered, so that live
// sources are not delayed until the packet slice is full.
type packetReader struct {
	r *bufio.Reader
}

func newPacketReader(r io.Reader) *packetReader {
	return &packetReader{r: bufio.NewReaderSize(r, readBufferSize*mpegts.PacketSize)}
}

func (pr *packetReader) read(pkts []mpegts.Packet) (int, error) {
	n := 0
	for n < len(pkts) {
		if n > 0 && pr.r.Buffered() < mpegts.PacketSize {
			break
		}
		if _, err := io.ReadFull(pr.r, pkts[n][:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			if n > 0 && errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// writePackets writes pkts to w.
func writePackets(w io.Writer, pkts []mpegts.Packet) error {
	for i := range pkts {
		if _, err := w.Write(pkts[i][:]); err != nil {
			return err
		}
	}
	return nil
}

// pidSet is a set of PIDs given as --pid options.
type pidSet map[uint16]bool

func newPIDSet(pids []uint) (pidSet, error) {
	s := make(pidSet, len(pids))
	for _, p := range pids {
		if p > uint(mpegts.PIDMax) {
			return nil, fmt.Errorf("invalid PID %d", p)
		}
		s[uint16(p)] = true
	}
	return s, nil
}

// has reports whether pid is in the set. An empty set holds all PIDs.
func (s pidSet) has(pid uint16) bool { return len(s) == 0 || s[pid] }
