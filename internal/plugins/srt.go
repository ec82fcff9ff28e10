package plugins

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

const (
	// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
	srtLatencyNs = 120_000_000
	// srtDialTimeout bounds the connection of a caller.
	srtDialTimeout = 10 * time.Second
	// srtPacketsPerMessage fills a 1316-byte SRT live payload.
	srtPacketsPerMessage = 7
)

// srtEndpoint is the connection logic shared by the SRT input and output:
// either a caller dialing a remote listener or a listener accepting the
// first caller.
type srtEndpoint struct {
	listener string
	caller   string
	streamID string

	mu      sync.Mutex
	closeLn func()
	conn    *srtgo.Conn
	aborted atomic.Bool
}

// configure parses the SRT options of a plugin.
func (e *srtEndpoint) configure(b *plugin.Base, args []string) error {
	fs := b.FlagSet()
	listener := fs.StringP("listener", "l", "", "listen on this address and accept one caller")
	caller := fs.StringP("caller", "c", "", "connect to the SRT listener at this address")
	streamID := fs.String("streamid", "", "SRT stream id to send or require")
	if err := b.Parse(fs, args); err != nil {
		return err
	}
	if (*listener == "") == (*caller == "") {
		return fmt.Errorf("%s: exactly one of --listener and --caller is required", b.Name())
	}
	e.listener, e.caller, e.streamID = *listener, *caller, *streamID
	return nil
}

// connect opens the connection. It blocks until a caller is accepted or the
// dial completes.
func (e *srtEndpoint) connect(tsp plugin.TSP) error {
	e.aborted.Store(false)
	if e.caller != "" {
		return e.dial(tsp)
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = e.streamID
	l, err := srtgo.Listen(e.listener, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", e.listener, err)
	}
	if e.streamID != "" {
		want := e.streamID
		l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
			if req.StreamID != want {
				return srtgo.RejPeer
			}
			return 0
		})
	}
	e.mu.Lock()
	e.closeLn = func() { l.Close() }
	e.mu.Unlock()
	tsp.Log().Info("listening", "addr", e.listener)

	conn, err := l.Accept()
	e.mu.Lock()
	e.closeLn = nil
	e.mu.Unlock()
	l.Close()
	if err != nil {
		return fmt.Errorf("SRT accept: %w", err)
	}
	tsp.Log().Info("connected", "remote", conn.RemoteAddr().String(), "stream_id", conn.StreamID())
	e.setConn(conn)
	return nil
}

func (e *srtEndpoint) dial(tsp plugin.TSP) error {
	tsp.Log().Info("dialing", "address", e.caller, "stream_id", e.streamID)
	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = e.streamID
	go func() {
		conn, err := srtgo.Dial(e.caller, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		e.setConn(res.conn)
		return nil
	case <-timer.C:
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("SRT dial timed out after %s", srtDialTimeout)
	}
}

func (e *srtEndpoint) setConn(conn *srtgo.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
}

func (e *srtEndpoint) current() *srtgo.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// abort unblocks a pending Accept or Read.
func (e *srtEndpoint) abort() {
	e.aborted.Store(true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closeLn != nil {
		e.closeLn()
	}
	if e.conn != nil {
		e.conn.Close()
	}
}

func (e *srtEndpoint) close() error {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// SRTInput receives packets over SRT.
//
//	-I srt --listener addr | --caller addr [--streamid id]
type SRTInput struct {
	plugin.Base
	ep     srtEndpoint
	reader *packetReader
}

// NewSRTInput creates the SRT input plugin.
func NewSRTInput(tsp plugin.TSP) plugin.Input {
	return &SRTInput{Base: plugin.NewBase(tsp, "srt", plugin.KindInput)}
}

func (p *SRTInput) Configure(args []string) error {
	return p.ep.configure(&p.Base, args)
}

// IsRealTime reports that SRT is a live source.
func (p *SRTInput) IsRealTime() bool { return true }

func (p *SRTInput) Start() error {
	if err := p.ep.connect(p.TSP); err != nil {
		return fmt.Errorf("srt: %w", err)
	}
	p.reader = newPacketReader(p.ep.current())
	return nil
}

func (p *SRTInput) Stop() error { return p.ep.close() }

func (p *SRTInput) AbortInput() { p.ep.abort() }

func (p *SRTInput) Receive(pkts []mpegts.Packet, _ []plugin.Metadata) (int, error) {
	n, err := p.reader.read(pkts)
	if err != nil && (p.ep.aborted.Load() || errors.Is(err, io.EOF)) {
		return n, io.EOF
	}
	return n, err
}

// SRTOutput sends packets over SRT.
//
//	-O srt --listener addr | --caller addr [--streamid id]
type SRTOutput struct {
	plugin.Base
	ep  srtEndpoint
	buf []byte
}

// NewSRTOutput creates the SRT output plugin.
func NewSRTOutput(tsp plugin.TSP) plugin.Output {
	return &SRTOutput{Base: plugin.NewBase(tsp, "srt", plugin.KindOutput)}
}

func (p *SRTOutput) Configure(args []string) error {
	return p.ep.configure(&p.Base, args)
}

func (p *SRTOutput) Start() error {
	if err := p.ep.connect(p.TSP); err != nil {
		return fmt.Errorf("srt: %w", err)
	}
	p.buf = make([]byte, 0, srtPacketsPerMessage*mpegts.PacketSize)
	return nil
}

func (p *SRTOutput) Stop() error { return p.ep.close() }

func (p *SRTOutput) Send(pkts []mpegts.Packet, _ []plugin.Metadata) error {
	conn := p.ep.current()
	if conn == nil {
		return fmt.Errorf("srt: not connected")
	}
	for len(pkts) > 0 {
		n := min(len(pkts), srtPacketsPerMessage)
		p.buf = p.buf[:0]
		for i := range n {
			p.buf = append(p.buf, pkts[i][:]...)
		}
		if _, err := conn.Write(p.buf); err != nil {
			return fmt.Errorf("srt: %w", err)
		}
		pkts = pkts[n:]
	}
	return nil
}
