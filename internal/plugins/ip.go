package plugins

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

const (
	// maxDatagram is the largest UDP payload accepted.
	maxDatagram = 65536
	// DefaultPacketBurst is the number of packets per outgoing datagram.
	DefaultPacketBurst = 7
)

// udpAddress accepts "port" as a shorthand for ":port".
func udpAddress(s string) string {
	if !strings.Contains(s, ":") {
		return ":" + s
	}
	return s
}

// IPInput receives packets in UDP datagrams.
//
//	-I ip [address:]port
type IPInput struct {
	plugin.Base

	addr    string
	timeout time.Duration

	mu       sync.Mutex
	conn     *net.UDPConn
	aborted  atomic.Bool
	buf      []byte
	pending  []byte
	received uint64
	invalid  uint64
}

// NewIPInput creates the UDP input plugin.
func NewIPInput(tsp plugin.TSP) plugin.Input {
	return &IPInput{Base: plugin.NewBase(tsp, "ip", plugin.KindInput)}
}

func (p *IPInput) Configure(args []string) error {
	fs := p.FlagSet()
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("ip: exactly one [address:]port is required")
	}
	p.addr = udpAddress(fs.Arg(0))
	return nil
}

// IsRealTime reports that UDP reception is a live source.
func (p *IPInput) IsRealTime() bool { return true }

func (p *IPInput) SetReceiveTimeout(d time.Duration) bool {
	p.timeout = d
	return true
}

func (p *IPInput) Start() error {
	laddr, err := net.ResolveUDPAddr("udp", p.addr)
	if err != nil {
		return fmt.Errorf("ip: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("ip: listen on %s: %w", p.addr, err)
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.aborted.Store(false)
	p.buf = make([]byte, maxDatagram)
	p.pending = nil
	p.received, p.invalid = 0, 0
	p.Log().Info("listening", "addr", conn.LocalAddr().String())
	return nil
}

// LocalAddr returns the bound address, or nil when not started.
func (p *IPInput) LocalAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.LocalAddr()
}

func (p *IPInput) Stop() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	p.Log().Debug("stopped", "datagrams", p.received, "invalid", p.invalid)
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (p *IPInput) AbortInput() {
	p.aborted.Store(true)
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()
}

func (p *IPInput) Receive(pkts []mpegts.Packet, meta []plugin.Metadata) (int, error) {
	for len(p.pending) == 0 {
		if err := p.readDatagram(); err != nil {
			return 0, err
		}
	}
	n := 0
	now := time.Now()
	for n < len(pkts) && len(p.pending) >= mpegts.PacketSize {
		copy(pkts[n][:], p.pending[:mpegts.PacketSize])
		meta[n].InputTime = now
		p.pending = p.pending[mpegts.PacketSize:]
		n++
	}
	return n, nil
}

func (p *IPInput) readDatagram() error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return io.EOF
	}
	if p.timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
			return err
		}
	}
	size, from, err := conn.ReadFromUDP(p.buf)
	if err != nil {
		if p.aborted.Load() || errors.Is(err, net.ErrClosed) {
			return io.EOF
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return fmt.Errorf("ip: no datagram received in %s: %w", p.timeout, err)
		}
		return err
	}
	p.received++
	data := p.buf[:size]
	if size%mpegts.PacketSize != 0 || size == 0 || data[0] != mpegts.SyncByte {
		p.invalid++
		p.Log().Debug("ignoring datagram", "size", size, "from", from.String())
		return nil
	}
	p.pending = data
	return nil
}

// IPOutput sends packets in UDP datagrams.
//
//	-O ip address:port [--packet-burst N] [--local-address addr]
type IPOutput struct {
	plugin.Base

	addr  string
	local string
	burst int

	conn *net.UDPConn
	buf  []byte
}

// NewIPOutput creates the UDP output plugin.
func NewIPOutput(tsp plugin.TSP) plugin.Output {
	return &IPOutput{Base: plugin.NewBase(tsp, "ip", plugin.KindOutput)}
}

func (p *IPOutput) Configure(args []string) error {
	fs := p.FlagSet()
	burst := fs.IntP("packet-burst", "b", DefaultPacketBurst, "number of packets per datagram")
	local := fs.StringP("local-address", "l", "", "local address to send from")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("ip: exactly one destination address:port is required")
	}
	if *burst < 1 || *burst*mpegts.PacketSize > maxDatagram {
		return fmt.Errorf("ip: invalid --packet-burst %d", *burst)
	}
	p.addr, p.local, p.burst = fs.Arg(0), *local, *burst
	return nil
}

func (p *IPOutput) Start() error {
	raddr, err := net.ResolveUDPAddr("udp", p.addr)
	if err != nil {
		return fmt.Errorf("ip: %w", err)
	}
	var laddr *net.UDPAddr
	if p.local != "" {
		if laddr, err = net.ResolveUDPAddr("udp", udpAddress(p.local)); err != nil {
			return fmt.Errorf("ip: %w", err)
		}
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return fmt.Errorf("ip: %w", err)
	}
	p.conn = conn
	p.buf = make([]byte, 0, p.burst*mpegts.PacketSize)
	return nil
}

func (p *IPOutput) Stop() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *IPOutput) Send(pkts []mpegts.Packet, _ []plugin.Metadata) error {
	for len(pkts) > 0 {
		n := min(len(pkts), p.burst)
		p.buf = p.buf[:0]
		for i := range n {
			p.buf = append(p.buf, pkts[i][:]...)
		}
		if _, err := p.conn.Write(p.buf); err != nil {
			return fmt.Errorf("ip: send to %s: %w", p.addr, err)
		}
		pkts = pkts[n:]
	}
	return nil
}
