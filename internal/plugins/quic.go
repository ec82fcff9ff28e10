package plugins

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/tsproc/internal/certs"
	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// quicALPN is the application protocol of a transport stream carried on a
// single unidirectional QUIC stream.
const quicALPN = "tsp-ts"

// Application error codes sent when closing a QUIC connection.
const (
	quicCodeDone    quic.ApplicationErrorCode = 0
	quicCodeAborted quic.ApplicationErrorCode = 1
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 5 * time.Second,
	}
}

// QUICInput accepts one QUIC connection and reads packets from the first
// unidirectional stream the peer opens. The server certificate is generated
// at start and its fingerprint is logged for the sender to pin.
//
//	-I quic --listen addr
type QUICInput struct {
	plugin.Base

	addr string

	mu     sync.Mutex
	ln     *quic.Listener
	conn   quic.Connection
	ctx    context.Context
	cancel context.CancelFunc
	cert   *certs.Certificate
	reader *packetReader
}

// NewQUICInput creates the QUIC input plugin.
func NewQUICInput(tsp plugin.TSP) plugin.Input {
	return &QUICInput{Base: plugin.NewBase(tsp, "quic", plugin.KindInput)}
}

func (p *QUICInput) Configure(args []string) error {
	fs := p.FlagSet()
	listen := fs.StringP("listen", "l", "", "UDP address to listen on")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if *listen == "" {
		return fmt.Errorf("quic: --listen is required")
	}
	p.addr = *listen
	return nil
}

// IsRealTime reports that a QUIC peer is a live source.
func (p *QUICInput) IsRealTime() bool { return true }

// Listen binds the listening socket and generates the certificate. Start
// calls it when needed; calling it first exposes the address and
// fingerprint before the peer connects.
func (p *QUICInput) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln != nil {
		return nil
	}
	host, _, _ := net.SplitHostPort(p.addr)
	cert, err := certs.Generate(0, host)
	if err != nil {
		return fmt.Errorf("quic: %w", err)
	}
	ln, err := quic.ListenAddr(p.addr, cert.ServerConfig(quicALPN), quicConfig())
	if err != nil {
		return fmt.Errorf("quic: listen on %s: %w", p.addr, err)
	}
	p.ln, p.cert = ln, cert
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.Log().Info("listening", "addr", ln.Addr().String(), "fingerprint", cert.FingerprintBase64())
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (p *QUICInput) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Fingerprint returns the base64 SHA-256 fingerprint of the certificate.
func (p *QUICInput) Fingerprint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cert == nil {
		return ""
	}
	return p.cert.FingerprintBase64()
}

func (p *QUICInput) Start() error {
	if err := p.Listen(); err != nil {
		return err
	}
	p.mu.Lock()
	ln, ctx := p.ln, p.ctx
	p.mu.Unlock()

	conn, err := ln.Accept(ctx)
	if err != nil {
		return fmt.Errorf("quic: accept: %w", err)
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.Log().Info("connected", "remote", conn.RemoteAddr().String())

	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		return fmt.Errorf("quic: accept stream: %w", err)
	}
	p.reader = newPacketReader(stream)
	return nil
}

func (p *QUICInput) AbortInput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	if p.conn != nil {
		p.conn.CloseWithError(quicCodeAborted, "aborted")
	}
}

func (p *QUICInput) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	if p.conn != nil {
		p.conn.CloseWithError(quicCodeDone, "")
		p.conn = nil
	}
	var err error
	if p.ln != nil {
		err = p.ln.Close()
		p.ln = nil
	}
	return err
}

func (p *QUICInput) Receive(pkts []mpegts.Packet, _ []plugin.Metadata) (int, error) {
	n, err := p.reader.read(pkts)
	if err == nil || n > 0 {
		return n, nil
	}
	var appErr *quic.ApplicationError
	if errors.Is(err, io.EOF) || errors.As(err, &appErr) || p.ctx.Err() != nil {
		return 0, io.EOF
	}
	return 0, err
}

// QUICOutput sends packets on one unidirectional stream of a QUIC
// connection. The server certificate is pinned with --fingerprint unless
// --insecure is given.
//
//	-O quic address [--fingerprint base64 | --insecure]
type QUICOutput struct {
	plugin.Base

	addr        string
	fingerprint string
	insecure    bool

	conn   quic.Connection
	stream quic.SendStream
	buf    []byte
}

// NewQUICOutput creates the QUIC output plugin.
func NewQUICOutput(tsp plugin.TSP) plugin.Output {
	return &QUICOutput{Base: plugin.NewBase(tsp, "quic", plugin.KindOutput)}
}

func (p *QUICOutput) Configure(args []string) error {
	fs := p.FlagSet()
	fingerprint := fs.StringP("fingerprint", "f", "", "base64 SHA-256 fingerprint of the server certificate")
	insecure := fs.Bool("insecure", false, "do not verify the server certificate")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("quic: exactly one destination address is required")
	}
	if (*fingerprint == "") == !*insecure {
		return fmt.Errorf("quic: exactly one of --fingerprint and --insecure is required")
	}
	p.addr, p.fingerprint, p.insecure = fs.Arg(0), *fingerprint, *insecure
	return nil
}

func (p *QUICOutput) tlsConfig() (*tls.Config, error) {
	if p.insecure {
		return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{quicALPN}}, nil
	}
	return certs.PinnedClientConfig(p.fingerprint, quicALPN)
}

func (p *QUICOutput) Start() error {
	tlsConf, err := p.tlsConfig()
	if err != nil {
		return fmt.Errorf("quic: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(ctx, p.addr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("quic: dial %s: %w", p.addr, err)
	}
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(quicCodeAborted, "no stream")
		return fmt.Errorf("quic: open stream: %w", err)
	}
	p.conn, p.stream = conn, stream
	p.buf = make([]byte, 0, readBufferSize*mpegts.PacketSize)
	p.Log().Info("connected", "remote", conn.RemoteAddr().String())
	return nil
}

func (p *QUICOutput) Send(pkts []mpegts.Packet, _ []plugin.Metadata) error {
	for len(pkts) > 0 {
		n := min(len(pkts), readBufferSize)
		p.buf = p.buf[:0]
		for i := range n {
			p.buf = append(p.buf, pkts[i][:]...)
		}
		if _, err := p.stream.Write(p.buf); err != nil {
			return fmt.Errorf("quic: %w", err)
		}
		pkts = pkts[n:]
	}
	return nil
}

// Stop closes the stream and waits for the peer to close the connection, so
// that buffered data is delivered.
func (p *QUICOutput) Stop() error {
	if p.conn == nil {
		return nil
	}
	err := p.stream.Close()
	select {
	case <-p.conn.Context().Done():
	case <-time.After(2 * time.Second):
	}
	p.conn.CloseWithError(quicCodeDone, "")
	p.conn, p.stream = nil, nil
	return err
}
