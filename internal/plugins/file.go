package plugins

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// FileInput reads packets from a file or from the standard input.
//
//	-I file [path] [--repeat N | --infinite] [--byte-offset B]
type FileInput struct {
	plugin.Base

	path     string
	repeat   int
	infinite bool
	offset   int64

	f      *os.File
	reader *packetReader
	passes int
}

// NewFileInput creates the file input plugin.
func NewFileInput(tsp plugin.TSP) plugin.Input {
	return &FileInput{Base: plugin.NewBase(tsp, "file", plugin.KindInput)}
}

func (p *FileInput) Configure(args []string) error {
	fs := p.FlagSet()
	repeat := fs.IntP("repeat", "r", 1, "read the file this number of times")
	infinite := fs.BoolP("infinite", "i", false, "repeat the file forever")
	offset := fs.Int64P("byte-offset", "b", 0, "start reading at this byte offset")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	path := ""
	if fs.NArg() > 1 {
		return fmt.Errorf("file: too many file names")
	}
	if fs.NArg() == 1 {
		path = fs.Arg(0)
	}
	if *repeat < 1 || *offset < 0 {
		return fmt.Errorf("file: invalid --repeat or --byte-offset")
	}
	if path == "" && (*repeat > 1 || *infinite || *offset > 0) {
		return fmt.Errorf("file: standard input cannot be repeated or seeked")
	}
	p.path, p.repeat, p.infinite, p.offset = path, *repeat, *infinite, *offset
	return nil
}

func (p *FileInput) Start() error {
	p.passes = 0
	if p.path == "" {
		p.f = os.Stdin
	} else {
		f, err := os.Open(p.path)
		if err != nil {
			return fmt.Errorf("file: %w", err)
		}
		p.f = f
	}
	return p.rewind()
}

func (p *FileInput) rewind() error {
	if p.path != "" {
		if _, err := p.f.Seek(p.offset, io.SeekStart); err != nil {
			return fmt.Errorf("file: seek %s: %w", p.path, err)
		}
	}
	p.reader = newPacketReader(p.f)
	p.passes++
	return nil
}

func (p *FileInput) Stop() error {
	if p.f == nil || p.f == os.Stdin {
		p.f = nil
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}

func (p *FileInput) Receive(pkts []mpegts.Packet, _ []plugin.Metadata) (int, error) {
	for {
		n, err := p.reader.read(pkts)
		if n > 0 || !errors.Is(err, io.EOF) {
			return n, err
		}
		if !p.infinite && p.passes >= p.repeat {
			return 0, io.EOF
		}
		p.Log().Debug("rewinding", "file", p.path, "pass", p.passes+1)
		if err := p.rewind(); err != nil {
			return 0, err
		}
	}
}

// FileOutput writes packets to a file or to the standard output.
//
//	-O file [path] [--append]
type FileOutput struct {
	plugin.Base

	path   string
	append bool

	f *os.File
	w *bufio.Writer
}

// NewFileOutput creates the file output plugin.
func NewFileOutput(tsp plugin.TSP) plugin.Output {
	return &FileOutput{Base: plugin.NewBase(tsp, "file", plugin.KindOutput)}
}

func (p *FileOutput) Configure(args []string) error {
	fs := p.FlagSet()
	appendMode := fs.BoolP("append", "a", false, "append to the file instead of truncating it")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("file: too many file names")
	}
	p.path, p.append = fs.Arg(0), *appendMode
	return nil
}

func (p *FileOutput) Start() error {
	if p.path == "" {
		p.f = os.Stdout
	} else {
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if p.append {
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}
		f, err := os.OpenFile(p.path, flags, 0o644)
		if err != nil {
			return fmt.Errorf("file: %w", err)
		}
		p.f = f
	}
	p.w = bufio.NewWriterSize(p.f, readBufferSize*mpegts.PacketSize)
	return nil
}

func (p *FileOutput) Send(pkts []mpegts.Packet, _ []plugin.Metadata) error {
	if err := writePackets(p.w, pkts); err != nil {
		return err
	}
	return p.w.Flush()
}

func (p *FileOutput) Stop() error {
	if p.f == nil {
		return nil
	}
	err := p.w.Flush()
	if p.f != os.Stdout {
		if cerr := p.f.Close(); err == nil {
			err = cerr
		}
	}
	p.f, p.w = nil, nil
	return err
}

// DropOutput discards every packet.
type DropOutput struct {
	plugin.Base
}

// NewDropOutput creates the drop output plugin.
func NewDropOutput(tsp plugin.TSP) plugin.Output {
	return &DropOutput{Base: plugin.NewBase(tsp, "drop", plugin.KindOutput)}
}

func (p *DropOutput) Configure(args []string) error {
	fs := p.FlagSet()
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("drop: unexpected argument %q", fs.Arg(0))
	}
	return nil
}

func (p *DropOutput) Send([]mpegts.Packet, []plugin.Metadata) error { return nil }

// NullInput generates null packets.
//
//	-I null [count]
type NullInput struct {
	plugin.Base

	limit uint64
	count uint64
}

// NewNullInput creates the null input plugin.
func NewNullInput(tsp plugin.TSP) plugin.Input {
	return &NullInput{Base: plugin.NewBase(tsp, "null", plugin.KindInput)}
}

func (p *NullInput) Configure(args []string) error {
	fs := p.FlagSet()
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	p.limit = 0
	switch fs.NArg() {
	case 0:
	case 1:
		if _, err := fmt.Sscan(fs.Arg(0), &p.limit); err != nil {
			return fmt.Errorf("null: invalid packet count %q", fs.Arg(0))
		}
	default:
		return fmt.Errorf("null: too many arguments")
	}
	return nil
}

func (p *NullInput) Start() error {
	p.count = 0
	return nil
}

func (p *NullInput) Receive(pkts []mpegts.Packet, _ []plugin.Metadata) (int, error) {
	n := len(pkts)
	if p.limit > 0 {
		if p.count >= p.limit {
			return 0, io.EOF
		}
		n = int(min(uint64(n), p.limit-p.count))
	}
	for i := range n {
		pkts[i] = mpegts.NullPacket
	}
	p.count += uint64(n)
	return n, nil
}
