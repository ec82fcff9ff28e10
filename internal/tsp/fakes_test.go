package tsp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seqPacket returns a packet on PID 0x100 carrying n in its payload.
func seqPacket(n int) mpegts.Packet {
	var p mpegts.Packet
	p[0] = mpegts.SyncByte
	p[1] = 0x01
	p[2] = 0x00
	p[3] = 0x10 | byte(n&0x0F)
	binary.BigEndian.PutUint32(p[4:8], uint32(n))
	return p
}

// setPCR turns p into an adaptation field packet carrying pcr.
func setPCR(p *mpegts.Packet, pcr uint64) {
	p[3] = 0x30 | p[3]&0x0F
	p[4] = 7
	p[5] = 0x10
	base, ext := pcr/300, pcr%300
	p[6] = byte(base >> 25)
	p[7] = byte(base >> 17)
	p[8] = byte(base >> 9)
	p[9] = byte(base >> 1)
	p[10] = byte(base<<7) | 0x7E | byte(ext>>8)
	p[11] = byte(ext)
}

// pesPacket returns a packet on PID 0x100 starting a video PES unit whose
// header only carries pts, which then also stands for the DTS.
func pesPacket(pts uint64) mpegts.Packet {
	var p mpegts.Packet
	p[0] = mpegts.SyncByte
	p[1] = 0x41
	p[2] = 0x00
	p[3] = 0x10
	copy(p[4:], []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x80, 0x05})
	p[13] = 0x21 | byte(pts>>29)&0x0E
	p[14] = byte(pts >> 22)
	p[15] = byte(pts>>14) | 0x01
	p[16] = byte(pts >> 7)
	p[17] = byte(pts<<1) | 0x01
	return p
}

func seqOf(p *mpegts.Packet) int { return int(binary.BigEndian.Uint32(p[4:8])) }

// seqInput produces total numbered packets, forever when total is negative.
type seqInput struct {
	plugin.Base
	total      int
	badSyncAt  int
	labelEvery int
	blockAfter int
	bitrate    mpegts.BitRate

	sent      int
	abort     chan struct{}
	abortOnce sync.Once
}

func newSeqInput(total int) *seqInput {
	return &seqInput{total: total, badSyncAt: -1, blockAfter: -1, abort: make(chan struct{})}
}

func (in *seqInput) Configure(args []string) error { return in.Parse(in.FlagSet(), args) }

func (in *seqInput) Receive(pkts []mpegts.Packet, meta []plugin.Metadata) (int, error) {
	if in.blockAfter >= 0 && in.sent >= in.blockAfter {
		<-in.abort
		return 0, io.EOF
	}
	n := 0
	for n < len(pkts) && (in.total < 0 || in.sent < in.total) {
		if in.blockAfter >= 0 && in.sent >= in.blockAfter {
			break
		}
		pkts[n] = seqPacket(in.sent)
		if in.sent == in.badSyncAt {
			pkts[n][0] = 0x48
		}
		if in.labelEvery > 0 && in.sent%in.labelEvery == 0 {
			meta[n].Labels = plugin.Labels(3)
		}
		n++
		in.sent++
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (in *seqInput) AbortInput() {
	in.abortOnce.Do(func() { close(in.abort) })
}

func (in *seqInput) Bitrate() mpegts.BitRate { return in.bitrate }

// funcProcessor applies fn to every packet.
type funcProcessor struct {
	plugin.Base
	fn func(tsp plugin.TSP, pkt *mpegts.Packet, md *plugin.Metadata) plugin.Status

	value   int
	starts  int
	onStart func()
}

func (p *funcProcessor) Configure(args []string) error {
	fs := p.FlagSet()
	var value int
	fs.IntVar(&value, "value", 0, "test value")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if value < 0 {
		return errors.New("negative value")
	}
	p.value = value
	return nil
}

func (p *funcProcessor) Start() error {
	p.starts++
	if p.onStart != nil {
		p.onStart()
	}
	return nil
}

func (p *funcProcessor) ProcessPacket(pkt *mpegts.Packet, md *plugin.Metadata) plugin.Status {
	if p.fn == nil {
		return plugin.StatusOK
	}
	return p.fn(p.TSP, pkt, md)
}

// collectOutput records what it receives.
type collectOutput struct {
	plugin.Base
	countOnly bool
	failAfter int
	delay     time.Duration

	mu        sync.Mutex
	seqs      []int
	nulls     int
	stuffing  int
	nullified int
	received  int
}

func (o *collectOutput) Configure(args []string) error { return o.Parse(o.FlagSet(), args) }

func (o *collectOutput) Send(pkts []mpegts.Packet, meta []plugin.Metadata) error {
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failAfter > 0 && o.received+len(pkts) > o.failAfter {
		return errors.New("device gone")
	}
	for i := range pkts {
		o.received++
		if o.countOnly {
			continue
		}
		if pkts[i].IsNull() {
			o.nulls++
			o.seqs = append(o.seqs, -1)
		} else {
			o.seqs = append(o.seqs, seqOf(&pkts[i]))
		}
		if meta[i].InputStuffing {
			o.stuffing++
		}
		if meta[i].Nullified {
			o.nullified++
		}
	}
	return nil
}

func (o *collectOutput) Received() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.received
}

// timeoutOutput gives up after vetoing a number of timeouts.
type timeoutOutput struct {
	collectOutput
	vetoes  int
	handled int
}

func (o *timeoutOutput) PacketTimeout() time.Duration { return 20 * time.Millisecond }

func (o *timeoutOutput) HandlePacketTimeout() bool {
	o.handled++
	return o.handled <= o.vetoes
}

// registry builds a registry with the given plugins under fixed names.
func registry(in *seqInput, out plugin.Output, procs map[string]*funcProcessor) *plugin.Registry {
	reg := plugin.NewRegistry()
	if in != nil {
		reg.RegisterInput("seq", func(tsp plugin.TSP) plugin.Input {
			in.Base = plugin.NewBase(tsp, "seq", plugin.KindInput)
			return in
		})
	}
	switch o := out.(type) {
	case *collectOutput:
		reg.RegisterOutput("collect", func(tsp plugin.TSP) plugin.Output {
			o.Base = plugin.NewBase(tsp, "collect", plugin.KindOutput)
			return o
		})
	case *timeoutOutput:
		reg.RegisterOutput("collect", func(tsp plugin.TSP) plugin.Output {
			o.Base = plugin.NewBase(tsp, "collect", plugin.KindOutput)
			return o
		})
	}
	for name, p := range procs {
		reg.RegisterProcessor(name, func(tsp plugin.TSP) plugin.Processor {
			p.Base = plugin.NewBase(tsp, name, plugin.KindProcessor)
			return p
		})
	}
	return reg
}

func chain(procs ...string) plugin.Chain {
	c := plugin.Chain{
		Input:  plugin.Spec{Kind: plugin.KindInput, Name: "seq"},
		Output: plugin.Spec{Kind: plugin.KindOutput, Name: "collect"},
	}
	for _, p := range procs {
		c.Processors = append(c.Processors, plugin.Spec{Kind: plugin.KindProcessor, Name: p})
	}
	return c
}

func smallOptions() Options {
	return Options{BufferSize: MinBufferSize}
}

// waitDone waits for the processor and fails the test if it hangs.
func waitDone(t *testing.T, p *Processor) error {
	t.Helper()
	select {
	case <-p.Done():
		return p.Wait()
	case <-time.After(10 * time.Second):
		p.Abort()
		t.Fatal("processor did not terminate")
		return nil
	}
}

func startProcessor(t *testing.T, opts Options, reg *plugin.Registry, c plugin.Chain) *Processor {
	t.Helper()
	p := New(opts, reg, testLogger())
	require.NoError(t, p.Start(c))
	return p
}

// lockedBuffer is a bytes.Buffer safe for concurrent writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
