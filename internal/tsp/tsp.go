// Package tsp runs a chain of transport stream plugins: one input, any
// number of packet processors and one output, each in its own goroutine.
// The stages share one circular packet buffer partitioned in lanes; a stage
// hands packets to the next one by moving the lane boundary under a single
// mutex, so packets are never copied between stages.
package tsp

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// Processor is a running plugin chain.
type Processor struct {
	opts     Options
	registry *plugin.Registry
	log      *slog.Logger

	mu     sync.Mutex
	jt     jointTermination
	buffer *PacketBuffer

	execs    []*Executor
	input    *inputExecutor
	realTime bool

	started atomic.Bool
	g       errgroup.Group
	done    chan struct{}
	err     error
}

// New creates a processor instantiating plugins from registry.
func New(opts Options, registry *plugin.Registry, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		opts:     opts,
		registry: registry,
		log:      log.With("component", "tsp"),
		done:     make(chan struct{}),
	}
}

// Start instantiates and configures the plugins of chain, loads the initial
// buffer from the input and launches one goroutine per stage. On error
// every started plugin is stopped again.
func (p *Processor) Start(chain plugin.Chain) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := p.opts.Validate(); err != nil {
		p.started.Store(false)
		return err
	}
	if err := p.build(chain); err != nil {
		p.started.Store(false)
		return err
	}

	p.realTime = p.resolveRealTime()
	p.opts.ApplyDefaults(p.realTime)
	p.log.Debug("processor options",
		"buffer_size", p.opts.BufferSize,
		"realtime", p.realTime,
		"max_flush", p.opts.MaxFlushPackets,
		"max_input", p.opts.MaxInputPackets)

	if p.opts.ReceiveTimeout > 0 {
		s, ok := p.input.input.(plugin.ReceiveTimeoutSetter)
		if !ok || !s.SetReceiveTimeout(p.opts.ReceiveTimeout) {
			p.started.Store(false)
			return fmt.Errorf("tsp: input plugin %q does not support receive timeout", p.input.name)
		}
	}

	p.buffer = NewPacketBuffer(p.opts.BufferSize)
	p.log.Debug("buffer allocated", "packets", p.buffer.Count())

	// Processors start in reverse order, the input last, so that each
	// plugin is ready before packets reach it. The output starts after the
	// initial input load.
	output := p.execs[len(p.execs)-1]
	var started []*Executor
	stopStarted := func() {
		for _, e := range started {
			if err := e.plugin.Stop(); err != nil {
				e.log.Warn("error stopping plugin", "error", err)
			}
		}
	}
	for i := len(p.execs) - 2; i >= 0; i-- {
		e := p.execs[i]
		if err := e.plugin.Start(); err != nil {
			stopStarted()
			p.started.Store(false)
			return fmt.Errorf("tsp: start %s plugin %q: %w", e.kind, e.name, err)
		}
		started = append(started, e)
	}
	if err := p.input.initAllBuffers(); err != nil {
		stopStarted()
		p.started.Store(false)
		return fmt.Errorf("tsp: %w", err)
	}
	if err := output.plugin.Start(); err != nil {
		stopStarted()
		p.started.Store(false)
		return fmt.Errorf("tsp: start output plugin %q: %w", output.name, err)
	}

	for _, e := range p.execs {
		p.g.Go(e.run)
	}
	go func() {
		p.err = p.g.Wait()
		close(p.done)
	}()
	return nil
}

// build creates the executors and their plugins and links the ring.
func (p *Processor) build(chain plugin.Chain) error {
	specs := make([]plugin.Spec, 0, chain.Len())
	specs = append(specs, chain.Input)
	specs = append(specs, chain.Processors...)
	specs = append(specs, chain.Output)

	execs := make([]*Executor, len(specs))
	for i, spec := range specs {
		e := newExecutor(p, i, spec.Kind, spec.Name)
		var err error
		switch spec.Kind {
		case plugin.KindInput:
			var in plugin.Input
			if in, err = p.registry.NewInput(spec.Name, e); err == nil {
				e.plugin = in
				p.input = newInputExecutor(e, in)
			}
		case plugin.KindProcessor:
			var pp plugin.Processor
			if pp, err = p.registry.NewProcessor(spec.Name, e); err == nil {
				e.plugin = pp
				newProcessorExecutor(e, pp)
			}
		case plugin.KindOutput:
			var out plugin.Output
			if out, err = p.registry.NewOutput(spec.Name, e); err == nil {
				e.plugin = out
				newOutputExecutor(e, out)
			}
		}
		if err != nil {
			return fmt.Errorf("tsp: %w", err)
		}
		execs[i] = e
	}
	for i, e := range execs {
		e.next = execs[(i+1)%len(execs)]
		e.prev = execs[(i+len(execs)-1)%len(execs)]
	}
	p.execs = execs

	for i, e := range execs {
		if err := e.plugin.Configure(specs[i].Args); err != nil {
			return fmt.Errorf("tsp: %s plugin %q: %w", e.kind, e.name, err)
		}
	}
	return nil
}

func (p *Processor) resolveRealTime() bool {
	switch p.opts.RealTime {
	case RealTimeOn:
		return true
	case RealTimeOff:
		return false
	}
	for _, e := range p.execs {
		if r, ok := e.plugin.(plugin.RealTimer); ok && r.IsRealTime() {
			return true
		}
	}
	return false
}

// Abort asks every stage to stop as soon as possible.
func (p *Processor) Abort() {
	if !p.started.Load() || p.execs == nil {
		return
	}
	p.log.Info("aborting processing")
	for _, e := range p.execs {
		e.setAbort()
	}
	if a, ok := p.input.input.(plugin.InputAborter); ok {
		a.AbortInput()
	}
}

// Done is closed when all stages have terminated.
func (p *Processor) Done() <-chan struct{} { return p.done }

// Wait blocks until all stages terminated and returns the first stage
// error.
func (p *Processor) Wait() error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	<-p.done
	return p.err
}

// Executors returns the stages in chain order.
func (p *Processor) Executors() []*Executor { return p.execs }

// Executor returns the stage at index.
func (p *Processor) Executor(index int) (*Executor, error) {
	if index < 0 || index >= len(p.execs) {
		return nil, fmt.Errorf("tsp: no plugin at index %d", index)
	}
	return p.execs[index], nil
}

// Bitrate returns the bitrate last seen by the output stage.
func (p *Processor) Bitrate() mpegts.BitRate {
	if len(p.execs) == 0 {
		return 0
	}
	return p.execs[len(p.execs)-1].Bitrate()
}

// RealTime reports whether the processor runs in real-time mode.
func (p *Processor) RealTime() bool { return p.realTime }

// Options returns the options in effect, defaults applied.
func (p *Processor) Options() Options { return p.opts }
