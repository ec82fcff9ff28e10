package tsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// Executor runs one plugin of the chain in its own goroutine. Executors form
// a ring: input, processors in order, output, and back to the input. Each
// one owns a lane of the shared buffer, the slots [first, first+count)
// modulo the buffer size, and hands packets to the next stage by moving
// the lane boundary.
type Executor struct {
	proc   *Processor
	index  int
	kind   plugin.Kind
	name   string
	plugin plugin.Plugin
	log    *slog.Logger
	report atomic.Pointer[slog.Logger]

	next, prev *Executor
	todo       chan struct{}
	main       func() error

	// Guarded by proc.mu.
	first      int
	count      int
	inputEnd   bool
	bitrate    mpegts.BitRate
	restart    *restartRequest
	terminated bool

	aborting   atomic.Bool
	suspended  atomic.Bool
	tspBitrate atomic.Int64
	pluginPkts atomic.Uint64
	otherPkts  atomic.Uint64

	// Guarded by proc.jt.mu.
	useJT       bool
	jtCompleted bool
}

func newExecutor(p *Processor, index int, kind plugin.Kind, name string) *Executor {
	e := &Executor{
		proc:  p,
		index: index,
		kind:  kind,
		name:  name,
		log:   p.log.With("plugin", name, "index", index),
		todo:  make(chan struct{}, 1),
	}
	e.report.Store(e.log)
	return e
}

// Index returns the position of the stage in the chain, the input being 0.
func (e *Executor) Index() int { return e.index }

// Kind returns the plugin kind of the stage.
func (e *Executor) Kind() plugin.Kind { return e.kind }

// Name returns the plugin name.
func (e *Executor) Name() string { return e.name }

// Args returns the current plugin arguments.
func (e *Executor) Args() []string {
	e.proc.mu.Lock()
	defer e.proc.mu.Unlock()
	return e.plugin.Args()
}

// Log returns the report logger of the plugin. A remote restart redirects
// it for the duration of the restart.
func (e *Executor) Log() *slog.Logger { return e.report.Load() }

// StageLog returns the logger of the stage itself, never redirected by a
// restart.
func (e *Executor) StageLog() *slog.Logger { return e.log }

// Bitrate returns the bitrate last seen by the stage.
func (e *Executor) Bitrate() mpegts.BitRate { return mpegts.BitRate(e.tspBitrate.Load()) }

// PluginPackets returns the number of packets handled by the plugin.
func (e *Executor) PluginPackets() uint64 { return e.pluginPkts.Load() }

// TotalPackets returns the number of packets which went through the stage,
// whether the plugin saw them or not.
func (e *Executor) TotalPackets() uint64 { return e.pluginPkts.Load() + e.otherPkts.Load() }

// Aborting reports whether the stage is shutting down.
func (e *Executor) Aborting() bool { return e.aborting.Load() }

// RealTime reports whether the processor runs in real-time mode.
func (e *Executor) RealTime() bool { return e.proc.realTime }

// Suspended reports whether the stage is suspended.
func (e *Executor) Suspended() bool { return e.suspended.Load() }

// Suspend stops passing packets to the plugin. A suspended processor passes
// packets unmodified, a suspended output discards them.
func (e *Executor) Suspend() error { return e.setSuspended(true) }

// Resume ends a suspension.
func (e *Executor) Resume() error { return e.setSuspended(false) }

func (e *Executor) setSuspended(on bool) error {
	if e.kind == plugin.KindInput {
		return ErrInputNotSuspendable
	}
	if e.suspended.Swap(on) != on {
		e.log.Info("plugin suspension changed", "suspended", on)
	}
	return nil
}

// initBuffer sets the initial lane of the stage before any goroutine runs.
func (e *Executor) initBuffer(first, count int, inputEnd, aborted bool, bitrate mpegts.BitRate) {
	e.first = first
	e.count = count
	e.inputEnd = inputEnd
	e.aborting.Store(aborted)
	e.bitrate = bitrate
	e.tspBitrate.Store(int64(bitrate))
}

// signal wakes the stage goroutine. Called with proc.mu held.
func (e *Executor) signal() {
	select {
	case e.todo <- struct{}{}:
	default:
	}
}

// passPackets hands the first count packets of the lane to the next stage.
// It returns false when the stage must stop: input ended or the stage is
// aborting, possibly because the next stage is.
func (e *Executor) passPackets(count int, bitrate mpegts.BitRate, inputEnd, aborted bool) bool {
	p := e.proc
	p.mu.Lock()

	e.first = (e.first + count) % p.buffer.Count()
	e.count -= count

	next := e.next
	next.count += count
	next.inputEnd = next.inputEnd || inputEnd
	next.bitrate = bitrate
	if count > 0 || inputEnd {
		next.signal()
	}

	// No packet flows from the output back to the input, so the output
	// never inherits the abort of the input.
	if e.kind != plugin.KindOutput {
		aborted = aborted || next.aborting.Load()
	}
	if aborted {
		e.aborting.Store(true)
		e.prev.signal()
	}
	p.mu.Unlock()

	if aborted {
		e.abortPreviousInput()
	}
	return !inputEnd && !aborted
}

// setAbort puts the stage in abort state and wakes the previous stage.
func (e *Executor) setAbort() {
	e.proc.mu.Lock()
	e.aborting.Store(true)
	e.prev.signal()
	e.signal()
	e.proc.mu.Unlock()
	e.abortPreviousInput()
}

// abortPreviousInput interrupts a blocked receive when the stage next to
// the input aborts.
func (e *Executor) abortPreviousInput() {
	if e.prev.kind != plugin.KindInput {
		return
	}
	if a, ok := e.prev.plugin.(plugin.InputAborter); ok {
		a.AbortInput()
	}
}

// work is the result of waitWork.
type work struct {
	first    int
	count    int
	bitrate  mpegts.BitRate
	inputEnd bool
	aborted  bool
	timeout  bool
}

// packetTimeout returns the current wait limit of the stage, zero meaning
// none. The input stage waits for free slots, not for packets, so the
// global packet timeout does not apply to it.
func (e *Executor) packetTimeout() time.Duration {
	if h, ok := e.plugin.(plugin.TimeoutHandler); ok {
		return h.PacketTimeout()
	}
	if e.kind == plugin.KindInput {
		return 0
	}
	return e.proc.opts.PacketTimeout
}

// handleTimeout asks the plugin whether to keep waiting after a timeout.
func (e *Executor) handleTimeout() bool {
	if h, ok := e.plugin.(plugin.TimeoutHandler); ok {
		return h.HandlePacketTimeout()
	}
	return false
}

// wait blocks until the stage is signalled or d elapses. It returns false
// on timeout.
func (e *Executor) wait(d time.Duration) bool {
	if d <= 0 {
		<-e.todo
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.todo:
		return true
	case <-t.C:
		return false
	}
}

// waitWork blocks until the lane holds packets, input ended, the next stage
// aborts, a restart is pending or a timeout is not vetoed by the plugin. It
// returns a contiguous range of the lane, never wrapping around the end of
// the buffer.
func (e *Executor) waitWork() work {
	p := e.proc
	p.mu.Lock()
	defer p.mu.Unlock()

	next := e.next
	timeout := false
	for e.count == 0 && !e.inputEnd && !timeout && !next.aborting.Load() && !e.aborting.Load() && e.restart == nil {
		p.mu.Unlock()
		if !e.wait(e.packetTimeout()) && !e.handleTimeout() {
			timeout = true
		}
		p.mu.Lock()
	}

	w := work{first: e.first, bitrate: e.bitrate, timeout: timeout}
	if !timeout {
		w.count = min(e.count, p.buffer.Count()-e.first)
	}
	w.inputEnd = e.inputEnd && w.count == e.count
	w.aborted = e.aborting.Load() || (e.kind != plugin.KindOutput && next.aborting.Load())
	return w
}

// restartRequest is one pending restart of the plugin.
type restartRequest struct {
	id     string
	args   []string
	same   bool
	report *slog.Logger
	err    error
	done   chan struct{}
}

func (r *restartRequest) finish(err error) {
	r.err = err
	close(r.done)
}

// Restart stops and restarts the plugin from its own goroutine, either with
// the same arguments or with new ones. report receives the messages of the
// restart, including argument errors. Restart blocks until the stage served
// the request or ctx is done. A failure with new arguments restores the
// previous ones and returns ErrRestartRolledBack.
func (e *Executor) Restart(ctx context.Context, args []string, same bool, report *slog.Logger) error {
	rq := &restartRequest{
		id:   uuid.NewString(),
		args: append([]string(nil), args...),
		same: same,
		done: make(chan struct{}),
	}
	if report == nil {
		report = e.log
	}
	rq.report = report.With("restart", rq.id)

	p := e.proc
	p.mu.Lock()
	if e.terminated {
		p.mu.Unlock()
		return ErrNotRunning
	}
	if old := e.restart; old != nil {
		old.report.Error("restart interrupted by another concurrent restart")
		old.finish(ErrRestartInterrupted)
	}
	e.restart = rq
	e.signal()
	p.mu.Unlock()

	select {
	case <-rq.done:
		return rq.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// configureAndStart analyzes args and starts the plugin.
func (e *Executor) configureAndStart(args []string) error {
	if err := e.plugin.Configure(args); err != nil {
		return err
	}
	return e.plugin.Start()
}

// processPendingRestart serves a pending restart request. It returns false
// when the plugin could not be restarted at all.
func (e *Executor) processPendingRestart() bool {
	p := e.proc
	p.mu.Lock()
	defer p.mu.Unlock()

	rq := e.restart
	if rq == nil {
		return true
	}
	e.restart = nil

	e.log.Info("restarting due to remote control")
	rq.report.Info("restarting plugin", "plugin", e.name)

	if err := e.plugin.Stop(); err != nil {
		rq.report.Warn("error stopping plugin", "plugin", e.name, "error", err)
	}

	previous := e.report.Swap(rq.report)
	var err error
	if rq.same {
		if err = e.plugin.Start(); err != nil {
			err = fmt.Errorf("%w: %w", ErrRestartFailed, err)
		}
	} else {
		previousArgs := e.plugin.Args()
		if err = e.configureAndStart(rq.args); err != nil {
			rq.report.Warn("failed to restart plugin, restarting with previous parameters", "plugin", e.name, "error", err)
			if rerr := e.configureAndStart(previousArgs); rerr != nil {
				err = fmt.Errorf("%w: %w", ErrRestartFailed, rerr)
			} else {
				err = fmt.Errorf("%w: %w", ErrRestartRolledBack, err)
			}
		}
	}
	e.report.Store(previous)

	rq.finish(err)
	e.log.Debug("restarted plugin", "success", err == nil)
	return !errors.Is(err, ErrRestartFailed)
}

// run executes the stage and cleans up when it ends.
func (e *Executor) run() error {
	e.log.Debug("plugin goroutine started")
	err := e.main()

	e.proc.mu.Lock()
	e.terminated = true
	if rq := e.restart; rq != nil {
		e.restart = nil
		rq.finish(ErrNotRunning)
	}
	e.proc.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%s plugin %q: %w", e.kind, e.name, err)
	}
	return nil
}

// stopPlugin stops the plugin at the end of the stage.
func (e *Executor) stopPlugin() {
	if err := e.plugin.Stop(); err != nil {
		e.log.Warn("error stopping plugin", "error", err)
	}
	e.log.Debug("plugin goroutine terminated", "aborted", e.aborting.Load(), "packets", e.TotalPackets())
}
