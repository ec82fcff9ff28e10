package tsp

import (
	"fmt"

	"github.com/zsiec/tsproc/internal/plugin"
)

// outputExecutor sends the packets of its lane to the output plugin and
// returns the freed slots to the input stage.
type outputExecutor struct {
	*Executor
	output plugin.Output
}

func newOutputExecutor(e *Executor, o plugin.Output) *outputExecutor {
	x := &outputExecutor{Executor: e, output: o}
	e.main = x.main
	return x
}

// send outputs the packets of [first, first+count) which were not dropped,
// in contiguous runs.
func (x *outputExecutor) send(first, count int) error {
	buf := x.proc.buffer
	end := first + count
	for i := first; i < end; {
		if buf.pkts[i][0] == 0 {
			x.otherPkts.Add(1)
			i++
			continue
		}
		j := i + 1
		for j < end && buf.pkts[j][0] != 0 {
			j++
		}
		if x.suspended.Load() {
			x.otherPkts.Add(uint64(j - i))
		} else {
			if err := x.output.Send(buf.pkts[i:j], buf.meta[i:j]); err != nil {
				return err
			}
			x.pluginPkts.Add(uint64(j - i))
		}
		i = j
	}
	return nil
}

func (x *outputExecutor) main() error {
	inputEnd, aborted := false, false
	var err error

	for !inputEnd && !aborted {
		w := x.waitWork()

		if !x.processPendingRestart() {
			x.passPackets(0, 0, false, true)
			err = ErrRestartFailed
			break
		}
		if w.timeout {
			x.passPackets(0, 0, false, true)
			err = ErrTimeout
			break
		}
		if w.aborted {
			break
		}
		x.tspBitrate.Store(int64(w.bitrate))
		inputEnd = w.inputEnd

		count := w.count
		if limit, ok := x.proc.jointLimit(); ok {
			if total := x.TotalPackets(); total+uint64(count) > limit {
				count = int(limit - min(total, limit))
				aborted = true
				x.log.Info("joint termination reached", "packets", limit)
			}
		}

		if serr := x.send(w.first, count); serr != nil {
			x.log.Error("output error", "error", serr)
			err = fmt.Errorf("%w: %w", ErrSendFailed, serr)
			aborted = true
		}

		// Freed slots go back to the input, without end of input or bitrate.
		if !x.passPackets(w.count, 0, false, aborted) {
			aborted = true
		}
	}

	x.stopPlugin()
	return err
}
