package tsp

import (
	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// processorExecutor passes each packet of its lane to a packet processor
// plugin and forwards the result to the next stage.
type processorExecutor struct {
	*Executor
	processor plugin.Processor
}

func newProcessorExecutor(e *Executor, p plugin.Processor) *processorExecutor {
	x := &processorExecutor{Executor: e, processor: p}
	e.main = x.main
	return x
}

func (x *processorExecutor) onlyLabels() plugin.LabelSet {
	if f, ok := x.processor.(plugin.LabelFilter); ok {
		return f.OnlyLabels()
	}
	return 0
}

func (x *processorExecutor) main() error {
	buf := x.proc.buffer
	maxFlush := x.proc.opts.MaxFlushPackets
	inputEnd, aborted := false, false
	var err error

	for !inputEnd && !aborted {
		w := x.waitWork()

		if !x.processPendingRestart() {
			x.passPackets(0, w.bitrate, true, true)
			err = ErrRestartFailed
			break
		}
		if w.timeout {
			x.passPackets(0, w.bitrate, true, true)
			err = ErrTimeout
			break
		}
		if w.aborted {
			x.passPackets(0, w.bitrate, true, true)
			break
		}

		inputEnd = w.inputEnd
		bitrate := w.bitrate
		x.tspBitrate.Store(int64(bitrate))

		if w.count == 0 {
			aborted = !x.passPackets(0, bitrate, inputEnd, false) && !inputEnd
			continue
		}

		labels := x.onlyLabels()
		pending := 0
		for done := 0; done < w.count; {
			i := w.first + done
			pkt, md := &buf.pkts[i], &buf.meta[i]
			md.Flush = false
			md.BitrateChanged = false
			end := false

			switch {
			case pkt[0] == 0:
				// Dropped by a previous stage.
				x.otherPkts.Add(1)
			case x.suspended.Load() || (labels != 0 && !md.Labels.Any(labels)):
				x.otherPkts.Add(1)
			default:
				wasNull := pkt.IsNull()
				status := x.processor.ProcessPacket(pkt, md)
				x.pluginPkts.Add(1)
				switch status {
				case plugin.StatusNull:
					*pkt = mpegts.NullPacket
				case plugin.StatusDrop:
					pkt[0] = 0
				case plugin.StatusEnd:
					x.log.Debug("plugin requests termination")
					pkt[0] = 0
					end = true
				}
				if !wasNull && pkt[0] != 0 && pkt.IsNull() {
					md.Nullified = true
				}
				if md.BitrateChanged {
					if b, ok := x.processor.(plugin.Bitrater); ok {
						if br := b.Bitrate(); br > 0 {
							bitrate = br
							x.tspBitrate.Store(int64(br))
						}
					}
				}
			}
			done++
			pending++

			if end || md.Flush || done == w.count || pending >= maxFlush {
				last := end || (inputEnd && done == w.count)
				ok := x.passPackets(pending, bitrate, last, end)
				pending = 0
				if end {
					inputEnd, aborted = true, true
					break
				}
				if !ok && !last {
					aborted = true
					break
				}
			}
		}
	}

	x.stopPlugin()
	return err
}
