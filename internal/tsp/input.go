package tsp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// inputExecutor reads packets from the input plugin into the free slots of
// the buffer, adds the requested stuffing and estimates the bitrate.
type inputExecutor struct {
	*Executor
	input plugin.Input

	inputDone bool
	inputErr  error
	syncLost  bool

	startRemain int
	stopRemain  int
	nullRemain  int
	inRemain    int

	pcr    *mpegts.BitrateAnalyzer
	dts    *mpegts.BitrateAnalyzer
	useDTS bool
}

func newInputExecutor(e *Executor, in plugin.Input) *inputExecutor {
	x := &inputExecutor{
		Executor:    e,
		input:       in,
		startRemain: e.proc.opts.StartStuffing,
		stopRemain:  e.proc.opts.StopStuffing,
		pcr:         mpegts.NewPCRAnalyzer(minAnalyzePID, minAnalyzePCR),
		dts:         mpegts.NewDTSAnalyzer(minAnalyzePID, minAnalyzeDTS),
	}
	e.main = x.main
	return x
}

// initAllBuffers preloads half of the buffer from the input and sets the
// initial lanes of all stages: the loaded packets belong to the first stage
// after the input, the rest of the buffer to the input.
func (x *inputExecutor) initAllBuffers() error {
	n := x.proc.buffer.Count()
	x.initBuffer(0, n, false, false, 0)

	read := x.receiveAndStuff(0, n/2)
	if read == 0 {
		if x.inputErr != nil {
			return fmt.Errorf("initial input: %w", x.inputErr)
		}
		return fmt.Errorf("initial input: no packet received")
	}
	x.log.Debug("initial buffer load", "packets", read, "bytes", read*mpegts.PacketSize)

	bitrate := x.currentBitrate()
	if bitrate == 0 {
		x.log.Info("unknown initial input bitrate")
	} else {
		x.log.Info("initial input bitrate", "bitrate", bitrate)
	}

	x.next.initBuffer(0, read, false, false, bitrate)
	x.initBuffer(read%n, n-read, false, false, bitrate)
	for e := x.next.next; e != x.Executor; e = e.next {
		e.initBuffer(0, 0, false, false, bitrate)
	}
	return nil
}

// currentBitrate applies the bitrate precedence: fixed option, then the
// plugin, then PCR analysis, then DTS analysis. Once DTS analysis gave a
// result it is kept in preference to PCR analysis.
func (x *inputExecutor) currentBitrate() mpegts.BitRate {
	opts := &x.proc.opts
	bitrate := opts.Bitrate
	if bitrate == 0 {
		if b, ok := x.input.(plugin.Bitrater); ok {
			bitrate = b.Bitrate()
		}
	}
	if bitrate > 0 {
		if opts.InputStuffingIn == 0 {
			return bitrate
		}
		return mpegts.BitRate(int64(bitrate) * int64(opts.InputStuffingNull+opts.InputStuffingIn) / int64(opts.InputStuffingIn))
	}

	if !x.useDTS && x.pcr.Valid() {
		return x.pcr.Bitrate188()
	}
	x.useDTS = x.useDTS || x.dts.Valid()
	if x.useDTS {
		return x.dts.Bitrate188()
	}
	return 0
}

// receiveNullPackets fills count slots from index with stuffing.
func (x *inputExecutor) receiveNullPackets(index, count int) int {
	buf := x.proc.buffer
	for i := index; i < index+count; i++ {
		buf.pkts[i] = mpegts.NullPacket
		x.pcr.Feed(&buf.pkts[i])
		x.dts.Feed(&buf.pkts[i])
		buf.meta[i].Reset()
		buf.meta[i].InputStuffing = true
	}
	x.otherPkts.Add(uint64(count))
	return count
}

// receiveAndValidate reads at most limit packets from the plugin and checks
// their sync byte. After a sync loss or an input error nothing more is
// read.
func (x *inputExecutor) receiveAndValidate(index, limit int) int {
	if x.syncLost || x.inputDone || limit == 0 {
		return 0
	}
	buf := x.proc.buffer
	pkts := buf.pkts[index : index+limit]
	meta := buf.meta[index : index+limit]
	for i := range meta {
		meta[i].Reset()
	}

	count, err := x.input.Receive(pkts, meta)
	count = min(max(count, 0), len(pkts))
	if err != nil {
		x.inputDone = true
		if !errors.Is(err, io.EOF) {
			x.inputErr = err
			x.log.Error("input error", "error", err)
		}
	}

	for i := 0; i < count; i++ {
		if pkts[i].HasValidSync() {
			x.pluginPkts.Add(1)
			x.pcr.Feed(&pkts[i])
			x.dts.Feed(&pkts[i])
			continue
		}
		x.log.Error("synchronization lost", "after_packets", x.PluginPackets(),
			"got", fmt.Sprintf("0x%02X", pkts[i][0]), "expected", fmt.Sprintf("0x%02X", mpegts.SyncByte))
		if x.log.Enabled(context.Background(), slog.LevelDebug) {
			if i > 0 {
				x.log.Debug("content of packet before loss of synchronization\n" + hex.Dump(pkts[i-1][:]))
			}
			var dump []byte
			for j := i; j < min(i+3, count); j++ {
				dump = append(dump, pkts[j][:]...)
			}
			x.log.Debug("data at loss of synchronization\n" + hex.Dump(dump))
		}
		x.syncLost = true
		count = i
	}
	return count
}

// receiveAndStuff fills up to limit slots from index with start stuffing,
// input packets and interleaved stuffing. When the plugin returns nothing,
// it returns 0 even if start stuffing was written.
func (x *inputExecutor) receiveAndStuff(index, limit int) int {
	opts := &x.proc.opts
	done, remain, fromInput := 0, limit, 0

	for x.startRemain > 0 && remain > 0 {
		x.receiveNullPackets(index, 1)
		x.startRemain--
		index++
		remain--
		done++
	}

	if opts.InputStuffingIn == 0 {
		fromInput = x.receiveAndValidate(index, remain)
		done += fromInput
		return stuffedCount(fromInput, done)
	}

	for remain > 0 {
		n := x.receiveNullPackets(index, min(x.nullRemain, remain))
		x.nullRemain -= n
		index += n
		remain -= n
		done += n
		if remain == 0 {
			break
		}

		if x.nullRemain == 0 && x.inRemain == 0 {
			x.inRemain = opts.InputStuffingIn
		}

		want := min(remain, x.inRemain)
		n = x.receiveAndValidate(index, want)
		index += n
		remain -= n
		done += n
		fromInput += n
		x.inRemain -= n

		if x.nullRemain == 0 && x.inRemain == 0 {
			x.nullRemain = opts.InputStuffingNull
		}
		if n < want {
			break
		}
	}
	return stuffedCount(fromInput, done)
}

func stuffedCount(fromInput, done int) int {
	if fromInput == 0 {
		return 0
	}
	return done
}

func (x *inputExecutor) main() error {
	opts := &x.proc.opts
	now := time.Now()
	bitrateDueTime := now.Add(opts.BitrateAdjustInterval)
	bitrateDuePacket := opts.InitBitrateAdjust
	pluginCompleted := false
	inputEnd := false
	var err error

	for !inputEnd {
		w := x.waitWork()

		if !x.processPendingRestart() {
			x.passPackets(0, x.Bitrate(), true, false)
			err = ErrRestartFailed
			break
		}
		// Packets are useless once the next stage gave up, do not even add
		// stop stuffing.
		if w.aborted {
			break
		}
		if w.timeout {
			x.passPackets(0, x.Bitrate(), true, false)
			err = ErrTimeout
			break
		}

		limit := w.count
		if opts.MaxInputPackets > 0 && limit > opts.MaxInputPackets {
			limit = opts.MaxInputPackets
		}

		read := 0
		if !pluginCompleted && limit > 0 {
			read = x.receiveAndStuff(w.first, limit)
			pluginCompleted = read == 0
		}
		if pluginCompleted && x.stopRemain > 0 && read < limit {
			n := x.receiveNullPackets(w.first+read, min(x.stopRemain, limit-read))
			read += n
			x.stopRemain -= n
		}
		inputEnd = pluginCompleted && x.stopRemain == 0

		// While the bitrate is unknown, evaluate it every InitBitrateAdjust
		// packets, then every BitrateAdjustInterval of wall-clock time.
		if opts.Bitrate == 0 {
			unknown := x.Bitrate() == 0
			now = time.Now()
			if (unknown && x.PluginPackets() >= bitrateDuePacket) || now.After(bitrateDueTime) {
				if unknown {
					for bitrateDuePacket <= x.PluginPackets() {
						bitrateDuePacket += opts.InitBitrateAdjust
					}
				}
				if !now.Before(bitrateDueTime) {
					bitrateDueTime = now.Add(opts.BitrateAdjustInterval)
				}
				if b := x.currentBitrate(); b > 0 {
					x.tspBitrate.Store(int64(b))
					x.log.Debug("input bitrate", "bitrate", b)
				}
			}
		}

		x.passPackets(read, x.Bitrate(), inputEnd, false)
	}

	x.stopPlugin()
	switch {
	case err != nil:
		return err
	case x.syncLost:
		return ErrSyncLost
	case x.inputErr != nil:
		return x.inputErr
	}
	return nil
}
