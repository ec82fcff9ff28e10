package tsp

import (
	"fmt"
	"time"

	"github.com/zsiec/tsproc/internal/mpegts"
)

// Buffer and analysis defaults.
const (
	DefaultBufferSize            = 16_000_000
	MinBufferSize                = 100 * mpegts.PacketSize
	DefaultBitrateAdjustInterval = 5 * time.Second
	DefaultInitBitrateAdjust     = 1000
	DefaultMaxFlushOffline       = 10000
	DefaultMaxFlushRealTime      = 1000
	DefaultMaxInputRealTime      = 1000

	minAnalyzePID = 1
	minAnalyzePCR = 32
	minAnalyzeDTS = 32
)

// RealTime selects the real-time mode of a processor.
type RealTime int

const (
	// RealTimeAuto enables real-time mode when any plugin requires it.
	RealTimeAuto RealTime = iota
	RealTimeOn
	RealTimeOff
)

// ParseRealTime converts "auto", "on" or "off" (also "true", "false", "yes",
// "no") into a RealTime value.
func ParseRealTime(s string) (RealTime, error) {
	switch s {
	case "", "auto":
		return RealTimeAuto, nil
	case "on", "true", "yes":
		return RealTimeOn, nil
	case "off", "false", "no":
		return RealTimeOff, nil
	}
	return RealTimeAuto, fmt.Errorf("tsp: invalid real-time mode %q", s)
}

func (r RealTime) String() string {
	switch r {
	case RealTimeOn:
		return "on"
	case RealTimeOff:
		return "off"
	}
	return "auto"
}

// Options control a Processor. Zero values select the defaults, some of
// which depend on the real-time mode (see ApplyDefaults).
type Options struct {
	// BufferSize is the size of the shared packet buffer in bytes.
	BufferSize int
	// Bitrate is a fixed input bitrate. Zero means estimate it.
	Bitrate mpegts.BitRate
	// BitrateAdjustInterval is the wall-clock interval between bitrate
	// re-evaluations once the bitrate is known.
	BitrateAdjustInterval time.Duration
	// InitBitrateAdjust is the packet interval between bitrate evaluations
	// while the bitrate is still unknown.
	InitBitrateAdjust uint64
	// MaxFlushPackets is the maximum number of packets a processor stage
	// handles before passing them to the next stage.
	MaxFlushPackets int
	// MaxInputPackets caps the number of packets per input receive. Zero
	// means no limit.
	MaxInputPackets int

	// InputStuffingNull null packets are inserted every InputStuffingIn
	// input packets.
	InputStuffingNull int
	InputStuffingIn   int
	// StartStuffing and StopStuffing are null packets added before the
	// first and after the last input packet.
	StartStuffing int
	StopStuffing  int

	RealTime RealTime
	// ReceiveTimeout is passed to the input plugin.
	ReceiveTimeout time.Duration
	// PacketTimeout aborts a stage when no packet arrives for that long,
	// unless its plugin handles timeouts itself. Zero means never.
	PacketTimeout time.Duration

	IgnoreJointTermination bool
}

// Validate checks option consistency.
func (o *Options) Validate() error {
	switch {
	case o.BufferSize < 0:
		return fmt.Errorf("tsp: negative buffer size %d", o.BufferSize)
	case o.Bitrate < 0:
		return fmt.Errorf("tsp: negative bitrate %d", o.Bitrate)
	case o.MaxFlushPackets < 0 || o.MaxInputPackets < 0:
		return fmt.Errorf("tsp: negative packet limits")
	case o.InputStuffingNull < 0 || o.InputStuffingIn < 0 || o.StartStuffing < 0 || o.StopStuffing < 0:
		return fmt.Errorf("tsp: negative stuffing")
	case o.InputStuffingNull > 0 && o.InputStuffingIn == 0:
		return fmt.Errorf("tsp: input stuffing %d/0, the number of input packets must not be zero", o.InputStuffingNull)
	}
	return nil
}

// ApplyDefaults fills zero values with the defaults of the given mode.
func (o *Options) ApplyDefaults(realTime bool) {
	if o.BufferSize == 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.BufferSize < MinBufferSize {
		o.BufferSize = MinBufferSize
	}
	if o.BitrateAdjustInterval <= 0 {
		o.BitrateAdjustInterval = DefaultBitrateAdjustInterval
	}
	if o.InitBitrateAdjust == 0 {
		o.InitBitrateAdjust = DefaultInitBitrateAdjust
	}
	if o.MaxFlushPackets == 0 {
		o.MaxFlushPackets = DefaultMaxFlushOffline
		if realTime {
			o.MaxFlushPackets = DefaultMaxFlushRealTime
		}
	}
	if o.MaxInputPackets == 0 && realTime {
		o.MaxInputPackets = DefaultMaxInputRealTime
	}
}

// ParseStuffing parses an input stuffing value "nullpkt/inpkt".
func ParseStuffing(s string) (nullPkt, inPkt int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	if _, err := fmt.Sscanf(s, "%d/%d", &nullPkt, &inPkt); err != nil {
		return 0, 0, fmt.Errorf("tsp: invalid input stuffing %q, use nullpkt/inpkt", s)
	}
	if nullPkt < 0 || inPkt < 0 || (nullPkt > 0 && inPkt == 0) {
		return 0, 0, fmt.Errorf("tsp: invalid input stuffing %q", s)
	}
	return nullPkt, inPkt, nil
}
