// Package plugin defines the contract between the packet processor and its
// input, processor and output plugins, and the registry the processor uses
// to instantiate them by name.
package plugin

import (
	"log/slog"
	"time"

	"github.com/zsiec/tsproc/internal/mpegts"
)

// Kind is the role of a plugin in the chain.
type Kind int

// Plugin kinds, in chain order.
const (
	KindInput Kind = iota
	KindProcessor
	KindOutput
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindProcessor:
		return "processor"
	case KindOutput:
		return "output"
	}
	return "unknown"
}

// Letter returns the command line letter of the kind: I, P or O.
func (k Kind) Letter() string {
	switch k {
	case KindInput:
		return "I"
	case KindProcessor:
		return "P"
	case KindOutput:
		return "O"
	}
	return "?"
}

// Status is the verdict of a processor on one packet.
type Status int

const (
	// StatusOK passes the packet, possibly modified.
	StatusOK Status = iota
	// StatusNull replaces the packet with a null packet.
	StatusNull
	// StatusDrop removes the packet from the stream.
	StatusDrop
	// StatusEnd ends the stream; the packet is not passed.
	StatusEnd
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNull:
		return "null"
	case StatusDrop:
		return "drop"
	case StatusEnd:
		return "end"
	}
	return "unknown"
}

// TSP is the view a plugin has of the stage executing it. Its methods never
// block on the processor's buffer lock and may be called from any plugin
// method, including Configure during a restart.
type TSP interface {
	// Log returns the current report logger of the plugin. It changes
	// during a remote restart.
	Log() *slog.Logger
	// Bitrate returns the last known bitrate at this stage.
	Bitrate() mpegts.BitRate
	// PluginPackets returns the number of packets seen by the plugin.
	PluginPackets() uint64
	// TotalPackets returns plugin packets plus packets that bypassed it.
	TotalPackets() uint64
	// UseJointTermination registers or unregisters the plugin as a joint
	// terminator.
	UseJointTermination(on bool)
	// JointTerminate declares the plugin done under joint termination.
	JointTerminate()
	// Aborting reports whether the stage is shutting down.
	Aborting() bool
	// RealTime reports whether the processor runs in real-time mode.
	RealTime() bool
}

// Plugin is implemented by every plugin.
type Plugin interface {
	// Configure analyzes the plugin arguments. It replaces any previous
	// configuration and may be called again, with other arguments, between
	// Stop and Start.
	Configure(args []string) error
	// Args returns the arguments of the last successful Configure.
	Args() []string
	Start() error
	Stop() error
}

// Input produces packets.
type Input interface {
	Plugin
	// Receive fills pkts and meta, which have the same length, and returns
	// the number of packets read. io.EOF (with n == 0) ends the input.
	Receive(pkts []mpegts.Packet, meta []Metadata) (int, error)
}

// Processor examines and transforms packets one by one.
type Processor interface {
	Plugin
	ProcessPacket(pkt *mpegts.Packet, meta *Metadata) Status
}

// Output consumes packets.
type Output interface {
	Plugin
	Send(pkts []mpegts.Packet, meta []Metadata) error
}

// Bitrater is implemented by plugins which know the bitrate of their output.
type Bitrater interface {
	Bitrate() mpegts.BitRate
}

// RealTimer is implemented by plugins requiring real-time defaults.
type RealTimer interface {
	IsRealTime() bool
}

// TimeoutHandler is implemented by plugins which want to be woken when no
// packet arrives for PacketTimeout. HandlePacketTimeout returns true to keep
// waiting, false to abort the stage.
type TimeoutHandler interface {
	PacketTimeout() time.Duration
	HandlePacketTimeout() bool
}

// InputAborter is implemented by inputs whose Receive can be interrupted
// from another goroutine.
type InputAborter interface {
	AbortInput()
}

// ReceiveTimeoutSetter is implemented by inputs supporting a receive
// timeout. It returns false if the timeout cannot be honoured.
type ReceiveTimeoutSetter interface {
	SetReceiveTimeout(d time.Duration) bool
}

// LabelFilter is implemented by processors restricted to labelled packets.
type LabelFilter interface {
	OnlyLabels() LabelSet
}

// Factories build a fresh plugin bound to its stage.
type (
	InputFactory     func(tsp TSP) Input
	ProcessorFactory func(tsp TSP) Processor
	OutputFactory    func(tsp TSP) Output
)
