package scte35

import "fmt"

// Splice command types.
const (
	SpliceNullType   uint8 = 0x00
	SpliceInsertType uint8 = 0x05
	TimeSignalType   uint8 = 0x06
)

// Command is a splice command.
type Command interface {
	Type() uint8
	encode() ([]byte, error)
}

// decodeCommand decodes a command from data. With open set, data extends
// past the command and the consumed size is computed from the content.
func decodeCommand(cmdType uint8, data []byte, open bool) (Command, int, error) {
	var (
		cmd Command
		n   int
		err error
	)
	switch cmdType {
	case SpliceNullType:
		cmd = &SpliceNull{}
	case SpliceInsertType:
		si := &SpliceInsert{}
		n, err = si.decode(data)
		cmd = si
	case TimeSignalType:
		ts := &TimeSignal{}
		n, err = ts.decode(data)
		cmd = ts
	default:
		if open {
			return nil, 0, fmt.Errorf("scte35: command type 0x%02X with unspecified length", cmdType)
		}
		return &RawCommand{CommandType: cmdType, Data: append([]byte(nil), data...)}, len(data), nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("scte35: decoding command type 0x%02X: %w", cmdType, err)
	}
	return cmd, n, nil
}

// SpliceNull is a no-op command used as a heartbeat.
type SpliceNull struct{}

func (*SpliceNull) Type() uint8 { return SpliceNullType }

func (*SpliceNull) encode() ([]byte, error) { return nil, nil }

// RawCommand carries a command this package does not decode.
type RawCommand struct {
	CommandType uint8
	Data        []byte
}

func (c *RawCommand) Type() uint8 { return c.CommandType }

func (c *RawCommand) encode() ([]byte, error) { return c.Data, nil }

// SpliceTime carries an optional PTS time.
type SpliceTime struct {
	PTSTime *uint64
}

func (st *SpliceTime) decode(r *bitReader) {
	if r.readBit() {
		r.skip(6) // reserved
		pts := r.readUint64(33)
		st.PTSTime = &pts
		return
	}
	r.skip(7) // reserved
}

func (st *SpliceTime) encode(w *bitWriter) {
	if st.PTSTime == nil {
		w.putBit(false)
		w.putUint32(7, 0x7F)
		return
	}
	w.putBit(true)
	w.putUint32(6, 0x3F)
	w.putUint64(33, *st.PTSTime)
}

func (st *SpliceTime) size() int {
	if st.PTSTime == nil {
		return 1
	}
	return 5
}

// TimeSignal provides a time-synchronized data delivery mechanism.
type TimeSignal struct {
	SpliceTime SpliceTime
}

func (*TimeSignal) Type() uint8 { return TimeSignalType }

func (cmd *TimeSignal) decode(data []byte) (int, error) {
	r := newBitReader(data)
	cmd.SpliceTime.decode(r)
	if r.overflow {
		return 0, errTruncated
	}
	return r.bitPos / 8, nil
}

func (cmd *TimeSignal) encode() ([]byte, error) {
	w := newBitWriter(cmd.SpliceTime.size())
	cmd.SpliceTime.encode(w)
	return w.bytes(), nil
}

// BreakDuration specifies the duration of a commercial break.
type BreakDuration struct {
	AutoReturn bool
	Duration   uint64
}

// SpliceComponent is one component of a component-mode splice_insert.
type SpliceComponent struct {
	Tag        uint8
	SpliceTime SpliceTime
}

// SpliceInsert signals a splice point in the stream. With ProgramSplice set
// the whole program splices at SpliceTime, otherwise each listed component
// splices at its own time.
type SpliceInsert struct {
	SpliceEventID              uint32
	SpliceEventCancelIndicator bool
	OutOfNetworkIndicator      bool
	ProgramSplice              bool
	SpliceImmediateFlag        bool
	SpliceTime                 SpliceTime
	Components                 []SpliceComponent
	BreakDuration              *BreakDuration
	UniqueProgramID            uint32
	AvailNum                   uint32
	AvailsExpected             uint32
}

func (*SpliceInsert) Type() uint8 { return SpliceInsertType }

func (cmd *SpliceInsert) decode(data []byte) (int, error) {
	r := newBitReader(data)
	cmd.SpliceEventID = r.readUint32(32)
	cmd.SpliceEventCancelIndicator = r.readBit()
	r.skip(7) // reserved

	if !cmd.SpliceEventCancelIndicator {
		cmd.OutOfNetworkIndicator = r.readBit()
		cmd.ProgramSplice = r.readBit()
		durationFlag := r.readBit()
		cmd.SpliceImmediateFlag = r.readBit()
		r.skip(4) // reserved

		if cmd.ProgramSplice {
			if !cmd.SpliceImmediateFlag {
				cmd.SpliceTime.decode(r)
			}
		} else {
			count := int(r.readUint32(8))
			for i := 0; i < count && !r.overflow; i++ {
				c := SpliceComponent{Tag: uint8(r.readUint32(8))}
				if !cmd.SpliceImmediateFlag {
					c.SpliceTime.decode(r)
				}
				cmd.Components = append(cmd.Components, c)
			}
		}

		if durationFlag {
			cmd.BreakDuration = &BreakDuration{AutoReturn: r.readBit()}
			r.skip(6) // reserved
			cmd.BreakDuration.Duration = r.readUint64(33)
		}
		cmd.UniqueProgramID = r.readUint32(16)
		cmd.AvailNum = r.readUint32(8)
		cmd.AvailsExpected = r.readUint32(8)
	}
	if r.overflow {
		return 0, errTruncated
	}
	return r.bitPos / 8, nil
}

func (cmd *SpliceInsert) size() int {
	n := 5
	if cmd.SpliceEventCancelIndicator {
		return n
	}
	n++
	if cmd.ProgramSplice {
		if !cmd.SpliceImmediateFlag {
			n += cmd.SpliceTime.size()
		}
	} else {
		n++
		for _, c := range cmd.Components {
			n++
			if !cmd.SpliceImmediateFlag {
				n += c.SpliceTime.size()
			}
		}
	}
	if cmd.BreakDuration != nil {
		n += 5
	}
	return n + 4
}

func (cmd *SpliceInsert) encode() ([]byte, error) {
	if !cmd.ProgramSplice && len(cmd.Components) > 0xFF {
		return nil, fmt.Errorf("scte35: %d splice components", len(cmd.Components))
	}
	w := newBitWriter(cmd.size())
	w.putUint32(32, cmd.SpliceEventID)
	w.putBit(cmd.SpliceEventCancelIndicator)
	w.putUint32(7, 0x7F) // reserved
	if cmd.SpliceEventCancelIndicator {
		return w.bytes(), nil
	}

	w.putBit(cmd.OutOfNetworkIndicator)
	w.putBit(cmd.ProgramSplice)
	w.putBit(cmd.BreakDuration != nil)
	w.putBit(cmd.SpliceImmediateFlag)
	w.putUint32(4, 0x0F) // reserved

	if cmd.ProgramSplice {
		if !cmd.SpliceImmediateFlag {
			cmd.SpliceTime.encode(w)
		}
	} else {
		w.putUint32(8, uint32(len(cmd.Components)))
		for _, c := range cmd.Components {
			w.putUint32(8, uint32(c.Tag))
			if !cmd.SpliceImmediateFlag {
				c.SpliceTime.encode(w)
			}
		}
	}

	if cmd.BreakDuration != nil {
		w.putBit(cmd.BreakDuration.AutoReturn)
		w.putUint32(6, 0x3F) // reserved
		w.putUint64(33, cmd.BreakDuration.Duration)
	}
	w.putUint32(16, cmd.UniqueProgramID)
	w.putUint32(8, cmd.AvailNum)
	w.putUint32(8, cmd.AvailsExpected)
	return w.bytes(), nil
}
