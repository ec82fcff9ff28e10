// Package scte35 encodes and decodes SCTE-35 splice_info_section tables.
// The splice_null, splice_insert and time_signal commands are decoded into
// fields; other commands and all descriptors are carried as raw bytes so that
// a decoded section re-encodes to the same bytes.
package scte35

import (
	"fmt"

	"github.com/zsiec/tsproc/internal/mpegts"
)

// TableID is the table_id of splice_info_section.
const TableID = 0xFC

// Descriptor is a raw splice descriptor.
type Descriptor struct {
	Tag  uint8
	Data []byte
}

// SpliceInfoSection is the top-level SCTE-35 structure.
type SpliceInfoSection struct {
	SAPType       uint32
	PTSAdjustment uint64
	Tier          uint32
	Command       Command
	Descriptors   []Descriptor
}

// fixedHeaderBits covers protocol_version through splice_command_type.
const fixedHeaderBits = 8 + 1 + 6 + 33 + 8 + 12 + 12 + 8

// Decode decodes a binary splice_info_section and verifies its CRC32.
func Decode(data []byte) (*SpliceInfoSection, error) {
	if len(data) < 3+fixedHeaderBits/8+2+4 {
		return nil, fmt.Errorf("scte35: section too short (%d bytes)", len(data))
	}
	if data[0] != TableID {
		return nil, fmt.Errorf("scte35: unexpected table_id 0x%02X", data[0])
	}
	if err := mpegts.VerifyCRC32(data); err != nil {
		return nil, fmt.Errorf("scte35: %w", err)
	}

	sis := &SpliceInfoSection{}
	r := newBitReader(data)
	r.skip(8) // table_id
	r.skip(2) // section_syntax_indicator, private_indicator
	sis.SAPType = r.readUint32(2)
	sectionLength := int(r.readUint32(12))
	if 3+sectionLength != len(data) {
		return nil, fmt.Errorf("scte35: section_length %d for %d bytes", sectionLength, len(data))
	}

	r.skip(8) // protocol_version
	if r.readBit() {
		return nil, fmt.Errorf("scte35: encrypted sections are not supported")
	}
	r.skip(6) // encryption_algorithm
	sis.PTSAdjustment = r.readUint64(33)
	r.skip(8) // cw_index
	sis.Tier = r.readUint32(12)
	cmdLength := int(r.readUint32(12))
	cmdType := uint8(r.readUint32(8))

	// Legacy encoders write 0xFFF: the command runs up to the descriptor
	// loop, whose position is only known by decoding the command.
	rest := data[r.bitPos/8 : len(data)-4]
	if cmdLength == 0xFFF {
		cmd, n, err := decodeCommand(cmdType, rest, true)
		if err != nil {
			return nil, err
		}
		sis.Command = cmd
		rest = rest[n:]
	} else {
		if cmdLength > len(rest) {
			return nil, fmt.Errorf("scte35: splice_command_length %d exceeds section", cmdLength)
		}
		cmd, _, err := decodeCommand(cmdType, rest[:cmdLength], false)
		if err != nil {
			return nil, err
		}
		sis.Command = cmd
		rest = rest[cmdLength:]
	}

	if len(rest) < 2 {
		return nil, fmt.Errorf("scte35: missing descriptor_loop_length")
	}
	loopLength := int(rest[0])<<8 | int(rest[1])
	rest = rest[2:]
	if loopLength > len(rest) {
		return nil, fmt.Errorf("scte35: descriptor_loop_length %d exceeds section", loopLength)
	}
	for loop := rest[:loopLength]; len(loop) >= 2; {
		n := int(loop[1])
		if 2+n > len(loop) {
			return nil, fmt.Errorf("scte35: truncated descriptor 0x%02X", loop[0])
		}
		sis.Descriptors = append(sis.Descriptors, Descriptor{Tag: loop[0], Data: append([]byte(nil), loop[2:2+n]...)})
		loop = loop[2+n:]
	}
	return sis, nil
}

// DecodeSection decodes a section extracted from a transport stream.
func DecodeSection(s *mpegts.Section) (*SpliceInfoSection, error) {
	return Decode(s.Content())
}

func (sis *SpliceInfoSection) command() Command {
	if sis.Command == nil {
		return &SpliceNull{}
	}
	return sis.Command
}

// Encode serializes the section with its CRC32.
func (sis *SpliceInfoSection) Encode() ([]byte, error) {
	cmd := sis.command()
	cmdBytes, err := cmd.encode()
	if err != nil {
		return nil, err
	}
	loopLength := 0
	for _, d := range sis.Descriptors {
		if len(d.Data) > 0xFF {
			return nil, fmt.Errorf("scte35: descriptor 0x%02X too long (%d bytes)", d.Tag, len(d.Data))
		}
		loopLength += 2 + len(d.Data)
	}
	sectionLength := fixedHeaderBits/8 + len(cmdBytes) + 2 + loopLength + 4
	if 3+sectionLength > mpegts.MaxSectionSize {
		return nil, fmt.Errorf("scte35: section too long (%d bytes)", 3+sectionLength)
	}

	w := newBitWriter(3 + sectionLength - 4)
	w.putUint32(8, TableID)
	w.putBit(false) // section_syntax_indicator
	w.putBit(false) // private_indicator
	w.putUint32(2, sis.SAPType)
	w.putUint32(12, uint32(sectionLength))
	w.putUint32(8, 0) // protocol_version
	w.putBit(false)   // encrypted_packet
	w.putUint32(6, 0) // encryption_algorithm
	w.putUint64(33, sis.PTSAdjustment)
	w.putUint32(8, 0) // cw_index
	w.putUint32(12, sis.Tier)
	w.putUint32(12, uint32(len(cmdBytes)))
	w.putUint32(8, uint32(cmd.Type()))
	w.putBytes(cmdBytes)
	w.putUint32(16, uint32(loopLength))
	for _, d := range sis.Descriptors {
		w.putUint32(8, uint32(d.Tag))
		w.putUint32(8, uint32(len(d.Data)))
		w.putBytes(d.Data)
	}
	return mpegts.AppendCRC32(w.bytes()), nil
}

// Section encodes the splice_info_section as a transport stream section,
// ready for a packetizer.
func (sis *SpliceInfoSection) Section() (*mpegts.Section, error) {
	data, err := sis.Encode()
	if err != nil {
		return nil, err
	}
	return mpegts.NewSection(data)
}
