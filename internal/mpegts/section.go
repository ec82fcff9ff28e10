package mpegts

import (
	"errors"
	"fmt"
)

const (
	// ShortSectionHeaderSize is the size of the common section header.
	ShortSectionHeaderSize = 3
	// LongSectionHeaderSize is the header size of sections with
	// section_syntax_indicator set.
	LongSectionHeaderSize = 8
	// MaxSectionSize is the largest private section size.
	MaxSectionSize = 4096

	crcSize = 4
)

// ErrInvalidSection is returned when section bytes are inconsistent.
var ErrInvalidSection = errors.New("mpegts: invalid section")

// Section is one complete PSI/SI or private section. It is immutable once
// built and safe to share between goroutines.
type Section struct {
	data []byte
}

// NewSection validates and copies a section. The section_length field must
// match the size of data exactly.
func NewSection(data []byte) (*Section, error) {
	if len(data) < ShortSectionHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSection, len(data))
	}
	if len(data) > MaxSectionSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidSection, len(data), MaxSectionSize)
	}
	length := int(data[1]&0x0F)<<8 | int(data[2])
	if ShortSectionHeaderSize+length != len(data) {
		return nil, fmt.Errorf("%w: section_length %d for %d bytes", ErrInvalidSection, length, len(data))
	}
	if data[1]&0x80 != 0 && len(data) < LongSectionHeaderSize+crcSize {
		return nil, fmt.Errorf("%w: long section of %d bytes", ErrInvalidSection, len(data))
	}
	return &Section{data: append([]byte(nil), data...)}, nil
}

// NewShortSection builds a section without section_syntax_indicator.
func NewShortSection(tableID uint8, private bool, payload []byte) (*Section, error) {
	n := len(payload)
	if ShortSectionHeaderSize+n > MaxSectionSize {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrInvalidSection, n)
	}
	data := make([]byte, 0, ShortSectionHeaderSize+n)
	b1 := byte(0x30) | byte(n>>8)&0x0F
	if private {
		b1 |= 0x40
	}
	data = append(data, tableID, b1, byte(n))
	data = append(data, payload...)
	return &Section{data: data}, nil
}

// LongSectionHeader holds the fields of a long section header after
// section_length.
type LongSectionHeader struct {
	TableID          uint8
	TableIDExtension uint16
	Version          uint8
	CurrentNext      bool
	SectionNumber    uint8
	LastSection      uint8
}

// NewLongSection builds a long section and appends its CRC32.
func NewLongSection(h LongSectionHeader, payload []byte) (*Section, error) {
	length := LongSectionHeaderSize - ShortSectionHeaderSize + len(payload) + crcSize
	if ShortSectionHeaderSize+length > MaxSectionSize {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrInvalidSection, len(payload))
	}
	data := make([]byte, 0, ShortSectionHeaderSize+length)
	b5 := byte(0xC0) | (h.Version&0x1F)<<1
	if h.CurrentNext {
		b5 |= 0x01
	}
	data = append(data,
		h.TableID, 0xB0|byte(length>>8)&0x0F, byte(length),
		byte(h.TableIDExtension>>8), byte(h.TableIDExtension),
		b5, h.SectionNumber, h.LastSection)
	data = append(data, payload...)
	return &Section{data: AppendCRC32(data)}, nil
}

// Size returns the total section size in bytes.
func (s *Section) Size() int { return len(s.data) }

// Content returns the section bytes. Callers must not modify them.
func (s *Section) Content() []byte { return s.data }

// TableID returns the table_id.
func (s *Section) TableID() uint8 { return s.data[0] }

// IsLong reports whether section_syntax_indicator is set.
func (s *Section) IsLong() bool { return s.data[1]&0x80 != 0 }

// HeaderSize returns 8 for long sections and 3 for short ones.
func (s *Section) HeaderSize() int {
	if s.IsLong() {
		return LongSectionHeaderSize
	}
	return ShortSectionHeaderSize
}

// TableIDExtension returns the table_id_extension of a long section.
func (s *Section) TableIDExtension() uint16 {
	if !s.IsLong() {
		return 0
	}
	return uint16(s.data[3])<<8 | uint16(s.data[4])
}

// Version returns the version_number of a long section.
func (s *Section) Version() uint8 {
	if !s.IsLong() {
		return 0
	}
	return s.data[5] >> 1 & 0x1F
}

// SectionNumber returns the section_number of a long section.
func (s *Section) SectionNumber() uint8 {
	if !s.IsLong() {
		return 0
	}
	return s.data[6]
}

// Payload returns the bytes after the header, excluding the CRC32 of long
// sections.
func (s *Section) Payload() []byte {
	if s.IsLong() {
		return s.data[LongSectionHeaderSize : len(s.data)-crcSize]
	}
	return s.data[ShortSectionHeaderSize:]
}

// CRCValid reports whether a long section carries a correct CRC32. Short
// sections have no CRC and always report true.
func (s *Section) CRCValid() bool {
	return !s.IsLong() || VerifyCRC32(s.data) == nil
}

func (s *Section) String() string {
	if s == nil {
		return "none"
	}
	return fmt.Sprintf("table 0x%02X, %d bytes", s.TableID(), s.Size())
}
