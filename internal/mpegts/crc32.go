package mpegts

import (
	"encoding/binary"
	"fmt"
)

// MPEG-2 CRC32 with polynomial 0x04C11DB7, no reflection.
var crc32Table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

// CRC32 computes the MPEG-2 CRC32 of data.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// AppendCRC32 appends the big-endian CRC32 of data to data.
func AppendCRC32(data []byte) []byte {
	return binary.BigEndian.AppendUint32(data, CRC32(data))
}

// VerifyCRC32 checks that the trailing 4 bytes of data are its CRC32.
func VerifyCRC32(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("mpegts: data too short for CRC32")
	}
	if CRC32(data) != 0 {
		return fmt.Errorf("mpegts: CRC32 mismatch")
	}
	return nil
}
