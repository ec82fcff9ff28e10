package mpegts

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalPESHeader reports whether a PES stream_id carries the optional
// header with timestamps. padding_stream, private_stream_2, ECM, EMM,
// DSMCC, H.222.1 type E and program_stream_directory do not.
func hasOptionalPESHeader(streamID byte) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// pesTimestamps returns the PTS_DTS_flags and the start of the timestamp
// area of a PES header located at the start of a unit.
func (p *Packet) pesTimestamps() (flags byte, ts []byte) {
	if !p.PUSI() {
		return 0, nil
	}
	pl := p.Payload()
	if !isPESPayload(pl) || len(pl) < 9 || !hasOptionalPESHeader(pl[3]) {
		return 0, nil
	}
	return pl[7] >> 6 & 0x03, pl[9:]
}

// PTS returns the presentation timestamp of a packet starting a PES unit.
func (p *Packet) PTS() (uint64, bool) {
	flags, ts := p.pesTimestamps()
	if flags&0x02 == 0 || len(ts) < 5 {
		return 0, false
	}
	return parsePTSOrDTS(ts[:5]), true
}

// DTS returns the decoding timestamp of a packet starting a PES unit. When
// the header only has a PTS, the PTS is the DTS.
func (p *Packet) DTS() (uint64, bool) {
	flags, ts := p.pesTimestamps()
	switch {
	case flags == 0x03 && len(ts) >= 10:
		return parsePTSOrDTS(ts[5:10]), true
	case flags == 0x02 && len(ts) >= 5:
		return parsePTSOrDTS(ts[:5]), true
	}
	return 0, false
}

// parsePTSOrDTS extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parsePTSOrDTS(bs []byte) uint64 {
	return uint64(bs[0]>>1&0x07)<<30 |
		uint64(bs[1])<<22 |
		uint64(bs[2]>>1&0x7F)<<15 |
		uint64(bs[3])<<7 |
		uint64(bs[4]>>1&0x7F)
}
