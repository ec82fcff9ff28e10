package scte35

import "errors"

var errTruncated = errors.New("truncated command")

// bitReader reads bits MSB-first from a byte slice. Reading past the end
// yields zeros and sets overflow.
type bitReader struct {
	data     []byte
	bitPos   int
	overflow bool
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (r *bitReader) readBit() bool {
	if r.bitPos >= len(r.data)*8 {
		r.overflow = true
		return false
	}
	b := r.data[r.bitPos/8] >> (7 - uint(r.bitPos%8)) & 1
	r.bitPos++
	return b == 1
}

func (r *bitReader) readUint64(n int) uint64 {
	var val uint64
	for i := 0; i < n; i++ {
		val <<= 1
		if r.readBit() {
			val |= 1
		}
	}
	return val
}

func (r *bitReader) readUint32(n int) uint32 {
	return uint32(r.readUint64(n))
}

func (r *bitReader) skip(n int) {
	r.bitPos += n
	if r.bitPos > len(r.data)*8 {
		r.overflow = true
	}
}

// bitWriter writes bits MSB-first into a fixed-size byte slice.
type bitWriter struct {
	data   []byte
	bitPos int
}

func newBitWriter(size int) *bitWriter {
	return &bitWriter{data: make([]byte, size)}
}

func (w *bitWriter) putBit(v bool) {
	if w.bitPos >= len(w.data)*8 {
		return
	}
	if v {
		w.data[w.bitPos/8] |= 1 << (7 - uint(w.bitPos%8))
	}
	w.bitPos++
}

func (w *bitWriter) putUint64(n int, v uint64) {
	for i := n - 1; i >= 0; i-- {
		w.putBit((v>>uint(i))&1 == 1)
	}
}

func (w *bitWriter) putUint32(n int, v uint32) {
	w.putUint64(n, uint64(v))
}

func (w *bitWriter) putBytes(b []byte) {
	for _, v := range b {
		w.putUint32(8, uint32(v))
	}
}

func (w *bitWriter) bytes() []byte {
	return w.data
}
