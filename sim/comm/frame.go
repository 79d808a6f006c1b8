package comm

import (
	"encoding/binary"
	"fmt"
	"math"
)

const frameHeaderSize = 8

// encodeFrame lays out [tag uint32][length uint32][payload], little endian.
func encodeFrame(tag Tag, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(tag))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

func decodeFrame(buf []byte) (Tag, []byte, error) {
	if len(buf) < frameHeaderSize {
		return 0, nil, fmt.Errorf("comm: short frame of %d bytes", len(buf))
	}
	tag := Tag(binary.LittleEndian.Uint32(buf[0:4]))
	n := binary.LittleEndian.Uint32(buf[4:8])
	if int(n) != len(buf)-frameHeaderSize {
		return 0, nil, fmt.Errorf("comm: frame length %d does not match payload of %d bytes", n, len(buf)-frameHeaderSize)
	}
	return tag, buf[frameHeaderSize:], nil
}

// Writer appends fixed-size little endian values to a buffer. Payloads of
// the access patterns carry no type information; the receiving code reads
// them back in the same order with a Reader.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Uint16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) Uint32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) Uint64(v uint64) *Writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

func (w *Writer) Int64(v int64) *Writer {
	return w.Uint64(uint64(v))
}

func (w *Writer) Float64(v float64) *Writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
	return w
}

// Bytes appends raw bytes without a length prefix.
func (w *Writer) Bytes(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Buffer returns the encoded bytes.
func (w *Writer) Buffer() []byte { return w.buf }

// Len returns the number of encoded bytes.
func (w *Writer) Len() int { return len(w.buf) }

// Reader consumes values written by Writer. The first read past the end
// sets a sticky error; subsequent reads return zero values.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader reads from buf.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("comm: read of %d bytes at offset %d exceeds payload of %d bytes", n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) Uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) Uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

func (r *Reader) Float64() float64 { return math.Float64frombits(r.Uint64()) }

func (r *Reader) Bool() bool {
	if b := r.take(1); b != nil {
		return b[0] != 0
	}
	return false
}

// Next returns the next n raw bytes.
func (r *Reader) Next(n int) []byte { return r.take(n) }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Err returns the first read error.
func (r *Reader) Err() error { return r.err }
