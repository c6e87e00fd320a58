package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MaxBlobSize bounds length-prefixed byte buffers read off the wire.
const MaxBlobSize = 16 * 1024 * 1024

var (
	ErrTruncated    = errors.New("wire: truncated data")
	ErrVlqOverflow  = errors.New("wire: vlq value overflows u32")
	ErrInvalidBool  = errors.New("wire: invalid bool value")
	ErrBlobTooLarge = errors.New("wire: byte buffer too large")
)

// Marshaler writes and reads one value of T. Marshal into a WriteBuffer
// cannot fail; Unmarshal reports stream integrity errors.
type Marshaler[T any] interface {
	Marshal(wb *WriteBuffer, v T)
	Unmarshal(rb *ReadBuffer) (T, error)
}

// WriteBuffer accumulates network-order encoded values.
type WriteBuffer struct {
	buf []byte
}

// NewWriteBuffer creates a write buffer with the given initial capacity.
func NewWriteBuffer(capacity int) *WriteBuffer {
	return &WriteBuffer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded bytes. The slice aliases the buffer.
func (wb *WriteBuffer) Bytes() []byte {
	return wb.buf
}

// Len returns the number of bytes written so far.
func (wb *WriteBuffer) Len() int {
	return len(wb.buf)
}

// Reset discards everything written.
func (wb *WriteBuffer) Reset() {
	wb.buf = wb.buf[:0]
}

func (wb *WriteBuffer) WriteU8(v uint8) {
	wb.buf = append(wb.buf, v)
}

func (wb *WriteBuffer) WriteBool(v bool) {
	if v {
		wb.buf = append(wb.buf, 1)
		return
	}
	wb.buf = append(wb.buf, 0)
}

func (wb *WriteBuffer) WriteU32(v uint32) {
	wb.buf = binary.BigEndian.AppendUint32(wb.buf, v)
}

func (wb *WriteBuffer) WriteU64(v uint64) {
	wb.buf = binary.BigEndian.AppendUint64(wb.buf, v)
}

// WriteVlqU32 writes v in 7-bit groups, low group first, high bit set on
// every byte but the last.
func (wb *WriteBuffer) WriteVlqU32(v uint32) {
	wb.buf = binary.AppendUvarint(wb.buf, uint64(v))
}

// WriteBytes writes a VLQ length prefix followed by the raw bytes.
func (wb *WriteBuffer) WriteBytes(v []byte) {
	wb.WriteVlqU32(uint32(len(v)))
	wb.buf = append(wb.buf, v...)
}

// WriteRaw appends bytes without a length prefix.
func (wb *WriteBuffer) WriteRaw(v []byte) {
	wb.buf = append(wb.buf, v...)
}

// WriteUUID writes the 16 raw GUID bytes.
func (wb *WriteBuffer) WriteUUID(v uuid.UUID) {
	wb.buf = append(wb.buf, v[:]...)
}

// ReadBuffer consumes values written by a WriteBuffer.
type ReadBuffer struct {
	data []byte
	off  int
}

// NewReadBuffer wraps data for reading. The data is not copied.
func NewReadBuffer(data []byte) *ReadBuffer {
	return &ReadBuffer{data: data}
}

// Remaining returns the number of unread bytes.
func (rb *ReadBuffer) Remaining() int {
	return len(rb.data) - rb.off
}

// Rest returns the unread bytes and advances to the end.
func (rb *ReadBuffer) Rest() []byte {
	rest := rb.data[rb.off:]
	rb.off = len(rb.data)
	return rest
}

func (rb *ReadBuffer) take(n int) ([]byte, error) {
	if n < 0 || rb.Remaining() < n {
		return nil, ErrTruncated
	}
	b := rb.data[rb.off : rb.off+n]
	rb.off += n
	return b, nil
}

func (rb *ReadBuffer) ReadU8() (uint8, error) {
	b, err := rb.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (rb *ReadBuffer) ReadBool() (bool, error) {
	v, err := rb.ReadU8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %d", ErrInvalidBool, v)
	}
}

func (rb *ReadBuffer) ReadU32() (uint32, error) {
	b, err := rb.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (rb *ReadBuffer) ReadU64() (uint64, error) {
	b, err := rb.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (rb *ReadBuffer) ReadVlqU32() (uint32, error) {
	v, n := binary.Uvarint(rb.data[rb.off:])
	switch {
	case n == 0:
		return 0, ErrTruncated
	case n < 0 || v > uint64(^uint32(0)):
		return 0, ErrVlqOverflow
	}
	rb.off += n
	return uint32(v), nil
}

// ReadBytes reads a VLQ length-prefixed buffer. The result is a copy.
func (rb *ReadBuffer) ReadBytes() ([]byte, error) {
	n, err := rb.ReadVlqU32()
	if err != nil {
		return nil, err
	}
	if n > MaxBlobSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlobTooLarge, n)
	}
	b, err := rb.take(int(n))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (rb *ReadBuffer) ReadUUID() (uuid.UUID, error) {
	var id uuid.UUID
	b, err := rb.take(len(id))
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}
