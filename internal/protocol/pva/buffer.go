package pva

import (
	"encoding/binary"
	"math"
	"net/netip"
)

// ============================================================================
// Encoder
// ============================================================================

// Encoder appends big-endian primitives to a growing buffer. A message
// encoder reserves room for the header up front and patches it in Finish,
// once the body length is known.
type Encoder struct {
	buf     []byte
	limit   int
	framed  bool
	command Command
	flags   Flags
	err     error
}

// NewMessage starts a server-originated message.
func NewMessage(cmd Command) *Encoder {
	return NewMessageFlags(cmd, FlagServer)
}

// NewMessageFlags starts a message with explicit header flags.
func NewMessageFlags(cmd Command, flags Flags) *Encoder {
	e := &Encoder{
		buf:     make([]byte, HeaderSize, 64),
		limit:   DefaultMaxMessageSize,
		framed:  true,
		command: cmd,
		flags:   flags,
	}
	return e
}

// NewEncoder returns an Encoder with no header, for message bodies.
func NewEncoder() *Encoder {
	return &Encoder{limit: DefaultMaxMessageSize}
}

// SetLimit bounds the encoded length. Exceeding it fails the encoder.
func (e *Encoder) SetLimit(n int) { e.limit = n }

func (e *Encoder) grow(n int) bool {
	if e.err != nil {
		return false
	}
	if len(e.buf)+n > e.limit {
		e.err = ErrMessageTooLarge
		return false
	}
	return true
}

func (e *Encoder) PutU8(v uint8) {
	if e.grow(1) {
		e.buf = append(e.buf, v)
	}
}

func (e *Encoder) PutU16(v uint16) {
	if e.grow(2) {
		e.buf = binary.BigEndian.AppendUint16(e.buf, v)
	}
}

func (e *Encoder) PutU32(v uint32) {
	if e.grow(4) {
		e.buf = binary.BigEndian.AppendUint32(e.buf, v)
	}
}

func (e *Encoder) PutBytes(b []byte) {
	if e.grow(len(b)) {
		e.buf = append(e.buf, b...)
	}
}

// PutZeros appends n zero bytes (reserved fields).
func (e *Encoder) PutZeros(n int) {
	if e.grow(n) {
		e.buf = append(e.buf, make([]byte, n)...)
	}
}

// PutSize writes the variable-length Size encoding. Negative values are
// written as the null marker.
func (e *Encoder) PutSize(n int) {
	switch {
	case n < 0:
		e.PutU8(0xFF)
	case n < 254:
		e.PutU8(uint8(n))
	case n <= math.MaxInt32:
		e.PutU8(0xFE)
		e.PutU32(uint32(n))
	default:
		if e.err == nil {
			e.err = ErrMessageTooLarge
		}
	}
}

// PutString writes a Size-prefixed string without terminator.
func (e *Encoder) PutString(s string) {
	e.PutSize(len(s))
	if e.grow(len(s)) {
		e.buf = append(e.buf, s...)
	}
}

// PutAddr writes a 16-byte address; IPv4 becomes ::ffff:a.b.c.d.
// An invalid address is written as all zeros.
func (e *Encoder) PutAddr(a netip.Addr) {
	var b [16]byte
	if a.IsValid() {
		b = a.As16()
	}
	e.PutBytes(b[:])
}

func (e *Encoder) PutStatus(s Status) {
	if s.Type == StatusOK && s.Message == "" && s.Trace == "" {
		e.PutU8(0xFF)
		return
	}
	e.PutU8(uint8(s.Type))
	e.PutString(s.Message)
	e.PutString(s.Trace)
}

// Len is the number of bytes written so far, header included.
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) Err() error { return e.err }

// Bytes returns the encoded body of a headerless encoder.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// Finish patches the header with the final body length and returns the
// complete message.
func (e *Encoder) Finish() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	if !e.framed {
		return e.buf, nil
	}
	PutHeader(e.buf, Header{
		Flags:   e.flags,
		Command: e.command,
		Size:    uint32(len(e.buf) - HeaderSize),
	})
	return e.buf, nil
}

// ============================================================================
// Decoder
// ============================================================================

// Decoder reads primitives from a message body. The first failure is
// sticky: later reads return zero values and Err reports the failure.
type Decoder struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
	err   error
}

func NewDecoder(b []byte, order binary.ByteOrder) *Decoder {
	if order == nil {
		order = binary.BigEndian
	}
	return &Decoder{buf: b, order: order}
}

func (d *Decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.pos < n {
		d.err = &DecodeError{What: what, Offset: d.pos, Need: n, Have: len(d.buf) - d.pos}
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) U8() uint8 {
	if b := d.take(1, "u8"); b != nil {
		return b[0]
	}
	return 0
}

func (d *Decoder) U16() uint16 {
	if b := d.take(2, "u16"); b != nil {
		return d.order.Uint16(b)
	}
	return 0
}

func (d *Decoder) U32() uint32 {
	if b := d.take(4, "u32"); b != nil {
		return d.order.Uint32(b)
	}
	return 0
}

func (d *Decoder) U64() uint64 {
	if b := d.take(8, "u64"); b != nil {
		return d.order.Uint64(b)
	}
	return 0
}

// Bytes returns the next n bytes without copying.
func (d *Decoder) Bytes(n int) []byte {
	return d.take(n, "bytes")
}

func (d *Decoder) Skip(n int) {
	d.take(n, "skip")
}

// Size reads a Size value. The null marker decodes as -1.
func (d *Decoder) Size() int {
	first := d.U8()
	switch {
	case d.err != nil:
		return 0
	case first == 0xFF:
		return -1
	case first < 254:
		return int(first)
	}
	n := d.U32()
	if n > math.MaxInt32 {
		d.fail("size")
		return 0
	}
	return int(n)
}

// Str reads a Size-prefixed string. A null size decodes as "".
func (d *Decoder) Str() string {
	n := d.Size()
	if n <= 0 {
		return ""
	}
	if b := d.take(n, "string"); b != nil {
		return string(b)
	}
	return ""
}

func (d *Decoder) Addr() netip.Addr {
	b := d.take(16, "address")
	if b == nil {
		return netip.Addr{}
	}
	return netip.AddrFrom16([16]byte(b)).Unmap()
}

func (d *Decoder) Status() Status {
	t := d.U8()
	if d.err != nil || t == 0xFF {
		return Status{}
	}
	s := Status{Type: StatusType(t)}
	s.Message = d.Str()
	s.Trace = d.Str()
	return s
}

// Rest consumes and returns all remaining bytes.
func (d *Decoder) Rest() []byte {
	if d.err != nil {
		return nil
	}
	b := d.buf[d.pos:]
	d.pos = len(d.buf)
	return b
}

func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }
func (d *Decoder) Offset() int    { return d.pos }
func (d *Decoder) Err() error     { return d.err }

func (d *Decoder) fail(what string) {
	if d.err == nil {
		d.err = &DecodeError{What: what, Offset: d.pos}
	}
}
