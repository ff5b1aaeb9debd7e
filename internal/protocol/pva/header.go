package pva

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed 8-byte prefix of every message:
// magic(1) version(1) flags(1) command(1) size(4).
type Header struct {
	Version uint8
	Flags   Flags
	Command Command
	Size    uint32
}

func (h Header) Control() bool   { return h.Flags&FlagControl != 0 }
func (h Header) BigEndian() bool { return h.Flags&FlagBigEndian != 0 }
func (h Header) FromServer() bool {
	return h.Flags&FlagServer != 0
}

// Segmented reports whether the message is one piece of a segmented message.
func (h Header) Segmented() bool { return h.Flags&FlagSegMask != 0 }

// ByteOrder is the byte order the sender used for this message.
func (h Header) ByteOrder() binary.ByteOrder {
	if h.BigEndian() {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (h Header) String() string {
	if h.Control() {
		return fmt.Sprintf("CTRL_%d flags=0x%02x size=%d", uint8(h.Command), uint8(h.Flags), h.Size)
	}
	return fmt.Sprintf("%s flags=0x%02x size=%d", h.Command, uint8(h.Flags), h.Size)
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &DecodeError{What: "header", Need: HeaderSize, Have: len(b)}
	}
	if b[0] != Magic {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrBadMagic, b[0])
	}

	h := Header{
		Version: b[1],
		Flags:   Flags(b[2]),
		Command: Command(b[3]),
	}
	h.Size = h.ByteOrder().Uint32(b[4:8])
	return h, nil
}

// PutHeader writes h into the first HeaderSize bytes of b, big-endian.
// The caller is responsible for having set FlagBigEndian.
func PutHeader(b []byte, h Header) {
	b[0] = Magic
	b[1] = Version
	b[2] = uint8(h.Flags | FlagBigEndian)
	b[3] = uint8(h.Command)
	binary.BigEndian.PutUint32(b[4:8], h.Size)
}

// SetEndianMessage returns the control message a server sends first on
// every connection to announce that it transmits big-endian.
func SetEndianMessage() []byte {
	b := make([]byte, HeaderSize)
	PutHeader(b, Header{Flags: FlagControl | FlagServer, Command: CtrlSetEndian})
	return b
}
