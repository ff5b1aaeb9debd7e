package pva

import (
	"errors"
	"fmt"
)

var (
	// ErrBadMagic is returned when a header does not start with Magic.
	ErrBadMagic = errors.New("pva: bad header magic")

	// ErrMessageTooLarge is returned when a message exceeds the size limit.
	ErrMessageTooLarge = errors.New("pva: message too large")

	// ErrUnsupportedType is returned by the typed payload decoder for
	// type descriptions it does not handle.
	ErrUnsupportedType = errors.New("pva: unsupported type description")
)

// DecodeError reports a malformed or truncated message. The stream
// position after a DecodeError is undefined, so the connection that
// produced it must be aborted.
type DecodeError struct {
	What   string
	Offset int
	Need   int
	Have   int
}

func (e *DecodeError) Error() string {
	if e.Need > 0 {
		return fmt.Sprintf("pva: decode %s at offset %d: need %d bytes, have %d", e.What, e.Offset, e.Need, e.Have)
	}
	return fmt.Sprintf("pva: decode %s at offset %d", e.What, e.Offset)
}

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
