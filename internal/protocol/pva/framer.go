package pva

import (
	"fmt"
	"io"
)

// Frame is one complete message. Segmented messages are delivered once,
// reassembled, with the segment flags cleared.
type Frame struct {
	Header Header
	Body   []byte
	pooled bool
}

// Release returns the body to the buffer pool. The frame must not be
// used afterwards.
func (f *Frame) Release() {
	if f.pooled {
		PutBuffer(f.Body)
	}
	f.Body = nil
	f.pooled = false
}

// Decoder returns a decoder over the body in the sender's byte order.
func (f *Frame) Decoder() *Decoder {
	return NewDecoder(f.Body, f.Header.ByteOrder())
}

// FrameReader reads framed messages from a byte stream.
type FrameReader struct {
	r       io.Reader
	max     int
	hdr     [HeaderSize]byte
	partial *Frame
	// BytesRead counts every byte consumed, headers included.
	BytesRead uint64
}

func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &FrameReader{r: r, max: maxSize}
}

// Next blocks until a complete message is available. Any error leaves
// the stream in an undefined position.
func (fr *FrameReader) Next() (*Frame, error) {
	for {
		if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
			return nil, err
		}
		fr.BytesRead += HeaderSize

		h, err := DecodeHeader(fr.hdr[:])
		if err != nil {
			return nil, err
		}

		if h.Control() {
			// control messages carry no body; size holds a parameter
			return &Frame{Header: h}, nil
		}

		if int64(h.Size) > int64(fr.max) {
			return nil, fmt.Errorf("%w: %s", ErrMessageTooLarge, h)
		}

		body := GetBuffer(int(h.Size))
		if _, err := io.ReadFull(fr.r, body); err != nil {
			PutBuffer(body)
			return nil, err
		}
		fr.BytesRead += uint64(h.Size)

		if !h.Segmented() {
			if fr.partial != nil {
				PutBuffer(body)
				return nil, &DecodeError{What: "unsegmented message inside segmented sequence"}
			}
			return &Frame{Header: h, Body: body, pooled: true}, nil
		}

		done, err := fr.addSegment(h, body)
		PutBuffer(body)
		if err != nil {
			return nil, err
		}
		if done != nil {
			return done, nil
		}
	}
}

func (fr *FrameReader) addSegment(h Header, body []byte) (*Frame, error) {
	seg := h.Flags & FlagSegMask

	switch {
	case seg == FlagSegFirst:
		if fr.partial != nil {
			return nil, &DecodeError{What: "first segment while reassembling"}
		}
		fr.partial = &Frame{Header: h, Body: append([]byte(nil), body...)}
		return nil, nil
	case fr.partial == nil:
		return nil, &DecodeError{What: "continuation segment without first segment"}
	case h.Command != fr.partial.Header.Command:
		return nil, &DecodeError{What: "segment command mismatch"}
	}

	if len(fr.partial.Body)+len(body) > fr.max {
		return nil, fmt.Errorf("%w: reassembled %s", ErrMessageTooLarge, h.Command)
	}
	fr.partial.Body = append(fr.partial.Body, body...)

	if seg == FlagSegLast {
		f := fr.partial
		fr.partial = nil
		f.Header.Flags &^= FlagSegMask
		f.Header.Size = uint32(len(f.Body))
		return f, nil
	}
	return nil, nil
}
