package pva

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawMessage(flags Flags, cmd Command, body []byte) []byte {
	b := make([]byte, HeaderSize, HeaderSize+len(body))
	b[0] = Magic
	b[1] = Version
	b[2] = uint8(flags)
	b[3] = uint8(cmd)
	if flags&FlagBigEndian != 0 {
		binary.BigEndian.PutUint32(b[4:], uint32(len(body)))
	} else {
		binary.LittleEndian.PutUint32(b[4:], uint32(len(body)))
	}
	return append(b, body...)
}

func TestFrameReaderPlainAndControl(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(rawMessage(FlagControl, CtrlSetEndian, nil))
	stream.Write(rawMessage(0, CmdEcho, []byte("ping")))

	fr := NewFrameReader(&stream, 0)

	f, err := fr.Next()
	require.NoError(t, err)
	assert.True(t, f.Header.Control())
	f.Release()

	f, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, CmdEcho, f.Header.Command)
	assert.Equal(t, []byte("ping"), f.Body)
	f.Release()

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, uint64(HeaderSize*2+4), fr.BytesRead)
}

func TestFrameReaderReassembly(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(rawMessage(FlagBigEndian|FlagSegFirst, CmdPut, []byte("ab")))
	stream.Write(rawMessage(FlagBigEndian|FlagControl, CtrlSetMarker, nil))
	stream.Write(rawMessage(FlagBigEndian|FlagSegMask, CmdPut, []byte("cd")))
	stream.Write(rawMessage(FlagBigEndian|FlagSegLast, CmdPut, []byte("ef")))

	fr := NewFrameReader(&stream, 0)

	f, err := fr.Next()
	require.NoError(t, err)
	assert.True(t, f.Header.Control(), "control message interleaves with segments")

	f, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, CmdPut, f.Header.Command)
	assert.False(t, f.Header.Segmented())
	assert.Equal(t, []byte("abcdef"), f.Body)
	assert.Equal(t, uint32(6), f.Header.Size)
}

func TestFrameReaderErrors(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		fr := NewFrameReader(bytes.NewReader(rawMessage(0, CmdEcho, make([]byte, 32))), 16)
		_, err := fr.Next()
		assert.ErrorIs(t, err, ErrMessageTooLarge)
	})

	t.Run("orphan continuation", func(t *testing.T) {
		fr := NewFrameReader(bytes.NewReader(rawMessage(FlagSegLast, CmdPut, []byte("x"))), 0)
		_, err := fr.Next()
		assert.True(t, IsDecodeError(err))
	})

	t.Run("truncated body", func(t *testing.T) {
		msg := rawMessage(0, CmdEcho, []byte("abcdef"))
		fr := NewFrameReader(bytes.NewReader(msg[:len(msg)-2]), 0)
		_, err := fr.Next()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestBufferPoolClasses(t *testing.T) {
	for _, size := range []int{10, smallBufferSize + 1, mediumBufferSize + 1, largeBufferSize + 1} {
		buf := GetBuffer(size)
		assert.Len(t, buf, size)
		PutBuffer(buf)
	}
}
