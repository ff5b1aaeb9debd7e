package pva

import "sync"

// ============================================================================
// Buffer Pool for Message Bodies
// ============================================================================
//
// Most PVAccess messages are tiny (search, create-channel, echo); data
// updates can be large. Bodies are read into size-classed pooled buffers
// and returned once the message has been dispatched.

const (
	smallBufferSize  = 1 << 10   // 1KB: control traffic
	mediumBufferSize = 16 << 10  // 16KB: typical values
	largeBufferSize  = 256 << 10 // 256KB: arrays
)

type bufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

func newSizedPool(size int) sync.Pool {
	return sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}
}

var globalBufferPool = &bufferPool{
	small:  newSizedPool(smallBufferSize),
	medium: newSizedPool(mediumBufferSize),
	large:  newSizedPool(largeBufferSize),
}

// GetBuffer returns a slice of length size, pooled when size fits a class.
func GetBuffer(size int) []byte {
	var p *sync.Pool
	switch {
	case size <= smallBufferSize:
		p = &globalBufferPool.small
	case size <= mediumBufferSize:
		p = &globalBufferPool.medium
	case size <= largeBufferSize:
		p = &globalBufferPool.large
	default:
		return make([]byte, size)
	}
	buf := *(p.Get().(*[]byte))
	return buf[:size]
}

// PutBuffer returns a buffer obtained from GetBuffer. Buffers whose
// capacity does not match a size class are dropped.
func PutBuffer(buf []byte) {
	if buf == nil {
		return
	}
	var p *sync.Pool
	switch cap(buf) {
	case smallBufferSize:
		p = &globalBufferPool.small
	case mediumBufferSize:
		p = &globalBufferPool.medium
	case largeBufferSize:
		p = &globalBufferPool.large
	default:
		return
	}
	buf = buf[:cap(buf)]
	p.Put(&buf)
}
