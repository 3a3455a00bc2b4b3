package transport

import "sync"

// maxPacketSize covers the largest datagram an mDNS responder may send
// (RFC 6762 §17).
const maxPacketSize = 9000

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, maxPacketSize)
		return &buf
	},
}

// GetBuffer returns a receive buffer from the pool.
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns buf to the pool. Buffers of the wrong size are dropped.
func PutBuffer(buf *[]byte) {
	if buf == nil || cap(*buf) != maxPacketSize {
		return
	}
	*buf = (*buf)[:maxPacketSize]
	bufferPool.Put(buf)
}
