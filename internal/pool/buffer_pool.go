package pool

import "sync"

// FrameBufferSize is large enough for any Ethernet frame without FCS,
// including an optional VLAN tag.
const FrameBufferSize = 1522

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, FrameBufferSize)
		return &b
	},
}

// GetBuffer returns a FrameBufferSize byte buffer from the pool.
func GetBuffer() *[]byte {
	b, _ := bufPool.Get().(*[]byte)
	*b = (*b)[:FrameBufferSize]

	return b
}

// PutBuffer returns b to the pool. Buffers with a foreign capacity are dropped.
func PutBuffer(b *[]byte) {
	if b == nil || cap(*b) < FrameBufferSize {
		return
	}
	bufPool.Put(b)
}
