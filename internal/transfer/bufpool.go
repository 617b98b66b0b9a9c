package transfer

import "sync"

// Transfer buffers are pooled per size; the size is coordinator-tunable.
var bufferPools sync.Map

func getBuffer(size int) []byte {
	p, _ := bufferPools.LoadOrStore(size, &sync.Pool{
		New: func() any { return make([]byte, size) },
	})
	buf := p.(*sync.Pool).Get().([]byte)
	return buf[:size]
}

func putBuffer(buf []byte) {
	size := cap(buf)
	if p, ok := bufferPools.Load(size); ok {
		p.(*sync.Pool).Put(buf[:size])
	}
}
