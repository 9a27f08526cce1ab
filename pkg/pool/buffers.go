package pool

import "sync"

// BufferPool hands out fixed-length byte slices. Sessions take one buffer for
// their lifetime and return it when they finish.
type BufferPool struct {
	size       int
	bufferPool sync.Pool
}

func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	bp := &BufferPool{size: bufferSize}
	bp.bufferPool.New = func() any {
		b := make([]byte, bufferSize)
		return &b
	}
	return bp
}

func (bp *BufferPool) Size() int { return bp.size }

func (bp *BufferPool) GetBuffer() []byte {
	b := bp.bufferPool.Get().(*[]byte)
	return (*b)[:bp.size]
}

// PutBuffer ignores slices whose capacity does not match the pool size.
func (bp *BufferPool) PutBuffer(buffer []byte) {
	if cap(buffer) < bp.size {
		return
	}
	buffer = buffer[:bp.size]
	bp.bufferPool.Put(&buffer)
}

// Filler returns a read-only slice of n filler bytes shared by every caller.
func Filler(n int) []byte {
	fillerOnce.Do(func() {
		filler = make([]byte, fillerSize)
		for i := range filler {
			filler[i] = 'a'
		}
	})
	if n > fillerSize {
		n = fillerSize
	}
	return filler[:n]
}

const fillerSize = 64 * 1024

var (
	fillerOnce sync.Once
	filler     []byte
)
