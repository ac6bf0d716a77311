package relay

import "sync"

type bufferPool struct {
	pool sync.Pool
}

var bufferPools sync.Map // int -> *bufferPool

func getBufferPool(size int) *bufferPool {
	if bp, ok := bufferPools.Load(size); ok {
		return bp.(*bufferPool)
	}
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	actual, _ := bufferPools.LoadOrStore(size, bp)
	return actual.(*bufferPool)
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	p.pool.Put(b)
}
