package core

import "sync"

// GenericPool is a generic wrapper around sync.Pool
type GenericPool[T any] struct {
	pool sync.Pool
}

// NewGenericPool creates a new GenericPool with a function to create new items.
func NewGenericPool[T any](newItem func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newItem()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an item to the pool.
func (p *GenericPool[T]) Put(item T) {
	p.pool.Put(item)
}

// CopyBufferSize is the size of the scratch buffers handed out by CopyBufferPool.
const CopyBufferSize = 64 * 1024

// CopyBufferPool hands out scratch buffers for streaming file copies.
var CopyBufferPool = NewGenericPool(func() *[]byte {
	b := make([]byte, CopyBufferSize)
	return &b
})
