// Package mempool provides sized buffer pools for tensor inputs and pixel
// surfaces to reduce allocations on hot paths.
package mempool

import (
	"image"
	"sync"
)

const step = 1024

// sizeClass rounds n up to the next multiple of 1024, with 1024 as the minimum.
func sizeClass(n int) int {
	if n <= step {
		return step
	}
	r := (n + step - 1) / step
	return r * step
}

// sizedPool keeps one sync.Pool per size class.
type sizedPool[T any] struct {
	pools sync.Map // key: size class (int), value: *sync.Pool
}

func (sp *sizedPool[T]) pool(cls int) *sync.Pool {
	if p, ok := sp.pools.Load(cls); ok {
		return p.(*sync.Pool) //nolint:forcetypeassert
	}
	p, _ := sp.pools.LoadOrStore(cls, &sync.Pool{New: func() any { return make([]T, cls) }})
	return p.(*sync.Pool) //nolint:forcetypeassert
}

func (sp *sizedPool[T]) get(n int) []T {
	cls := sizeClass(n)
	buf, ok := sp.pool(cls).Get().([]T)
	if !ok || cap(buf) < cls {
		buf = make([]T, cls)
	}
	return buf[:n]
}

func (sp *sizedPool[T]) put(buf []T) {
	if cap(buf) == 0 {
		return
	}
	// Buffers only go back to the class they fully cover.
	cls := sizeClass(cap(buf))
	if cls != cap(buf) {
		if cls -= step; cls < step {
			return
		}
	}
	sp.pool(cls).Put(buf[:cap(buf)]) //nolint:staticcheck
}

var (
	float32Pool sizedPool[float32]
	bytePool    sizedPool[byte]
)

// GetFloat32 retrieves a []float32 of length n. Contents are not zeroed.
// Return it with PutFloat32 when done.
func GetFloat32(n int) []float32 {
	return float32Pool.get(n)
}

// PutFloat32 returns a buffer to the pool. It is safe to pass a nil slice.
func PutFloat32(buf []float32) {
	float32Pool.put(buf)
}

// GetBytes retrieves a []byte of length n. Contents are not zeroed.
func GetBytes(n int) []byte {
	return bytePool.get(n)
}

// PutBytes returns a buffer to the pool. It is safe to pass a nil slice.
func PutBytes(buf []byte) {
	bytePool.put(buf)
}

// GetRGBA returns a w x h image whose pixel buffer comes from the pool.
// Contents are not zeroed. Release it with PutRGBA.
func GetRGBA(w, h int) *image.RGBA {
	if w <= 0 || h <= 0 {
		return image.NewRGBA(image.Rectangle{})
	}
	return &image.RGBA{
		Pix:    GetBytes(4 * w * h),
		Stride: 4 * w,
		Rect:   image.Rect(0, 0, w, h),
	}
}

// PutRGBA returns img's pixel buffer to the pool. img must not be used afterwards.
func PutRGBA(img *image.RGBA) {
	if img == nil {
		return
	}
	PutBytes(img.Pix)
	img.Pix = nil
}
