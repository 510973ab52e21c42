package dma

import "errors"

var (
	// ErrTooManyFragments is returned when a transfer has more fragments than
	// the hardware accepts.
	ErrTooManyFragments = errors.New("too many fragments")

	// ErrFragmentTooLarge is returned when a fragment, or the whole transfer,
	// exceeds the maximum single-transfer size.
	ErrFragmentTooLarge = errors.New("fragment too large")

	// ErrBufferTooSmall is returned when a destination cannot hold the data
	// that would be copied into it. Nothing is copied in that case.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrOutOfMemory is returned when an allocator or a pool is exhausted.
	ErrOutOfMemory = errors.New("out of dma memory")

	// ErrMappingFailed is returned when memory cannot be placed where the
	// hardware can safely reach it.
	ErrMappingFailed = errors.New("dma mapping failed")

	// ErrAlignment is returned for alignments that are not a power of two.
	ErrAlignment = errors.New("invalid alignment")

	// ErrDoubleFree is returned when a buffer is freed that is not allocated.
	ErrDoubleFree = errors.New("buffer is not allocated")

	// ErrUnmappable is returned when a physical address has no segmented
	// counterpart or lies outside known memory.
	ErrUnmappable = errors.New("address is not mappable")

	// ErrReleased is returned when a transfer is used after Release.
	ErrReleased = errors.New("transfer already released")

	// ErrNoFragments is returned for transfers without any fragment.
	ErrNoFragments = errors.New("transfer has no fragments")

	// ErrClosed is returned when a closed context is used.
	ErrClosed = errors.New("dma context is closed")
)
