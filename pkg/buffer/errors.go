package buffer

import "errors"

var (
	// ErrPoolExhausted 所有 Frame 都被钉住，找不到可以驱逐的页
	// 它和存储层错误是两回事，调用方可以通过 errors.Is 区分
	ErrPoolExhausted = errors.New("buffer pool exhausted: every frame is pinned")

	ErrPageNotCached   = errors.New("page is not in the buffer pool")
	ErrUnknownFile     = errors.New("file is not in the file table")
	ErrInvalidCapacity = errors.New("buffer pool capacity must be positive")
	ErrUnknownPolicy   = errors.New("unknown replacement policy")
)
