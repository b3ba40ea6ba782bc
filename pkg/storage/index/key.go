package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrKeyNotFound  = errors.New("key not found")
	ErrKeyTooLarge  = errors.New("key too large")
	ErrEmptyKey     = errors.New("empty key")
	ErrNodeFull     = errors.New("index node full")
	ErrBadNode      = errors.New("malformed index node")
)

// MaxKeySize 限制单个键的长度，保证分裂后的两半都放得进一页
const MaxKeySize = 255

func checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrKeyTooLarge, len(key), MaxKeySize)
	}
	return nil
}

// Int64Key 把有符号整数编码成字节序与数值序一致的键
func Int64Key(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)^(1<<63))
	return buf
}

func KeyInt64(key []byte) (int64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("integer key has %d bytes", len(key))
	}
	return int64(binary.BigEndian.Uint64(key) ^ (1 << 63)), nil
}

// clampCapacity 节点容量至少为 2，否则分裂没有意义
func clampCapacity(c int) int {
	if c < 2 {
		return 2
	}
	if c > math.MaxUint16 {
		return math.MaxUint16
	}
	return c
}
