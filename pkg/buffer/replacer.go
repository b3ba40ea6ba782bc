package buffer

import (
	"fmt"
	"math"
)

const (
	PolicyUsage = "usage"
	PolicyLRU   = "lru"
)

// Replacer 决定缓冲池满了以后驱逐哪个 Frame
// 钉住状态由缓冲池自己维护，Victim 通过 pinned 回调询问
type Replacer interface {
	// Admit 在页面装入 Frame 时调用，replaced 表示这个 Frame 是驱逐得来的
	Admit(frameID int, replaced bool)
	// Access 在缓存命中时调用
	Access(frameID int)
	// Victim 返回应该驱逐的 Frame，没有候选时返回 false
	Victim(pinned func(frameID int) bool) (int, bool)
	// Forget 停止追踪一个 Frame
	Forget(frameID int)
}

func NewReplacer(policy string, capacity int) (Replacer, error) {
	switch policy {
	case "", PolicyUsage:
		return NewUsageReplacer(capacity), nil
	case PolicyLRU:
		return NewLRUReplacer(capacity), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
}

// UsageReplacer 每个 Frame 一个使用计数，驱逐计数最小的未钉住 Frame
// 计数相同时按 Frame 下标顺序取第一个
type UsageReplacer struct {
	usage []uint32
	live  []bool
}

func NewUsageReplacer(capacity int) *UsageReplacer {
	return &UsageReplacer{
		usage: make([]uint32, capacity),
		live:  make([]bool, capacity),
	}
}

// Admit 从空闲 Frame 装入的页计数为 0，替换装入的页计数为 1
func (r *UsageReplacer) Admit(frameID int, replaced bool) {
	r.live[frameID] = true
	r.usage[frameID] = 0
	if replaced {
		r.usage[frameID] = 1
	}
}

// Access 计数饱和而不是回绕
func (r *UsageReplacer) Access(frameID int) {
	if r.live[frameID] && r.usage[frameID] < math.MaxUint32 {
		r.usage[frameID]++
	}
}

func (r *UsageReplacer) Victim(pinned func(int) bool) (int, bool) {
	victim := -1
	for id, ok := range r.live {
		if !ok || pinned(id) {
			continue
		}
		if victim == -1 || r.usage[id] < r.usage[victim] {
			victim = id
		}
	}
	return victim, victim != -1
}

func (r *UsageReplacer) Forget(frameID int) {
	r.live[frameID] = false
	r.usage[frameID] = 0
}

// Usage 返回 Frame 当前的使用计数
func (r *UsageReplacer) Usage(frameID int) uint32 {
	return r.usage[frameID]
}
