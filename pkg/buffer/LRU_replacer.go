package buffer

import (
	"container/list"
)

// LRUReplacer 按最近访问顺序追踪 Frame
// 链表头部是最近使用，尾部是最久未用
// 被钉住的 Frame 也留在链表里，Victim 时跳过
type LRUReplacer struct {
	list     *list.List
	elements map[int]*list.Element // 快速查找 FrameID 对应的链表节点
}

func NewLRUReplacer(capacity int) *LRUReplacer {
	return &LRUReplacer{
		list:     list.New(),
		elements: make(map[int]*list.Element, capacity),
	}
}

func (l *LRUReplacer) Admit(frameID int, _ bool) {
	if elem, ok := l.elements[frameID]; ok {
		l.list.MoveToFront(elem)
		return
	}
	l.elements[frameID] = l.list.PushFront(frameID)
}

func (l *LRUReplacer) Access(frameID int) {
	if elem, ok := l.elements[frameID]; ok {
		l.list.MoveToFront(elem)
	}
}

// Victim 从尾部往前找第一个没有被钉住的 Frame
// 它不会移除节点，真正移除由缓冲池在驱逐成功后调用 Forget 完成
func (l *LRUReplacer) Victim(pinned func(int) bool) (int, bool) {
	for elem := l.list.Back(); elem != nil; elem = elem.Prev() {
		frameID := elem.Value.(int)
		if !pinned(frameID) {
			return frameID, true
		}
	}
	return -1, false
}

func (l *LRUReplacer) Forget(frameID int) {
	if elem, ok := l.elements[frameID]; ok {
		l.list.Remove(elem)
		delete(l.elements, frameID)
	}
}

func (l *LRUReplacer) Size() int {
	return l.list.Len()
}
