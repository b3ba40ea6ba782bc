package index

import (
	"minisql/pkg/storage/page"
)

// TreeIterator 沿叶子链表顺序遍历 B+ 树
// 当前所在的叶子保持钉住，直到移动到下一个叶子或者 Close
type TreeIterator struct {
	ix    *Index
	leaf  node
	valid bool
	idx   int
	err   error
}

// Scan 从最小的键开始遍历
func (ix *Index) Scan() *TreeIterator {
	return ix.Seek(nil)
}

// Seek 从第一个 >= key 的位置开始遍历
func (ix *Index) Seek(key []byte) *TreeIterator {
	it := &TreeIterator{ix: ix}
	no, err := ix.findLeaf(ix.root, key)
	if err != nil {
		it.err = err
		return it
	}
	n, err := ix.pinNode(no)
	if err != nil {
		it.err = err
		return it
	}
	it.leaf, it.valid = n, true

	i, _, err := n.search(key)
	if err != nil {
		it.fail(err)
		return it
	}
	it.idx = i
	it.settle()
	return it
}

// settle 当前叶子走完时跳到下一个非空叶子
func (it *TreeIterator) settle() {
	for it.valid && it.idx >= it.leaf.numKeys() {
		next, err := it.leaf.next()
		if err != nil {
			it.fail(err)
			return
		}
		it.ix.release(it.leaf.no(), false)
		it.valid = false
		if next == page.InvalidPageNo {
			return
		}
		n, err := it.ix.pinNode(next)
		if err != nil {
			it.err = err
			return
		}
		it.leaf, it.valid, it.idx = n, true, 0
	}
}

func (it *TreeIterator) fail(err error) {
	it.err = err
	it.Close()
}

// Key 返回当前游标位置的键
func (it *TreeIterator) Key() []byte {
	if !it.valid {
		return nil
	}
	k, err := it.leaf.key(it.idx)
	if err != nil {
		it.fail(err)
		return nil
	}
	return k
}

// Value 返回当前游标位置的记录指针
func (it *TreeIterator) Value() page.RID {
	if !it.valid {
		return page.RID{}
	}
	ptr, err := it.leaf.pointer(it.idx)
	if err != nil {
		it.fail(err)
		return page.RID{}
	}
	return ptr
}

func (it *TreeIterator) Next() bool {
	if !it.valid {
		return false
	}
	it.idx++
	it.settle()
	return it.valid
}

// Close 释放当前钉住的叶子，可以重复调用
func (it *TreeIterator) Close() {
	if it.valid {
		it.ix.release(it.leaf.no(), false)
		it.valid = false
	}
}

// IsValid 检查迭代器当前是否指向有效数据
func (it *TreeIterator) IsValid() bool {
	return it.valid
}

// Err 返回遍历过程中遇到的错误
func (it *TreeIterator) Err() error {
	return it.err
}
