package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"minisql/pkg/storage/page"
)

// Kind 是节点类型标记，存放在槽 0
type Kind byte

const (
	KindRoot     Kind = 'R' // 内部节点形态的根
	KindRootLeaf Kind = 'r' // 树只有一个节点时，根同时是叶子
	KindInternal Kind = 'N'
	KindLeaf     Kind = 'L'
)

func (k Kind) IsLeaf() bool {
	return k == KindLeaf || k == KindRootLeaf
}

func (k Kind) IsRoot() bool {
	return k == KindRoot || k == KindRootLeaf
}

// demoted 根分裂后原来的根变成普通节点
func (k Kind) demoted() Kind {
	switch k {
	case KindRoot:
		return KindInternal
	case KindRootLeaf:
		return KindLeaf
	}
	return k
}

func (k Kind) valid() bool {
	switch k {
	case KindRoot, KindRootLeaf, KindInternal, KindLeaf:
		return true
	}
	return false
}

// 槽布局:
//   0: 类型标记 (1 字节)
//   1: 父节点页号 (4 字节)
//   叶子:     2+2i 键 i, 3+2i 记录指针 i, 最后一个槽是下一个叶子
//   内部节点: 2+2i 孩子 i, 3+2i 键 i
// 两种节点 n 个键都占 2n+3 个槽
const (
	slotKind   = 0
	slotParent = 1
	slotFirst  = 2
)

// pairOverhead 插入一对键值除了键本身还需要的字节
const pairOverhead = page.RIDSize + 2*page.SlotSize

// nodeOverhead 类型标记、父指针以及叶子 next / 内部节点孩子 0 占用的字节
const nodeOverhead = 1 + 4 + page.RIDSize + 3*page.SlotSize

// nodeBudget 一个节点中所有键值对可用的字节数
const nodeBudget = page.BodySize - nodeOverhead

func pairSize(key []byte) int {
	return len(key) + pairOverhead
}

type entry struct {
	key []byte
	ptr page.RID
}

// node 是把一个页解释成 B+ 树节点的视图
type node struct {
	p    *page.Page
	kind Kind
}

func loadNode(p *page.Page) (node, error) {
	rec, err := p.Record(slotKind)
	if err != nil {
		return node{}, fmt.Errorf("%w: page %d: %v", ErrBadNode, p.No(), err)
	}
	if len(rec) != 1 || !Kind(rec[0]).valid() {
		return node{}, fmt.Errorf("%w: page %d: type tag %q", ErrBadNode, p.No(), rec)
	}
	n := node{p: p, kind: Kind(rec[0])}
	if p.NumSlots() < 3 {
		return node{}, fmt.Errorf("%w: page %d: %d slots", ErrBadNode, p.No(), p.NumSlots())
	}
	return n, nil
}

// formatNode 把页清空成一个没有键的节点
// 叶子带上空的 next 指针；内部节点的孩子 0 由调用方补上
func formatNode(p *page.Page, kind Kind, parent page.PageNo) (node, error) {
	p.Format(p.No())
	if err := p.InsertRecord(slotKind, []byte{byte(kind)}); err != nil {
		return node{}, err
	}
	if err := p.InsertRecord(slotParent, encodePageNo(parent)); err != nil {
		return node{}, err
	}
	n := node{p: p, kind: kind}
	if kind.IsLeaf() {
		if err := p.InsertRecord(slotFirst, page.RID{}.Encode()); err != nil {
			return node{}, err
		}
	}
	return n, nil
}

func encodePageNo(no page.PageNo) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(no))
	return buf
}

func (n node) no() page.PageNo {
	return n.p.No()
}

func (n *node) setKind(k Kind) error {
	if err := n.p.UpdateRecord(slotKind, []byte{byte(k)}); err != nil {
		return err
	}
	n.kind = k
	return nil
}

func (n node) parent() (page.PageNo, error) {
	rec, err := n.p.Record(slotParent)
	if err != nil {
		return 0, err
	}
	if len(rec) != 4 {
		return 0, fmt.Errorf("%w: page %d: parent pointer has %d bytes", ErrBadNode, n.no(), len(rec))
	}
	return page.PageNo(binary.LittleEndian.Uint32(rec)), nil
}

func (n node) setParent(no page.PageNo) error {
	return n.p.UpdateRecord(slotParent, encodePageNo(no))
}

func (n node) numKeys() int {
	return (n.p.NumSlots() - 3) / 2
}

func (n node) keySlot(i int) int {
	if n.kind.IsLeaf() {
		return slotFirst + 2*i
	}
	return slotFirst + 1 + 2*i
}

func (n node) key(i int) ([]byte, error) {
	return n.p.Record(n.keySlot(i))
}

// pointer 叶子返回第 i 个记录指针，内部节点返回第 i 个孩子
func (n node) pointer(i int) (page.RID, error) {
	slot := slotFirst + 2*i
	if n.kind.IsLeaf() {
		slot++
	}
	rec, err := n.p.Record(slot)
	if err != nil {
		return page.RID{}, err
	}
	return page.DecodeRID(rec)
}

func (n node) child(i int) (page.PageNo, error) {
	rid, err := n.pointer(i)
	return rid.Page, err
}

// setFirstChild 给刚格式化的内部节点放入孩子 0
func (n node) setFirstChild(child page.PageNo) error {
	return n.p.InsertRecord(slotFirst, page.RID{Page: child}.Encode())
}

func (n node) next() (page.PageNo, error) {
	rec, err := n.p.Record(n.p.NumSlots() - 1)
	if err != nil {
		return 0, err
	}
	rid, err := page.DecodeRID(rec)
	return rid.Page, err
}

func (n node) setNext(no page.PageNo) error {
	return n.p.UpdateRecord(n.p.NumSlots()-1, page.RID{Page: no}.Encode())
}

// search 二分查找第一个 >= key 的位置
func (n node) search(key []byte) (int, bool, error) {
	var ferr error
	cnt := n.numKeys()
	i := sort.Search(cnt, func(i int) bool {
		k, err := n.key(i)
		if err != nil {
			ferr = err
			return true
		}
		return bytes.Compare(k, key) >= 0
	})
	if ferr != nil {
		return 0, false, ferr
	}
	if i < cnt {
		k, err := n.key(i)
		if err != nil {
			return 0, false, err
		}
		return i, bytes.Equal(k, key), nil
	}
	return i, false, nil
}

// childFor 内部节点中 key 应该去的孩子：第一个大于 key 的键左边
func (n node) childFor(key []byte) (page.PageNo, error) {
	i, found, err := n.search(key)
	if err != nil {
		return 0, err
	}
	if found {
		i++
	}
	return n.child(i)
}

// entries 叶子返回 (键 i, 指针 i)，内部节点返回 (键 i, 孩子 i+1)
func (n node) entries() ([]entry, error) {
	out := make([]entry, 0, n.numKeys()+1)
	for i := 0; i < n.numKeys(); i++ {
		k, err := n.key(i)
		if err != nil {
			return nil, err
		}
		pi := i
		if !n.kind.IsLeaf() {
			pi = i + 1
		}
		ptr, err := n.pointer(pi)
		if err != nil {
			return nil, err
		}
		out = append(out, entry{key: k, ptr: ptr})
	}
	return out, nil
}

func (n node) hasRoom(key []byte, capacity int) bool {
	return n.numKeys() < capacity && n.p.FreeSpace() >= pairSize(key)
}

// insertValue 不分裂的插入，放在第一个大于 key 的键前面
func (n node) insertValue(key []byte, ptr page.RID) error {
	i, found, err := n.search(key)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %x", ErrDuplicateKey, key)
	}
	if n.p.FreeSpace() < pairSize(key) {
		return fmt.Errorf("%w: page %d", ErrNodeFull, n.no())
	}
	slot := n.keySlot(i)
	if err := n.p.InsertRecord(slot, key); err != nil {
		return err
	}
	return n.p.InsertRecord(slot+1, ptr.Encode())
}

// deleteValue 删除 key 以及它右边的指针
func (n node) deleteValue(key []byte) error {
	i, found, err := n.search(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %x", ErrKeyNotFound, key)
	}
	slot := n.keySlot(i)
	if err := n.p.DeleteRecord(slot); err != nil {
		return err
	}
	return n.p.DeleteRecord(slot)
}

// clearValues 删除所有键，保留类型、父指针以及叶子的 next / 内部节点的孩子 0
func (n node) clearValues() error {
	for n.numKeys() > 0 {
		k, err := n.key(0)
		if err != nil {
			return err
		}
		if err := n.deleteValue(k); err != nil {
			return err
		}
	}
	return nil
}
