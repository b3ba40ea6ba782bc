package index

import (
	"bytes"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"minisql/pkg/buffer"
	"minisql/pkg/storage/disk"
	"minisql/pkg/storage/page"
)

// DefaultNodeCapacity 每个节点最多存放的键数
const DefaultNodeCapacity = 100

type Options struct {
	NodeCapacity int
	Logger       *zap.Logger
}

// Index 是建在分槽页上的 B+ 树，只支持插入，不做合并
// 所有节点都存放在同一个索引文件中，通过缓冲池访问
type Index struct {
	name     string
	file     disk.FileID
	pool     *buffer.BufferPool
	capacity int
	root     page.PageNo
	pages    []page.PageNo
	log      *zap.Logger
}

func New(pool *buffer.BufferPool, file disk.FileID, opts Options) *Index {
	if opts.NodeCapacity == 0 {
		opts.NodeCapacity = DefaultNodeCapacity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Index{
		file:     file,
		pool:     pool,
		capacity: clampCapacity(opts.NodeCapacity),
		log:      opts.Logger.Named("index"),
	}
}

func (ix *Index) Name() string {
	return ix.name
}

func (ix *Index) File() disk.FileID {
	return ix.file
}

func (ix *Index) Root() page.PageNo {
	return ix.root
}

// Pages 返回树占用的所有页
func (ix *Index) Pages() []page.PageNo {
	return slices.Clone(ix.pages)
}

// pin 取页并钉住，调用方必须配对 release
func (ix *Index) pin(no page.PageNo) (*page.Page, error) {
	p, err := ix.pool.FetchPage(ix.file, no)
	if err != nil {
		return nil, err
	}
	if err := ix.pool.Pin(ix.file, no); err != nil {
		return nil, err
	}
	return p, nil
}

func (ix *Index) release(no page.PageNo, dirty bool) {
	if dirty {
		// 钉住的页一定在缓存里
		_ = ix.pool.MarkDirty(ix.file, no, true)
	}
	ix.pool.Unpin(ix.file, no)
}

func (ix *Index) pinNode(no page.PageNo) (node, error) {
	p, err := ix.pin(no)
	if err != nil {
		return node{}, err
	}
	n, err := loadNode(p)
	if err != nil {
		ix.release(no, false)
		return node{}, err
	}
	return n, nil
}

// allocNode 分配一个新页并格式化成节点，返回时已钉住
func (ix *Index) allocNode(kind Kind, parent page.PageNo) (node, error) {
	p, err := ix.pool.NewPage(ix.file)
	if err != nil {
		return node{}, err
	}
	if err := ix.pool.Pin(ix.file, p.No()); err != nil {
		return node{}, err
	}
	n, err := formatNode(p, kind, parent)
	if err != nil {
		ix.release(p.No(), true)
		return node{}, err
	}
	ix.pages = append(ix.pages, p.No())
	return n, nil
}

// Initialize 把 rootPage 格式化成一棵空树的根
func (ix *Index) Initialize(name string, rootPage page.PageNo) error {
	p, err := ix.pin(rootPage)
	if err != nil {
		return err
	}
	_, err = formatNode(p, KindRootLeaf, page.InvalidPageNo)
	ix.release(rootPage, true)
	if err != nil {
		return err
	}
	ix.name = name
	ix.root = rootPage
	ix.pages = []page.PageNo{rootPage}
	return nil
}

// Open 打开一棵已存在的树
// hint 可能已经过时 (根分裂后目录没来得及更新)，所以沿父指针一直找到真正的根
func (ix *Index) Open(name string, hint page.PageNo) error {
	no := hint
	for steps := 0; ; steps++ {
		if steps > 64 {
			return fmt.Errorf("%w: no root above page %d", ErrBadNode, hint)
		}
		n, err := ix.pinNode(no)
		if err != nil {
			return err
		}
		parent, err := n.parent()
		isRoot := n.kind.IsRoot()
		ix.release(no, false)
		if err != nil {
			return err
		}
		if isRoot {
			break
		}
		no = parent
	}

	pages, err := ix.collect(no)
	if err != nil {
		return err
	}
	ix.name = name
	ix.root = no
	ix.pages = pages
	return nil
}

// collect 广度优先遍历，收集所有节点页
func (ix *Index) collect(root page.PageNo) ([]page.PageNo, error) {
	var out []page.PageNo
	queue := []page.PageNo{root}
	for len(queue) > 0 {
		no := queue[0]
		queue = queue[1:]
		out = append(out, no)

		n, err := ix.pinNode(no)
		if err != nil {
			return nil, err
		}
		if !n.kind.IsLeaf() {
			for i := 0; i <= n.numKeys(); i++ {
				c, err := n.child(i)
				if err != nil {
					ix.release(no, false)
					return nil, err
				}
				queue = append(queue, c)
			}
		}
		ix.release(no, false)
	}
	return out, nil
}

// findLeaf 从 from 开始向下找到 key 所在的叶子
func (ix *Index) findLeaf(from page.PageNo, key []byte) (page.PageNo, error) {
	no := from
	for {
		n, err := ix.pinNode(no)
		if err != nil {
			return 0, err
		}
		if n.kind.IsLeaf() {
			ix.release(no, false)
			return no, nil
		}
		next, err := n.childFor(key)
		ix.release(no, false)
		if err != nil {
			return 0, err
		}
		no = next
	}
}

// Insert 从根插入一个键
func (ix *Index) Insert(key []byte, ptr page.RID) error {
	return ix.InsertEntry(ix.root, key, ptr)
}

// InsertEntry 从 from 节点向下找到叶子并插入，必要时分裂
func (ix *Index) InsertEntry(from page.PageNo, key []byte, ptr page.RID) error {
	if err := checkKey(key); err != nil {
		return err
	}
	leaf, err := ix.findLeaf(from, key)
	if err != nil {
		return err
	}
	if err := ix.insertEntry(leaf, key, ptr); err != nil {
		return err
	}
	if e, ok := ix.pool.Files().Lookup(ix.file); ok {
		e.RecordCount++
	}
	return nil
}

// insertEntry 在节点 no 上插入 (key, ptr)
// 1. 有空间直接插入
// 2. 否则分裂：新建兄弟节点，所有键排序后一分为二
// 3. 分隔键插入父节点 (可能继续分裂)；根分裂则长出新根
func (ix *Index) insertEntry(no page.PageNo, key []byte, ptr page.RID) error {
	n, err := ix.pinNode(no)
	if err != nil {
		return err
	}

	if n.hasRoom(key, ix.capacity) {
		err := n.insertValue(key, ptr)
		ix.release(no, err == nil)
		return err
	}

	_, found, err := n.search(key)
	if err == nil && found {
		err = fmt.Errorf("%w: %x", ErrDuplicateKey, key)
	}
	if err != nil {
		ix.release(no, false)
		return err
	}
	return ix.split(n, key, ptr)
}

// split 调用时 n 已钉住，返回前保证释放
func (ix *Index) split(n node, key []byte, ptr page.RID) error {
	wasRoot := n.kind.IsRoot()
	kind := n.kind.demoted()

	parent, err := n.parent()
	if err != nil {
		ix.release(n.no(), false)
		return err
	}
	all, err := n.entries()
	if err != nil {
		ix.release(n.no(), false)
		return err
	}
	all = append(all, entry{key: key, ptr: ptr})
	slices.SortFunc(all, func(a, b entry) int { return bytes.Compare(a.key, b.key) })
	mid, err := splitPoint(all, kind.IsLeaf(), ix.capacity)
	if err != nil {
		ix.release(n.no(), false)
		return err
	}

	sib, err := ix.allocNode(kind, parent)
	if err != nil {
		ix.release(n.no(), false)
		return err
	}

	// 从这里开始 n 和 sib 都被修改了
	separator, moved, err := ix.redistribute(&n, sib, kind, all, mid)
	if err == nil && wasRoot {
		err = ix.growRoot(n, sib, separator)
	}
	ix.release(n.no(), true)
	ix.release(sib.no(), true)
	if err != nil {
		return err
	}

	ix.log.Debug("node split",
		zap.String("index", ix.name),
		zap.Uint32("page", uint32(n.no())),
		zap.Uint32("sibling", uint32(sib.no())),
		zap.Bool("leaf", kind.IsLeaf()),
		zap.Bool("root", wasRoot))

	// 被移到兄弟节点的孩子要改父指针
	for _, c := range moved {
		if err := ix.setParent(c, sib.no()); err != nil {
			return err
		}
	}

	if wasRoot {
		return nil
	}
	return ix.insertEntry(parent, separator, page.RID{Page: sib.no()})
}

// splitPoint 选择分裂位置，两半的键数不超过容量，字节数都放得进一页
// 按键数对半分放得下就用它，否则选两半字节数最接近的位置
// 内部节点的 all[mid] 会被提上去，不算在任何一半里
func splitPoint(all []entry, leaf bool, capacity int) (int, error) {
	prefix := make([]int, len(all)+1)
	for i, e := range all {
		prefix[i+1] = prefix[i] + pairSize(e.key)
	}
	halves := func(mid int) (lowerBytes, upperBytes int, ok bool) {
		start := mid
		if !leaf {
			start++
		}
		lower, upper := mid, len(all)-start
		lowerBytes, upperBytes = prefix[mid], prefix[len(all)]-prefix[start]
		ok = lower >= 1 && upper >= 1 && lower <= capacity && upper <= capacity &&
			lowerBytes <= nodeBudget && upperBytes <= nodeBudget
		return lowerBytes, upperBytes, ok
	}

	if _, _, ok := halves(len(all) / 2); ok {
		return len(all) / 2, nil
	}
	best, bestBytes := -1, 0
	for mid := 1; mid < len(all); mid++ {
		lb, ub, ok := halves(mid)
		if !ok {
			continue
		}
		if w := max(lb, ub); best < 0 || w < bestBytes {
			best, bestBytes = mid, w
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("%w: no split point for %d keys", ErrNodeFull, len(all))
	}
	return best, nil
}

// redistribute 清空 n 后把前一半放回 n，后一半放进 sib
// 叶子的分隔键是后一半第一个键 (复制上去)；内部节点的分隔键被提上去，不再留在下层
func (ix *Index) redistribute(n *node, sib node, kind Kind, all []entry, mid int) ([]byte, []page.PageNo, error) {
	if n.kind != kind {
		if err := n.setKind(kind); err != nil {
			return nil, nil, err
		}
	}
	if err := n.clearValues(); err != nil {
		return nil, nil, err
	}

	var (
		lower, upper []entry
		separator    []byte
		moved        []page.PageNo
	)
	if kind.IsLeaf() {
		lower, upper = all[:mid], all[mid:]
		separator = slices.Clone(upper[0].key)
	} else {
		lower, upper = all[:mid], all[mid+1:]
		separator = all[mid].key
		if err := sib.setFirstChild(all[mid].ptr.Page); err != nil {
			return nil, nil, err
		}
		moved = append(moved, all[mid].ptr.Page)
		for _, e := range upper {
			moved = append(moved, e.ptr.Page)
		}
	}

	for _, e := range lower {
		if err := n.insertValue(e.key, e.ptr); err != nil {
			return nil, nil, err
		}
	}
	for _, e := range upper {
		if err := sib.insertValue(e.key, e.ptr); err != nil {
			return nil, nil, err
		}
	}

	if kind.IsLeaf() {
		next, err := n.next()
		if err != nil {
			return nil, nil, err
		}
		if err := sib.setNext(next); err != nil {
			return nil, nil, err
		}
		if err := n.setNext(sib.no()); err != nil {
			return nil, nil, err
		}
	}
	return separator, moved, nil
}

// growRoot 新根只有两个孩子和一个键
func (ix *Index) growRoot(left, right node, separator []byte) error {
	root, err := ix.allocNode(KindRoot, page.InvalidPageNo)
	if err != nil {
		return err
	}
	err = root.setFirstChild(left.no())
	if err == nil {
		err = root.insertValue(separator, page.RID{Page: right.no()})
	}
	if err == nil {
		err = left.setParent(root.no())
	}
	if err == nil {
		err = right.setParent(root.no())
	}
	ix.release(root.no(), true)
	if err != nil {
		return err
	}
	ix.root = root.no()
	ix.log.Debug("root grown", zap.String("index", ix.name), zap.Uint32("root", uint32(root.no())))
	return nil
}

func (ix *Index) setParent(no, parent page.PageNo) error {
	n, err := ix.pinNode(no)
	if err != nil {
		return err
	}
	err = n.setParent(parent)
	ix.release(no, err == nil)
	return err
}

// InsertValue 在节点上直接插入，不检查容量也不分裂，页放不下时返回 ErrNodeFull
func (ix *Index) InsertValue(no page.PageNo, key []byte, ptr page.RID) error {
	if err := checkKey(key); err != nil {
		return err
	}
	n, err := ix.pinNode(no)
	if err != nil {
		return err
	}
	err = n.insertValue(key, ptr)
	ix.release(no, err == nil)
	return err
}

// DeleteValue 从节点上删除一个键以及它右边的指针
func (ix *Index) DeleteValue(no page.PageNo, key []byte) error {
	n, err := ix.pinNode(no)
	if err != nil {
		return err
	}
	err = n.deleteValue(key)
	ix.release(no, err == nil)
	return err
}

// Search 精确查找
func (ix *Index) Search(key []byte) (page.RID, bool, error) {
	leaf, err := ix.findLeaf(ix.root, key)
	if err != nil {
		return page.RID{}, false, err
	}
	n, err := ix.pinNode(leaf)
	if err != nil {
		return page.RID{}, false, err
	}
	defer ix.release(leaf, false)

	i, found, err := n.search(key)
	if err != nil || !found {
		return page.RID{}, false, err
	}
	ptr, err := n.pointer(i)
	if err != nil {
		return page.RID{}, false, err
	}
	return ptr, true, nil
}

// WriteIndex 把文件头和所有缓存中的节点页写回磁盘
func (ix *Index) WriteIndex() error {
	if err := ix.pool.FlushFileHeader(ix.file); err != nil {
		return err
	}
	for _, no := range ix.pages {
		if err := ix.pool.FlushPage(ix.file, no); err != nil {
			return err
		}
	}
	return nil
}
