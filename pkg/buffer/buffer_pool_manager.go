package buffer

import (
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"minisql/pkg/storage/disk"
	"minisql/pkg/storage/page"
)

// Options 配置一个缓冲池
type Options struct {
	Name     string // 用于日志和指标，比如 "table" / "index"
	Capacity int
	Policy   string // PolicyUsage 或 PolicyLRU
	Logger   *zap.Logger
	Meter    metric.Meter
}

type frameKey struct {
	file disk.FileID
	no   page.PageNo
}

// frame 是缓冲池中的一个槽位
type frame struct {
	file     disk.FileID
	page     *page.Page
	pinCount int
	dirty    bool
}

// FrameInfo 是某个缓存页的状态快照
type FrameInfo struct {
	PinCount int
	Dirty    bool
	Usage    uint32
}

// Stats 缓冲池概况
type Stats struct {
	Name     string
	Capacity int
	Live     int
	Pinned   int
	Dirty    int
}

type BufferPool struct {
	mu       sync.Mutex
	name     string
	store    disk.Store
	files    *FileTable
	frames   []*frame         // nil 表示空闲 Frame
	table    map[frameKey]int // (文件, 页号) -> FrameID
	replacer Replacer
	metrics  *poolMetrics
	log      *zap.Logger
}

// NewBufferPool 初始化
// files 可以被多个缓冲池共享
func NewBufferPool(store disk.Store, files *FileTable, opts Options) (*BufferPool, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, opts.Capacity)
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if files == nil {
		files = NewFileTable()
	}
	replacer, err := NewReplacer(opts.Policy, opts.Capacity)
	if err != nil {
		return nil, err
	}
	m, err := newPoolMetrics(opts.Meter, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("buffer pool metrics: %w", err)
	}
	return &BufferPool{
		name:     opts.Name,
		store:    store,
		files:    files,
		frames:   make([]*frame, opts.Capacity),
		table:    make(map[frameKey]int),
		replacer: replacer,
		metrics:  m,
		log:      opts.Logger.Named("buffer").With(zap.String("pool", opts.Name)),
	}, nil
}

func (b *BufferPool) Files() *FileTable {
	return b.files
}

func (b *BufferPool) Capacity() int {
	return len(b.frames)
}

// Len 返回当前缓存的页数
func (b *BufferPool) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.table)
}

// UseDatabase 切换数据库
// 1. 文件表和所有缓存页写回磁盘 (先页体后页头)
// 2. 清空缓冲池
// 3. 扫描新数据库目录，重新装载文件表
func (b *BufferPool) UseDatabase(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.files.Flush(b.store); err != nil {
		return err
	}
	if err := b.flushAll(); err != nil {
		return err
	}
	b.reset()
	b.files.Reset()
	if err := b.files.Load(b.store, dir); err != nil {
		return err
	}
	b.log.Info("database loaded", zap.String("dir", dir), zap.Int("files", b.files.Len()))
	return nil
}

// IsPageCached 查询页面是否在缓存中，命中时增加使用计数
func (b *BufferPool) IsPageCached(file disk.FileID, no page.PageNo) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.touch(file, no)
	return ok
}

func (b *BufferPool) touch(file disk.FileID, no page.PageNo) (int, bool) {
	id, ok := b.table[frameKey{file, no}]
	if ok {
		b.replacer.Access(id)
	}
	return id, ok
}

// FetchPage 核心方法：获取一个页面
// 1. 如果在缓存中，只增加使用计数
// 2. 如果有空闲 Frame，直接读入
// 3. 否则选一个没被钉住的 Frame 驱逐 (脏页先写回)，再读入
// 返回的页面钉住计数为 0，调用方需要自己 Pin
func (b *BufferPool) FetchPage(file disk.FileID, no page.PageNo) (*page.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// 1. 缓存命中
	if id, ok := b.touch(file, no); ok {
		b.metrics.hit()
		return b.frames[id].page, nil
	}
	b.metrics.miss()

	// 2. 缓存未命中，需要一个 Frame
	id, replaced, err := b.obtainFrame()
	if err != nil {
		return nil, err
	}

	// 3. 读到一个新的 Page 对象里，全部成功才放进 Frame
	p := &page.Page{}
	if err := b.store.ReadPageHeader(file, no, p); err != nil {
		return nil, err
	}
	if err := b.store.ReadPageData(file, no, p); err != nil {
		return nil, err
	}
	if err := p.Verify(); err != nil {
		return nil, &disk.StorageError{Op: "fetch", File: file, Page: no, Err: err}
	}
	if p.No() != no {
		return nil, &disk.StorageError{Op: "fetch", File: file, Page: no,
			Err: fmt.Errorf("%w: header says page %d", page.ErrCorrupted, p.No())}
	}

	b.install(id, file, p, false, replaced)
	return p, nil
}

// NewPage 在文件末尾分配一个新页并放入缓存
// 新页是脏的，钉住计数为 0
func (b *BufferPool) NewPage(file disk.FileID) (*page.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.files.Lookup(file)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, file)
	}

	// 1. 先确保有 Frame，避免磁盘上分配了页却放不进缓存
	id, replaced, err := b.obtainFrame()
	if err != nil {
		return nil, err
	}

	// 2. 在磁盘上分配
	no, err := b.store.AllocatePage(file)
	if err != nil {
		return nil, err
	}
	entry.grow(no)

	// 3. 放入缓存
	p := page.New(no)
	b.install(id, file, p, true, replaced)
	b.log.Debug("page allocated", zap.String("file", string(file)), zap.Uint32("page", uint32(no)))
	return p, nil
}

func (b *BufferPool) install(id int, file disk.FileID, p *page.Page, dirty, replaced bool) {
	b.frames[id] = &frame{file: file, page: p, dirty: dirty}
	b.table[frameKey{file, p.No()}] = id
	b.replacer.Admit(id, replaced)
}

// obtainFrame 辅助方法：寻找可用的 FrameID
// 优先用空闲 Frame；否则请替换策略选一个，脏页写回后释放
func (b *BufferPool) obtainFrame() (int, bool, error) {
	for id, f := range b.frames {
		if f == nil {
			return id, false, nil
		}
	}

	id, ok := b.replacer.Victim(b.pinned)
	if !ok {
		return -1, false, ErrPoolExhausted
	}

	victim := b.frames[id]
	if victim.dirty {
		if err := b.flushFrame(victim); err != nil {
			return -1, false, err
		}
	}
	b.discard(id)
	b.metrics.evict()
	b.log.Debug("frame evicted",
		zap.Int("frame", id),
		zap.String("file", string(victim.file)),
		zap.Uint32("page", uint32(victim.page.No())))
	return id, true, nil
}

func (b *BufferPool) pinned(id int) bool {
	f := b.frames[id]
	return f != nil && f.pinCount > 0
}

func (b *BufferPool) discard(id int) {
	f := b.frames[id]
	delete(b.table, frameKey{f.file, f.page.No()})
	b.frames[id] = nil
	b.replacer.Forget(id)
}

// flushFrame 写回一个 Frame：先页体，后页头
func (b *BufferPool) flushFrame(f *frame) error {
	f.page.Seal()
	if err := b.store.WritePageData(f.file, f.page); err != nil {
		return err
	}
	if err := b.store.WritePageHeader(f.file, f.page); err != nil {
		return err
	}
	f.dirty = false
	b.metrics.flush()
	return nil
}

func (b *BufferPool) lookup(file disk.FileID, no page.PageNo) (*frame, bool) {
	id, ok := b.table[frameKey{file, no}]
	if !ok {
		return nil, false
	}
	return b.frames[id], true
}

// Pin 钉住一个缓存页，钉住的页不会被驱逐
func (b *BufferPool) Pin(file disk.FileID, no page.PageNo) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.lookup(file, no)
	if !ok {
		return fmt.Errorf("%w: %s page %d", ErrPageNotCached, file, no)
	}
	f.pinCount++
	return nil
}

// Unpin 递减钉住计数，最小为 0
// 页面不在缓存或者没有被钉住时什么也不做
func (b *BufferPool) Unpin(file disk.FileID, no page.PageNo) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.lookup(file, no); ok && f.pinCount > 0 {
		f.pinCount--
	}
}

// MarkDirty 调用者修改了页面后必须标记
func (b *BufferPool) MarkDirty(file disk.FileID, no page.PageNo, dirty bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.lookup(file, no)
	if !ok {
		return fmt.Errorf("%w: %s page %d", ErrPageNotCached, file, no)
	}
	f.dirty = dirty
	return nil
}

// Frame 返回缓存页的状态，不影响使用计数
func (b *BufferPool) Frame(file disk.FileID, no page.PageNo) (FrameInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.table[frameKey{file, no}]
	if !ok {
		return FrameInfo{}, false
	}
	f := b.frames[id]
	info := FrameInfo{PinCount: f.pinCount, Dirty: f.dirty}
	if u, ok := b.replacer.(interface{ Usage(int) uint32 }); ok {
		info.Usage = u.Usage(id)
	}
	return info, true
}

// FlushPage 强制将某个页面刷盘，不在缓存中的页已经是最新的
func (b *BufferPool) FlushPage(file disk.FileID, no page.PageNo) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.lookup(file, no)
	if !ok {
		return nil
	}
	return b.flushFrame(f)
}

// FlushFileHeader 把某个文件的文件表项写回它的第 0 页
func (b *BufferPool) FlushFileHeader(file disk.FileID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.files.Lookup(file)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, file)
	}
	return b.store.WriteFileHeader(file, &e.FileHeader)
}

// FlushAll 写回所有缓存页，无论是否脏
func (b *BufferPool) FlushAll() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushAll()
}

func (b *BufferPool) flushAll() error {
	var errs []error
	for _, f := range b.frames {
		if f == nil {
			continue
		}
		if err := b.flushFrame(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset 丢弃所有 Frame，不写回
func (b *BufferPool) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *BufferPool) reset() {
	for id, f := range b.frames {
		if f != nil {
			b.discard(id)
		}
	}
}

// DropTable 丢弃某个文件的所有缓存页和文件表项，不写回
func (b *BufferPool) DropTable(file disk.FileID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, f := range b.frames {
		if f != nil && f.file == file {
			b.discard(id)
		}
	}
	b.files.Remove(file)
}

// DropDatabase 丢弃某个数据库的所有缓存页和文件表项，不写回
func (b *BufferPool) DropDatabase(db string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for id, f := range b.frames {
		if f != nil && f.file.Database() == db {
			b.discard(id)
			dropped++
		}
	}
	b.files.RemoveDatabase(db)
	b.log.Info("database dropped", zap.String("db", db), zap.Int("frames", dropped))
}

// Shutdown 写回文件表和所有缓存页
func (b *BufferPool) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.files.Flush(b.store); err != nil {
		return err
	}
	if err := b.flushAll(); err != nil {
		return err
	}
	b.log.Info("buffer pool shut down", zap.Int("frames", len(b.table)))
	return nil
}

func (b *BufferPool) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{Name: b.name, Capacity: len(b.frames), Live: len(b.table)}
	for _, f := range b.frames {
		if f == nil {
			continue
		}
		if f.pinCount > 0 {
			s.Pinned++
		}
		if f.dirty {
			s.Dirty++
		}
	}
	return s
}
