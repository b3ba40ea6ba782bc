package buffer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"minisql/pkg/storage/disk"
	"minisql/pkg/storage/page"
)

type pageKey struct {
	file disk.FileID
	no   page.PageNo
}

type storedPage struct {
	hdr  [page.HeaderSize]byte
	data [page.BodySize]byte
}

// memStore 是记录调用顺序的内存 Store
type memStore struct {
	pages    map[pageKey]*storedPage
	headers  map[disk.FileID]disk.FileHeader
	count    map[disk.FileID]page.PageNo
	ops      []string
	failRead map[pageKey]bool
}

func newMemStore() *memStore {
	return &memStore{
		pages:    make(map[pageKey]*storedPage),
		headers:  make(map[disk.FileID]disk.FileHeader),
		count:    make(map[disk.FileID]page.PageNo),
		failRead: make(map[pageKey]bool),
	}
}

var errInjected = errors.New("injected read failure")

func (m *memStore) record(op string, file disk.FileID, no page.PageNo) {
	m.ops = append(m.ops, fmt.Sprintf("%s %s:%d", op, file, no))
}

func (m *memStore) CreateFile(file disk.FileID, h *disk.FileHeader) error {
	m.headers[file] = *h
	return nil
}

func (m *memStore) RemoveFile(file disk.FileID) error {
	delete(m.headers, file)
	return nil
}

func (m *memStore) ListFiles(dir string) ([]disk.FileID, error) {
	var out []disk.FileID
	for f := range m.headers {
		if filepath.Dir(string(f)) == dir {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memStore) ReadFileHeader(file disk.FileID) (*disk.FileHeader, error) {
	h, ok := m.headers[file]
	if !ok {
		return nil, &disk.StorageError{Op: "read header", File: file, Err: errInjected}
	}
	return &h, nil
}

func (m *memStore) WriteFileHeader(file disk.FileID, h *disk.FileHeader) error {
	m.record("write-file-header", file, 0)
	m.headers[file] = *h
	return nil
}

func (m *memStore) ReadPageHeader(file disk.FileID, no page.PageNo, p *page.Page) error {
	m.record("read-header", file, no)
	sp, ok := m.pages[pageKey{file, no}]
	if !ok || m.failRead[pageKey{file, no}] {
		return &disk.StorageError{Op: "read page header", File: file, Page: no, Err: errInjected}
	}
	return p.DecodeHeader(sp.hdr[:])
}

func (m *memStore) ReadPageData(file disk.FileID, no page.PageNo, p *page.Page) error {
	m.record("read-data", file, no)
	sp, ok := m.pages[pageKey{file, no}]
	if !ok {
		return &disk.StorageError{Op: "read page", File: file, Page: no, Err: errInjected}
	}
	p.Data = sp.data
	return nil
}

func (m *memStore) slot(file disk.FileID, no page.PageNo) *storedPage {
	sp, ok := m.pages[pageKey{file, no}]
	if !ok {
		sp = &storedPage{}
		m.pages[pageKey{file, no}] = sp
	}
	return sp
}

func (m *memStore) WritePageHeader(file disk.FileID, p *page.Page) error {
	m.record("write-header", file, p.No())
	p.EncodeHeader(m.slot(file, p.No()).hdr[:])
	return nil
}

func (m *memStore) WritePageData(file disk.FileID, p *page.Page) error {
	m.record("write-data", file, p.No())
	m.slot(file, p.No()).data = p.Data
	return nil
}

func (m *memStore) AllocatePage(file disk.FileID) (page.PageNo, error) {
	m.count[file]++
	no := m.count[file]
	p := page.New(no)
	p.Seal()
	sp := m.slot(file, no)
	p.EncodeHeader(sp.hdr[:])
	sp.data = p.Data
	return no, nil
}

func (m *memStore) Close() error { return nil }

// seed 创建一个有 n 页的文件，每页一条记录 "<name>:<页号>"
func (m *memStore) seed(t *testing.T, file disk.FileID, n int) {
	t.Helper()
	h := disk.FileHeader{Kind: disk.KindTable, Database: file.Database(), Table: file.Name()}
	for i := 0; i < n; i++ {
		no, err := m.AllocatePage(file)
		require.NoError(t, err)
		p := page.New(no)
		require.NoError(t, p.InsertRecord(0, []byte(fmt.Sprintf("%s:%d", file.Name(), no))))
		p.Seal()
		sp := m.slot(file, no)
		p.EncodeHeader(sp.hdr[:])
		sp.data = p.Data
		h.Full = append(h.Full, false)
	}
	h.PageCount = uint32(n)
	m.headers[file] = h
}

const (
	fileA = disk.FileID("/data/shop/a.dat")
	fileB = disk.FileID("/data/shop/b.dat")
)

func newTestPool(t *testing.T, store disk.Store, capacity int, policy string) *BufferPool {
	t.Helper()
	bp, err := NewBufferPool(store, nil, Options{Name: "test", Capacity: capacity, Policy: policy})
	require.NoError(t, err)
	return bp
}

func fetch(t *testing.T, bp *BufferPool, file disk.FileID, no page.PageNo) *page.Page {
	t.Helper()
	p, err := bp.FetchPage(file, no)
	require.NoError(t, err)
	return p
}

func TestNewBufferPoolValidation(t *testing.T) {
	_, err := NewBufferPool(newMemStore(), nil, Options{Capacity: 0})
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = NewBufferPool(newMemStore(), nil, Options{Capacity: 2, Policy: "clock"})
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestFetchPageReadsRecord(t *testing.T) {
	store := newMemStore()
	store.seed(t, fileA, 3)
	bp := newTestPool(t, store, 3, PolicyUsage)

	p := fetch(t, bp, fileA, 2)
	rec, err := p.Record(0)
	require.NoError(t, err)
	assert.Equal(t, "a:2", string(rec))

	info, ok := bp.Frame(fileA, 2)
	require.True(t, ok)
	assert.Equal(t, FrameInfo{PinCount: 0, Dirty: false, Usage: 0}, info)
}

func TestCapacityAndIdentity(t *testing.T) {
	store := newMemStore()
	store.seed(t, fileA, 10)
	bp := newTestPool(t, store, 4, PolicyUsage)

	for no := page.PageNo(1); no <= 10; no++ {
		fetch(t, bp, fileA, no)
		assert.LessOrEqual(t, bp.Len(), 4)
	}
	assert.Equal(t, 4, bp.Len())

	// 同一个页只会有一个 Frame
	p1 := fetch(t, bp, fileA, 10)
	p2 := fetch(t, bp, fileA, 10)
	assert.Same(t, p1, p2)
	assert.Equal(t, 4, bp.Len())
}

func TestUsageCounters(t *testing.T) {
	store := newMemStore()
	store.seed(t, fileA, 4)
	bp := newTestPool(t, store, 2, PolicyUsage)

	fetch(t, bp, fileA, 1)
	fetch(t, bp, fileA, 2)
	assert.True(t, bp.IsPageCached(fileA, 1))
	assert.True(t, bp.IsPageCached(fileA, 1))
	assert.False(t, bp.IsPageCached(fileA, 3))

	info, _ := bp.Frame(fileA, 1)
	assert.Equal(t, uint32(2), info.Usage)

	// 页 2 计数为 0，被驱逐；替换装入的页 3 计数为 1
	fetch(t, bp, fileA, 3)
	assert.False(t, bp.IsPageCached(fileA, 2))
	info, _ = bp.Frame(fileA, 3)
	assert.Equal(t, uint32(1), info.Usage)

	// 页 1 计数 2，页 3 计数 1，驱逐页 3
	fetch(t, bp, fileA, 4)
	_, ok := bp.Frame(fileA, 3)
	assert.False(t, ok)
	_, ok = bp.Frame(fileA, 1)
	assert.True(t, ok)
}

func TestUsageTieBreaksOnScanOrder(t *testing.T) {
	store := newMemStore()
	store.seed(t, fileA, 4)
	bp := newTestPool(t, store, 3, PolicyUsage)

	fetch(t, bp, fileA, 1)
	fetch(t, bp, fileA, 2)
	fetch(t, bp, fileA, 3)

	// 三个 Frame 计数都是 0，取扫描到的第一个 (页 1)
	fetch(t, bp, fileA, 4)
	_, ok := bp.Frame(fileA, 1)
	assert.False(t, ok)
	for _, no := range []page.PageNo{2, 3, 4} {
		_, ok := bp.Frame(fileA, no)
		assert.True(t, ok, "page %d", no)
	}
}

func TestEvictionRespectsPins(t *testing.T) {
	for _, policy := range []string{PolicyUsage, PolicyLRU} {
		t.Run(policy, func(t *testing.T) {
			store := newMemStore()
			store.seed(t, fileA, 4)
			bp := newTestPool(t, store, 2, policy)

			fetch(t, bp, fileA, 1)
			require.NoError(t, bp.Pin(fileA, 1))
			fetch(t, bp, fileA, 2)

			fetch(t, bp, fileA, 3)
			_, ok := bp.Frame(fileA, 1)
			assert.True(t, ok, "pinned page must stay cached")
			_, ok = bp.Frame(fileA, 2)
			assert.False(t, ok)

			// 全部钉住
			require.NoError(t, bp.Pin(fileA, 3))
			_, err := bp.FetchPage(fileA, 4)
			require.ErrorIs(t, err, ErrPoolExhausted)
			assert.False(t, disk.IsStorage(err))
			assert.Equal(t, 2, bp.Len())

			// 松开后可以继续
			bp.Unpin(fileA, 3)
			fetch(t, bp, fileA, 4)
			_, ok = bp.Frame(fileA, 1)
			assert.True(t, ok)
		})
	}
}

func TestDirtyVictimFlushedBeforeRead(t *testing.T) {
	store := newMemStore()
	store.seed(t, fileA, 2)
	bp := newTestPool(t, store, 1, PolicyUsage)

	p := fetch(t, bp, fileA, 1)
	require.NoError(t, p.UpdateRecord(0, []byte("changed")))
	require.NoError(t, bp.MarkDirty(fileA, 1, true))

	store.ops = nil
	fetch(t, bp, fileA, 2)
	assert.Equal(t, []string{
		"write-data /data/shop/a.dat:1",
		"write-header /data/shop/a.dat:1",
		"read-header /data/shop/a.dat:2",
		"read-data /data/shop/a.dat:2",
	}, store.ops)

	// 被驱逐的脏页读回来是修改后的内容
	p = fetch(t, bp, fileA, 1)
	rec, err := p.Record(0)
	require.NoError(t, err)
	assert.Equal(t, "changed", string(rec))
}

func TestCleanVictimNotWritten(t *testing.T) {
	store := newMemStore()
	store.seed(t, fileA, 2)
	bp := newTestPool(t, store, 1, PolicyUsage)

	fetch(t, bp, fileA, 1)
	store.ops = nil
	fetch(t, bp, fileA, 2)
	assert.Equal(t, []string{
		"read-header /data/shop/a.dat:2",
		"read-data /data/shop/a.dat:2",
	}, store.ops)
}

func TestFailedReadLeavesNoFrame(t *testing.T) {
	store := newMemStore()
	store.seed(t, fileA, 3)
	bp := newTestPool(t, store, 2, PolicyUsage)

	fetch(t, bp, fileA, 1)
	store.failRead[pageKey{fileA, 2}] = true

	_, err := bp.FetchPage(fileA, 2)
	require.Error(t, err)
	assert.True(t, disk.IsStorage(err))
	assert.False(t, errors.Is(err, ErrPoolExhausted))
	assert.False(t, bp.IsPageCached(fileA, 2))
	assert.Equal(t, 1, bp.Len())

	// 读失败的 Frame 仍然可用
	fetch(t, bp, fileA, 3)
	assert.Equal(t, 2, bp.Len())
}

func TestCorruptPageRejected(t *testing.T) {
	store := newMemStore()
	store.seed(t, fileA, 1)
	store.pages[pageKey{fileA, 1}].data[100] ^= 0xFF
	bp := newTestPool(t, store, 2, PolicyUsage)

	_, err := bp.FetchPage(fileA, 1)
	assert.ErrorIs(t, err, page.ErrCorrupted)
	assert.True(t, disk.IsStorage(err))
	assert.Equal(t, 0, bp.Len())
}

func TestPinUnpinMarkDirty(t *testing.T) {
	store := newMemStore()
	store.seed(t, fileA, 1)
	bp := newTestPool(t, store, 2, PolicyUsage)

	assert.ErrorIs(t, bp.Pin(fileA, 1), ErrPageNotCached)
	assert.ErrorIs(t, bp.MarkDirty(fileA, 1, true), ErrPageNotCached)
	bp.Unpin(fileA, 1) // 不在缓存中，什么也不做

	fetch(t, bp, fileA, 1)
	require.NoError(t, bp.Pin(fileA, 1))
	require.NoError(t, bp.Pin(fileA, 1))
	bp.Unpin(fileA, 1)
	bp.Unpin(fileA, 1)
	bp.Unpin(fileA, 1)
	info, _ := bp.Frame(fileA, 1)
	assert.Equal(t, 0, info.PinCount)

	require.NoError(t, bp.MarkDirty(fileA, 1, true))
	info, _ = bp.Frame(fileA, 1)
	assert.True(t, info.Dirty)
	assert.Equal(t, Stats{Name: "test", Capacity: 2, Live: 1, Dirty: 1}, bp.Stats())
}

func TestFillWithOneFileThenFetchAnother(t *testing.T) {
	const capacity = 25
	store := newMemStore()
	store.seed(t, fileA, capacity)
	store.seed(t, fileB, 1)
	bp := newTestPool(t, store, capacity, PolicyUsage)

	for no := page.PageNo(1); no <= capacity; no++ {
		fetch(t, bp, fileA, no)
	}
	fetch(t, bp, fileB, 1)

	cachedA := 0
	for no := page.PageNo(1); no <= capacity; no++ {
		if _, ok := bp.Frame(fileA, no); ok {
			cachedA++
		}
	}
	assert.Equal(t, capacity-1, cachedA)
	assert.Equal(t, capacity, bp.Len())
}

func TestNewPage(t *testing.T) {
	store := newMemStore()
	store.seed(t, fileA, 2)
	bp := newTestPool(t, store, 2, PolicyUsage)

	_, err := bp.NewPage(fileA)
	assert.ErrorIs(t, err, ErrUnknownFile)

	require.NoError(t, bp.UseDatabase("/data/shop"))
	p, err := bp.NewPage(fileA)
	require.NoError(t, err)
	assert.Equal(t, page.PageNo(3), p.No())

	info, ok := bp.Frame(fileA, 3)
	require.True(t, ok)
	assert.True(t, info.Dirty)

	e, ok := bp.Files().Lookup(fileA)
	require.True(t, ok)
	assert.Equal(t, uint32(3), e.PageCount)
	assert.Equal(t, []bool{false, false, false}, e.Full)
}

func TestDropDiscardsWithoutFlush(t *testing.T) {
	store := newMemStore()
	store.seed(t, fileA, 2)
	store.seed(t, fileB, 2)
	bp := newTestPool(t, store, 4, PolicyUsage)
	require.NoError(t, bp.UseDatabase("/data/shop"))

	for _, f := range []disk.FileID{fileA, fileB} {
		for no := page.PageNo(1); no <= 2; no++ {
			fetch(t, bp, f, no)
			require.NoError(t, bp.MarkDirty(f, no, true))
		}
	}

	store.ops = nil
	bp.DropTable(fileA)
	assert.Empty(t, store.ops)
	assert.False(t, bp.IsPageCached(fileA, 1))
	assert.True(t, bp.IsPageCached(fileB, 1))
	_, ok := bp.Files().Lookup(fileA)
	assert.False(t, ok)

	bp.DropDatabase("shop")
	assert.Empty(t, store.ops)
	assert.Equal(t, 0, bp.Len())
	assert.Equal(t, 0, bp.Files().Len())
}

func TestShutdownFlushesEverything(t *testing.T) {
	store := newMemStore()
	store.seed(t, fileA, 2)
	bp := newTestPool(t, store, 2, PolicyUsage)
	require.NoError(t, bp.UseDatabase("/data/shop"))

	fetch(t, bp, fileA, 1)
	fetch(t, bp, fileA, 2)
	store.ops = nil
	require.NoError(t, bp.Shutdown())
	assert.Equal(t, []string{
		"write-file-header /data/shop/a.dat:0",
		"write-data /data/shop/a.dat:1",
		"write-header /data/shop/a.dat:1",
		"write-data /data/shop/a.dat:2",
		"write-header /data/shop/a.dat:2",
	}, store.ops)
}

func TestRoundTripAcrossRestart(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "shop")
	file := disk.TableFile(root, "shop", "orders")

	store := disk.NewFileStore(nil)
	require.NoError(t, store.CreateFile(file, &disk.FileHeader{Kind: disk.KindTable, Database: "shop", Table: "orders"}))

	bp := newTestPool(t, store, 2, PolicyUsage)
	require.NoError(t, bp.UseDatabase(dir))

	var nos []page.PageNo
	for i := 0; i < 5; i++ {
		p, err := bp.NewPage(file)
		require.NoError(t, err)
		require.NoError(t, p.InsertRecord(0, []byte(fmt.Sprintf("row-%d", i))))
		require.NoError(t, bp.MarkDirty(file, p.No(), true))
		nos = append(nos, p.No())
	}
	e, _ := bp.Files().Lookup(file)
	e.RecordCount = 5
	require.NoError(t, bp.Shutdown())
	require.NoError(t, store.Close())

	// 重新打开
	store = disk.NewFileStore(nil)
	defer store.Close()
	bp = newTestPool(t, store, 2, PolicyLRU)
	require.NoError(t, bp.UseDatabase(dir))

	e, ok := bp.Files().Lookup(file)
	require.True(t, ok)
	assert.Equal(t, uint32(5), e.PageCount)
	assert.Equal(t, uint64(5), e.RecordCount)

	for i, no := range nos {
		p := fetch(t, bp, file, no)
		rec, err := p.Record(0)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("row-%d", i), string(rec))
	}
}

func TestPoolMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	store := newMemStore()
	store.seed(t, fileA, 3)
	bp, err := NewBufferPool(store, nil, Options{
		Name:     "table",
		Capacity: 1,
		Meter:    provider.Meter("test"),
	})
	require.NoError(t, err)

	fetch(t, bp, fileA, 1)
	fetch(t, bp, fileA, 1)
	require.NoError(t, bp.MarkDirty(fileA, 1, true))
	fetch(t, bp, fileA, 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, m.Name)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value("pool")
				assert.Equal(t, "table", v.AsString())
				got[m.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{
		"minisql.buffer.hits":      1,
		"minisql.buffer.misses":    2,
		"minisql.buffer.evictions": 1,
		"minisql.buffer.flushes":   1,
	}, got)
}
