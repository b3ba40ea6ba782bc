package db

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"minisql/pkg/buffer"
	"minisql/pkg/storage/disk"
	"minisql/pkg/storage/page"
)

// MaxRecordSize 一条记录加上槽目录项必须放得进一个空页
const MaxRecordSize = page.BodySize - page.SlotSize

// ---------------- 表操作 ----------------

// CreateTable recordLength 为 0 表示变长记录
func (e *Engine) CreateTable(name string, recordLength uint32, schema string) error {
	if err := e.ensureDB(); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	if e.catalog.HasTable(name) {
		return fmt.Errorf("%w: table %q", ErrExists, name)
	}
	if recordLength > MaxRecordSize {
		return fmt.Errorf("%w: %d bytes is larger than a page", ErrRecordLength, recordLength)
	}

	file := e.tableFile(name)
	h := disk.FileHeader{Kind: disk.KindTable, Database: e.current, Table: name, RecordLength: recordLength}
	if err := e.store.CreateFile(file, &h); err != nil {
		return err
	}
	e.files.Add(file, h)
	return e.catalog.CreateTable(TableMeta{Name: name, RecordLength: recordLength, Schema: schema})
}

// DropTable 删除表文件以及建在表上的索引的目录项
// 索引节点页留在索引文件里，不回收
func (e *Engine) DropTable(name string) error {
	if err := e.ensureDB(); err != nil {
		return err
	}
	if !e.catalog.HasTable(name) {
		return fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}

	file := e.tableFile(name)
	e.tables.DropTable(file)
	if err := e.store.RemoveFile(file); err != nil {
		return err
	}
	dropped, err := e.catalog.DropTable(name)
	for _, ix := range dropped {
		delete(e.open, ix)
	}
	if err != nil {
		return err
	}
	e.log.Info("table dropped", zap.String("table", name), zap.Strings("indexes", dropped))
	return nil
}

func (e *Engine) ListTables() ([]string, error) {
	if err := e.ensureDB(); err != nil {
		return nil, err
	}
	return e.catalog.ListTables(), nil
}

func (e *Engine) DescribeTable(name string) (*TableMeta, *buffer.FileEntry, error) {
	entry, err := e.tableEntry(name)
	if err != nil {
		return nil, nil, err
	}
	meta, _ := e.catalog.GetTable(name)
	return meta, entry, nil
}

func (e *Engine) tableEntry(name string) (*buffer.FileEntry, error) {
	if err := e.ensureDB(); err != nil {
		return nil, err
	}
	if !e.catalog.HasTable(name) {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	entry, ok := e.files.Lookup(e.tableFile(name))
	if !ok {
		return nil, fmt.Errorf("%w: %q has no file", ErrTableNotFound, name)
	}
	return entry, nil
}

// pinTablePage 取页并钉住
func (e *Engine) pinTablePage(file disk.FileID, no page.PageNo) (*page.Page, error) {
	p, err := e.tables.FetchPage(file, no)
	if err != nil {
		return nil, err
	}
	if err := e.tables.Pin(file, no); err != nil {
		return nil, err
	}
	return p, nil
}

// InsertRecord 把记录放进第一个没满的页，所有页都满时分配新页
func (e *Engine) InsertRecord(table string, data []byte) (page.RID, error) {
	entry, err := e.tableEntry(table)
	if err != nil {
		return page.RID{}, err
	}
	if entry.RecordLength > 0 && len(data) != int(entry.RecordLength) {
		return page.RID{}, fmt.Errorf("%w: got %d bytes, want %d", ErrRecordLength, len(data), entry.RecordLength)
	}
	if len(data) > MaxRecordSize {
		return page.RID{}, fmt.Errorf("%w: %d bytes is larger than a page", ErrRecordLength, len(data))
	}

	// 1. 先试已有的页
	for no := page.PageNo(1); no <= page.PageNo(entry.PageCount); no++ {
		if entry.IsFull(no) {
			continue
		}
		rid, ok, err := e.insertInto(entry, no, data)
		if err != nil {
			return page.RID{}, err
		}
		if ok {
			return rid, nil
		}
	}

	// 2. 分配新页
	p, err := e.tables.NewPage(entry.File)
	if err != nil {
		return page.RID{}, err
	}
	rid, ok, err := e.insertInto(entry, p.No(), data)
	if err != nil {
		return page.RID{}, err
	}
	if !ok {
		return page.RID{}, fmt.Errorf("%w: record does not fit in an empty page", page.ErrPageFull)
	}
	return rid, nil
}

// insertInto 尝试放进某一页，放不下时把该页标记为满并返回 false
func (e *Engine) insertInto(entry *buffer.FileEntry, no page.PageNo, data []byte) (page.RID, bool, error) {
	p, err := e.pinTablePage(entry.File, no)
	if err != nil {
		return page.RID{}, false, err
	}
	defer e.tables.Unpin(entry.File, no)

	// 优先复用被删除记录留下的槽
	slot := p.NumSlots()
	for i := 0; i < p.NumSlots(); i++ {
		if p.IsFree(i) {
			slot = i
			break
		}
	}
	if slot < p.NumSlots() {
		err = p.PutRecord(slot, data)
	} else {
		err = p.InsertRecord(slot, data)
	}
	if errors.Is(err, page.ErrPageFull) {
		entry.SetFull(no, true)
		return page.RID{}, false, nil
	}
	if err != nil {
		return page.RID{}, false, err
	}

	entry.RecordCount++
	if entry.RecordLength > 0 && p.FreeSpace() < int(entry.RecordLength)+page.SlotSize {
		entry.SetFull(no, true)
	}
	if err := e.tables.MarkDirty(entry.File, no, true); err != nil {
		return page.RID{}, false, err
	}
	return page.RID{Page: no, Slot: uint16(slot)}, true, nil
}

func (e *Engine) GetRecord(table string, rid page.RID) ([]byte, error) {
	entry, err := e.tableEntry(table)
	if err != nil {
		return nil, err
	}
	if rid.Page == page.InvalidPageNo || uint32(rid.Page) > entry.PageCount {
		return nil, fmt.Errorf("%w: %s in %q", ErrRecordNotFound, rid, table)
	}
	p, err := e.tables.FetchPage(entry.File, rid.Page)
	if err != nil {
		return nil, err
	}
	rec, err := p.Record(int(rid.Slot))
	if errors.Is(err, page.ErrSlotFree) || errors.Is(err, page.ErrInvalidSlot) {
		return nil, fmt.Errorf("%w: %s in %q", ErrRecordNotFound, rid, table)
	}
	return rec, err
}

// DeleteRecord 留下墓碑，其余记录的 RID 不变
func (e *Engine) DeleteRecord(table string, rid page.RID) error {
	entry, err := e.tableEntry(table)
	if err != nil {
		return err
	}
	if rid.Page == page.InvalidPageNo || uint32(rid.Page) > entry.PageCount {
		return fmt.Errorf("%w: %s in %q", ErrRecordNotFound, rid, table)
	}
	p, err := e.tables.FetchPage(entry.File, rid.Page)
	if err != nil {
		return err
	}
	err = p.FreeRecord(int(rid.Slot))
	if errors.Is(err, page.ErrSlotFree) || errors.Is(err, page.ErrInvalidSlot) {
		return fmt.Errorf("%w: %s in %q", ErrRecordNotFound, rid, table)
	}
	if err != nil {
		return err
	}
	entry.SetFull(rid.Page, false)
	if entry.RecordCount > 0 {
		entry.RecordCount--
	}
	return e.tables.MarkDirty(entry.File, rid.Page, true)
}

// ScanTable 按页号和槽号顺序遍历所有记录
// 回调时不持有任何钉住的页，回调里可以继续读写引擎
func (e *Engine) ScanTable(table string, fn func(rid page.RID, rec []byte) error) error {
	entry, err := e.tableEntry(table)
	if err != nil {
		return err
	}
	for no := page.PageNo(1); no <= page.PageNo(entry.PageCount); no++ {
		p, err := e.tables.FetchPage(entry.File, no)
		if err != nil {
			return err
		}
		type row struct {
			rid page.RID
			rec []byte
		}
		var rows []row
		for i := 0; i < p.NumSlots(); i++ {
			if p.IsFree(i) {
				continue
			}
			rec, err := p.Record(i)
			if err != nil {
				return err
			}
			rows = append(rows, row{page.RID{Page: no, Slot: uint16(i)}, rec})
		}
		for _, r := range rows {
			if err := fn(r.rid, r.rec); err != nil {
				return err
			}
		}
	}
	return nil
}
