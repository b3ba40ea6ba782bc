package db

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"minisql/pkg/storage/index"
	"minisql/pkg/storage/page"
)

// KeyFunc 从一条记录里取出索引键，返回 nil 表示这条记录不进索引
type KeyFunc func(rec []byte) ([]byte, error)

// ---------------- 索引操作 ----------------

// CreateIndex 在数据库的索引文件里分配一个根页并建一棵空树
// keyFn 不为 nil 时，把表里已有的记录全部插入
// 回填成功后才登记到目录；失败时已分配的节点页留在索引文件里，不回收
func (e *Engine) CreateIndex(name, table string, keyFn KeyFunc) error {
	if err := e.ensureDB(); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	if _, ok := e.catalog.GetIndex(name); ok {
		return fmt.Errorf("%w: index %q", ErrExists, name)
	}
	if !e.catalog.HasTable(table) {
		return fmt.Errorf("%w: %q", ErrTableNotFound, table)
	}

	// 1. 分配根页并格式化
	p, err := e.indexes.NewPage(e.indexFile())
	if err != nil {
		return err
	}
	ix := e.newIndex()
	if err := ix.Initialize(name, p.No()); err != nil {
		return err
	}

	// 2. 回填已有记录
	if keyFn != nil {
		n := 0
		err := e.ScanTable(table, func(rid page.RID, rec []byte) error {
			key, err := keyFn(rec)
			if err != nil || key == nil {
				return err
			}
			n++
			return ix.Insert(key, rid)
		})
		if err != nil {
			e.log.Warn("index build failed", zap.String("index", name), zap.String("table", table), zap.Error(err))
			return fmt.Errorf("build index %q: %w", name, err)
		}
		e.log.Info("index built", zap.String("index", name), zap.String("table", table), zap.Int("keys", n))
	}

	// 3. 登记到目录
	if err := e.catalog.CreateIndex(IndexMeta{Name: name, Table: table, RootPage: uint32(ix.Root())}); err != nil {
		return err
	}
	e.open[name] = ix
	return nil
}

func (e *Engine) newIndex() *index.Index {
	return index.New(e.indexes, e.indexFile(), index.Options{
		NodeCapacity: e.cfg.Index.NodeCapacity,
		Logger:       e.log,
	})
}

// index 返回已打开的索引，第一次访问时从目录记录的根页打开
func (e *Engine) index(name string) (*index.Index, error) {
	if err := e.ensureDB(); err != nil {
		return nil, err
	}
	if ix, ok := e.open[name]; ok {
		return ix, nil
	}
	meta, ok := e.catalog.GetIndex(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIndexNotFound, name)
	}
	ix := e.newIndex()
	if err := ix.Open(name, page.PageNo(meta.RootPage)); err != nil {
		return nil, fmt.Errorf("open index %q: %w", name, err)
	}
	e.open[name] = ix
	return ix, nil
}

// Index 按名字返回索引，供遍历和检查使用
func (e *Engine) Index(name string) (*index.Index, error) {
	return e.index(name)
}

// IndexMeta 返回索引的目录项
func (e *Engine) IndexMeta(name string) (*IndexMeta, error) {
	if err := e.ensureDB(); err != nil {
		return nil, err
	}
	meta, ok := e.catalog.GetIndex(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIndexNotFound, name)
	}
	return meta, nil
}

func (e *Engine) IndexesOf(table string) ([]string, error) {
	if err := e.ensureDB(); err != nil {
		return nil, err
	}
	return e.catalog.IndexesOf(table), nil
}

// IndexInsert 插入一个键，根分裂后同步目录里的根页
func (e *Engine) IndexInsert(name string, key []byte, rid page.RID) error {
	ix, err := e.index(name)
	if err != nil {
		return err
	}
	if err := ix.Insert(key, rid); err != nil {
		return err
	}
	return e.catalog.UpdateIndexRoot(name, uint32(ix.Root()))
}

// InsertRow 插入记录并把 key 插入表上的每一个索引
// 任何一个索引插入失败 (比如键重复) 时删掉这条记录
// 已经插入成功的索引项不撤销，索引不支持删除
func (e *Engine) InsertRow(table string, key, data []byte) (page.RID, error) {
	names, err := e.IndexesOf(table)
	if err != nil {
		return page.RID{}, err
	}
	for _, name := range names {
		if _, err := e.IndexLookup(name, key); err == nil {
			return page.RID{}, fmt.Errorf("%w: key %x in index %q", index.ErrDuplicateKey, key, name)
		} else if !errors.Is(err, ErrRecordNotFound) {
			return page.RID{}, err
		}
	}

	rid, err := e.InsertRecord(table, data)
	if err != nil {
		return page.RID{}, err
	}
	for _, name := range names {
		if err := e.IndexInsert(name, key, rid); err != nil {
			if derr := e.DeleteRecord(table, rid); derr != nil {
				err = errors.Join(err, derr)
			}
			return page.RID{}, err
		}
	}
	return rid, nil
}

// IndexLookup 精确查找，找不到返回 ErrRecordNotFound
func (e *Engine) IndexLookup(name string, key []byte) (page.RID, error) {
	ix, err := e.index(name)
	if err != nil {
		return page.RID{}, err
	}
	rid, found, err := ix.Search(key)
	if err != nil {
		return page.RID{}, err
	}
	if !found {
		return page.RID{}, fmt.Errorf("%w: key %x in index %q", ErrRecordNotFound, key, name)
	}
	return rid, nil
}

// IndexScan 从 from 开始按键的顺序遍历，from 为 nil 时从最小的键开始
// fn 返回 false 时停止
// 遍历期间当前叶子一直钉住，fn 不能写这个索引
func (e *Engine) IndexScan(name string, from []byte, fn func(key []byte, rid page.RID) bool) error {
	ix, err := e.index(name)
	if err != nil {
		return err
	}
	it := ix.Seek(from)
	defer it.Close()
	for ; it.IsValid(); it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Err()
}

// writeIndexes 写回当前数据库所有打开的索引，并更新目录里的根页
func (e *Engine) writeIndexes() error {
	var errs []error
	for name, ix := range e.open {
		if err := ix.WriteIndex(); err != nil {
			errs = append(errs, fmt.Errorf("write index %q: %w", name, err))
			continue
		}
		if err := e.catalog.UpdateIndexRoot(name, uint32(ix.Root())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
