package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"minisql/pkg/buffer"
	"minisql/pkg/config"
	"minisql/pkg/storage/disk"
	"minisql/pkg/storage/index"
)

var reName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Engine 持有一个进程内所有的存储资源
// 表页和索引页各有一个缓冲池，两者共享同一张文件表
type Engine struct {
	cfg     *config.Config
	log     *zap.Logger
	store   disk.Store
	files   *buffer.FileTable
	tables  *buffer.BufferPool
	indexes *buffer.BufferPool

	current string
	catalog *Catalog
	open    map[string]*index.Index
}

// NewEngine 打开数据目录，不选中任何数据库
// meter 可以为 nil
func NewEngine(cfg *config.Config, log *zap.Logger, meter metric.Meter) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store := disk.NewFileStore(log)
	files := buffer.NewFileTable()
	tables, err := buffer.NewBufferPool(store, files, buffer.Options{
		Name:     "table",
		Capacity: cfg.Buffer.PageFrames,
		Policy:   cfg.Buffer.Policy,
		Logger:   log,
		Meter:    meter,
	})
	if err != nil {
		return nil, err
	}
	indexes, err := buffer.NewBufferPool(store, files, buffer.Options{
		Name:     "index",
		Capacity: cfg.Buffer.IndexFrames,
		Policy:   cfg.Buffer.Policy,
		Logger:   log,
		Meter:    meter,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		log:     log.Named("engine"),
		store:   store,
		files:   files,
		tables:  tables,
		indexes: indexes,
		open:    make(map[string]*index.Index),
	}, nil
}

func (e *Engine) CurrentDatabase() string {
	return e.current
}

func (e *Engine) ensureDB() error {
	if e.current == "" {
		return ErrNoDatabase
	}
	return nil
}

func (e *Engine) dbDir(name string) string {
	return filepath.Join(e.cfg.DataDir, name)
}

func (e *Engine) tableFile(table string) disk.FileID {
	return disk.TableFile(e.cfg.DataDir, e.current, table)
}

func (e *Engine) indexFile() disk.FileID {
	return disk.IndexFile(e.cfg.DataDir, e.current)
}

func checkName(name string) error {
	if !reName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ---------------- 数据库操作 ----------------

func (e *Engine) ShowDatabases() ([]string, error) {
	entries, err := os.ReadDir(e.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	var dbs []string
	for _, f := range entries {
		if f.IsDir() {
			dbs = append(dbs, f.Name())
		}
	}
	sort.Strings(dbs)
	return dbs, nil
}

// CreateDatabase 创建数据库目录以及它唯一的索引文件
func (e *Engine) CreateDatabase(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := os.Stat(e.dbDir(name)); err == nil {
		return fmt.Errorf("%w: database %q", ErrExists, name)
	}
	h := &disk.FileHeader{Kind: disk.KindIndex, Database: name}
	if err := e.store.CreateFile(disk.IndexFile(e.cfg.DataDir, name), h); err != nil {
		return err
	}
	e.log.Info("database created", zap.String("db", name))
	return nil
}

// UseDatabase 切换当前数据库
// 新库的目录读取成功后，旧库的索引、目录和缓存页全部写回，再装载新库
func (e *Engine) UseDatabase(name string) error {
	dir := e.dbDir(name)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return fmt.Errorf("%w: %q", ErrDatabaseNotFound, name)
	}

	// 1. 先读新库的目录，失败时旧库保持不变
	catalog, err := LoadCatalog(filepath.Join(dir, MetaFile))
	if err != nil {
		return err
	}

	// 2. 写回旧库
	if e.current != "" {
		if err := e.writeIndexes(); err != nil {
			return err
		}
	}
	if err := e.indexes.FlushAll(); err != nil {
		return err
	}

	// 3. 装载新库，文件表已被替换，失败时不再选中任何库
	e.indexes.Reset()
	if err := e.tables.UseDatabase(dir); err != nil {
		e.current = ""
		e.catalog = nil
		e.open = make(map[string]*index.Index)
		return err
	}
	e.current = name
	e.catalog = catalog
	e.open = make(map[string]*index.Index)
	e.log.Info("database in use", zap.String("db", name), zap.Int("tables", len(catalog.Tables)))
	return nil
}

// DropDatabase 丢弃缓存 (不写回) 并删除整个目录
func (e *Engine) DropDatabase(name string) error {
	dir := e.dbDir(name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %q", ErrDatabaseNotFound, name)
	}

	e.tables.DropDatabase(name)
	e.indexes.DropDatabase(name)
	if e.current == name {
		e.current = ""
		e.catalog = nil
		e.open = make(map[string]*index.Index)
	}

	files, err := e.store.ListFiles(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := e.store.RemoveFile(f); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove database %q: %w", name, err)
	}
	e.log.Info("database dropped", zap.String("db", name))
	return nil
}

// Close 写回所有索引、目录、文件表和缓存页
func (e *Engine) Close() error {
	var errs []error
	if e.current != "" {
		errs = append(errs, e.writeIndexes())
	}
	errs = append(errs, e.indexes.Shutdown(), e.tables.Shutdown(), e.store.Close())
	return errors.Join(errs...)
}

// Stats 返回两个缓冲池的概况
func (e *Engine) Stats() []buffer.Stats {
	return []buffer.Stats{e.tables.Stats(), e.indexes.Stats()}
}
