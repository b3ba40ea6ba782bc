package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// MetaFile 每个数据库目录下的目录文件
const MetaFile = "meta.json"

// TableMeta 定义表的元数据
type TableMeta struct {
	Name         string `json:"name"`
	RecordLength uint32 `json:"record_length"` // 0 表示变长记录
	Schema       string `json:"schema"`
}

// IndexMeta 定义索引的元数据
// RootPage 只是提示，打开索引时会沿父指针找到真正的根
type IndexMeta struct {
	Name     string `json:"name"`
	Table    string `json:"table"`
	RootPage uint32 `json:"root_page"`
}

type Catalog struct {
	Tables  map[string]*TableMeta `json:"tables"`
	Indexes map[string]*IndexMeta `json:"indexes"`
	path    string
}

// LoadCatalog 文件不存在时返回空目录
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{
		Tables:  make(map[string]*TableMeta),
		Indexes: make(map[string]*IndexMeta),
		path:    path,
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if c.Tables == nil {
		c.Tables = make(map[string]*TableMeta)
	}
	if c.Indexes == nil {
		c.Indexes = make(map[string]*IndexMeta)
	}
	return c, nil
}

func (c *Catalog) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}

// CreateTable 注册新表并落盘
func (c *Catalog) CreateTable(meta TableMeta) error {
	if _, exists := c.Tables[meta.Name]; exists {
		return fmt.Errorf("%w: table %q", ErrExists, meta.Name)
	}
	c.Tables[meta.Name] = &meta
	return c.Save()
}

func (c *Catalog) GetTable(name string) (*TableMeta, bool) {
	meta, ok := c.Tables[name]
	return meta, ok
}

func (c *Catalog) HasTable(name string) bool {
	_, ok := c.Tables[name]
	return ok
}

// DropTable 同时删除建在这张表上的索引，返回被删掉的索引名
func (c *Catalog) DropTable(name string) ([]string, error) {
	dropped := c.IndexesOf(name)
	for _, ix := range dropped {
		delete(c.Indexes, ix)
	}
	delete(c.Tables, name)
	return dropped, c.Save()
}

func (c *Catalog) ListTables() []string {
	names := make([]string, 0, len(c.Tables))
	for name := range c.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) CreateIndex(meta IndexMeta) error {
	if _, exists := c.Indexes[meta.Name]; exists {
		return fmt.Errorf("%w: index %q", ErrExists, meta.Name)
	}
	c.Indexes[meta.Name] = &meta
	return c.Save()
}

func (c *Catalog) GetIndex(name string) (*IndexMeta, bool) {
	meta, ok := c.Indexes[name]
	return meta, ok
}

func (c *Catalog) UpdateIndexRoot(name string, root uint32) error {
	meta, ok := c.Indexes[name]
	if !ok || meta.RootPage == root {
		return nil
	}
	meta.RootPage = root
	return c.Save()
}

// IndexesOf 返回某张表上的所有索引名，按名字排序
func (c *Catalog) IndexesOf(table string) []string {
	var names []string
	for name, meta := range c.Indexes {
		if meta.Table == table {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
