package buffer

import (
	"errors"
	"fmt"

	"minisql/pkg/storage/disk"
	"minisql/pkg/storage/page"
)

// FileEntry 是文件表中的一项，内容就是文件头
type FileEntry struct {
	File disk.FileID
	disk.FileHeader
}

func (e *FileEntry) IsFull(no page.PageNo) bool {
	i := int(no) - 1
	return i >= 0 && i < len(e.Full) && e.Full[i]
}

func (e *FileEntry) SetFull(no page.PageNo, full bool) {
	if i := int(no) - 1; i >= 0 && i < len(e.Full) {
		e.Full[i] = full
	}
}

// FirstFree 返回第一个没有标记为满的数据页
func (e *FileEntry) FirstFree() (page.PageNo, bool) {
	for i, full := range e.Full {
		if !full {
			return page.PageNo(i + 1), true
		}
	}
	return page.InvalidPageNo, false
}

// grow 记录新分配的页
func (e *FileEntry) grow(no page.PageNo) {
	for len(e.Full) < int(no) {
		e.Full = append(e.Full, false)
	}
	e.PageCount = uint32(len(e.Full))
}

// FileTable 是当前数据库所有打开文件的元数据
// 表缓冲池和索引缓冲池共享同一个 FileTable
type FileTable struct {
	entries []*FileEntry
	byFile  map[disk.FileID]int
}

func NewFileTable() *FileTable {
	return &FileTable{byFile: make(map[disk.FileID]int)}
}

// Add 注册一个文件，已存在时覆盖
func (t *FileTable) Add(file disk.FileID, h disk.FileHeader) *FileEntry {
	e := &FileEntry{File: file, FileHeader: h}
	if i, ok := t.byFile[file]; ok {
		t.entries[i] = e
		return e
	}
	t.byFile[file] = len(t.entries)
	t.entries = append(t.entries, e)
	return e
}

func (t *FileTable) Lookup(file disk.FileID) (*FileEntry, bool) {
	i, ok := t.byFile[file]
	if !ok {
		return nil, false
	}
	return t.entries[i], true
}

func (t *FileTable) Remove(file disk.FileID) bool {
	i, ok := t.byFile[file]
	if !ok {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	delete(t.byFile, file)
	for j := i; j < len(t.entries); j++ {
		t.byFile[t.entries[j].File] = j
	}
	return true
}

// RemoveDatabase 删除属于某个数据库的所有项，返回删除的个数
func (t *FileTable) RemoveDatabase(db string) int {
	var doomed []disk.FileID
	for _, e := range t.entries {
		if e.File.Database() == db {
			doomed = append(doomed, e.File)
		}
	}
	for _, f := range doomed {
		t.Remove(f)
	}
	return len(doomed)
}

func (t *FileTable) Entries() []*FileEntry {
	out := make([]*FileEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *FileTable) Len() int {
	return len(t.entries)
}

func (t *FileTable) Reset() {
	t.entries = nil
	t.byFile = make(map[disk.FileID]int)
}

// Load 扫描目录，读取每个表文件和索引文件的文件头
func (t *FileTable) Load(store disk.Store, dir string) error {
	files, err := store.ListFiles(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		h, err := store.ReadFileHeader(f)
		if err != nil {
			return err
		}
		t.Add(f, *h)
	}
	return nil
}

// Flush 把所有文件头写回磁盘
func (t *FileTable) Flush(store disk.Store) error {
	var errs []error
	for _, e := range t.entries {
		if err := store.WriteFileHeader(e.File, &e.FileHeader); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("flush file table: %w", errors.Join(errs...))
	}
	return nil
}
