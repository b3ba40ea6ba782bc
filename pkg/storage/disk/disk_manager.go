package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"minisql/pkg/storage/page"
)

// Store 负责管理磁盘上的表文件和索引文件
// 页头和页体分开读写，缓冲池决定先后顺序
type Store interface {
	CreateFile(file FileID, h *FileHeader) error
	RemoveFile(file FileID) error
	ListFiles(dir string) ([]FileID, error)

	ReadFileHeader(file FileID) (*FileHeader, error)
	WriteFileHeader(file FileID, h *FileHeader) error

	ReadPageHeader(file FileID, no page.PageNo, p *page.Page) error
	ReadPageData(file FileID, no page.PageNo, p *page.Page) error
	WritePageHeader(file FileID, p *page.Page) error
	WritePageData(file FileID, p *page.Page) error
	AllocatePage(file FileID) (page.PageNo, error)

	Close() error
}

// FileStore 是基于操作系统文件的 Store
// 每个文件的句柄在第一次访问时打开，之后一直复用
type FileStore struct {
	mu    sync.Mutex
	files map[FileID]*os.File
	log   *zap.Logger
}

func NewFileStore(log *zap.Logger) *FileStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileStore{
		files: make(map[FileID]*os.File),
		log:   log.Named("store"),
	}
}

func (s *FileStore) open(file FileID) (*os.File, error) {
	if f, ok := s.files[file]; ok {
		return f, nil
	}
	f, err := os.OpenFile(string(file), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	s.files[file] = f
	return f, nil
}

func pageOffset(no page.PageNo) int64 {
	return int64(no) * int64(page.PageSize)
}

// CreateFile 创建新文件并写入第 0 页 (文件头)
func (s *FileStore) CreateFile(file FileID, h *FileHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := h.MarshalBinary()
	if err != nil {
		return storageErr("create", file, page.InvalidPageNo, err)
	}
	if err := os.MkdirAll(filepath.Dir(string(file)), 0o755); err != nil {
		return storageErr("create", file, page.InvalidPageNo, err)
	}
	f, err := os.OpenFile(string(file), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o664)
	if err != nil {
		return storageErr("create", file, page.InvalidPageNo, err)
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		f.Close()
		return storageErr("create", file, page.InvalidPageNo, err)
	}
	s.files[file] = f
	s.log.Debug("file created", zap.String("file", string(file)), zap.Stringer("kind", h.Kind))
	return nil
}

func (s *FileStore) RemoveFile(file FileID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[file]; ok {
		f.Close()
		delete(s.files, file)
	}
	if err := os.Remove(string(file)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storageErr("remove", file, page.InvalidPageNo, err)
	}
	return nil
}

// ListFiles 列出目录下所有的表文件和索引文件，按名字排序
func (s *FileStore) ListFiles(dir string) ([]FileID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, storageErr("list", FileID(dir), page.InvalidPageNo, err)
	}
	var out []FileID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case TableExt, IndexExt:
			out = append(out, FileID(filepath.Join(dir, e.Name())))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *FileStore) ReadFileHeader(file FileID) (*FileHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open(file)
	if err != nil {
		return nil, storageErr("read header", file, page.InvalidPageNo, err)
	}
	buf := make([]byte, page.PageSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, storageErr("read header", file, page.InvalidPageNo, err)
	}
	h := &FileHeader{}
	if err := h.UnmarshalBinary(buf); err != nil {
		return nil, storageErr("read header", file, page.InvalidPageNo, err)
	}
	return h, nil
}

func (s *FileStore) WriteFileHeader(file FileID, h *FileHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := h.MarshalBinary()
	if err != nil {
		return storageErr("write header", file, page.InvalidPageNo, err)
	}
	f, err := s.open(file)
	if err != nil {
		return storageErr("write header", file, page.InvalidPageNo, err)
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		return storageErr("write header", file, page.InvalidPageNo, err)
	}
	return nil
}

func (s *FileStore) ReadPageHeader(file FileID, no page.PageNo, p *page.Page) error {
	if no == page.InvalidPageNo {
		return storageErr("read page header", file, no, ErrHeaderPage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open(file)
	if err != nil {
		return storageErr("read page header", file, no, err)
	}
	var hdr [page.HeaderSize]byte
	if _, err := f.ReadAt(hdr[:], pageOffset(no)); err != nil {
		return storageErr("read page header", file, no, err)
	}
	if err := p.DecodeHeader(hdr[:]); err != nil {
		return storageErr("read page header", file, no, err)
	}
	return nil
}

func (s *FileStore) ReadPageData(file FileID, no page.PageNo, p *page.Page) error {
	if no == page.InvalidPageNo {
		return storageErr("read page", file, no, ErrHeaderPage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open(file)
	if err != nil {
		return storageErr("read page", file, no, err)
	}
	n, err := f.ReadAt(p.Data[:], pageOffset(no)+page.HeaderSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("short read (%d bytes): %w", n, io.ErrUnexpectedEOF)
		}
		return storageErr("read page", file, no, err)
	}
	return nil
}

func (s *FileStore) WritePageHeader(file FileID, p *page.Page) error {
	if p.No() == page.InvalidPageNo {
		return storageErr("write page header", file, p.No(), ErrHeaderPage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open(file)
	if err != nil {
		return storageErr("write page header", file, p.No(), err)
	}
	var hdr [page.HeaderSize]byte
	p.EncodeHeader(hdr[:])
	if _, err := f.WriteAt(hdr[:], pageOffset(p.No())); err != nil {
		return storageErr("write page header", file, p.No(), err)
	}
	return nil
}

func (s *FileStore) WritePageData(file FileID, p *page.Page) error {
	if p.No() == page.InvalidPageNo {
		return storageErr("write page", file, p.No(), ErrHeaderPage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open(file)
	if err != nil {
		return storageErr("write page", file, p.No(), err)
	}
	if _, err := f.WriteAt(p.Data[:], pageOffset(p.No())+page.HeaderSize); err != nil {
		return storageErr("write page", file, p.No(), err)
	}
	return nil
}

// AllocatePage 在文件末尾追加一个格式化好的空页
// 页号由文件大小决定，文件头里的页数由调用方维护
func (s *FileStore) AllocatePage(file FileID) (page.PageNo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open(file)
	if err != nil {
		return page.InvalidPageNo, storageErr("allocate", file, page.InvalidPageNo, err)
	}
	info, err := f.Stat()
	if err != nil {
		return page.InvalidPageNo, storageErr("allocate", file, page.InvalidPageNo, err)
	}
	no := page.PageNo(info.Size() / page.PageSize)
	if no == page.InvalidPageNo {
		return page.InvalidPageNo, storageErr("allocate", file, no, ErrHeaderPage)
	}

	p := page.New(no)
	p.Seal()
	buf := make([]byte, page.PageSize)
	p.EncodeHeader(buf)
	copy(buf[page.HeaderSize:], p.Data[:])
	if _, err := f.WriteAt(buf, pageOffset(no)); err != nil {
		return page.InvalidPageNo, storageErr("allocate", file, no, err)
	}
	return no, nil
}

// Close 关闭所有打开的文件句柄
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, f := range s.files {
		if err := f.Sync(); err != nil {
			errs = append(errs, storageErr("sync", id, page.InvalidPageNo, err))
		}
		if err := f.Close(); err != nil {
			errs = append(errs, storageErr("close", id, page.InvalidPageNo, err))
		}
		delete(s.files, id)
	}
	return errors.Join(errs...)
}
