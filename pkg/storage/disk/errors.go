package disk

import (
	"errors"
	"fmt"

	"minisql/pkg/storage/page"
)

// ErrStorage 匹配所有来自页存储层的错误
var ErrStorage = errors.New("storage error")

var (
	ErrHeaderPage     = errors.New("page 0 is the file header")
	ErrBadMagic       = errors.New("not a minisql file")
	ErrHeaderTooLarge = errors.New("file header does not fit in one page")
)

// StorageError 记录出错的操作和位置
type StorageError struct {
	Op   string
	File FileID
	Page page.PageNo
	Err  error
}

func (e *StorageError) Error() string {
	if e.Page != page.InvalidPageNo {
		return fmt.Sprintf("storage: %s page %d of %s: %v", e.Op, e.Page, e.File, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.File, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// IsStorage 判断错误链中是否有存储层错误
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}

func storageErr(op string, file FileID, no page.PageNo, err error) error {
	return &StorageError{Op: op, File: file, Page: no, Err: err}
}
