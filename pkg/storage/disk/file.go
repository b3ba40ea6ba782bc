package disk

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"

	"minisql/pkg/storage/page"
)

const (
	TableExt = ".dat"
	IndexExt = ".idx"
)

// FileID 是文件的路径，布局为 <root>/<db>/<name><ext>
type FileID string

func TableFile(root, db, table string) FileID {
	return FileID(filepath.Join(root, db, table+TableExt))
}

// IndexFile 每个数据库只有一个索引文件，以数据库名命名
func IndexFile(root, db string) FileID {
	return FileID(filepath.Join(root, db, db+IndexExt))
}

// Database 返回文件所属的数据库名 (即所在目录名)
func (f FileID) Database() string {
	return filepath.Base(filepath.Dir(string(f)))
}

// Name 返回去掉扩展名的文件名
func (f FileID) Name() string {
	base := filepath.Base(string(f))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

type FileKind uint8

const (
	KindTable FileKind = 1
	KindIndex FileKind = 2
)

func (k FileKind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindIndex:
		return "index"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// FileHeader 是文件表项在磁盘上的形式，存放在第 0 页
// Full[i] 对应数据页 i+1
type FileHeader struct {
	Kind         FileKind
	Database     string
	Table        string
	RecordLength uint32
	PageCount    uint32
	RecordCount  uint64
	Full         []bool
}

var fileMagic = [4]byte{'M', 'S', 'Q', 'L'}

const (
	fileVersion   = 1
	fixedHdrBytes = 4 + 2 + 1 + 4 + 4 + 8 + 2 + 2 + 4
	checksumBytes = 8
)

// MaxPages 是在不考虑名字长度时，头页能记录的最多数据页数
const MaxPages = (page.PageSize - fixedHdrBytes - checksumBytes) * 8

// MarshalBinary 编码为一整页
func (h *FileHeader) MarshalBinary() ([]byte, error) {
	bitmap := (len(h.Full) + 7) / 8
	need := fixedHdrBytes + len(h.Database) + len(h.Table) + bitmap + checksumBytes
	if need > page.PageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, need)
	}
	if len(h.Full) != int(h.PageCount) {
		return nil, fmt.Errorf("full flags (%d) do not match page count (%d)", len(h.Full), h.PageCount)
	}

	buf := make([]byte, page.PageSize)
	copy(buf, fileMagic[:])
	o := 4
	binary.LittleEndian.PutUint16(buf[o:], fileVersion)
	o += 2
	buf[o] = byte(h.Kind)
	o++
	binary.LittleEndian.PutUint32(buf[o:], h.RecordLength)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], h.PageCount)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], h.RecordCount)
	o += 8
	binary.LittleEndian.PutUint16(buf[o:], uint16(len(h.Database)))
	o += 2
	binary.LittleEndian.PutUint16(buf[o:], uint16(len(h.Table)))
	o += 2
	binary.LittleEndian.PutUint32(buf[o:], uint32(len(h.Full)))
	o += 4
	o += copy(buf[o:], h.Database)
	o += copy(buf[o:], h.Table)
	for i, full := range h.Full {
		if full {
			buf[o+i/8] |= 1 << (i % 8)
		}
	}

	sum := xxhash.Sum64(buf[:page.PageSize-checksumBytes])
	binary.LittleEndian.PutUint64(buf[page.PageSize-checksumBytes:], sum)
	return buf, nil
}

func (h *FileHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) != page.PageSize {
		return fmt.Errorf("%w: header page has %d bytes", page.ErrCorrupted, len(buf))
	}
	if [4]byte(buf[:4]) != fileMagic {
		return ErrBadMagic
	}
	want := binary.LittleEndian.Uint64(buf[page.PageSize-checksumBytes:])
	if xxhash.Sum64(buf[:page.PageSize-checksumBytes]) != want {
		return fmt.Errorf("%w: file header checksum", page.ErrCorrupted)
	}

	o := 4
	if v := binary.LittleEndian.Uint16(buf[o:]); v != fileVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadMagic, v)
	}
	o += 2
	h.Kind = FileKind(buf[o])
	o++
	h.RecordLength = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	h.PageCount = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	h.RecordCount = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	dbLen := int(binary.LittleEndian.Uint16(buf[o:]))
	o += 2
	tblLen := int(binary.LittleEndian.Uint16(buf[o:]))
	o += 2
	nFull := int(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	if o+dbLen+tblLen+(nFull+7)/8 > page.PageSize-checksumBytes || nFull != int(h.PageCount) {
		return fmt.Errorf("%w: file header lengths", page.ErrCorrupted)
	}
	h.Database = string(buf[o : o+dbLen])
	o += dbLen
	h.Table = string(buf[o : o+tblLen])
	o += tblLen
	h.Full = make([]bool, nFull)
	for i := range h.Full {
		h.Full[i] = buf[o+i/8]&(1<<(i%8)) != 0
	}
	return nil
}
