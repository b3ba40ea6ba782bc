package page

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// PageSize 定义一页在磁盘上的大小为 4KB (4096 bytes)
// 前 HeaderSize 字节是页头，其余是槽目录 + 记录区
const PageSize = 4096

const (
	HeaderSize = 16
	BodySize   = PageSize - HeaderSize
)

// 页头内各字段的偏移
const (
	offNo       = 0
	offNumSlots = 4
	offFreeEnd  = 6
	offFlags    = 8
	offChecksum = 12
)

// PageNo 是文件内的页号
// 每个文件的第 0 页都是文件头，所以 0 也用来表示"没有页"
type PageNo uint32

const InvalidPageNo PageNo = 0

var ErrCorrupted = errors.New("page corrupted")

// Page 是一页的内存表示
// 页号/槽数/空闲区末尾保存在页头里，Data 是页体
type Page struct {
	no       PageNo
	numSlots uint16
	freeEnd  uint16
	flags    uint16
	checksum uint32
	Data     [BodySize]byte
}

// New 创建一个已经格式化好的空页
func New(no PageNo) *Page {
	p := &Page{}
	p.Format(no)
	return p
}

func (p *Page) No() PageNo {
	return p.no
}

func (p *Page) Flags() uint16 {
	return p.flags
}

func (p *Page) SetFlags(flags uint16) {
	p.flags = flags
}

// Format 把页清空成没有任何槽的空页
func (p *Page) Format(no PageNo) {
	p.no = no
	p.numSlots = 0
	p.freeEnd = BodySize
	p.flags = 0
	p.checksum = 0
	p.Data = [BodySize]byte{}
}

// EncodeHeader 把页头写入 dst (至少 HeaderSize 字节)
func (p *Page) EncodeHeader(dst []byte) {
	binary.LittleEndian.PutUint32(dst[offNo:], uint32(p.no))
	binary.LittleEndian.PutUint16(dst[offNumSlots:], p.numSlots)
	binary.LittleEndian.PutUint16(dst[offFreeEnd:], p.freeEnd)
	binary.LittleEndian.PutUint16(dst[offFlags:], p.flags)
	binary.LittleEndian.PutUint16(dst[offFlags+2:], 0)
	binary.LittleEndian.PutUint32(dst[offChecksum:], p.checksum)
}

// DecodeHeader 从 src 读回页头，并做最基本的范围检查
func (p *Page) DecodeHeader(src []byte) error {
	if len(src) < HeaderSize {
		return fmt.Errorf("%w: short header (%d bytes)", ErrCorrupted, len(src))
	}
	numSlots := binary.LittleEndian.Uint16(src[offNumSlots:])
	freeEnd := binary.LittleEndian.Uint16(src[offFreeEnd:])
	if freeEnd > BodySize || int(numSlots)*SlotSize > int(freeEnd) {
		return fmt.Errorf("%w: slots=%d free end=%d", ErrCorrupted, numSlots, freeEnd)
	}
	p.no = PageNo(binary.LittleEndian.Uint32(src[offNo:]))
	p.numSlots = numSlots
	p.freeEnd = freeEnd
	p.flags = binary.LittleEndian.Uint16(src[offFlags:])
	p.checksum = binary.LittleEndian.Uint32(src[offChecksum:])
	return nil
}

func (p *Page) sum() uint32 {
	var hdr [HeaderSize]byte
	saved := p.checksum
	p.checksum = 0
	p.EncodeHeader(hdr[:])
	p.checksum = saved

	d := xxhash.New()
	_, _ = d.Write(hdr[:])
	_, _ = d.Write(p.Data[:])
	return uint32(d.Sum64())
}

// Seal 在写盘前重新计算校验和
func (p *Page) Seal() {
	p.checksum = p.sum()
}

// Verify 检查读回来的页是否完整
func (p *Page) Verify() error {
	if got := p.sum(); got != p.checksum {
		return fmt.Errorf("%w: page %d checksum %08x, want %08x", ErrCorrupted, p.no, got, p.checksum)
	}
	return nil
}

// Clone 返回页的一份独立拷贝
func (p *Page) Clone() *Page {
	c := *p
	return &c
}
