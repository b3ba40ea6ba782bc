package page

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 槽目录从页体开头向后增长，每个槽 4 字节: offset(u16) + length(u16)
// 记录从页体末尾向前紧密排列
// offset == 0 && length == 0 表示这个槽已被释放 (墓碑)
const SlotSize = 4

var (
	ErrPageFull    = errors.New("not enough free space in page")
	ErrInvalidSlot = errors.New("invalid slot number")
	ErrSlotFree    = errors.New("slot holds no record")
)

func (p *Page) NumSlots() int {
	return int(p.numSlots)
}

// FreeSpace 返回槽目录和记录区之间还剩多少字节
func (p *Page) FreeSpace() int {
	return int(p.freeEnd) - int(p.numSlots)*SlotSize
}

func (p *Page) slot(i int) (off, length uint16) {
	base := i * SlotSize
	return binary.LittleEndian.Uint16(p.Data[base:]), binary.LittleEndian.Uint16(p.Data[base+2:])
}

func (p *Page) setSlot(i int, off, length uint16) {
	base := i * SlotSize
	binary.LittleEndian.PutUint16(p.Data[base:], off)
	binary.LittleEndian.PutUint16(p.Data[base+2:], length)
}

// IsFree 判断槽是否是墓碑
func (p *Page) IsFree(slot int) bool {
	if slot < 0 || slot >= int(p.numSlots) {
		return false
	}
	off, length := p.slot(slot)
	return off == 0 && length == 0
}

// Record 返回某个槽中记录的拷贝
func (p *Page) Record(slot int) ([]byte, error) {
	if slot < 0 || slot >= int(p.numSlots) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidSlot, slot, p.numSlots)
	}
	off, length := p.slot(slot)
	if off == 0 && length == 0 {
		return nil, fmt.Errorf("%w: %d", ErrSlotFree, slot)
	}
	out := make([]byte, length)
	copy(out, p.Data[off:int(off)+int(length)])
	return out, nil
}

// InsertRecord 在 slot 位置插入一条记录，原来 slot 及其后的槽号都加一
func (p *Page) InsertRecord(slot int, data []byte) error {
	if slot < 0 || slot > int(p.numSlots) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidSlot, slot, p.numSlots)
	}
	if len(data)+SlotSize > p.FreeSpace() {
		return fmt.Errorf("%w: need %d, have %d", ErrPageFull, len(data)+SlotSize, p.FreeSpace())
	}

	// 1. 槽目录整体后移一格
	n := int(p.numSlots)
	copy(p.Data[(slot+1)*SlotSize:(n+1)*SlotSize], p.Data[slot*SlotSize:n*SlotSize])
	p.numSlots++

	// 2. 记录放到空闲区末尾
	p.place(slot, data)
	return nil
}

// PutRecord 把记录写进一个已经释放的槽，槽号不变
func (p *Page) PutRecord(slot int, data []byte) error {
	if !p.IsFree(slot) {
		return fmt.Errorf("%w: %d is not free", ErrInvalidSlot, slot)
	}
	if len(data) > p.FreeSpace() {
		return fmt.Errorf("%w: need %d, have %d", ErrPageFull, len(data), p.FreeSpace())
	}
	p.place(slot, data)
	return nil
}

// UpdateRecord 原地替换记录内容，长度可以变化
func (p *Page) UpdateRecord(slot int, data []byte) error {
	if slot < 0 || slot >= int(p.numSlots) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidSlot, slot, p.numSlots)
	}
	_, length := p.slot(slot)
	if len(data) > p.FreeSpace()+int(length) {
		return fmt.Errorf("%w: need %d, have %d", ErrPageFull, len(data), p.FreeSpace()+int(length))
	}
	p.release(slot)
	p.place(slot, data)
	return nil
}

// FreeRecord 释放记录空间但保留槽位 (表页用，保证 RID 稳定)
func (p *Page) FreeRecord(slot int) error {
	if slot < 0 || slot >= int(p.numSlots) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidSlot, slot, p.numSlots)
	}
	if p.IsFree(slot) {
		return fmt.Errorf("%w: %d", ErrSlotFree, slot)
	}
	p.release(slot)
	return nil
}

// DeleteRecord 删除记录并收缩槽目录，后面的槽号都减一 (索引节点用)
func (p *Page) DeleteRecord(slot int) error {
	if slot < 0 || slot >= int(p.numSlots) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidSlot, slot, p.numSlots)
	}
	p.release(slot)

	n := int(p.numSlots)
	copy(p.Data[slot*SlotSize:(n-1)*SlotSize], p.Data[(slot+1)*SlotSize:n*SlotSize])
	p.numSlots--
	p.setSlot(n-1, 0, 0)
	return nil
}

// place 假定空间已经检查过
func (p *Page) place(slot int, data []byte) {
	off := p.freeEnd - uint16(len(data))
	copy(p.Data[off:], data)
	p.freeEnd = off
	p.setSlot(slot, off, uint16(len(data)))
}

// release 把 slot 的字节从记录区挪走，并把比它靠前的记录整体后移填补空洞
func (p *Page) release(slot int) {
	off, length := p.slot(slot)
	if off == 0 && length == 0 {
		return
	}
	if length > 0 {
		copy(p.Data[p.freeEnd+length:off+length], p.Data[p.freeEnd:off])
		for i := 0; i < int(p.numSlots); i++ {
			o, l := p.slot(i)
			if i != slot && o != 0 && o < off {
				p.setSlot(i, o+length, l)
			}
		}
		p.freeEnd += length
		clear(p.Data[p.freeEnd-length : p.freeEnd])
	}
	p.setSlot(slot, 0, 0)
}
