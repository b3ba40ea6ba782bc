package page

import (
	"encoding/binary"
	"fmt"
)

// RIDSize 是编码后的记录指针长度: 页号 4 字节 + 槽号 2 字节
const RIDSize = 6

// RID 定位一条记录 (页号, 槽号)
// 索引内部节点里的孩子指针也用它，槽号固定为 0
type RID struct {
	Page PageNo
	Slot uint16
}

func (r RID) Encode() []byte {
	buf := make([]byte, RIDSize)
	binary.LittleEndian.PutUint32(buf, uint32(r.Page))
	binary.LittleEndian.PutUint16(buf[4:], r.Slot)
	return buf
}

func DecodeRID(b []byte) (RID, error) {
	if len(b) != RIDSize {
		return RID{}, fmt.Errorf("%w: record pointer has %d bytes", ErrCorrupted, len(b))
	}
	return RID{
		Page: PageNo(binary.LittleEndian.Uint32(b)),
		Slot: binary.LittleEndian.Uint16(b[4:]),
	}, nil
}

func (r RID) String() string {
	return fmt.Sprintf("(%d,%d)", r.Page, r.Slot)
}
