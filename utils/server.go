package utils

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	FuncIDOffset = 15 // FuncIDOffset funcid偏移.
	SetIDOffset  = 23 // SetIDOffset setid偏移.
	AreaIDOffset = 27 // AreaIDOffset areaid偏移.
)

const (
	_instIDMask = 0x00007FFF
	_funcIDMask = 0x000000FF
	_setIDMask  = 0x0000000F
	_areaIDMask = 0x0000001F
)

// EntityAddrLen 实体地址作为路由地址时的字节数.
const EntityAddrLen = 4

// EntityAddr 进程实体地址, 点分形式为 area.set.func.inst.
// 作为连接的路由地址时编码为 4 字节大端整数.
type EntityAddr struct {
	Area uint32
	Set  uint32
	Func uint32
	Inst uint32
}

var _local atomic.Pointer[EntityAddr]

// ParseEntityAddr 解析 x.x.x.x 形式的实体地址.
func ParseEntityAddr(s string) (EntityAddr, error) {
	var area, set, fn, inst int
	if n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &area, &set, &fn, &inst); err != nil || n < 4 {
		return EntityAddr{}, fmt.Errorf("entityid:%s entityIDformat failed", s)
	}
	if area <= 0 || set < 0 || fn <= 0 || inst <= 0 {
		return EntityAddr{}, fmt.Errorf("entityid:%s entityID invalid", s)
	}
	if area > _areaIDMask || set > _setIDMask || fn > _funcIDMask || inst > _instIDMask {
		return EntityAddr{}, fmt.Errorf("entityid:%s max_entityid:%d.%d.%d.%d entityID invalid",
			s, _areaIDMask, _setIDMask, _funcIDMask, _instIDMask)
	}
	return EntityAddr{Area: uint32(area), Set: uint32(set), Func: uint32(fn), Inst: uint32(inst)}, nil
}

// EntityAddrFromID 从整数形式还原实体地址.
func EntityAddrFromID(id uint32) EntityAddr {
	return EntityAddr{
		Area: (id >> AreaIDOffset) & _areaIDMask,
		Set:  (id >> SetIDOffset) & _setIDMask,
		Func: (id >> FuncIDOffset) & _funcIDMask,
		Inst: id & _instIDMask,
	}
}

// EntityAddrFromRouting 从路由地址还原实体地址, 长度必须为 EntityAddrLen.
func EntityAddrFromRouting(addr []byte) (EntityAddr, error) {
	if len(addr) != EntityAddrLen {
		return EntityAddr{}, fmt.Errorf("routing address length %d is not an entity address", len(addr))
	}
	return EntityAddrFromID(binary.BigEndian.Uint32(addr)), nil
}

// ID 返回实体地址的整数形式.
func (a EntityAddr) ID() uint32 {
	return (a.Area&_areaIDMask)<<AreaIDOffset |
		(a.Set&_setIDMask)<<SetIDOffset |
		(a.Func&_funcIDMask)<<FuncIDOffset |
		a.Inst&_instIDMask
}

// RoutingAddr 返回可用于 SetRoutingAddress / SendRouting 的路由地址.
func (a EntityAddr) RoutingAddr() []byte {
	b := make([]byte, EntityAddrLen)
	binary.BigEndian.PutUint32(b, a.ID())
	return b
}

func (a EntityAddr) String() string {
	var sb strings.Builder
	sb.Grow(16) //nolint:gomnd
	_, _ = sb.WriteString(strconv.FormatUint(uint64(a.Area), 10))
	_, _ = sb.WriteString(".")
	_, _ = sb.WriteString(strconv.FormatUint(uint64(a.Set), 10))
	_, _ = sb.WriteString(".")
	_, _ = sb.WriteString(strconv.FormatUint(uint64(a.Func), 10))
	_, _ = sb.WriteString(".")
	_, _ = sb.WriteString(strconv.FormatUint(uint64(a.Inst), 10))
	return sb.String()
}

// SetupServerAddr 根据配置初始化本进程的实体地址.
func SetupServerAddr(entityIDStr string) error {
	a, err := ParseEntityAddr(entityIDStr)
	if err != nil {
		return err
	}
	_local.Store(&a)
	return nil
}

// LocalAddr 获得本进程的实体地址, 未初始化时返回 false.
func LocalAddr() (EntityAddr, bool) {
	a := _local.Load()
	if a == nil {
		return EntityAddr{}, false
	}
	return *a, true
}
