package bsd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Direction bits and parameter-size field of an ioctl request code. The
// generic path reads everything it needs from the code itself: the IocIn /
// IocOut bits choose the attachment direction and IocparmLen gives the
// buffer size.
const (
	IocVoid uint32 = 0x20000000
	IocOut  uint32 = 0x40000000
	IocIn   uint32 = 0x80000000

	IocparmMask uint32 = 0x1fff
)

// IocparmLen extracts the encoded parameter size of a request code.
func IocparmLen(request uint32) uint32 {
	return (request >> 16) & IocparmMask
}

func ioc(inout uint32, group, num byte, size uint32) uint32 {
	return inout | (size&IocparmMask)<<16 | uint32(group)<<8 | uint32(num)
}

// IOR, IOW and IOWR build request codes the way the service expects them.
func IOR(group, num byte, size uint32) uint32  { return ioc(IocOut, group, num, size) }
func IOW(group, num byte, size uint32) uint32  { return ioc(IocIn, group, num, size) }
func IOWR(group, num byte, size uint32) uint32 { return ioc(IocIn|IocOut, group, num, size) }

// IfConfSize and IfMediaReqSize are the wire sizes of the two chained-buffer
// ioctl descriptors.
const (
	IfConfSize     = 16
	IfMediaReqSize = 48
)

// Request codes special-cased by the catalog: these carry a fixed descriptor
// chained with a trailing array sized from a field inside the descriptor.
var (
	SIOCGIFCONF   = IOWR('i', 36, IfConfSize)
	SIOCGIFMEDIA  = IOWR('i', 56, IfMediaReqSize)
	SIOCGIFXMEDIA = IOWR('i', 109, IfMediaReqSize)
)

// IfConf is the interface-list retrieval argument. Len declares how many
// bytes of Data the service may fill; on return it holds the length the
// service reported.
type IfConf struct {
	Len  int32
	Data []byte
}

func (ic *IfConf) marshal() []byte {
	b := make([]byte, IfConfSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(ic.Len))
	// offset 8: the request list pointer, meaningless across the wire
	return b
}

func (ic *IfConf) unmarshal(b []byte) {
	ic.Len = int32(binary.LittleEndian.Uint32(b[0:4]))
}

// IfMediaReq is the media-status retrieval argument. Count declares how many
// media words fit in Ulist.
type IfMediaReq struct {
	Name    [16]byte
	Current int32
	Mask    int32
	Status  int32
	Active  int32
	Count   int32
	Ulist   []byte
}

func (m *IfMediaReq) marshal() []byte {
	b := make([]byte, IfMediaReqSize)
	copy(b[0:16], m.Name[:])
	binary.LittleEndian.PutUint32(b[16:20], uint32(m.Current))
	binary.LittleEndian.PutUint32(b[20:24], uint32(m.Mask))
	binary.LittleEndian.PutUint32(b[24:28], uint32(m.Status))
	binary.LittleEndian.PutUint32(b[28:32], uint32(m.Active))
	binary.LittleEndian.PutUint32(b[32:36], uint32(m.Count))
	// offset 40: the ulist pointer, meaningless across the wire
	return b
}

func (m *IfMediaReq) unmarshal(b []byte) {
	copy(m.Name[:], b[0:16])
	m.Current = int32(binary.LittleEndian.Uint32(b[16:20]))
	m.Mask = int32(binary.LittleEndian.Uint32(b[20:24]))
	m.Status = int32(binary.LittleEndian.Uint32(b[24:28]))
	m.Active = int32(binary.LittleEndian.Uint32(b[28:32]))
	m.Count = int32(binary.LittleEndian.Uint32(b[32:36]))
}

// ioctlPlan is a resolved attachment list: up to four input and four output
// regions plus the buffer-pair count carried in the scalar header. The
// caller's single argument is consumed exactly once by classifyIoctl; finish
// writes descriptor fields back after a successful call.
type ioctlPlan struct {
	ins      [4][]byte
	outs     [4][]byte
	bufcount int32
	finish   func()
}

func classifyIoctl(request uint32, arg any) (ioctlPlan, error) {
	switch request {
	case SIOCGIFCONF:
		ic, ok := arg.(*IfConf)
		if !ok {
			return ioctlPlan{}, fmt.Errorf("bsd: ioctl 0x%x wants *IfConf, got %T", request, arg)
		}
		n := int(ic.Len)
		if n < 0 || n > len(ic.Data) {
			n = len(ic.Data)
		}
		desc := ic.marshal()
		plan := ioctlPlan{bufcount: 2}
		plan.ins[0], plan.outs[0] = desc, desc
		plan.ins[1], plan.outs[1] = ic.Data[:n], ic.Data[:n]
		plan.finish = func() { ic.unmarshal(desc) }
		return plan, nil

	case SIOCGIFMEDIA, SIOCGIFXMEDIA:
		m, ok := arg.(*IfMediaReq)
		if !ok {
			return ioctlPlan{}, fmt.Errorf("bsd: ioctl 0x%x wants *IfMediaReq, got %T", request, arg)
		}
		n := 8 * int(m.Count)
		if n < 0 || n > len(m.Ulist) {
			n = len(m.Ulist)
		}
		desc := m.marshal()
		plan := ioctlPlan{bufcount: 2}
		plan.ins[0], plan.outs[0] = desc, desc
		plan.ins[1], plan.outs[1] = m.Ulist[:n], m.Ulist[:n]
		plan.finish = func() { m.unmarshal(desc) }
		return plan, nil

	default:
		plan := ioctlPlan{bufcount: 1}
		var data []byte
		if request&(IocIn|IocOut) != 0 {
			switch v := arg.(type) {
			case nil:
			case []byte:
				data = v
			default:
				return ioctlPlan{}, fmt.Errorf("bsd: ioctl 0x%x wants []byte, got %T", request, arg)
			}
		}
		size := int(IocparmLen(request))
		if data != nil && size > len(data) {
			return ioctlPlan{}, unix.EFAULT
		}
		if data != nil {
			data = data[:size]
		}
		// Genuinely bidirectional codes share the one buffer for both
		// directions.
		if request&IocIn != 0 {
			plan.ins[0] = data
		}
		if request&IocOut != 0 {
			plan.outs[0] = data
		}
		return plan, nil
	}
}
