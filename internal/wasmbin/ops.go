package wasmbin

const (
	opUnreachable byte = 0x00
	opIf          byte = 0x04
	opEnd         byte = 0x0b
	opReturn      byte = 0x0f
	opCall        byte = 0x10
	opDrop        byte = 0x1a
	opLocalGet    byte = 0x20
	opLocalSet    byte = 0x21
	opLocalTee    byte = 0x22
	opGlobalGet   byte = 0x23
	opGlobalSet   byte = 0x24
	opI32Load     byte = 0x28
	opI32Load8U   byte = 0x2d
	opI32Store    byte = 0x36
	opI32Store8   byte = 0x3a
	opI32Const    byte = 0x41
	opI32Eq       byte = 0x46
	opI32Add      byte = 0x6a
	opI32Sub      byte = 0x6b
	opI32And      byte = 0x71
)

// Code accumulates an instruction sequence.
type Code struct {
	w writer
}

// Bytes returns the body terminated with end.
func (c *Code) Bytes() []byte {
	out := append([]byte(nil), c.w.bytes()...)
	return append(out, opEnd)
}

func (c *Code) op(b byte) *Code {
	c.w.byte(b)
	return c
}

func (c *Code) idx(b byte, i uint32) *Code {
	c.w.byte(b)
	c.w.u32(i)
	return c
}

func (c *Code) mem(b byte, align, offset uint32) *Code {
	c.w.byte(b)
	c.w.u32(align)
	c.w.u32(offset)
	return c
}

func (c *Code) Unreachable() *Code { return c.op(opUnreachable) }
func (c *Code) Return() *Code { return c.op(opReturn) }
func (c *Code) Drop() *Code { return c.op(opDrop) }
func (c *Code) I32Add() *Code { return c.op(opI32Add) }
func (c *Code) I32Sub() *Code { return c.op(opI32Sub) }
func (c *Code) I32And() *Code { return c.op(opI32And) }
func (c *Code) I32Eq() *Code { return c.op(opI32Eq) }
func (c *Code) End() *Code { return c.op(opEnd) }

// If opens a block with no result.
func (c *Code) If() *Code {
	c.w.byte(opIf)
	c.w.byte(0x40)
	return c
}

func (c *Code) Call(fn uint32) *Code { return c.idx(opCall, fn) }
func (c *Code) LocalGet(i uint32) *Code { return c.idx(opLocalGet, i) }
func (c *Code) LocalSet(i uint32) *Code { return c.idx(opLocalSet, i) }
func (c *Code) LocalTee(i uint32) *Code { return c.idx(opLocalTee, i) }
func (c *Code) GlobalGet(i uint32) *Code { return c.idx(opGlobalGet, i) }
func (c *Code) GlobalSet(i uint32) *Code { return c.idx(opGlobalSet, i) }
func (c *Code) I32Load(off uint32) *Code { return c.mem(opI32Load, 2, off) }
func (c *Code) I32Load8U(off uint32) *Code { return c.mem(opI32Load8U, 0, off) }
func (c *Code) I32Store(off uint32) *Code { return c.mem(opI32Store, 2, off) }
func (c *Code) I32Store8(off uint32) *Code { return c.mem(opI32Store8, 0, off) }

func (c *Code) I32Const(v int32) *Code {
	c.w.byte(opI32Const)
	c.w.s64(int64(v))
	return c
}
