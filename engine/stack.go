package engine

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-boot/errors"
)

// Stack cookie values written at the stack limit and at address zero.
const (
	StackCookieLow  uint32 = 0x02135467
	StackCookieHigh uint32 = 0x89BACDFE
	NullCookie      uint32 = 0x63736d65
)

const exportStackEnd = "emscripten_stack_get_end"

type stackExports struct {
	save, restore, alloc string
}

// Export names for the shadow stack, current toolchains first.
var stackExportSets = []stackExports{
	{"emscripten_stack_get_current", "_emscripten_stack_restore", "_emscripten_stack_alloc"},
	{"stackSave", "stackRestore", "stackAlloc"},
}

// shadowStack drives the module's own stack pointer through its exports.
type shadowStack struct {
	save, restore, alloc api.Function
}

func newShadowStack(i *WazeroInstance) *shadowStack {
	for _, set := range stackExportSets {
		s := &shadowStack{
			save:    i.instance.ExportedFunction(set.save),
			restore: i.instance.ExportedFunction(set.restore),
			alloc:   i.instance.ExportedFunction(set.alloc),
		}
		if s.save != nil && s.restore != nil && s.alloc != nil {
			return s
		}
	}
	return nil
}

func (s *shadowStack) Save(ctx context.Context) (uint32, error) {
	res, err := s.save.Call(ctx)
	if err != nil {
		return 0, errors.Trap(errors.PhaseEntry, "stackSave", err)
	}
	return uint32(res[0]), nil
}

func (s *shadowStack) Alloc(ctx context.Context, size uint32) (uint32, error) {
	res, err := s.alloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, errors.Trap(errors.PhaseEntry, "stackAlloc", err)
	}
	return uint32(res[0]), nil
}

func (s *shadowStack) Restore(ctx context.Context, sp uint32) error {
	if _, err := s.restore.Call(ctx, uint64(sp)); err != nil {
		return errors.Trap(errors.PhaseEntry, "stackRestore", err)
	}
	return nil
}

// StackGuard writes cookies at the stack limit and at address zero before the
// run, and verifies them after. Modules that do not export their stack limit
// are not guarded.
type StackGuard struct {
	inst    *WazeroInstance
	end     api.Function
	limit   uint32
	written bool
}

func newStackGuard(i *WazeroInstance) *StackGuard {
	return &StackGuard{inst: i, end: i.instance.ExportedFunction(exportStackEnd)}
}

func (g *StackGuard) stackLimit(ctx context.Context) (uint32, error) {
	res, err := g.end.Call(ctx)
	if err != nil {
		return 0, errors.Trap(errors.PhaseStartup, exportStackEnd, err)
	}
	limit := uint32(res[0])
	if limit&3 != 0 {
		return 0, errors.InvariantViolation(errors.PhaseStartup, "stack limit %#x is not 4-byte aligned", limit)
	}
	// Address zero holds the null cookie.
	if limit == 0 {
		limit += 4
	}
	return limit, nil
}

// InitStack writes the cookies.
func (g *StackGuard) InitStack(ctx context.Context) error {
	if g.end == nil || g.inst.memory == nil {
		return nil
	}
	if err := g.inst.initStackBounds(ctx); err != nil {
		return err
	}
	limit, err := g.stackLimit(ctx)
	if err != nil {
		return err
	}
	mem := g.inst.memory
	if err := mem.WriteU32(limit, StackCookieLow); err != nil {
		return err
	}
	if err := mem.WriteU32(limit+4, StackCookieHigh); err != nil {
		return err
	}
	if err := mem.WriteU32(0, NullCookie); err != nil {
		return err
	}
	g.limit = limit
	g.written = true
	return nil
}

// CheckStack verifies the cookies written by InitStack.
func (g *StackGuard) CheckStack(ctx context.Context) error {
	// proc_exit closes the module; there is nothing left to check.
	if !g.written || g.inst.memory == nil || g.inst.instance.IsClosed() {
		return nil
	}
	mem := g.inst.memory
	low, err := mem.ReadU32(g.limit)
	if err != nil {
		return err
	}
	high, err := mem.ReadU32(g.limit + 4)
	if err != nil {
		return err
	}
	if low != StackCookieLow || high != StackCookieHigh {
		return errors.New(errors.PhaseRuntime, errors.KindInvariant).
			Label("stack overflow").
			Detail("stack cookie at %#x overwritten: expected %#08x %#08x, found %#08x %#08x",
				g.limit, StackCookieHigh, StackCookieLow, high, low).
			Build()
	}
	null, err := mem.ReadU32(0)
	if err != nil {
		return err
	}
	if null != NullCookie {
		return errors.New(errors.PhaseRuntime, errors.KindInvariant).
			Label("heap corruption").
			Detail("memory at address zero overwritten: found %#08x", null).
			Build()
	}
	return nil
}
