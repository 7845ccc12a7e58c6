package engine

import (
	"context"
	"fmt"
	"path"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/gate"
	"github.com/wippyai/wasm-boot/host"
)

// SideModules loads dynamic libraries into an instance before its entry
// point runs. Each library holds a gate dependency until it is linked.
type SideModules struct {
	Engine    *WazeroEngine
	Instance  *WazeroInstance
	Fetcher   host.Fetcher
	Exec      host.Executor
	Libraries []string
	// OnFailure receives asynchronous load failures. Synchronous ones are
	// returned from Prepare.
	OnFailure func(error)
	Logger    *zap.Logger
}

type syncChecker interface {
	CanReadSync(locator string) bool
}

// DependencyLabel names the gate dependency held while lib loads.
func DependencyLabel(lib string) string {
	return "library " + lib
}

// Prepare starts loading every library.
func (s *SideModules) Prepare(ctx context.Context, g *gate.Gate) error {
	for _, lib := range s.Libraries {
		if err := s.load(ctx, g, lib); err != nil {
			return err
		}
	}
	return nil
}

func (s *SideModules) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return Logger()
}

func (s *SideModules) load(ctx context.Context, g *gate.Gate, lib string) error {
	if r, ok := s.Fetcher.(host.SyncReader); ok && s.canReadSync(lib) {
		data, err := r.ReadSync(lib)
		if err != nil {
			return errors.LoadFailure(lib, err)
		}
		return s.link(ctx, lib, data)
	}

	label := DependencyLabel(lib)
	g.Add(label)
	req := s.Fetcher.Fetch(ctx, lib)
	req.OnComplete(func() {
		s.Exec.Submit(func() {
			defer req.Release()
			err := req.Err()
			if err == nil && req.Status() != 0 && req.Status() != 200 {
				err = errors.LoadFailure(lib, errors.InvalidData(errors.PhaseLoad, "unexpected status"))
			}
			if err == nil {
				err = s.link(ctx, lib, req.Body())
			}
			if err != nil {
				s.fail(err)
			}
			if rerr := g.Remove(label); rerr != nil {
				s.logger().Warn("release library dependency", zap.String("library", lib), zap.Error(rerr))
			}
		})
	})
	return nil
}

func (s *SideModules) canReadSync(lib string) bool {
	if c, ok := s.Fetcher.(syncChecker); ok {
		return c.CanReadSync(lib)
	}
	return true
}

func (s *SideModules) fail(err error) {
	if s.OnFailure != nil {
		s.OnFailure(err)
		return
	}
	s.logger().Error("library load failed", zap.Error(err))
}

// link compiles and instantiates a library, runs its constructors and makes
// its exports visible through the main instance. Libraries run in their own
// memory, so one importing the main module's memory is rejected.
func (s *SideModules) link(ctx context.Context, lib string, data []byte) error {
	rt := s.Engine.runtime
	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		return errors.LoadFailure(lib, err)
	}
	if mems := compiled.ImportedMemories(); len(mems) > 0 {
		modName, name, _ := mems[0].Import()
		_ = compiled.Close(ctx)
		return errors.LoadFailure(lib, fmt.Errorf("imports memory %s.%s; only self-contained libraries can be linked", modName, name))
	}
	name := s.Instance.Name() + "/" + path.Base(lib)
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions())
	if err != nil {
		return errors.Instantiation(err)
	}
	if ctors := mod.ExportedFunction(ExportCtors); ctors != nil {
		if _, err := ctors.Call(ctx); err != nil {
			_ = mod.Close(ctx)
			return errors.Trap(errors.PhaseStartup, ExportCtors, err)
		}
	}
	s.Instance.AddSideModule(mod)
	s.logger().Debug("library linked", zap.String("library", lib), zap.String("module", name))
	return nil
}
