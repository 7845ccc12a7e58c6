package gate

import (
	"sort"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-boot/errors"
)

// Config configures a Gate.
type Config struct {
	// OnSatisfied runs every time a removal brings the count to zero.
	OnSatisfied func()
	Logger      *zap.Logger
	// Assertions makes unbalanced removals return errors instead of being
	// logged and ignored.
	Assertions bool
}

// Gate is the run-dependency counter of one module instance.
type Gate struct {
	onSatisfied func()
	logger      *zap.Logger
	labels      map[string]int
	count       int
	assertions  bool
	firing      bool
	refire      bool
}

// New creates a gate with count zero.
func New(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = Logger()
	}
	return &Gate{
		onSatisfied: cfg.OnSatisfied,
		logger:      logger,
		labels:      make(map[string]int),
		assertions:  cfg.Assertions,
	}
}

// Add registers one outstanding dependency.
func (g *Gate) Add(label string) {
	g.count++
	g.labels[label]++
	g.logger.Debug("run dependency added",
		zap.String("label", label),
		zap.Int("pending", g.count))
}

// Remove clears one outstanding dependency. When the count reaches zero the
// callback runs before Remove returns.
func (g *Gate) Remove(label string) error {
	if g.count == 0 || g.labels[label] == 0 {
		err := errors.InvariantViolation(errors.PhaseGate,
			"removed run dependency %q that is not outstanding (pending %d)", label, g.count)
		if g.assertions {
			return err
		}
		g.logger.Warn("unbalanced run dependency removal", zap.Error(err))
		return nil
	}

	g.count--
	if g.labels[label]--; g.labels[label] == 0 {
		delete(g.labels, label)
	}
	g.logger.Debug("run dependency removed",
		zap.String("label", label),
		zap.Int("pending", g.count))

	if g.count == 0 {
		g.fire()
	}
	return nil
}

func (g *Gate) fire() {
	if g.onSatisfied == nil {
		return
	}
	// Reaching zero again from inside the callback is replayed once the
	// outer call returns instead of recursing.
	if g.firing {
		g.refire = true
		return
	}
	g.firing = true
	defer func() { g.firing = false }()
	for {
		g.refire = false
		g.onSatisfied()
		if !g.refire || g.count != 0 {
			return
		}
	}
}

// Count returns the number of outstanding dependencies.
func (g *Gate) Count() int {
	return g.count
}

// Satisfied reports whether no dependencies are outstanding.
func (g *Gate) Satisfied() bool {
	return g.count == 0
}

// Pending lists outstanding labels, one entry per token, sorted.
func (g *Gate) Pending() []string {
	out := make([]string, 0, g.count)
	for label, n := range g.labels {
		for i := 0; i < n; i++ {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out
}
