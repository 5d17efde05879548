// Package engine drives one convolution layer on a device: it owns the
// tuning spaces of the three kernels, generates and compiles their source,
// launches them and autotunes them.
package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/born-ml/libdnn/internal/codegen"
	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/device"
	"github.com/born-ml/libdnn/internal/tuner"
)

// ErrNotBuilt is returned when kernels are launched before a successful compile.
var ErrNotBuilt = errors.New("kernels not built")

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger *slog.Logger
	tiles  *conv.TileSet
}

// WithLogger sets the logger used by the engine and its tuner.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTiles sets the starting tuning assignment of every mode. Values the
// device cannot hold are adapted.
func WithTiles(tiles conv.TileSet) Option {
	return func(o *options) {
		o.tiles = &tiles
	}
}

// Engine is one convolution layer bound to a device. Its methods are not
// safe for concurrent use; separate engines share nothing.
type Engine struct {
	dev  device.Device
	cfg  conv.Config
	sets [conv.NumModes]*tuner.Set
	log  *slog.Logger

	src  *device.Source
	prog device.Program
	// built reports that prog holds a compiled build of src.
	built bool
}

// New creates an engine, declares the tuning spaces for dev and builds the
// kernels with the default assignment.
func New(dev device.Device, cfg conv.Config, opts ...Option) (*Engine, error) {
	o := &options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(o)
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("libdnn: new: %w", err)
	}

	e := &Engine{
		dev:  dev,
		cfg:  cfg,
		log:  o.logger.With("device", dev.Name()),
		prog: dev.CreateProgram(),
	}
	for _, m := range conv.Modes {
		s, err := newSpace(m, dev.Limits(), dev.Family())
		if err != nil {
			return nil, err
		}
		e.sets[m] = s
	}
	if o.tiles != nil {
		for _, m := range conv.Modes {
			if err := applyTiles(e.sets[m], o.tiles[m]); err != nil {
				return nil, fmt.Errorf("libdnn: new: %w", err)
			}
		}
	}

	if err := e.Build(); err != nil {
		return nil, fmt.Errorf("libdnn: new: %w", err)
	}
	e.log.Debug("engine ready", "fingerprint", e.src.Fingerprint)
	return e, nil
}

// applyTiles moves a set to the assignment described by p.
func applyTiles(s *tuner.Set, p conv.TileParams) error {
	snap := s.Snapshot()
	snap[ParamWorkgroup0] = p.WorkgroupSize0
	snap[ParamWorkgroup1] = p.WorkgroupSize1
	snap[ParamTSK] = p.TSK
	snap[ParamTSKUnroll] = p.TSKUnroll
	snap[ParamWPTM] = p.WPTM
	snap[ParamWPTN] = p.WPTN
	snap[ParamVWM] = p.VWM
	snap[ParamVWN] = p.VWN
	snap[ParamPadA] = p.PadA
	snap[ParamPadB] = p.PadB
	if vu, ok := s.Lookup(ParamVectorUnroll); ok && vu.Mutable {
		snap[ParamVectorUnroll] = boolInt(p.VectorUnroll)
	}
	return s.Restore(snap)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Config returns a copy of the layer configuration.
func (e *Engine) Config() conv.Config { return e.cfg.Clone() }

// Quantizer returns the quantization reference the layer was created with.
func (e *Engine) Quantizer() *conv.Quantizer { return e.cfg.Quantizer }

// Device returns the device the engine runs on.
func (e *Engine) Device() device.Device { return e.dev }

// Tuner returns the tuning space of a mode.
func (e *Engine) Tuner(m conv.Mode) *tuner.Set { return e.sets[m] }

// Tiles returns the current tile parameters of every mode.
func (e *Engine) Tiles() conv.TileSet {
	var ts conv.TileSet
	for _, m := range conv.Modes {
		ts[m] = tileParams(e.sets[m])
	}
	return ts
}

// Fingerprint identifies the generated source for this layer and device.
func (e *Engine) Fingerprint() string {
	return e.cfg.Fingerprint(e.dev.Name())
}

// Source returns the last generated source, or nil.
func (e *Engine) Source() *device.Source { return e.src }

// GenerateKernels regenerates the source from the current assignment. The
// previous build and source are dropped even when generation fails.
func (e *Engine) GenerateKernels() error {
	e.built = false
	e.src = nil
	src, err := codegen.Generate(&e.cfg, e.Tiles(), e.dev.Name())
	if err != nil {
		return err
	}
	e.src = src
	return nil
}

// CompileKernels compiles the generated source on the device.
func (e *Engine) CompileKernels() error {
	if e.src == nil {
		return fmt.Errorf("libdnn: compile: %w: no source generated", ErrNotBuilt)
	}
	e.prog.SetSource(e.src)
	e.built = false
	if err := e.prog.Compile(); err != nil {
		return err
	}
	e.built = true
	return nil
}

// Build generates and compiles the kernels.
func (e *Engine) Build() error {
	if err := e.GenerateKernels(); err != nil {
		return err
	}
	return e.CompileKernels()
}

// Built reports whether the compiled program matches the current source.
func (e *Engine) Built() bool { return e.built }

// TuningSnapshot returns the current assignment of every mode.
func (e *Engine) TuningSnapshot() [conv.NumModes]tuner.Snapshot {
	var snaps [conv.NumModes]tuner.Snapshot
	for _, m := range conv.Modes {
		snaps[m] = e.sets[m].Snapshot()
	}
	return snaps
}

// ApplyTuning restores a saved assignment and rebuilds. Nil entries keep
// the current assignment of their mode. On error the previous assignment
// and build are kept.
func (e *Engine) ApplyTuning(snaps [conv.NumModes]tuner.Snapshot) error {
	prev := e.TuningSnapshot()
	restore := func() {
		for _, m := range conv.Modes {
			_ = e.sets[m].Restore(prev[m])
		}
	}
	for _, m := range conv.Modes {
		if snaps[m] == nil {
			continue
		}
		if err := e.sets[m].Restore(snaps[m]); err != nil {
			restore()
			return fmt.Errorf("libdnn: apply tuning: %s: %w", m, err)
		}
	}
	if err := e.Build(); err != nil {
		restore()
		if rerr := e.Build(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return fmt.Errorf("libdnn: apply tuning: %w", err)
	}
	return nil
}
