package dmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pboyd/detour/internal/asm"
	"github.com/pboyd/detour/internal/config"
	"github.com/pboyd/detour/internal/logging"
	"github.com/pboyd/detour/internal/platform"
	"github.com/pboyd/detour/internal/rtlayout"
	"github.com/pboyd/detour/internal/symref"
)

// Options control how a Method is loaded and generated.
type Options struct {
	// Config selects the backend and debug behavior. Nil uses the
	// defaults.
	Config *config.Config

	// Context rebinds the generic parameters of every operand. Nil keeps
	// the source's own bindings.
	Context *symref.Context

	// Private gives the method a host of its own instead of the one
	// shared by its module.
	Private bool

	// Tag prefixes dump names.
	Tag string
}

// Method is a function body being rewritten.
type Method struct {
	src  *Source
	opts Options
	cfg  *config.Config
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	host    *Host
	body    *asm.Body
	regions []Region
	gen     *Generated
	dump    string
}

// New loads src. On error nothing is held.
func New(ctx context.Context, src *Source, opts Options) (*Method, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	m := &Method{
		src:  src,
		opts: opts,
		cfg:  cfg,
		log:  logging.Logger("dmd").With("func", src.Func.Name),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload decodes and relinks the source again. A generated copy is
// released first.
func (m *Method) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return fmt.Errorf("%w: reload after close", ErrState)
	}

	if err := m.unload(); err != nil {
		return err
	}
	return m.load(ctx)
}

func (m *Method) load(ctx context.Context) (err error) {
	_, span := tracer.Start(ctx, "dmd.load", trace.WithAttributes(
		attribute.String("func", m.src.Func.Name),
		attribute.Bool("from_disk", m.src.FromDisk),
	))
	defer func() {
		endSpan(span, err)
	}()

	arch, err := asm.Native()
	if err != nil {
		return err
	}
	layout, err := rtlayout.Current()
	if err != nil {
		return err
	}

	var host *Host
	if m.opts.Private {
		host = hosts.private(m.src.Func.Module, layout, arch)
	} else {
		host = hosts.acquire(m.src.Func.Module, layout, arch)
	}
	defer func() {
		if err != nil {
			hosts.release(host)
		}
	}()

	body, err := asm.Decode(arch, m.src.Code, m.src.Func.Entry)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", m.src.Func.Name, err)
	}

	if err := m.relink(body, host); err != nil {
		return err
	}

	regions, err := regionsFor(body, m.src.Frame)
	if err != nil {
		return fmt.Errorf("%s: %w", m.src.Func.Name, err)
	}

	m.host, m.body, m.regions = host, body, regions
	m.state = StateLoaded

	m.log.Debug("loaded", "insts", len(body.Insts), "externals", len(body.Externals()), "shared", host.Shared())
	return nil
}

// relink points every external operand at its equivalent in the target
// context.
func (m *Method) relink(body *asm.Body, host *Host) error {
	srcCtx := m.src.Context()
	dstCtx := m.opts.Context
	if dstCtx == nil {
		dstCtx = srcCtx
	}

	r := symref.Relinker{Leaf: host.resolve}
	for _, in := range body.Externals() {
		ref := symref.Generalize(host.refOf(in.Operand.Addr), srcCtx)

		out, err := r.Relink(ref, dstCtx)
		if err != nil {
			return fmt.Errorf("%s at offset %d: %w", m.src.Func.Name, in.Source, err)
		}

		addr, ok := out.(symref.Addr)
		if !ok {
			return &symref.TargetNotFoundError{Ref: ref, Context: dstCtx, Err: errors.New("not an address")}
		}
		in.Operand.Addr = addr.Addr
	}
	return nil
}

// Generate places the method in executable memory. Calling it again
// returns the same copy.
func (m *Method) Generate(ctx context.Context) (gen *Generated, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateGenerated:
		return m.gen, nil
	case StateLoaded:
	default:
		return nil, fmt.Errorf("%w: generate while %s", ErrState, m.state)
	}

	_, span := tracer.Start(ctx, "dmd.generate", trace.WithAttributes(
		attribute.String("func", m.src.Func.Name),
	))
	defer func() {
		endSpan(span, err)
	}()

	caps := platform.Probe()

	var errs []error
	for _, be := range backendsFor(m.cfg, caps) {
		gen, err = be.generate(m)
		if err != nil {
			if !canFallBack(err) {
				return nil, err
			}
			m.log.Debug("backend unavailable", "backend", be.kind(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", be.kind(), err))
			continue
		}

		if err := fixup(gen, caps); err != nil {
			gen.release()
			return nil, err
		}

		span.SetAttributes(attribute.String("backend", string(be.kind())))
		m.log.Debug("generated", "backend", be.kind(), "entry", fmt.Sprintf("%#x", gen.Entry), "size", len(gen.Code))

		if m.cfg.Debug {
			path, err := WriteDump(m.cfg.DumpDir, newDump(m, gen))
			if err != nil {
				m.log.Warn("writing dump failed", "err", err)
			} else {
				m.dump = path
			}
		}

		m.gen = gen
		m.state = StateGenerated
		return gen, nil
	}

	return nil, fmt.Errorf("%w: no backend can generate %s: %w", ErrBackendUnsupported, m.src.Func.Name, errors.Join(errs...))
}

// fixup runs after every backend. Code written through the data cache
// must be flushed before it's executed on hosts that need it.
func fixup(gen *Generated, caps platform.Capabilities) error {
	if caps.ICacheFlush {
		platform.FlushICache(gen.Code)
	}
	return nil
}

// Close releases the generated copy and the host reference. It is safe to
// call more than once.
func (m *Method) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return nil
	}

	err := m.unload()
	m.state = StateClosed
	return err
}

func (m *Method) unload() error {
	var err error
	if m.gen != nil {
		err = m.gen.release()
		m.gen = nil
	}
	if m.host != nil {
		hosts.release(m.host)
		m.host = nil
	}
	m.body, m.regions = nil, nil
	m.state = StateUnloaded
	return err
}

// State returns the current state.
func (m *Method) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Source returns the source the method was created from.
func (m *Method) Source() *Source {
	return m.src
}

// Body returns the decoded body, or nil before loading.
func (m *Method) Body() *asm.Body {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.body
}

// Regions returns the regions of the body.
func (m *Method) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regions
}

// Host returns the host the method is loaded into.
func (m *Method) Host() *Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host
}

// DumpPath returns the path of the dump written by Generate in debug mode.
func (m *Method) DumpPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dump
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
