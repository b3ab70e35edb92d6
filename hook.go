package detour

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"unsafe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pboyd/detour/internal/config"
)

type state uint8

const (
	stateConstructed state = iota
	stateApplied
	stateUndone
	stateClosed
)

// handle is the part of a hook that doesn't depend on its type.
type handle struct {
	target reflect.Value
	cfg    *config.Config
	e      *entry

	// impl keeps the layer's func value reachable.
	impl any

	mu    sync.Mutex
	state state
}

func newHandle(target reflect.Value, o *options, withNext bool) (*handle, error) {
	if o.cfg == nil {
		o.cfg = loadConfig()
	}

	e, err := newEntry(o, withNext)
	if err != nil {
		return nil, err
	}

	h := &handle{
		target: target,
		cfg:    o.cfg,
		e:      e,
	}

	// Until the hook is applied, next goes straight to the target.
	e.setNext(funcvalOf(target.Interface()))
	return h, nil
}

func (h *handle) setImpl(impl any) {
	h.impl = impl
	h.e.fn = funcvalOf(impl)
}

// Apply inserts the hook into its target's chain.
func (h *handle) Apply() (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case stateClosed:
		return ErrInvalidHandle
	case stateApplied:
		return nil
	}

	_, span := tracer.Start(context.Background(), "detour.apply", trace.WithAttributes(
		attribute.String("id", h.e.id),
	))
	defer func() {
		endSpan(span, err)
	}()

	err = withChain(h.target, h.cfg, func(c *chain) error {
		return c.insert(h.e)
	})
	if err != nil {
		return err
	}

	h.state = stateApplied
	return nil
}

// Undo removes the hook from its target's chain.
func (h *handle) Undo() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.undo()
}

func (h *handle) undo() (err error) {
	switch h.state {
	case stateClosed:
		return ErrInvalidHandle
	case stateConstructed, stateUndone:
		return nil
	}

	_, span := tracer.Start(context.Background(), "detour.undo", trace.WithAttributes(
		attribute.String("id", h.e.id),
	))
	defer func() {
		endSpan(span, err)
	}()

	err = withChain(h.target, h.cfg, func(c *chain) error {
		return c.remove(h.e)
	})
	if err != nil {
		return err
	}

	h.e.setNext(funcvalOf(h.target.Interface()))
	h.state = stateUndone
	return nil
}

// IsApplied reports whether the hook is in its target's chain.
func (h *handle) IsApplied() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateApplied
}

// IsValid reports whether the hook has not been closed.
func (h *handle) IsValid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state != stateClosed
}

// Close undoes the hook and releases it. Calls to its trampoline panic
// with ErrInvalidHandle afterwards.
func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == stateClosed {
		return nil
	}
	if err := h.undo(); err != nil {
		return err
	}

	if h.e.next != nil {
		stub := reflect.MakeFunc(h.target.Type(), func([]reflect.Value) []reflect.Value {
			panic(ErrInvalidHandle)
		})
		h.e.setNext(funcvalOf(stub.Interface()))
	}
	h.state = stateClosed
	return nil
}

// Hook layers a function over a target. Every call to the target goes
// through the chain of applied hooks, outermost first, and ends at a copy
// of the target's original code.
type Hook[T any] struct {
	*handle
}

var _ Detour = (*Hook[func()])(nil)

// New creates a hook on target. wrap is called once with the next layer
// inward and returns the function that replaces target in the chain. The
// hook is applied unless Deferred is given.
//
// target must be a top-level function or a method expression that hasn't
// been inlined at its call sites.
func New[T any](target T, wrap func(next T) T, opts ...Option) (*Hook[T], error) {
	fnv := reflect.ValueOf(target)
	if fnv.Kind() != reflect.Func {
		return nil, fmt.Errorf("not a function, kind: %v", fnv.Kind())
	}
	if fnv.IsNil() {
		return nil, errors.New("nil target")
	}
	if wrap == nil {
		return nil, errors.New("nil wrap function")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = funcName(reflect.ValueOf(wrap).Pointer())
	}

	h, err := newHandle(fnv, &o, true)
	if err != nil {
		return nil, err
	}
	hook := &Hook[T]{handle: h}

	impl := wrap(hook.trampoline())
	if reflect.ValueOf(impl).IsNil() {
		h.e.next.Free()
		return nil, errors.New("wrap returned nil")
	}
	h.setImpl(impl)

	if !o.deferred {
		if err := hook.Apply(); err != nil {
			hook.Close()
			return nil, err
		}
	}
	return hook, nil
}

// Trampoline returns the function that calls the next layer inward. It is
// the same function passed to wrap.
func (h *Hook[T]) Trampoline() (T, error) {
	if !h.IsValid() {
		var zero T
		return zero, ErrInvalidHandle
	}
	return h.trampoline(), nil
}

func (h *Hook[T]) trampoline() T {
	fv := h.e.next.FuncPointer()
	return *(*T)(unsafe.Pointer(&fv))
}

func funcName(pc uintptr) string {
	if f := runtime.FuncForPC(pc); f != nil {
		return f.Name()
	}
	return fmt.Sprintf("%#x", pc)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
