package dmd

import (
	"errors"
	"fmt"

	"github.com/pboyd/detour/internal/asm"
	"github.com/pboyd/detour/internal/symref"
)

// ErrInvalidRegion is returned for a region whose bounds don't make sense.
var ErrInvalidRegion = errors.New("invalid region")

// RegionKind is the kind of a protected region.
type RegionKind uint8

const (
	RegionCatch RegionKind = iota
	RegionFinally
	RegionFault
	RegionFilter
)

func (k RegionKind) String() string {
	switch k {
	case RegionCatch:
		return "catch"
	case RegionFinally:
		return "finally"
	case RegionFault:
		return "fault"
	case RegionFilter:
		return "filter"
	}
	return fmt.Sprintf("RegionKind(%d)", k)
}

// Region is a protected range of instructions and its handler. The bounds
// point at instructions, so they follow the code when Layout moves it.
//
// Go functions only have finally regions: the code up to the deferreturn
// call is protected, and the deferreturn call through the epilogue is the
// handler.
type Region struct {
	Kind RegionKind

	TryStart, TryEnd         *asm.Inst
	HandlerStart, HandlerEnd *asm.Inst

	// FilterStart is set for filter regions only.
	FilterStart *asm.Inst

	// CatchType is set for catch regions only.
	CatchType symref.Ref
}

// Validate checks that the bounds are ordered and that the optional
// fields match the kind.
func (r Region) Validate() error {
	switch {
	case r.TryStart == nil || r.TryEnd == nil || r.HandlerStart == nil || r.HandlerEnd == nil:
		return fmt.Errorf("%w: %s region is missing a bound", ErrInvalidRegion, r.Kind)
	case r.TryStart.Source > r.TryEnd.Source:
		return fmt.Errorf("%w: try ends at %d before it starts at %d", ErrInvalidRegion, r.TryEnd.Source, r.TryStart.Source)
	case r.HandlerStart.Source > r.HandlerEnd.Source:
		return fmt.Errorf("%w: handler ends at %d before it starts at %d", ErrInvalidRegion, r.HandlerEnd.Source, r.HandlerStart.Source)
	case (r.Kind == RegionFilter) != (r.FilterStart != nil):
		return fmt.Errorf("%w: filter start on a %s region", ErrInvalidRegion, r.Kind)
	case (r.Kind == RegionCatch) != (r.CatchType != nil):
		return fmt.Errorf("%w: catch type on a %s region", ErrInvalidRegion, r.Kind)
	}
	return nil
}

// regionsFor builds the regions of a decoded body from its frame.
func regionsFor(body *asm.Body, frame Frame) ([]Region, error) {
	if frame.DeferReturn == 0 || len(body.Insts) == 0 {
		return nil, nil
	}

	landing := body.Find(int(frame.DeferReturn))
	if landing == nil {
		return nil, fmt.Errorf("%w: deferreturn at offset %d", asm.ErrDanglingBranch, frame.DeferReturn)
	}

	i := indexOf(body, landing)
	if i == 0 {
		return nil, fmt.Errorf("%w: deferreturn at the entry", ErrInvalidRegion)
	}

	r := Region{
		Kind:         RegionFinally,
		TryStart:     body.Insts[0],
		TryEnd:       body.Insts[i-1],
		HandlerStart: landing,
		HandlerEnd:   body.Insts[len(body.Insts)-1],
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return []Region{r}, nil
}

func indexOf(body *asm.Body, in *asm.Inst) int {
	for i, x := range body.Insts {
		if x == in {
			return i
		}
	}
	return -1
}
