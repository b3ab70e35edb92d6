package dmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pboyd/detour/internal/asm"
	"github.com/pboyd/detour/internal/symref"
)

func TestRegion_Validate(t *testing.T) {
	at := func(off int) *asm.Inst {
		return &asm.Inst{Offset: off, Source: off}
	}

	catchType := symref.Named{Pkg: "io", Name: "EOF"}

	cases := map[string]struct {
		region Region
		valid  bool
	}{
		"finally": {
			region: Region{Kind: RegionFinally, TryStart: at(0), TryEnd: at(10), HandlerStart: at(12), HandlerEnd: at(20)},
			valid:  true,
		},
		"catch": {
			region: Region{Kind: RegionCatch, TryStart: at(0), TryEnd: at(4), HandlerStart: at(8), HandlerEnd: at(8), CatchType: catchType},
			valid:  true,
		},
		"filter": {
			region: Region{Kind: RegionFilter, TryStart: at(0), TryEnd: at(4), HandlerStart: at(8), HandlerEnd: at(9), FilterStart: at(6)},
			valid:  true,
		},
		"missing bound": {
			region: Region{Kind: RegionFault, TryStart: at(0), HandlerStart: at(8), HandlerEnd: at(9)},
		},
		"reversed try": {
			region: Region{Kind: RegionFinally, TryStart: at(10), TryEnd: at(0), HandlerStart: at(12), HandlerEnd: at(20)},
		},
		"reversed handler": {
			region: Region{Kind: RegionFinally, TryStart: at(0), TryEnd: at(10), HandlerStart: at(20), HandlerEnd: at(12)},
		},
		"catch without type": {
			region: Region{Kind: RegionCatch, TryStart: at(0), TryEnd: at(4), HandlerStart: at(8), HandlerEnd: at(8)},
		},
		"filter start on fault": {
			region: Region{Kind: RegionFault, TryStart: at(0), TryEnd: at(4), HandlerStart: at(8), HandlerEnd: at(9), FilterStart: at(6)},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := tc.region.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRegion)
			}
		})
	}
}

func TestRegionsFor(t *testing.T) {
	assert := assert.New(t)

	// nop; nop; call rel32; ret
	code := []byte{0x90, 0x90, 0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3}
	body, err := asm.Decode(asm.AMD64, code, 0x1000)
	if !assert.NoError(err) {
		return
	}

	regions, err := regionsFor(body, Frame{DeferReturn: 2})
	if assert.NoError(err) && assert.Len(regions, 1) {
		r := regions[0]
		assert.Equal(0, r.TryStart.Source)
		assert.Equal(1, r.TryEnd.Source)
		assert.Equal(2, r.HandlerStart.Source)
		assert.Equal(7, r.HandlerEnd.Source)
	}

	regions, err = regionsFor(body, Frame{})
	assert.NoError(err)
	assert.Empty(regions)

	_, err = regionsFor(body, Frame{DeferReturn: 3})
	assert.ErrorIs(err, asm.ErrDanglingBranch)

	_, err = regionsFor(body, Frame{DeferReturn: 0x100})
	assert.ErrorIs(err, asm.ErrDanglingBranch)
}
