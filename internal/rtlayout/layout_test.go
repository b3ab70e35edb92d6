package rtlayout

import (
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:noinline
func layoutTestFunc(a, b int) int {
	return a*b + a
}

//go:noinline
func layoutGeneric[T any](v T) T {
	return v
}

func TestForVersion(t *testing.T) {
	cases := map[string]struct {
		version string
		wantErr bool
	}{
		"release":       {version: "go1.25.0"},
		"minor release": {version: "go1.21"},
		"experiment":    {version: "go1.22.1 X:rangefunc"},
		"devel":         {version: "devel go1.26-abcdef Tue Jan 1 00:00:00 2026 +0000"},
		"candidate":     {version: "go1.24rc1"},
		"too old":       {version: "go1.18.3", wantErr: true},
		"unparseable":   {version: "gopher", wantErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			l, err := ForVersion(tc.version)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedRuntime)
				return
			}
			if assert.NoError(t, err) {
				assert.Equal(t, "go1.21+", l.Name())
			}
		})
	}
}

func TestFindFunc(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	l, err := Current()
	require.NoError(err)

	entry := reflect.ValueOf(layoutTestFunc).Pointer()

	f, ok := l.FindFunc(entry)
	require.True(ok)
	assert.Equal(entry, f.Entry)
	assert.True(strings.HasSuffix(f.Name, ".layoutTestFunc"), f.Name)
	assert.Greater(f.Size, 0)
	assert.Equal(l.MainModule().ID(), f.Module.ID())

	// A PC in the middle of the function maps back to the same entry.
	mid, ok := l.FindFunc(entry + 1)
	require.True(ok)
	assert.Equal(entry, mid.Entry)

	start, end := f.Module.Text()
	assert.True(start <= entry && entry < end)
}

func TestFindFunc_NotInModule(t *testing.T) {
	l, err := Current()
	require.NoError(t, err)

	buf := make([]byte, 16)
	_, ok := l.FindFunc(reflect.ValueOf(&buf[0]).Pointer())
	assert.False(t, ok)
}

func TestFuncs(t *testing.T) {
	l, err := Current()
	require.NoError(t, err)

	entry := reflect.ValueOf(layoutTestFunc).Pointer()

	found := false
	prev := uintptr(0)
	for pc := range l.Funcs(l.MainModule()) {
		assert.GreaterOrEqual(t, pc, prev)
		prev = pc
		if pc == entry {
			found = true
		}
	}
	assert.True(t, found)
}

func TestFuncs_GenericNames(t *testing.T) {
	assert := assert.New(t)

	l, err := Current()
	require.NoError(t, err)

	assert.Equal(3, layoutGeneric(3))
	assert.Equal("x", layoutGeneric("x"))

	names := map[string]bool{}
	for pc := range l.Funcs(l.MainModule()) {
		f, ok := l.FindFunc(pc)
		if ok {
			names[f.Name] = true
		}
	}

	const prefix = "github.com/pboyd/detour/internal/rtlayout.layoutGeneric"
	assert.True(names[prefix+"[go.shape.int]"])
	assert.True(names[prefix+"[go.shape.string]"])
	assert.False(names[prefix+"[...]"])
}
