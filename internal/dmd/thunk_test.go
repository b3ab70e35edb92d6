package dmd

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func funcvalOf[T any](fn T) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&fn))
}

func TestThunk(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	double := func(x int) int { return x * 2 }
	triple := func(x int) int { return x * 3 }

	cell := new(unsafe.Pointer)
	*cell = funcvalOf(double)

	th, err := NewThunk(cell)
	require.NoError(err)
	defer th.Free()

	assert.True(thunks.Contains(th.Entry()))

	fv := th.FuncPointer()
	fn := *(*func(int) int)(unsafe.Pointer(&fv))
	assert.Equal(10, fn(5))

	atomic.StorePointer(cell, funcvalOf(triple))
	assert.Equal(15, fn(5))

	n := 7
	add := func(x int) int { return x + n }
	atomic.StorePointer(cell, funcvalOf(add))
	assert.Equal(12, fn(5))
	n = 1
	assert.Equal(6, fn(5))

	entry := th.Entry()
	require.NoError(th.Free())
	assert.False(thunks.Contains(entry))
	assert.NoError(th.Free())
}
