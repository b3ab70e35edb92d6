package dmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pboyd/detour/internal/config"
)

func TestDumpName(t *testing.T) {
	assert := assert.New(t)

	code := []byte{0x90, 0xc3}

	name := DumpName("orig", "pkg.(*T[go.shape.int]).M", code)
	assert.True(strings.HasPrefix(name, "orig-pkg._T_go.shape.int_.M-"), name)
	assert.True(strings.HasSuffix(name, DumpExt), name)
	assert.NotContains(name, "/")

	assert.Equal(name, DumpName("orig", "pkg.(*T[go.shape.int]).M", code))
	assert.NotEqual(name, DumpName("orig", "pkg.(*T[go.shape.int]).M", []byte{0xc3}))
	assert.True(strings.HasPrefix(DumpName("", "main.main", code), "dmd-main.main-"))
}

func TestDebugDump(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cfg := config.Default()
	cfg.Debug = true
	cfg.DumpDir = t.TempDir()

	src, err := SourceOf(testCloneFuncWithOneCall, cfg)
	require.NoError(err)

	m, err := New(context.Background(), src, Options{Config: cfg, Tag: "test"})
	require.NoError(err)
	defer m.Close()

	gen, err := m.Generate(context.Background())
	require.NoError(err)

	path := m.DumpPath()
	require.NotEmpty(path)
	assert.Equal(cfg.DumpDir, filepath.Dir(path))
	assert.Equal(DumpName("test", src.Func.Name, src.Code), filepath.Base(path))

	d, err := ReadDump(path)
	require.NoError(err)
	assert.Equal(src.Func.Name, d.Symbol)
	assert.Equal("test", d.Tag)
	assert.Equal(string(gen.Backend), d.Backend)
	assert.Equal(gen.Code, d.Code)
	assert.Equal(src.Code, d.Source)
	assert.Equal(uint64(gen.Entry), d.Entry)
	assert.NotEmpty(d.Externals)
}

func TestReadDump_Errors(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.dmd")
	require.NoError(t, os.WriteFile(garbage, []byte("not cbor"), 0o644))

	future, err := WriteDump(dir, &Dump{Version: dumpVersion + 1, Symbol: "x"})
	require.NoError(t, err)

	for _, path := range []string{garbage, future, filepath.Join(dir, "missing.dmd")} {
		_, err := ReadDump(path)
		assert.Error(t, err, path)
	}
}

func TestTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	defer otel.SetTracerProvider(sdktrace.NewTracerProvider())

	clone(t, testCloneFuncFloat, nil)

	_, err := New(context.Background(), &Source{Func: mustSource(t, testCloneFuncFloat).Func, Code: []byte{0xff, 0xff}}, Options{Private: true})
	assert.Error(t, err)

	var names []string
	var failed int
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
		if len(s.Events()) > 0 {
			failed++
		}
	}
	assert.Contains(t, names, "dmd.load")
	assert.Contains(t, names, "dmd.generate")
	assert.Equal(t, 1, failed)
}

func mustSource(t *testing.T, fn any) *Source {
	t.Helper()
	src, err := SourceOf(fn, nil)
	require.NoError(t, err)
	return src
}
