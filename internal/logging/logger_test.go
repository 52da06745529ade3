package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"trace": TRACE, "DEBUG": DEBUG, " info ": INFO,
		"warning": WARN, "error": ERROR, "off": DISABLED,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := ParseLevel("verbose")
	assert.False(t, ok)
}

func TestLoggerManager(t *testing.T) {
	Configure(TestOptions())
	lm := GetLoggerManager()
	lm.Reset()

	a := lm.GetLogger("lifecycle")
	assert.Same(t, a, GetLifecycleLogger())
	GetProxyLogger()
	assert.Equal(t, []string{"lifecycle", "proxy"}, lm.ListComponents())

	require.NoError(t, lm.SetLogLevel("lifecycle", ERROR))
	assert.Equal(t, ERROR, a.Level())
	child := a.With("world", "w1")
	assert.Equal(t, ERROR, child.Level())
	assert.Equal(t, "lifecycle", child.Component())

	assert.Error(t, lm.SetLogLevel("unknown", INFO))
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvLogDir, dir)
	t.Setenv(EnvLogLevel, "error")

	Configure(Options{ConsoleLevel: INFO, FileLevel: DEBUG, NoColor: true})
	require.NoError(t, InitDefaultLogger("worldhost-test"))
	defer func() {
		CloseDefaultLogger()
		Configure(TestOptions())
	}()

	Info("hello %s", "file")
	Trace("dropped")
	CloseDefaultLogger()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "worldhost-test_"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello file"`)
	assert.NotContains(t, string(data), "dropped")
}
