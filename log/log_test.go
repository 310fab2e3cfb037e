package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"trace", "trace"},
		{"DEBUG", "debug"},
		{"warning", "warn"},
		{"crit", "crit"},
	} {
		lvl, err := ParseLevel(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, LevelString(lvl))
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestModuleGating(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))

	DisableModule(AsmModule)
	Debug(AsmModule, "hidden")
	assert.Empty(t, buf.String())

	EnableModules("asm, aot")
	defer DisableModule(AsmModule)
	defer DisableModule(AotModule)
	Debug(AsmModule, "step", "pc", 4)
	Trace(AotModule, "block")
	out := buf.String()
	assert.Contains(t, out, "msg=step")
	assert.Contains(t, out, "module=asm")
	assert.Contains(t, out, "level=TRACE")

	buf.Reset()
	Info(LoaderModule, "always")
	assert.True(t, strings.Contains(buf.String(), "msg=always"))
}

func TestJSONLogger(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)

	var buf bytes.Buffer
	require.NoError(t, InitJSONLogger(&buf, "info"))
	Warn(StorageModule, "cache miss", "key", "ab")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "warn", rec["level"])
	assert.Equal(t, "cache miss", rec["msg"])
	assert.Equal(t, "storage", rec["module"])
	assert.Equal(t, "ab", rec["key"])
}
