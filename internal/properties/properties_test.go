package properties

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `#Minecraft server properties
#Mon Jan 01 00:00:00 UTC 2024
enable-jmx-monitoring=false
level-seed=
gamemode=survival
motd=A Minecraft Server
view-distance=10
online-mode=true
rcon.password=se\:cret
! bang comment
spawn-protection : 16
`

func TestRead(t *testing.T) {
	p, err := Read(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"enable-jmx-monitoring", "level-seed", "gamemode", "motd",
		"view-distance", "online-mode", "rcon.password", "spawn-protection",
	}, p.Keys())

	v, ok := p.Get("view-distance")
	require.True(t, ok)
	assert.Equal(t, KindInt, v.Kind())
	n, ok := v.Int()
	require.True(t, ok)
	assert.Equal(t, int64(10), n)

	v, _ = p.Get("online-mode")
	assert.Equal(t, KindBool, v.Kind())

	v, _ = p.Get("level-seed")
	assert.Equal(t, "", v.String())
	assert.Equal(t, KindString, v.Kind())

	v, _ = p.Get("motd")
	assert.Equal(t, "A Minecraft Server", v.String())

	v, _ = p.Get("rcon.password")
	assert.Equal(t, "se:cret", v.String())

	v, _ = p.Get("spawn-protection")
	assert.Equal(t, "16", v.String())
}

func TestWriteThenRead_PreservesOrderAndEscapes(t *testing.T) {
	p := New()
	p.Set("motd", String("line one\nline two"))
	p.Set("path", String(`C:\worlds`))
	p.Set("max-players", Int(20))
	p.Set("pvp", Bool(false))
	p.Set("odd=key", String("v"))

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, p))

	back, err := Read(&buf)
	require.NoError(t, err)
	assert.True(t, p.Equal(back), "got %v", back.Map())
}

func TestWriteThenRead_EdgeCharacters(t *testing.T) {
	p := New()
	p.Set("motd", String("  padded motd "))
	p.Set("#not-a-comment", String("1"))
	p.Set("!bang", String("2"))
	p.Set("tail", String(`ends with \`))

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, p))
	assert.Contains(t, buf.String(), `motd=\  padded motd `)
	assert.Contains(t, buf.String(), `\#not-a-comment=1`)

	back, err := Read(&buf)
	require.NoError(t, err)
	assert.True(t, p.Equal(back), "got %v", back.Map())
}

func TestReadContinuationLines(t *testing.T) {
	p, err := Read(strings.NewReader("motd=Hello \\\n    World\nlevel-name=a\\\\\nseed=1\n# comment \\\nlast=x\\"))
	require.NoError(t, err)

	v, _ := p.Get("motd")
	assert.Equal(t, "Hello World", v.String())
	// Чётное число обратных слешей не продолжает строку.
	v, _ = p.Get("level-name")
	assert.Equal(t, `a\`, v.String())
	v, _ = p.Get("seed")
	assert.Equal(t, "1", v.String())
	v, _ = p.Get("last")
	assert.Equal(t, "x", v.String())
	assert.Equal(t, []string{"motd", "level-name", "seed", "last"}, p.Keys())
}

func TestUnicodeEscape(t *testing.T) {
	p, err := Read(strings.NewReader(`motd=\u00a7aGreen`))
	require.NoError(t, err)
	v, _ := p.Get("motd")
	assert.Equal(t, "§aGreen", v.String())

	_, err = Read(strings.NewReader(`motd=\u00`))
	assert.Error(t, err)
}

func TestProperties_SetDeleteClone(t *testing.T) {
	p := New()
	p.SetString("a", "1")
	p.SetString("b", "x")
	p.SetString("a", "2")
	assert.Equal(t, []string{"a", "b"}, p.Keys())

	c := p.Clone()
	p.Delete("a")
	assert.Equal(t, []string{"b"}, p.Keys())
	assert.Equal(t, 2, c.Len())
	v, _ := c.Get("a")
	assert.Equal(t, "2", v.String())

	p.Delete("missing")
	assert.Equal(t, 1, p.Len())
}

func TestFromMap_Order(t *testing.T) {
	p := FromMap(map[string]string{"z": "1", "a": "2", "m": "3"}, "m")
	assert.Equal(t, []string{"m", "a", "z"}, p.Keys())
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", FileName)

	_, err := ReadFile(path)
	assert.True(t, os.IsNotExist(err))

	p := New()
	p.Set("server-port", Int(24000))
	require.NoError(t, WriteFile(path, p))

	back, err := ReadFile(path)
	require.NoError(t, err)
	assert.True(t, p.Equal(back))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}
