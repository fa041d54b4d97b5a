package tools

import (
	"encoding/json"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileSchemaEmpty(t *testing.T) {
	v, err := CompileSchema(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	// Nil validators accept everything.
	assert.NoError(t, v.Validate(json.RawMessage(`{"anything":true}`)))
}

func TestCompileSchemaInvalid(t *testing.T) {
	_, err := CompileSchema(json.RawMessage(`{"type":`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	v, err := CompileSchema(json.RawMessage(`{
		"type": "object",
		"properties": {"value": {"type": "string"}},
		"required": ["value"],
		"additionalProperties": false
	}`))
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.NoError(t, v.Validate(json.RawMessage(`{"value":"ok"}`)))
	assert.Error(t, v.Validate(json.RawMessage(`{"value":1}`)))
	assert.Error(t, v.Validate(json.RawMessage(`{"other":"x"}`)))
	assert.Error(t, v.Validate(json.RawMessage(`not json`)))
}

func TestValidateEmptyArgsAsEmptyObject(t *testing.T) {
	v, err := CompileSchema(json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	assert.NoError(t, v.Validate(nil))

	required, err := CompileSchema(json.RawMessage(`{"type":"object","required":["value"]}`))
	require.NoError(t, err)
	assert.Error(t, required.Validate(nil))
}

func TestSnapshot(t *testing.T) {
	def := Definition{
		Name:        "echo",
		Description: "Echoes input.",
		Schema:      json.RawMessage(`{"type":"object"}`),
		Strict:      true,
		MaxUses:     3,
	}
	snap := def.Snapshot()
	assert.Equal(t, "echo", snap.Name)
	assert.Equal(t, "Echoes input.", snap.Description)
	assert.True(t, snap.Strict)
	assert.Equal(t, 3, snap.MaxUses)

	snaps := Snapshots([]Definition{def, {Name: "other"}})
	require.Len(t, snaps, 2)
	assert.Equal(t, "other", snaps[1].Name)
}

func TestRenderFileTree(t *testing.T) {
	fsys := fstest.MapFS{
		"b.txt":          {Data: []byte("b")},
		"a/nested.go":    {Data: []byte("x")},
		"a/zz.go":        {Data: []byte("y")},
		".hidden":        {Data: []byte("h")},
		"c/.git/ignored": {Data: []byte("g")},
	}

	out, err := RenderFileTree(fsys, 0)
	require.NoError(t, err)
	assert.Equal(t, "a/\n  nested.go\n  zz.go\nb.txt\nc/\n", out)
}

func TestRenderFileTreeMaxEntries(t *testing.T) {
	fsys := fstest.MapFS{
		"a.txt": {Data: []byte("a")},
		"b.txt": {Data: []byte("b")},
		"c.txt": {Data: []byte("c")},
	}

	out, err := RenderFileTree(fsys, 2)
	require.NoError(t, err)
	assert.Equal(t, "a.txt\nb.txt\n", out)
}
